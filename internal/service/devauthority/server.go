// Package devauthority is an in-memory turn-resolution service for local
// play and tests. It speaks the same HTTP contract as the real authority.
package devauthority

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/zhouzirui/graymar/client/internal/model/game"
	"github.com/zhouzirui/graymar/client/internal/service/authority"
	"github.com/zhouzirui/graymar/client/internal/service/narration"
	"github.com/zhouzirui/graymar/client/pkg/utils"
)

const userHeader = "x-user-id"

type turnRecord struct {
	result    game.TurnResult
	input     string
	status    game.LLMStatus
	output    *string
	modelUsed *string
}

type run struct {
	id       string
	userID   string
	presetID string
	gender   string
	ended    bool

	nodeIndex  int
	turnNo     int
	hp         int
	maxHP      int
	stamina    int
	maxStamina int
	gold       int
	heat       int
	inventory  []game.InventoryItem
	battle     *game.CombatSnapshot

	turns   map[int]*turnRecord
	replies map[string]*game.SubmitTurnResponse
}

func (r *run) addItem(itemID string, qty int) {
	for i := range r.inventory {
		if r.inventory[i].ItemID == itemID {
			r.inventory[i].Qty += qty
			return
		}
	}
	r.inventory = append(r.inventory, game.InventoryItem{ItemID: itemID, Qty: qty})
}

func (r *run) removeItem(itemID string, qty int) {
	for i := range r.inventory {
		if r.inventory[i].ItemID == itemID {
			r.inventory[i].Qty -= qty
			if r.inventory[i].Qty <= 0 {
				r.inventory = append(r.inventory[:i], r.inventory[i+1:]...)
			}
			return
		}
	}
}

// Server owns every run in memory.
type Server struct {
	narrator narration.Narrator
	delay    time.Duration

	mu     sync.Mutex
	runs   map[string]*run
	active map[string]string
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithNarrationDelay holds narration PENDING for d before generating it.
func WithNarrationDelay(d time.Duration) Option {
	return func(s *Server) { s.delay = d }
}

// New creates a server. A nil narrator falls back to narration.Echo.
func New(narrator narration.Narrator, opts ...Option) *Server {
	if narrator == nil {
		narrator = narration.Echo{}
	}
	s := &Server{
		narrator: narrator,
		runs:     make(map[string]*run),
		active:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler of the authority contract.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/v1/runs", func(runs chi.Router) {
		runs.Post("/", s.handleCreate)
		runs.Get("/active", s.handleActive)
		runs.Get("/{runID}", s.handleGet)
		runs.Post("/{runID}/turns", s.handleSubmit)
		runs.Get("/{runID}/turns/{turnNo}", s.handleTurnDetail)
	})
	return r
}

// Wait blocks until every background narration has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func respondFailure(w http.ResponseWriter, status int, code, message string) {
	utils.RespondJSON(w, status, map[string]string{"code": code, "message": message})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		respondFailure(w, http.StatusUnauthorized, "UNAUTHORIZED", "x-user-id header is required")
		return
	}

	var req game.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondFailure(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if strings.TrimSpace(req.PresetID) == "" {
		respondFailure(w, http.StatusBadRequest, "INVALID_REQUEST", "presetId is required")
		return
	}

	s.mu.Lock()
	rn := &run{
		id:         uuid.NewString(),
		userID:     userID,
		presetID:   req.PresetID,
		gender:     req.Gender,
		hp:         100,
		maxHP:      100,
		stamina:    5,
		maxStamina: 5,
		gold:       50,
		inventory:  []game.InventoryItem{{ItemID: itemBandage, Qty: 1}},
		turns:      make(map[int]*turnRecord),
		replies:    make(map[string]*game.SubmitTurnResponse),
	}
	s.runs[rn.id] = rn
	s.active[userID] = rn.id
	s.recordEnter(rn, 0)
	view := s.viewLocked(rn)
	s.mu.Unlock()

	log.Printf("[devauthority] created run=%s preset=%s", rn.id, req.PresetID)
	utils.RespondJSON(w, http.StatusCreated, view)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)

	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[s.active[userID]]
	if !ok || rn.ended {
		respondFailure(w, http.StatusNotFound, "NO_ACTIVE_RUN", "no active run")
		return
	}
	utils.RespondJSON(w, http.StatusOK, game.ActiveRun{
		RunID:         rn.id,
		PresetID:      rn.presetID,
		Gender:        rn.gender,
		CurrentTurnNo: rn.turnNo,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.lookup(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, s.viewLocked(rn))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req game.SubmitTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondFailure(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		respondFailure(w, http.StatusBadRequest, "INVALID_REQUEST", "idempotencyKey is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.lookup(w, r)
	if !ok {
		return
	}

	if prev, seen := rn.replies[req.IdempotencyKey]; seen {
		log.Printf("[devauthority] replaying key=%s for run=%s", req.IdempotencyKey, rn.id)
		utils.RespondJSON(w, http.StatusOK, prev)
		return
	}
	if rn.ended {
		respondFailure(w, http.StatusConflict, "RUN_ENDED", "run has ended")
		return
	}
	if req.ExpectedNextTurnNo != rn.turnNo+1 {
		respondFailure(w, http.StatusConflict, authority.CodeTurnMismatch,
			"expected turn "+strconv.Itoa(rn.turnNo+1)+", got "+strconv.Itoa(req.ExpectedNextTurnNo))
		return
	}

	resp := s.applyTurn(rn, req)
	rn.replies[req.IdempotencyKey] = resp
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTurnDetail(w http.ResponseWriter, r *http.Request) {
	turnNo, err := strconv.Atoi(chi.URLParam(r, "turnNo"))
	if err != nil {
		respondFailure(w, http.StatusBadRequest, "INVALID_REQUEST", "turnNo must be an integer")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.lookup(w, r)
	if !ok {
		return
	}
	rec, ok := rn.turns[turnNo]
	if !ok {
		respondFailure(w, http.StatusNotFound, "TURN_NOT_FOUND", "turn not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, game.TurnDetail{
		LLM: game.TurnNarration{Status: rec.status, Output: rec.output, ModelUsed: rec.modelUsed},
	})
}

// lookup resolves the run of the request. Caller holds mu.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*run, bool) {
	rn, ok := s.runs[chi.URLParam(r, "runID")]
	if !ok || rn.userID != r.Header.Get(userHeader) {
		respondFailure(w, http.StatusNotFound, authority.CodeRunNotFound, "run not found")
		return nil, false
	}
	return rn, true
}

// applyTurn resolves one accepted submission. Caller holds mu.
func (s *Server) applyTurn(rn *run, req game.SubmitTurnRequest) *game.SubmitTurnResponse {
	turnNo := rn.turnNo + 1
	rn.turnNo = turnNo

	out := resolve(rn, turnNo, req.Input)
	skip := route[rn.nodeIndex] == game.NodeCombat || (req.Options != nil && req.Options.SkipLLM)

	input := req.Input.Text
	if req.Input.Type == game.InputChoice {
		input = req.Input.ChoiceID
	}
	rec := &turnRecord{result: out.result, input: input}
	rn.turns[turnNo] = rec

	resp := &game.SubmitTurnResponse{
		Accepted:     true,
		TurnNo:       turnNo,
		ServerResult: out.result,
		Meta:         &game.TurnMeta{NodeOutcome: out.nodeOutcome, PolicyResult: "ALLOW"},
	}

	switch {
	case skip:
		rec.status = game.LLMSkipped
	default:
		rec.status = game.LLMPending
		s.narrateLater(rn, turnNo)
	}
	resp.LLM = game.LLMReport{Status: rec.status}

	switch out.nodeOutcome {
	case game.RunEnded:
		rn.ended = true
		log.Printf("[devauthority] run=%s ended at turn=%d", rn.id, turnNo)
	case game.NodeEnded:
		if rn.nodeIndex+1 < len(route) {
			rn.nodeIndex++
			if route[rn.nodeIndex] == game.NodeCombat {
				rn.battle = newBattle()
			} else {
				rn.battle = nil
			}
			enterTurn := turnNo + 1
			rn.turnNo = enterTurn
			enter := s.recordEnter(rn, enterTurn)
			resp.Transition = &game.Transition{
				NextNodeIndex: rn.nodeIndex,
				NextNodeType:  route[rn.nodeIndex],
				EnterResult:   enter,
				BattleState:   rn.battle.Clone(),
				EnterTurnNo:   &enterTurn,
			}
		}
	}
	return resp
}

// recordEnter stores the entry result of the current node. Caller holds mu.
func (s *Server) recordEnter(rn *run, turnNo int) game.TurnResult {
	res := enterResult(rn, turnNo)
	rn.turns[turnNo] = &turnRecord{result: res, status: game.LLMPending}
	rn.turnNo = turnNo
	s.narrateLater(rn, turnNo)
	return res
}

// narrateLater generates a turn's narration in the background. Caller holds mu.
func (s *Server) narrateLater(rn *run, turnNo int) {
	rec := rn.turns[turnNo]
	req := narration.Request{
		RunID:    rn.id,
		TurnNo:   turnNo,
		PresetID: rn.presetID,
		NodeType: rec.result.Node.Type,
		Input:    rec.input,
		Summary:  rec.result.Summary.Short,
		History:  s.historyLocked(rn, turnNo),
	}
	for _, ev := range rec.result.Events {
		req.Events = append(req.Events, ev.Text)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.delay > 0 {
			time.Sleep(s.delay)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		text, err := s.narrator.Narrate(ctx, req)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			log.Printf("[devauthority] narration failed for run=%s turn=%d: %v", req.RunID, req.TurnNo, err)
			rec.status = game.LLMFailed
			return
		}
		name := s.narrator.Name()
		rec.status = game.LLMDone
		rec.output = &text
		rec.modelUsed = &name
	}()
}

// historyLocked returns finished narration before turnNo, oldest first.
func (s *Server) historyLocked(rn *run, turnNo int) []string {
	var out []string
	for n := 0; n < turnNo; n++ {
		if rec, ok := rn.turns[n]; ok && rec.output != nil {
			out = append(out, *rec.output)
		}
	}
	return out
}

// viewLocked renders the run snapshot. Caller holds mu.
func (s *Server) viewLocked(rn *run) game.RunView {
	status := "RUN_ACTIVE"
	if rn.ended {
		status = "RUN_ENDED"
	}
	view := game.RunView{
		Run: game.RunInfo{
			ID:            rn.id,
			PresetID:      rn.presetID,
			Gender:        rn.gender,
			Status:        status,
			CurrentTurnNo: rn.turnNo,
		},
		CurrentNode: &game.NodePosition{NodeType: route[rn.nodeIndex], NodeIndex: rn.nodeIndex},
		BattleState: rn.battle.Clone(),
		RunState: &game.RunState{
			HP:         rn.hp,
			MaxHP:      rn.maxHP,
			Stamina:    rn.stamina,
			MaxStamina: rn.maxStamina,
			Gold:       rn.gold,
			Inventory:  append([]game.InventoryItem(nil), rn.inventory...),
		},
	}
	if rec, ok := rn.turns[rn.turnNo]; ok {
		res := rec.result
		view.LastResult = &res
	}

	turnNos := make([]int, 0, len(rn.turns))
	for n := range rn.turns {
		turnNos = append(turnNos, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(turnNos)))
	for _, n := range turnNos {
		rec := rn.turns[n]
		view.Turns = append(view.Turns, game.TurnRecord{
			TurnNo:    n,
			LLMStatus: rec.status,
			LLMOutput: rec.output,
			Summary:   rec.result.Summary.Short,
		})
	}
	return view
}
