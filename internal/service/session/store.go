// Package session owns the client-side game session: it submits turns to the
// authority, reconciles the results into local state and patches narration
// in once it has been generated.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/graymar/client/internal/model/game"
	"github.com/zhouzirui/graymar/client/internal/service/authority"
	"github.com/zhouzirui/graymar/client/internal/service/mapper"
	"github.com/zhouzirui/graymar/client/internal/service/poller"
)

var (
	ErrSessionActive      = errors.New("a session is already started")
	ErrNoSession          = errors.New("no session attached")
	ErrSubmissionInFlight = errors.New("a turn submission is already in flight")
	ErrEmptyInput         = errors.New("input is required")
	ErrNotAccepted        = errors.New("turn was not accepted")
)

// Authority is the remote turn-resolution service.
type Authority interface {
	CreateRun(ctx context.Context, req game.CreateRunRequest) (*game.RunView, error)
	ActiveRun(ctx context.Context) (*game.ActiveRun, error)
	GetRun(ctx context.Context, runID string) (*game.RunView, error)
	SubmitTurn(ctx context.Context, runID string, req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error)
}

// NarrativePoller waits for a turn's narration in the background.
type NarrativePoller interface {
	Start(runID string, turnNo int, fallback string, resolve poller.ResolveFunc)
	StopAll()
}

// Option configures a Store.
type Option func(*Store)

// WithKeyGenerator overrides how idempotency keys are generated.
func WithKeyGenerator(fn func() string) Option {
	return func(s *Store) { s.newKey = fn }
}

// WithIDGenerator overrides how message ids are generated.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// retryKey remembers the key of a submission that never got a response so
// that resubmitting the same input reuses it.
type retryKey struct {
	input  game.TurnInput
	turnNo int
	key    string
}

// Store is the session orchestrator. Commands may be called from any
// goroutine; network calls run without holding the state lock.
type Store struct {
	authority Authority
	narrative NarrativePoller
	newKey    func() string
	newID     func() string

	mu         sync.Mutex
	state      State
	epoch      uint64
	reconciled map[int]struct{}
	retry      *retryKey

	pubMu  sync.Mutex
	subMu  sync.Mutex
	subs   map[int]func(State)
	nextID int
}

// NewStore creates a store with no session attached.
func NewStore(auth Authority, narrative NarrativePoller, opts ...Option) *Store {
	s := &Store{
		authority:  auth,
		narrative:  narrative,
		newKey:     uuid.NewString,
		newID:      uuid.NewString,
		state:      initialState(),
		reconciled: make(map[int]struct{}),
		subs:       make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers fn to receive a snapshot after every change. fn must
// not call back into the store synchronously. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(State)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	snap := s.Snapshot()

	s.subMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Start creates a new session on the authority.
func (s *Store) Start(ctx context.Context, presetID, variant string) error {
	s.mu.Lock()
	idle := s.state.Phase == game.PhaseNotStarted || (s.state.Phase == game.PhaseFaulted && s.state.SessionID == "")
	if !idle {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.state.Phase = game.PhaseLoading
	s.state.LastFault = ""
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()
	s.publish()

	view, err := s.authority.CreateRun(ctx, game.CreateRunRequest{PresetID: presetID, Gender: variant})

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		log.Printf("[session] dropping stale create response")
		return nil
	}
	if err != nil {
		s.state.Phase = game.PhaseFaulted
		s.state.LastFault = authority.Message(err)
		s.mu.Unlock()
		s.publish()
		log.Printf("[session] start failed: %v", err)
		return fmt.Errorf("start session: %w", err)
	}

	poll := s.hydrateStart(view, presetID, variant)
	s.mu.Unlock()
	s.publish()

	log.Printf("[session] started run=%s node=%s", view.Run.ID, view.NodeType())
	if poll != nil {
		s.poll(epoch, *poll)
	}
	return nil
}

type pollRequest struct {
	runID    string
	turnNo   int
	fallback string
}

// hydrateStart fills the session from a creation response. Caller holds mu.
func (s *Store) hydrateStart(view *game.RunView, presetID, variant string) *pollRequest {
	st := baseState(view)
	st.PresetID = presetID
	st.Variant = variant
	s.state = st
	s.reconciled = make(map[int]struct{})
	s.retry = nil

	result := view.LastResult
	if result == nil {
		return nil
	}
	s.reconciled[result.TurnNo] = struct{}{}
	if result.Summary.Display != "" {
		s.state.LocationName = result.Summary.Display
	}

	record, _ := view.Turn(result.TurnNo)
	narration, skip := narrationFor(record.LLMStatus, record.LLMOutput, *result, false)
	messages := mapper.MapResult(*result, mapper.Options{Narration: narration, SkipNarration: skip, NewID: s.newID})

	if !hasLoadingNarrator(messages) {
		s.state.Transcript = messages
		s.state.LiveChoices = result.ChoiceSet()
		return nil
	}

	// Narration still being generated: show notices and the placeholder,
	// hold back everything else until the narration has been revealed.
	visible, rest := mapper.Partition(messages, func(m game.DisplayMessage) bool {
		return m.Kind == game.KindSystem || m.Kind == game.KindNarrator
	})
	s.state.Transcript = visible
	s.state.DeferredTranscript = rest
	s.state.DeferredChoices = result.ChoiceSet()
	return &pollRequest{runID: view.Run.ID, turnNo: result.TurnNo, fallback: result.FallbackText()}
}

// CheckActive asks the authority for a resumable session and records it.
func (s *Store) CheckActive(ctx context.Context) (*game.ActiveRun, error) {
	active, err := s.authority.ActiveRun(ctx)
	if err != nil && !errors.Is(err, authority.ErrNoActiveRun) {
		return nil, fmt.Errorf("check active run: %w", err)
	}

	s.mu.Lock()
	if active != nil {
		copied := *active
		s.state.ActiveRun = &copied
	} else {
		s.state.ActiveRun = nil
	}
	s.mu.Unlock()
	s.publish()

	if active == nil {
		return nil, authority.ErrNoActiveRun
	}
	return active, nil
}

// Resume re-hydrates the session from the authority's current snapshot. An
// empty sessionID resumes the run found by CheckActive.
func (s *Store) Resume(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if sessionID == "" && s.state.ActiveRun != nil {
		sessionID = s.state.ActiveRun.RunID
	}
	if sessionID == "" {
		s.mu.Unlock()
		return ErrNoSession
	}
	if s.state.SubmissionInFlight {
		s.mu.Unlock()
		return ErrSubmissionInFlight
	}
	s.state.Phase = game.PhaseLoading
	s.state.LastFault = ""
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()
	s.narrative.StopAll()
	s.publish()

	view, err := s.authority.GetRun(ctx, sessionID)

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		log.Printf("[session] dropping stale resume response for run=%s", sessionID)
		return nil
	}
	if err != nil {
		s.state.Phase = game.PhaseFaulted
		s.state.LastFault = authority.Message(err)
		s.mu.Unlock()
		s.publish()
		log.Printf("[session] resume of run=%s failed: %v", sessionID, err)
		return fmt.Errorf("resume session: %w", err)
	}

	poll := s.hydrateResume(view)
	s.mu.Unlock()
	s.publish()

	log.Printf("[session] resumed run=%s at turn=%d", view.Run.ID, view.Run.CurrentTurnNo)
	if poll != nil {
		s.poll(epoch, *poll)
	}
	return nil
}

// hydrateResume fills the session from a snapshot. Caller holds mu.
func (s *Store) hydrateResume(view *game.RunView) *pollRequest {
	prev := s.state
	st := baseState(view)
	st.PresetID = view.Run.PresetID
	st.Variant = view.Run.Gender
	if st.PresetID == "" && prev.ActiveRun != nil {
		st.PresetID = prev.ActiveRun.PresetID
		st.Variant = prev.ActiveRun.Gender
	}
	s.state = st
	s.reconciled = make(map[int]struct{})
	s.retry = nil

	result := view.LastResult
	if result == nil {
		return nil
	}
	s.reconciled[result.TurnNo] = struct{}{}

	record, ok := view.Turn(result.TurnNo)
	if !ok && len(view.Turns) > 0 {
		record = view.Turns[0]
	}

	// Only a turn that is still generating keeps its placeholder; anything
	// else settles on the generated text or the mechanical summary.
	settle := record.LLMStatus != game.LLMPending
	narration, skip := narrationFor(record.LLMStatus, record.LLMOutput, *result, settle)
	s.state.Transcript = mapper.MapResult(*result, mapper.Options{Narration: narration, SkipNarration: skip, NewID: s.newID})
	s.state.LiveChoices = result.ChoiceSet()

	if !hasLoadingNarrator(s.state.Transcript) {
		return nil
	}
	return &pollRequest{runID: view.Run.ID, turnNo: result.TurnNo, fallback: result.FallbackText()}
}

func baseState(view *game.RunView) State {
	st := initialState()
	st.Phase = game.PhaseForNode(view.NodeType())
	st.SessionID = view.Run.ID
	st.CurrentNodeType = view.NodeType()
	st.CurrentNodeIndex = view.NodeIndex()
	st.NextTurnNumber = view.Run.CurrentTurnNo + 1
	st.Combat = view.BattleState.Clone()
	if view.RunState != nil {
		st.Vitals = view.RunState.Vitals()
		st.Inventory = append([]game.InventoryItem(nil), view.RunState.Inventory...)
	}
	if view.LastResult != nil && view.LastResult.UI != nil && view.LastResult.UI.WorldState != nil {
		ws := *view.LastResult.UI.WorldState
		st.WorldState = &ws
	}
	return st
}

// FlushDeferred reveals held-back messages and makes the held-back choices live.
func (s *Store) FlushDeferred() {
	s.mu.Lock()
	if !s.state.HasDeferred() {
		s.mu.Unlock()
		return
	}
	s.state.Transcript = append(s.state.Transcript, s.state.DeferredTranscript...)
	s.state.LiveChoices = s.state.DeferredChoices
	s.state.DeferredTranscript = nil
	s.state.DeferredChoices = nil
	s.mu.Unlock()
	s.publish()
}

// ClearFault clears the last fault. A faulted session that is still attached
// returns to the phase of its current node.
func (s *Store) ClearFault() {
	s.mu.Lock()
	s.state.LastFault = ""
	if s.state.Phase == game.PhaseFaulted && s.state.SessionID != "" {
		s.state.Phase = game.PhaseForNode(s.state.CurrentNodeType)
	}
	s.mu.Unlock()
	s.publish()
}

// Reset discards the session and stops every narration poller.
func (s *Store) Reset() {
	s.mu.Lock()
	s.epoch++
	s.state = initialState()
	s.reconciled = make(map[int]struct{})
	s.retry = nil
	s.mu.Unlock()

	s.narrative.StopAll()
	s.publish()
}

func (s *Store) poll(epoch uint64, req pollRequest) {
	s.narrative.Start(req.runID, req.turnNo, req.fallback, func(r poller.Result) {
		s.resolveNarration(epoch, r)
	})
}

// resolveNarration patches the narrator placeholder of a turn with its final text.
func (s *Store) resolveNarration(epoch uint64, r poller.Result) {
	s.mu.Lock()
	if epoch != s.epoch || r.RunID != s.state.SessionID {
		s.mu.Unlock()
		return
	}
	id := mapper.NarratorID(mapper.NarratorPrefix, r.TurnNo)
	patched := false
	for i := range s.state.Transcript {
		m := &s.state.Transcript[i]
		if m.ID == id && m.Loading {
			m.Text = r.Text
			m.Loading = false
			patched = true
			break
		}
	}
	s.mu.Unlock()

	if patched {
		log.Printf("[session] narration for run=%s turn=%d resolved (%s)", r.RunID, r.TurnNo, r.Resolution)
		s.publish()
	}
}

// narrationFor decides the narrator text for a result given the narration
// status. A nil text with skip=false yields a loading placeholder; settle
// forces a final text instead of a placeholder.
func narrationFor(status game.LLMStatus, output *string, result game.TurnResult, settle bool) (text *string, skip bool) {
	fallback := result.FallbackText()
	switch status {
	case game.LLMDone:
		if output != nil {
			return output, false
		}
	case game.LLMSkipped:
		return nil, true
	case game.LLMFailed:
		return &fallback, false
	case game.LLMPending:
	}
	if settle {
		return &fallback, false
	}
	return nil, false
}

func hasLoadingNarrator(messages []game.DisplayMessage) bool {
	for _, m := range messages {
		if m.Kind == game.KindNarrator && m.Loading {
			return true
		}
	}
	return false
}
