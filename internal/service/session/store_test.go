package session_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/zhouzirui/graymar/client/internal/model/game"
	"github.com/zhouzirui/graymar/client/internal/service/authority"
	"github.com/zhouzirui/graymar/client/internal/service/mapper"
	"github.com/zhouzirui/graymar/client/internal/service/poller"
	"github.com/zhouzirui/graymar/client/internal/service/session"
)

type fakeAuthority struct {
	mu sync.Mutex

	createView *game.RunView
	createErr  error
	active     *game.ActiveRun
	runView    *game.RunView
	runErr     error

	submit   func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error)
	requests []game.SubmitTurnRequest
}

func (f *fakeAuthority) CreateRun(ctx context.Context, req game.CreateRunRequest) (*game.RunView, error) {
	return f.createView, f.createErr
}

func (f *fakeAuthority) ActiveRun(ctx context.Context) (*game.ActiveRun, error) {
	if f.active == nil {
		return nil, authority.ErrNoActiveRun
	}
	return f.active, nil
}

func (f *fakeAuthority) GetRun(ctx context.Context, runID string) (*game.RunView, error) {
	return f.runView, f.runErr
}

func (f *fakeAuthority) SubmitTurn(ctx context.Context, runID string, req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.submit(req)
}

func (f *fakeAuthority) lastRequest(t *testing.T) game.SubmitTurnRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no turn submitted")
	}
	return f.requests[len(f.requests)-1]
}

type startedPoll struct {
	runID    string
	turnNo   int
	fallback string
	resolve  poller.ResolveFunc
}

type fakePoller struct {
	mu      sync.Mutex
	started []startedPoll
	stopped int
}

func (p *fakePoller) Start(runID string, turnNo int, fallback string, resolve poller.ResolveFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, startedPoll{runID: runID, turnNo: turnNo, fallback: fallback, resolve: resolve})
}

func (p *fakePoller) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
}

func (p *fakePoller) resolve(t *testing.T, turnNo int, text string) {
	t.Helper()
	p.mu.Lock()
	var found *startedPoll
	for i := len(p.started) - 1; i >= 0; i-- {
		if p.started[i].turnNo == turnNo {
			found = &p.started[i]
			break
		}
	}
	p.mu.Unlock()
	if found == nil {
		t.Fatalf("no poller started for turn %d", turnNo)
	}
	found.resolve(poller.Result{RunID: found.runID, TurnNo: turnNo, Text: text, Resolution: poller.Narrated})
}

func (p *fakePoller) turns() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.started))
	for i, s := range p.started {
		out[i] = s.turnNo
	}
	return out
}

func counter(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newStore(auth *fakeAuthority, p *fakePoller) *session.Store {
	return session.NewStore(auth, p,
		session.WithIDGenerator(counter("msg")),
		session.WithKeyGenerator(counter("key")),
	)
}

func strPtr(s string) *string { return &s }

func hubStart() *game.RunView {
	return &game.RunView{
		Run:         game.RunInfo{ID: "run-1", PresetID: "desert", Gender: "male", CurrentTurnNo: 0},
		CurrentNode: &game.NodePosition{NodeType: game.NodeHub, NodeIndex: 0},
		RunState:    &game.RunState{HP: 90, MaxHP: 100, Stamina: 5, MaxStamina: 5, Gold: 20},
		LastResult: &game.TurnResult{
			TurnNo:  0,
			Node:    game.NodeRef{Type: game.NodeHub},
			Summary: game.Summary{Short: "You arrive.", Display: "You arrive at the gate."},
			Events:  []game.Event{{Kind: game.EventSystem, Text: "The market is open"}},
			Choices: []game.ResultChoice{{ID: "go_market", Label: "Market"}, {ID: "go_docks", Label: "Docks"}},
		},
		Turns: []game.TurnRecord{{TurnNo: 0, LLMStatus: game.LLMPending}},
	}
}

func startedStore(t *testing.T, auth *fakeAuthority, p *fakePoller) *session.Store {
	t.Helper()
	if auth.createView == nil {
		auth.createView = hubStart()
	}
	store := newStore(auth, p)
	if err := store.Start(context.Background(), "desert", "male"); err != nil {
		t.Fatalf("start: %v", err)
	}
	return store
}

func kinds(messages []game.DisplayMessage) []game.MessageKind {
	out := make([]game.MessageKind, len(messages))
	for i, m := range messages {
		out[i] = m.Kind
	}
	return out
}

func TestStartWithPendingNarrationDefersContent(t *testing.T) {
	auth := &fakeAuthority{}
	p := &fakePoller{}
	store := startedStore(t, auth, p)

	st := store.Snapshot()
	if st.Phase != game.PhaseHub {
		t.Fatalf("expected hub phase, got %s", st.Phase)
	}
	if st.SessionID != "run-1" || st.NextTurnNumber != 1 {
		t.Fatalf("unexpected session identity: %s next=%d", st.SessionID, st.NextTurnNumber)
	}
	if st.Vitals.HP != 90 || st.Vitals.Gold != 20 {
		t.Fatalf("vitals not taken from snapshot: %+v", st.Vitals)
	}
	got := kinds(st.Transcript)
	if len(got) != 2 || got[0] != game.KindSystem || got[1] != game.KindNarrator {
		t.Fatalf("expected system + narrator visible, got %v", got)
	}
	narrator := st.Transcript[1]
	if !narrator.Loading || narrator.Text != "" || narrator.ID != "narrator-0" {
		t.Fatalf("unexpected narrator placeholder: %+v", narrator)
	}
	if len(st.LiveChoices) != 0 {
		t.Fatalf("live choices should be empty, got %v", st.LiveChoices)
	}
	if len(st.DeferredChoices) != 2 || len(st.DeferredTranscript) != 1 {
		t.Fatalf("expected deferred choice prompt and choices, got %d/%d", len(st.DeferredTranscript), len(st.DeferredChoices))
	}
	if turns := p.turns(); len(turns) != 1 || turns[0] != 0 {
		t.Fatalf("expected poller for turn 0, got %v", turns)
	}
	if p.started[0].fallback != "You arrive at the gate." {
		t.Fatalf("unexpected fallback %q", p.started[0].fallback)
	}
}

func TestFlushBeforeNarrationKeepsPlaceholder(t *testing.T) {
	auth := &fakeAuthority{}
	p := &fakePoller{}
	store := startedStore(t, auth, p)

	store.FlushDeferred()
	st := store.Snapshot()
	if st.HasDeferred() {
		t.Fatal("flush should empty deferred content")
	}
	if len(st.LiveChoices) != 2 {
		t.Fatalf("expected choices live after flush, got %v", st.LiveChoices)
	}
	narrator, ok := st.Message("narrator-0")
	if !ok || !narrator.Loading || narrator.Text != "" {
		t.Fatalf("flush should not touch the placeholder: %+v", narrator)
	}
	if st.Transcript[len(st.Transcript)-1].Kind != game.KindChoicePrompt {
		t.Fatalf("choice prompt should be appended last, got %v", kinds(st.Transcript))
	}
}

func TestNarrationResolvesPlaceholderButKeepsDeferred(t *testing.T) {
	view := hubStart()
	view.Run.CurrentTurnNo = 3
	view.LastResult.TurnNo = 3
	view.Turns = []game.TurnRecord{{TurnNo: 3, LLMStatus: game.LLMPending}}
	auth := &fakeAuthority{createView: view}
	p := &fakePoller{}
	store := startedStore(t, auth, p)

	var mu sync.Mutex
	var published []session.State
	unsubscribe := store.Subscribe(func(st session.State) {
		mu.Lock()
		published = append(published, st)
		mu.Unlock()
	})
	defer unsubscribe()

	p.resolve(t, 3, "A cold wind sweeps...")

	st := store.Snapshot()
	narrator, ok := st.Message(mapper.NarratorID(mapper.NarratorPrefix, 3))
	if !ok {
		t.Fatal("narrator message missing")
	}
	if narrator.Loading || narrator.Text != "A cold wind sweeps..." {
		t.Fatalf("narrator not patched: %+v", narrator)
	}
	if !st.HasDeferred() || len(st.LiveChoices) != 0 {
		t.Fatal("deferred content must wait for an explicit flush")
	}
	if st.NextTurnNumber != 4 {
		t.Fatalf("expected next turn 4, got %d", st.NextTurnNumber)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 {
		t.Fatalf("expected one publish for the patch, got %d", len(published))
	}
}

func TestStartTwiceFails(t *testing.T) {
	auth := &fakeAuthority{}
	store := startedStore(t, auth, &fakePoller{})
	if err := store.Start(context.Background(), "desert", "male"); !errors.Is(err, session.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestStartFailureFaults(t *testing.T) {
	auth := &fakeAuthority{createErr: fmt.Errorf("%w: dial refused", authority.ErrTransport)}
	store := newStore(auth, &fakePoller{})
	if err := store.Start(context.Background(), "desert", "male"); err == nil {
		t.Fatal("expected start error")
	}
	st := store.Snapshot()
	if st.Phase != game.PhaseFaulted || st.LastFault == "" {
		t.Fatalf("expected faulted session, got %s %q", st.Phase, st.LastFault)
	}
	store.ClearFault()
	if st := store.Snapshot(); st.Phase != game.PhaseFaulted || st.LastFault != "" {
		t.Fatalf("unattached session should stay faulted with fault cleared, got %s %q", st.Phase, st.LastFault)
	}
}

func TestSubmitRejectedKeepsTurnNumber(t *testing.T) {
	view := hubStart()
	view.Run.CurrentTurnNo = 4
	view.LastResult.TurnNo = 4
	view.Turns = []game.TurnRecord{{TurnNo: 4, LLMStatus: game.LLMDone, LLMOutput: strPtr("Gate.")}}
	auth := &fakeAuthority{createView: view}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		return nil, &authority.APIError{Status: http.StatusConflict, Code: authority.CodeTurnMismatch, Message: "expected 7"}
	}
	store := startedStore(t, auth, &fakePoller{})

	err := store.SubmitAction(context.Background(), "look around")
	if !authority.IsRejected(err) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if got := auth.lastRequest(t).ExpectedNextTurnNo; got != 5 {
		t.Fatalf("expected submission for turn 5, got %d", got)
	}

	st := store.Snapshot()
	if st.NextTurnNumber != 5 {
		t.Fatalf("next turn should remain 5, got %d", st.NextTurnNumber)
	}
	if st.SubmissionInFlight {
		t.Fatal("in-flight flag should reset")
	}
	if st.LastFault != "[TURN_NO_MISMATCH] expected 7" {
		t.Fatalf("unexpected fault %q", st.LastFault)
	}
	if st.Phase != game.PhaseHub {
		t.Fatalf("rejection should not change phase, got %s", st.Phase)
	}
}

func TestSubmitActionAppendsPlayerAndDefersPendingContent(t *testing.T) {
	auth := &fakeAuthority{}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		return &game.SubmitTurnResponse{
			Accepted: true,
			TurnNo:   1,
			ServerResult: game.TurnResult{
				TurnNo:  1,
				Node:    game.NodeRef{Type: game.NodeHub},
				Summary: game.Summary{Short: "You look around."},
				Events:  []game.Event{{Kind: game.EventGold, Text: "+3 gold"}},
				Diff:    &game.Diff{Inventory: game.InventoryDiff{GoldDelta: 3}},
				UI:      &game.ResultUI{ResolveOutcome: game.OutcomeSuccess},
				Choices: []game.ResultChoice{{ID: "rest", Label: "Rest"}},
			},
			LLM: game.LLMReport{Status: game.LLMPending},
		}, nil
	}
	p := &fakePoller{}
	store := startedStore(t, auth, p)
	store.FlushDeferred()
	before := len(store.Snapshot().Transcript)

	if err := store.SubmitAction(context.Background(), "  look around "); err != nil {
		t.Fatalf("submit: %v", err)
	}
	req := auth.lastRequest(t)
	if req.Input.Type != game.InputAction || req.Input.Text != "look around" || req.Options != nil {
		t.Fatalf("unexpected request: %+v", req)
	}

	st := store.Snapshot()
	added := kinds(st.Transcript[before:])
	want := []game.MessageKind{game.KindPlayer, game.KindSystem, game.KindOutcome, game.KindNarrator}
	if fmt.Sprint(added) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, added)
	}
	if st.Vitals.Gold != 23 {
		t.Fatalf("expected gold 23, got %d", st.Vitals.Gold)
	}
	if st.ResolveOutcome != game.OutcomeSuccess {
		t.Fatalf("resolve outcome not mirrored: %q", st.ResolveOutcome)
	}
	if st.NextTurnNumber != 2 || st.SubmissionInFlight {
		t.Fatalf("unexpected turn bookkeeping: next=%d inflight=%v", st.NextTurnNumber, st.SubmissionInFlight)
	}
	if len(st.DeferredChoices) != 1 || len(st.LiveChoices) != 0 {
		t.Fatal("choices should be deferred while narration is pending")
	}
	if turns := p.turns(); turns[len(turns)-1] != 1 {
		t.Fatalf("expected poller for turn 1, got %v", turns)
	}
}

func TestSubmitChoiceFreezesPromptAndClearsChoices(t *testing.T) {
	auth := &fakeAuthority{}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		return &game.SubmitTurnResponse{
			Accepted:     true,
			TurnNo:       1,
			ServerResult: game.TurnResult{TurnNo: 1, Node: game.NodeRef{Type: game.NodeHub}, Summary: game.Summary{Short: "Market."}},
			LLM:          game.LLMReport{Status: game.LLMDone, Narrative: strPtr("Stalls crowd the square.")},
		}, nil
	}
	p := &fakePoller{}
	store := startedStore(t, auth, p)
	store.FlushDeferred()

	if err := store.SubmitChoice(context.Background(), "nope"); !errors.Is(err, session.ErrUnknownChoice) {
		t.Fatalf("expected ErrUnknownChoice, got %v", err)
	}
	if err := store.SubmitChoice(context.Background(), "go_market"); err != nil {
		t.Fatalf("submit choice: %v", err)
	}
	if req := auth.lastRequest(t); req.Input.Type != game.InputChoice || req.Input.ChoiceID != "go_market" {
		t.Fatalf("unexpected input: %+v", req.Input)
	}

	st := store.Snapshot()
	var prompt game.DisplayMessage
	for _, m := range st.Transcript {
		if m.Kind == game.KindChoicePrompt {
			prompt = m
		}
	}
	if prompt.SelectedChoiceID != "go_market" {
		t.Fatalf("prompt not frozen: %+v", prompt)
	}
	narrator, ok := st.Message("narrator-1")
	if !ok || narrator.Loading || narrator.Text != "Stalls crowd the square." {
		t.Fatalf("inline narration should be final: %+v", narrator)
	}
	if len(p.turns()) != 1 {
		t.Fatalf("no poller expected for inline narration, got %v", p.turns())
	}
	if len(st.LiveChoices) != 0 {
		t.Fatalf("result without choices leaves none live, got %v", st.LiveChoices)
	}
}

func TestSubmitChoiceFailureKeepsSelection(t *testing.T) {
	auth := &fakeAuthority{}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		return nil, &authority.APIError{Status: http.StatusConflict, Code: authority.CodeTurnMismatch, Message: "expected 7"}
	}
	store := startedStore(t, auth, &fakePoller{})
	store.FlushDeferred()

	if err := store.SubmitChoice(context.Background(), "go_market"); !authority.IsRejected(err) {
		t.Fatalf("expected rejected error, got %v", err)
	}

	st := store.Snapshot()
	if len(st.LiveChoices) != 0 {
		t.Fatalf("choices stay cleared after a failed submission, got %v", st.LiveChoices)
	}
	var prompt game.DisplayMessage
	for _, m := range st.Transcript {
		if m.Kind == game.KindChoicePrompt {
			prompt = m
		}
	}
	if prompt.SelectedChoiceID != "go_market" {
		t.Fatalf("prompt selection should stand: %+v", prompt)
	}
	if st.LastFault != "[TURN_NO_MISMATCH] expected 7" || st.SubmissionInFlight {
		t.Fatalf("unexpected fault state %q in-flight=%v", st.LastFault, st.SubmissionInFlight)
	}
}

func TestSubmitInFlightGuard(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	auth := &fakeAuthority{}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		close(entered)
		<-release
		return &game.SubmitTurnResponse{
			Accepted:     true,
			TurnNo:       1,
			ServerResult: game.TurnResult{TurnNo: 1, Summary: game.Summary{Short: "ok"}},
			LLM:          game.LLMReport{Status: game.LLMDone, Narrative: strPtr("ok")},
		}, nil
	}
	store := startedStore(t, auth, &fakePoller{})

	done := make(chan error, 1)
	go func() { done <- store.SubmitAction(context.Background(), "first") }()
	<-entered

	if !store.Snapshot().SubmissionInFlight {
		t.Fatal("expected in-flight flag while submitting")
	}
	if err := store.SubmitAction(context.Background(), "second"); !errors.Is(err, session.ErrSubmissionInFlight) {
		t.Fatalf("expected ErrSubmissionInFlight, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if len(auth.requests) != 1 {
		t.Fatalf("expected a single request, got %d", len(auth.requests))
	}
}

func TestCombatSubmissionSkipsNarration(t *testing.T) {
	view := hubStart()
	view.CurrentNode = &game.NodePosition{NodeType: game.NodeCombat, NodeIndex: 2}
	view.BattleState = &game.CombatSnapshot{Enemies: []game.Enemy{{ID: "e1", Name: "Thug", HP: 10, MaxHP: 10}}}
	view.Turns = []game.TurnRecord{{TurnNo: 0, LLMStatus: game.LLMSkipped}}
	auth := &fakeAuthority{createView: view}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		return &game.SubmitTurnResponse{
			Accepted: true,
			TurnNo:   1,
			ServerResult: game.TurnResult{
				TurnNo:  1,
				Node:    game.NodeRef{Type: game.NodeCombat, Index: 2},
				Summary: game.Summary{Short: "You strike."},
				Events:  []game.Event{{Kind: game.EventDamage, Text: "Thug takes 4"}},
				Diff:    &game.Diff{Enemies: []game.EnemyDiff{{EnemyID: "e1", HP: game.Change{From: 10, To: 6, Delta: -4}}}},
			},
			LLM: game.LLMReport{Status: game.LLMSkipped},
		}, nil
	}
	p := &fakePoller{}
	store := startedStore(t, auth, p)
	if st := store.Snapshot(); st.Phase != game.PhaseInCombat {
		t.Fatalf("expected combat phase, got %s", st.Phase)
	}

	if err := store.SubmitAction(context.Background(), "strike"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	req := auth.lastRequest(t)
	if req.Options == nil || !req.Options.SkipLLM {
		t.Fatalf("combat submission should skip narration: %+v", req.Options)
	}
	st := store.Snapshot()
	if st.Combat == nil || st.Combat.Enemies[0].HP != 6 {
		t.Fatalf("enemy delta not applied: %+v", st.Combat)
	}
	last := st.Transcript[len(st.Transcript)-1]
	if last.Kind != game.KindSystem || last.Text != "Thug takes 4" {
		t.Fatalf("expected combat log entry, got %+v", last)
	}
	if len(p.turns()) != 0 {
		t.Fatalf("no pollers expected in combat, got %v", p.turns())
	}
}

func TestNodeEndedWithTransitionEntersCombat(t *testing.T) {
	enterTurn := 3
	auth := &fakeAuthority{}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		return &game.SubmitTurnResponse{
			Accepted: true,
			TurnNo:   1,
			ServerResult: game.TurnResult{
				TurnNo:  1,
				Summary: game.Summary{Short: "You leave the gate."},
				Events:  []game.Event{{Kind: game.EventLoot, Text: "Found a knife"}},
				Diff: &game.Diff{
					Player:    game.PlayerDiff{HP: game.Change{From: 90, To: 80, Delta: -10}},
					Inventory: game.InventoryDiff{ItemsAdded: []game.InventoryItem{{ItemID: "knife", Qty: 1}}},
				},
			},
			LLM:  game.LLMReport{Status: game.LLMPending},
			Meta: &game.TurnMeta{NodeOutcome: game.NodeEnded},
			Transition: &game.Transition{
				NextNodeIndex: 1,
				NextNodeType:  game.NodeCombat,
				EnterTurnNo:   &enterTurn,
				BattleState:   &game.CombatSnapshot{Enemies: []game.Enemy{{ID: "e1", Name: "Thug", HP: 12, MaxHP: 12}}},
				EnterResult: game.TurnResult{
					TurnNo:  3,
					Summary: game.Summary{Short: "Ambush!", Display: "Back Alley"},
					Events:  []game.Event{{Kind: game.EventSystem, Text: "Combat begins"}},
					Choices: []game.ResultChoice{{ID: "attack", Label: "Attack"}},
				},
			},
		}, nil
	}
	p := &fakePoller{}
	store := startedStore(t, auth, p)
	store.FlushDeferred()

	var mu sync.Mutex
	var phases []game.Phase
	unsubscribe := store.Subscribe(func(st session.State) {
		mu.Lock()
		phases = append(phases, st.Phase)
		mu.Unlock()
	})
	defer unsubscribe()

	if err := store.SubmitAction(context.Background(), "leave"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	st := store.Snapshot()
	if _, ok := st.Message("narrator-1"); ok {
		t.Fatal("narration of the ended node should be suppressed")
	}
	if st.Phase != game.PhaseInCombat || st.CurrentNodeType != game.NodeCombat || st.CurrentNodeIndex != 1 {
		t.Fatalf("expected combat node 1, got %s %s %d", st.Phase, st.CurrentNodeType, st.CurrentNodeIndex)
	}
	if st.Vitals.HP != 80 || game.Quantity(st.Inventory, "knife") != 1 {
		t.Fatalf("ending turn deltas not applied: %+v %+v", st.Vitals, st.Inventory)
	}
	if st.Combat == nil || len(st.Combat.Enemies) != 1 {
		t.Fatalf("combat snapshot not taken from transition: %+v", st.Combat)
	}
	if st.NextTurnNumber != 4 {
		t.Fatalf("expected next turn 4, got %d", st.NextTurnNumber)
	}
	if st.LocationName != "Back Alley" {
		t.Fatalf("unexpected location %q", st.LocationName)
	}
	enter, ok := st.Message("narrator-3")
	if !ok || !enter.Loading {
		t.Fatalf("expected loading enter narration, got %+v", enter)
	}
	if len(st.DeferredChoices) != 1 || st.DeferredChoices[0].ID != "attack" {
		t.Fatalf("enter choices should be deferred: %v", st.DeferredChoices)
	}
	if turns := p.turns(); turns[len(turns)-1] != 3 {
		t.Fatalf("expected poller for enter turn, got %v", turns)
	}

	mu.Lock()
	defer mu.Unlock()
	sawTransition := false
	for _, ph := range phases {
		if ph == game.PhaseTransitioning {
			sawTransition = true
		}
	}
	if !sawTransition {
		t.Fatalf("transition phase never published: %v", phases)
	}
}

func TestNodeEndedWithoutTransitionRefetches(t *testing.T) {
	auth := &fakeAuthority{
		runView: &game.RunView{
			Run:         game.RunInfo{ID: "run-1", CurrentTurnNo: 2},
			CurrentNode: &game.NodePosition{NodeType: game.NodeLocation, NodeIndex: 1},
		},
	}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		return &game.SubmitTurnResponse{
			Accepted:     true,
			TurnNo:       1,
			ServerResult: game.TurnResult{TurnNo: 1, Summary: game.Summary{Short: "You leave."}},
			LLM:          game.LLMReport{Status: game.LLMSkipped},
			Meta:         &game.TurnMeta{NodeOutcome: game.NodeEnded},
		}, nil
	}
	store := startedStore(t, auth, &fakePoller{})

	if err := store.SubmitAction(context.Background(), "leave"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	st := store.Snapshot()
	if st.Phase != game.PhaseAtLocation || st.NextTurnNumber != 3 {
		t.Fatalf("expected location at next turn 3, got %s %d", st.Phase, st.NextTurnNumber)
	}

	auth.runErr = &authority.APIError{Status: http.StatusNotFound, Code: authority.CodeRunNotFound, Message: "gone"}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		return &game.SubmitTurnResponse{
			Accepted:     true,
			TurnNo:       3,
			ServerResult: game.TurnResult{TurnNo: 3, Summary: game.Summary{Short: "You leave again."}},
			LLM:          game.LLMReport{Status: game.LLMSkipped},
			Meta:         &game.TurnMeta{NodeOutcome: game.NodeEnded},
		}, nil
	}
	if err := store.SubmitAction(context.Background(), "leave"); err == nil {
		t.Fatal("expected refetch failure")
	}
	st = store.Snapshot()
	if st.Phase != game.PhaseFaulted || st.LastFault != "[RUN_NOT_FOUND] gone" {
		t.Fatalf("expected faulted session, got %s %q", st.Phase, st.LastFault)
	}

	store.ClearFault()
	if st := store.Snapshot(); st.Phase != game.PhaseAtLocation || st.LastFault != "" {
		t.Fatalf("clear fault should restore node phase, got %s %q", st.Phase, st.LastFault)
	}
}

func TestRunEndedStopsProcessing(t *testing.T) {
	auth := &fakeAuthority{}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		return &game.SubmitTurnResponse{
			Accepted: true,
			TurnNo:   1,
			ServerResult: game.TurnResult{
				TurnNo:  1,
				Summary: game.Summary{Short: "You escape the city."},
				Diff:    &game.Diff{Inventory: game.InventoryDiff{GoldDelta: 100}},
			},
			LLM:  game.LLMReport{Status: game.LLMPending},
			Meta: &game.TurnMeta{NodeOutcome: game.RunEnded},
		}, nil
	}
	p := &fakePoller{}
	store := startedStore(t, auth, p)

	if err := store.SubmitAction(context.Background(), "escape"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	st := store.Snapshot()
	if st.Phase != game.PhaseEnded {
		t.Fatalf("expected ended phase, got %s", st.Phase)
	}
	if st.Vitals.Gold != 120 {
		t.Fatalf("deltas should apply before ending, got gold %d", st.Vitals.Gold)
	}
	if len(st.LiveChoices) != 0 {
		t.Fatalf("no choices after the run ends, got %v", st.LiveChoices)
	}
	narrator, ok := st.Message("narrator-1")
	if !ok || !narrator.Loading {
		t.Fatalf("closing narration should still be loading: %+v", narrator)
	}
	if turns := p.turns(); len(turns) != 2 || turns[1] != 1 {
		t.Fatalf("expected a poller for the final turn, got %v", turns)
	}

	p.resolve(t, 1, "The gate closes behind you.")
	narrator, _ = store.Snapshot().Message("narrator-1")
	if narrator.Loading || narrator.Text != "The gate closes behind you." {
		t.Fatalf("closing narration not patched: %+v", narrator)
	}
	if err := store.SubmitAction(context.Background(), "again"); !errors.Is(err, session.ErrNotPlayable) {
		t.Fatalf("expected ErrNotPlayable, got %v", err)
	}
}

func TestTransitionWithoutMetaEntersNode(t *testing.T) {
	enterTurn := 3
	auth := &fakeAuthority{}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		return &game.SubmitTurnResponse{
			Accepted:     true,
			TurnNo:       1,
			ServerResult: game.TurnResult{TurnNo: 1, Summary: game.Summary{Short: "You slip away."}},
			LLM:          game.LLMReport{Status: game.LLMPending},
			Transition: &game.Transition{
				NextNodeIndex: 1,
				NextNodeType:  game.NodeCombat,
				EnterTurnNo:   &enterTurn,
				EnterResult: game.TurnResult{
					TurnNo:  3,
					Summary: game.Summary{Short: "Ambush!"},
					Choices: []game.ResultChoice{{ID: "attack", Label: "Attack"}},
				},
			},
		}, nil
	}
	p := &fakePoller{}
	store := startedStore(t, auth, p)
	store.FlushDeferred()

	if err := store.SubmitAction(context.Background(), "slip away"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	st := store.Snapshot()
	if st.Phase != game.PhaseInCombat || st.CurrentNodeType != game.NodeCombat {
		t.Fatalf("expected combat node, got %s %s", st.Phase, st.CurrentNodeType)
	}
	if st.NextTurnNumber != 4 {
		t.Fatalf("expected next turn 4, got %d", st.NextTurnNumber)
	}
	if _, ok := st.Message("narrator-1"); ok {
		t.Fatal("narration of the ended node should be suppressed")
	}
	if turns := p.turns(); len(turns) != 2 || turns[1] != 3 {
		t.Fatalf("expected pollers for turns 0 and 3, got %v", turns)
	}
}

func TestDuplicateResponseDoesNotReapplyDeltas(t *testing.T) {
	auth := &fakeAuthority{}
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		return &game.SubmitTurnResponse{
			Accepted: true,
			TurnNo:   0,
			ServerResult: game.TurnResult{
				TurnNo:  0,
				Summary: game.Summary{Short: "replayed"},
				Diff:    &game.Diff{Inventory: game.InventoryDiff{GoldDelta: 5}},
			},
			LLM: game.LLMReport{Status: game.LLMSkipped},
		}, nil
	}
	store := startedStore(t, auth, &fakePoller{})
	before := store.Snapshot()

	if err := store.SubmitAction(context.Background(), "again"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	after := store.Snapshot()
	if after.Vitals.Gold != before.Vitals.Gold {
		t.Fatalf("duplicate response applied gold twice: %d -> %d", before.Vitals.Gold, after.Vitals.Gold)
	}
	if after.SubmissionInFlight {
		t.Fatal("in-flight flag should reset on duplicate")
	}
}

func TestTransportFailureReusesIdempotencyKey(t *testing.T) {
	auth := &fakeAuthority{}
	calls := 0
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("%w: timeout", authority.ErrTransport)
		}
		return &game.SubmitTurnResponse{
			Accepted:     true,
			TurnNo:       1,
			ServerResult: game.TurnResult{TurnNo: 1, Summary: game.Summary{Short: "ok"}},
			LLM:          game.LLMReport{Status: game.LLMSkipped},
		}, nil
	}
	store := startedStore(t, auth, &fakePoller{})

	if err := store.SubmitAction(context.Background(), "wait"); !authority.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	first := auth.lastRequest(t).IdempotencyKey
	if err := store.SubmitAction(context.Background(), "wait"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := auth.lastRequest(t).IdempotencyKey; got != first {
		t.Fatalf("retry should reuse key %s, got %s", first, got)
	}
}

func TestTranscriptOnlyGrows(t *testing.T) {
	auth := &fakeAuthority{}
	turn := 0
	auth.submit = func(req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
		turn++
		return &game.SubmitTurnResponse{
			Accepted: true,
			TurnNo:   turn,
			ServerResult: game.TurnResult{
				TurnNo:  turn,
				Summary: game.Summary{Short: fmt.Sprintf("turn %d", turn)},
				Choices: []game.ResultChoice{{ID: "next", Label: "Next"}},
			},
			LLM: game.LLMReport{Status: game.LLMPending},
		}, nil
	}
	p := &fakePoller{}
	store := startedStore(t, auth, p)

	var ids []string
	for i := 0; i < 3; i++ {
		if err := store.SubmitAction(context.Background(), "go"); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		st := store.Snapshot()
		if len(st.Transcript) < len(ids) {
			t.Fatalf("transcript shrank from %d to %d", len(ids), len(st.Transcript))
		}
		for j, id := range ids {
			if st.Transcript[j].ID != id {
				t.Fatalf("message %d changed identity: %s -> %s", j, id, st.Transcript[j].ID)
			}
		}
		ids = ids[:0]
		for _, m := range st.Transcript {
			ids = append(ids, m.ID)
		}
	}

	p.resolve(t, 1, "late narration")
	st := store.Snapshot()
	if m, _ := st.Message("narrator-1"); m.Text != "late narration" {
		t.Fatalf("late narration not patched: %+v", m)
	}
	for _, m := range st.Transcript {
		if m.Kind == game.KindChoicePrompt {
			t.Fatalf("stale choice prompt leaked into transcript: %+v", m)
		}
	}
}

func TestResumeRestartsPendingNarration(t *testing.T) {
	auth := &fakeAuthority{
		active: &game.ActiveRun{RunID: "run-9", PresetID: "harbor", Gender: "female", CurrentTurnNo: 6},
		runView: &game.RunView{
			Run:         game.RunInfo{ID: "run-9", CurrentTurnNo: 6},
			CurrentNode: &game.NodePosition{NodeType: "SHOP", NodeIndex: 4},
			LastResult: &game.TurnResult{
				TurnNo:  6,
				Summary: game.Summary{Short: "You haggle."},
				Choices: []game.ResultChoice{{ID: "buy", Label: "Buy"}},
			},
			Turns: []game.TurnRecord{{TurnNo: 6, LLMStatus: game.LLMPending}},
		},
	}
	p := &fakePoller{}
	store := newStore(auth, p)

	active, err := store.CheckActive(context.Background())
	if err != nil || active.RunID != "run-9" {
		t.Fatalf("check active: %v %+v", err, active)
	}
	if err := store.Resume(context.Background(), ""); err != nil {
		t.Fatalf("resume: %v", err)
	}

	st := store.Snapshot()
	if st.SessionID != "run-9" || st.PresetID != "harbor" || st.Variant != "female" {
		t.Fatalf("unexpected identity: %+v", st)
	}
	if st.Phase != game.PhaseAtLocation || st.NextTurnNumber != 7 {
		t.Fatalf("expected location at turn 7, got %s %d", st.Phase, st.NextTurnNumber)
	}
	if len(st.LiveChoices) != 1 || st.HasDeferred() {
		t.Fatal("resume shows choices immediately")
	}
	if n, _ := st.Message("narrator-6"); !n.Loading {
		t.Fatalf("pending narration should stay loading: %+v", n)
	}
	if turns := p.turns(); len(turns) != 1 || turns[0] != 6 {
		t.Fatalf("expected poller restarted for turn 6, got %v", turns)
	}
}

func TestResumeSettlesFinishedNarration(t *testing.T) {
	auth := &fakeAuthority{
		runView: &game.RunView{
			Run:         game.RunInfo{ID: "run-2", CurrentTurnNo: 2},
			CurrentNode: &game.NodePosition{NodeType: game.NodeHub},
			LastResult:  &game.TurnResult{TurnNo: 2, Summary: game.Summary{Short: "Back at the gate."}},
			Turns:       []game.TurnRecord{{TurnNo: 2, LLMStatus: game.LLMFailed}},
		},
	}
	p := &fakePoller{}
	store := newStore(auth, p)

	if err := store.Resume(context.Background(), "run-2"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	n, ok := store.Snapshot().Message("narrator-2")
	if !ok || n.Loading || n.Text != "Back at the gate." {
		t.Fatalf("expected fallback narration, got %+v", n)
	}
	if len(p.turns()) != 0 {
		t.Fatalf("no poller expected, got %v", p.turns())
	}
}

func TestResetDropsLateNarration(t *testing.T) {
	auth := &fakeAuthority{}
	p := &fakePoller{}
	store := startedStore(t, auth, p)

	store.Reset()
	if p.stopped == 0 {
		t.Fatal("reset should stop pollers")
	}
	p.resolve(t, 0, "too late")

	st := store.Snapshot()
	if st.Phase != game.PhaseNotStarted || st.SessionID != "" || len(st.Transcript) != 0 {
		t.Fatalf("reset did not restore initial state: %+v", st)
	}
	if err := store.SubmitAction(context.Background(), "hello"); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if _, err := store.CheckActive(context.Background()); !errors.Is(err, authority.ErrNoActiveRun) {
		t.Fatalf("expected ErrNoActiveRun, got %v", err)
	}
}
