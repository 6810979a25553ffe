// Package poller waits for a turn's generated narration, one background task
// per turn number.
package poller

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/graymar/client/internal/config"
	"github.com/zhouzirui/graymar/client/internal/model/game"
)

// DetailFetcher asks the authority for a turn's narration state.
type DetailFetcher interface {
	TurnDetail(ctx context.Context, runID string, turnNo int) (*game.TurnDetail, error)
}

// Resolution is how a poll ended.
type Resolution string

const (
	// Narrated means the generated text arrived.
	Narrated Resolution = "NARRATED"
	// FellBack means narration failed or never arrived; Text is the fallback summary.
	FellBack Resolution = "FELL_BACK"
)

// Result is delivered once per poll that was not cancelled.
type Result struct {
	RunID      string
	TurnNo     int
	Text       string
	Resolution Resolution
	Attempts   int
}

// ResolveFunc receives the final narration text of a turn.
type ResolveFunc func(Result)

type task struct {
	id     uint64
	runID  string
	cancel context.CancelFunc
}

// Scheduler runs pollers keyed by turn number. Starting a poller for a turn
// that already has one cancels the older one.
type Scheduler struct {
	fetcher DetailFetcher
	cfg     config.PollerConfig

	mu    sync.Mutex
	seq   uint64
	tasks map[int]*task
	wg    sync.WaitGroup
}

// NewScheduler creates a scheduler. Zero config values fall back to the defaults.
func NewScheduler(fetcher DetailFetcher, cfg config.PollerConfig) *Scheduler {
	def := config.DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Scheduler{
		fetcher: fetcher,
		cfg:     cfg,
		tasks:   make(map[int]*task),
	}
}

// Start begins polling turnNo of runID. resolve is called exactly once unless
// the poller is stopped or superseded first.
func (s *Scheduler) Start(runID string, turnNo int, fallback string, resolve ResolveFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if prev, ok := s.tasks[turnNo]; ok {
		log.Printf("[poller] replacing poller for run=%s turn=%d", prev.runID, turnNo)
		prev.cancel()
	}
	s.seq++
	t := &task{id: s.seq, runID: runID, cancel: cancel}
	s.tasks[turnNo] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(ctx, t, turnNo, fallback, resolve)
	}()
}

func (s *Scheduler) run(ctx context.Context, t *task, turnNo int, fallback string, resolve ResolveFunc) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for attempts := 1; ; attempts++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		text, resolution, done := s.attempt(ctx, t.runID, turnNo, fallback)
		if !done && attempts >= s.cfg.MaxAttempts {
			log.Printf("[poller] run=%s turn=%d gave up after %d attempts", t.runID, turnNo, attempts)
			text, resolution, done = fallback, FellBack, true
		}
		if !done {
			continue
		}

		if !s.finish(turnNo, t.id) {
			return
		}
		resolve(Result{RunID: t.runID, TurnNo: turnNo, Text: text, Resolution: resolution, Attempts: attempts})
		return
	}
}

// attempt performs one status query. Transport errors count as "not yet".
func (s *Scheduler) attempt(ctx context.Context, runID string, turnNo int, fallback string) (string, Resolution, bool) {
	detail, err := s.fetcher.TurnDetail(ctx, runID, turnNo)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[poller] run=%s turn=%d detail failed, retrying: %v", runID, turnNo, err)
		}
		return "", "", false
	}

	switch detail.LLM.Status {
	case game.LLMDone:
		if detail.LLM.Output != nil {
			return *detail.LLM.Output, Narrated, true
		}
		return "", "", false
	case game.LLMFailed:
		return fallback, FellBack, true
	case game.LLMPending, game.LLMSkipped:
		return "", "", false
	default:
		return "", "", false
	}
}

// finish removes the task if it is still the registered one for turnNo.
func (s *Scheduler) finish(turnNo int, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[turnNo]
	if !ok || current.id != id {
		return false
	}
	delete(s.tasks, turnNo)
	return true
}

// StopAll cancels every running poller.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for turnNo, t := range s.tasks {
		t.cancel()
		delete(s.tasks, turnNo)
	}
}

// Active lists the turn numbers currently being polled.
func (s *Scheduler) Active() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]int, 0, len(s.tasks))
	for turnNo := range s.tasks {
		turns = append(turns, turnNo)
	}
	sort.Ints(turns)
	return turns
}

// Wait blocks until every started poller has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
