package session

import (
	"context"
	"fmt"
	"log"

	"github.com/zhouzirui/graymar/client/internal/model/game"
	"github.com/zhouzirui/graymar/client/internal/service/authority"
	"github.com/zhouzirui/graymar/client/internal/service/delta"
	"github.com/zhouzirui/graymar/client/internal/service/mapper"
)

// reconcile folds an accepted submission into the session.
func (s *Store) reconcile(ctx context.Context, epoch uint64, runID string, resp *game.SubmitTurnResponse) error {
	s.mu.Lock()
	if epoch != s.epoch || runID != s.state.SessionID {
		s.mu.Unlock()
		log.Printf("[session] dropping stale response for run=%s turn=%d", runID, resp.TurnNo)
		return nil
	}
	s.state.SubmissionInFlight = false
	s.retry = nil

	if _, seen := s.reconciled[resp.TurnNo]; seen {
		s.mu.Unlock()
		s.publish()
		log.Printf("[session] turn=%d already reconciled, ignoring duplicate", resp.TurnNo)
		return nil
	}
	s.reconciled[resp.TurnNo] = struct{}{}

	result := resp.ServerResult
	s.applyResult(result)
	s.flushLeftovers()
	s.state.NextTurnNumber = resp.TurnNo + 1

	outcome := resp.Outcome()
	if outcome == game.RunEnded {
		narration, skip := narrationFor(resp.LLM.Status, resp.LLM.Narrative, result, false)
		messages := s.mapMessages(result, narration, skip)
		s.state.Transcript = append(s.state.Transcript, messages...)
		s.state.LiveChoices = nil
		s.state.Phase = game.PhaseEnded
		s.mu.Unlock()
		s.publish()
		log.Printf("[session] run=%s ended at turn=%d", runID, resp.TurnNo)

		// The closing narration still arrives after the run is over.
		if hasLoadingNarrator(messages) {
			s.poll(epoch, pollRequest{runID: runID, turnNo: resp.TurnNo, fallback: result.FallbackText()})
		}
		return nil
	}

	// An inline transition means the node ended even without meta.
	if outcome == game.NodeEnded || resp.Transition != nil {
		narration, skip := narrationFor(resp.LLM.Status, resp.LLM.Narrative, result, true)
		s.state.Transcript = append(s.state.Transcript, mapper.WithoutNarrator(s.mapMessages(result, narration, skip))...)
		s.state.LiveChoices = nil
		s.state.Phase = game.PhaseTransitioning
		s.mu.Unlock()
		s.publish()

		if resp.Transition != nil {
			return s.enterNode(epoch, runID, *resp.Transition)
		}
		return s.refetchNode(ctx, epoch, runID)
	}

	narration, skip := narrationFor(resp.LLM.Status, resp.LLM.Narrative, result, false)
	messages := s.mapMessages(result, narration, skip)
	var poll *pollRequest
	if hasLoadingNarrator(messages) {
		poll = &pollRequest{runID: runID, turnNo: resp.TurnNo, fallback: result.FallbackText()}
	}

	if poll != nil && resp.LLM.Status == game.LLMPending {
		visible, rest := mapper.Partition(messages, func(m game.DisplayMessage) bool {
			switch m.Kind {
			case game.KindSystem, game.KindOutcome, game.KindNarrator:
				return true
			}
			return false
		})
		s.state.Transcript = append(s.state.Transcript, visible...)
		s.state.DeferredTranscript = rest
		s.state.DeferredChoices = result.ChoiceSet()
		s.state.LiveChoices = nil
	} else {
		s.state.Transcript = append(s.state.Transcript, messages...)
		s.state.LiveChoices = result.ChoiceSet()
	}

	if result.Node.Type != "" {
		s.state.CurrentNodeType = result.Node.Type
		s.state.CurrentNodeIndex = result.Node.Index
		s.state.Phase = game.PhaseForNode(result.Node.Type)
	}
	s.mu.Unlock()
	s.publish()

	if poll != nil {
		s.poll(epoch, *poll)
	}
	return nil
}

// applyResult applies the deltas and mirrors of a result. Caller holds mu.
func (s *Store) applyResult(result game.TurnResult) {
	if result.Diff != nil {
		s.state.Vitals = delta.ApplyVitals(s.state.Vitals, result.Diff)
		s.state.Inventory = delta.ApplyInventory(s.state.Inventory, result.Diff.Inventory)
		s.state.Combat = delta.ApplyEnemies(s.state.Combat, result.Diff.Enemies)
	}
	if result.UI != nil {
		if result.UI.WorldState != nil {
			ws := *result.UI.WorldState
			s.state.WorldState = &ws
		}
		s.state.ResolveOutcome = result.UI.ResolveOutcome
	} else {
		s.state.ResolveOutcome = game.OutcomeNone
	}
}

// flushLeftovers reveals content held back from the previous turn before a
// new one lands. Its choices are no longer valid and are dropped. Caller holds mu.
func (s *Store) flushLeftovers() {
	if len(s.state.DeferredTranscript) > 0 {
		kept, _ := mapper.Partition(s.state.DeferredTranscript, func(m game.DisplayMessage) bool {
			return m.Kind != game.KindChoicePrompt
		})
		s.state.Transcript = append(s.state.Transcript, kept...)
	}
	s.state.DeferredTranscript = nil
	s.state.DeferredChoices = nil
}

func (s *Store) mapMessages(result game.TurnResult, narration *string, skip bool) []game.DisplayMessage {
	return mapper.MapResult(result, mapper.Options{Narration: narration, SkipNarration: skip, NewID: s.newID})
}

// enterNode applies the entry of the next node after a node ended.
func (s *Store) enterNode(epoch uint64, runID string, tr game.Transition) error {
	s.mu.Lock()
	if epoch != s.epoch || runID != s.state.SessionID {
		s.mu.Unlock()
		return nil
	}

	enter := tr.EnterResult
	enterTurn := tr.EnterTurn()
	s.reconciled[enterTurn] = struct{}{}
	s.applyResult(enter)

	messages := s.mapMessages(enter, nil, false)
	visible, rest := mapper.Partition(messages, func(m game.DisplayMessage) bool {
		return m.Kind == game.KindSystem || m.Kind == game.KindNarrator
	})
	s.state.Transcript = append(s.state.Transcript, visible...)
	s.state.DeferredTranscript = rest
	s.state.DeferredChoices = enter.ChoiceSet()
	s.state.LiveChoices = nil

	s.state.CurrentNodeType = tr.NextNodeType
	s.state.CurrentNodeIndex = tr.NextNodeIndex
	s.state.Phase = game.PhaseForNode(tr.NextNodeType)
	s.state.Combat = tr.BattleState.Clone()
	s.state.NextTurnNumber = enterTurn + 1
	if enter.Summary.Display != "" {
		s.state.LocationName = enter.Summary.Display
	}
	s.mu.Unlock()
	s.publish()

	log.Printf("[session] run=%s entered node %s#%d at turn=%d", runID, tr.NextNodeType, tr.NextNodeIndex, enterTurn)
	s.poll(epoch, pollRequest{runID: runID, turnNo: enterTurn, fallback: enter.FallbackText()})
	return nil
}

// refetchNode recovers the next node from the snapshot when a node ended
// without an inline transition.
func (s *Store) refetchNode(ctx context.Context, epoch uint64, runID string) error {
	view, err := s.authority.GetRun(ctx, runID)

	s.mu.Lock()
	if epoch != s.epoch || runID != s.state.SessionID {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.state.Phase = game.PhaseFaulted
		s.state.LastFault = authority.Message(err)
		s.mu.Unlock()
		s.publish()
		log.Printf("[session] refetch of run=%s after node end failed: %v", runID, err)
		return fmt.Errorf("refetch node: %w", err)
	}

	s.state.CurrentNodeType = view.NodeType()
	s.state.CurrentNodeIndex = view.NodeIndex()
	s.state.Phase = game.PhaseForNode(view.NodeType())
	s.state.Combat = view.BattleState.Clone()
	if view.Run.CurrentTurnNo+1 > s.state.NextTurnNumber {
		s.state.NextTurnNumber = view.Run.CurrentTurnNo + 1
	}
	if view.RunState != nil {
		s.state.Vitals = view.RunState.Vitals()
		s.state.Inventory = append([]game.InventoryItem(nil), view.RunState.Inventory...)
	}

	if last := view.LastResult; last != nil {
		if _, seen := s.reconciled[last.TurnNo]; !seen {
			s.reconciled[last.TurnNo] = struct{}{}
			record, _ := view.Turn(last.TurnNo)
			narration, skip := narrationFor(record.LLMStatus, record.LLMOutput, *last, true)
			s.state.Transcript = append(s.state.Transcript, s.mapMessages(*last, narration, skip)...)
			s.state.LiveChoices = last.ChoiceSet()
			if last.Summary.Display != "" {
				s.state.LocationName = last.Summary.Display
			}
		}
	}
	s.mu.Unlock()
	s.publish()
	return nil
}
