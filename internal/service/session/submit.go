package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zhouzirui/graymar/client/internal/model/game"
	"github.com/zhouzirui/graymar/client/internal/service/authority"
)

var (
	ErrNotPlayable   = errors.New("session is not accepting input")
	ErrUnknownChoice = errors.New("choice is not currently offered")
)

// SubmitAction sends free-text input for the next turn.
func (s *Store) SubmitAction(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	s.mu.Lock()
	if err := s.checkPlayable(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state.Transcript = append(s.state.Transcript, game.DisplayMessage{
		ID:   s.newID(),
		Kind: game.KindPlayer,
		Text: text,
	})
	return s.submitLocked(ctx, game.TurnInput{Type: game.InputAction, Text: text})
}

// SubmitChoice sends the selection of one of the live choices.
func (s *Store) SubmitChoice(ctx context.Context, choiceID string) error {
	if strings.TrimSpace(choiceID) == "" {
		return ErrEmptyInput
	}

	s.mu.Lock()
	if err := s.checkPlayable(); err != nil {
		s.mu.Unlock()
		return err
	}
	offered := false
	for _, c := range s.state.LiveChoices {
		if c.ID == choiceID && !c.Disabled {
			offered = true
			break
		}
	}
	if !offered {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChoice, choiceID)
	}

	// Freeze the prompt that offered the choice. The selection stands even
	// if the submission fails.
	for i := len(s.state.Transcript) - 1; i >= 0; i-- {
		m := &s.state.Transcript[i]
		if m.Kind == game.KindChoicePrompt && m.HasChoice(choiceID) && m.SelectedChoiceID == "" {
			m.SelectedChoiceID = choiceID
			break
		}
	}
	s.state.LiveChoices = nil

	return s.submitLocked(ctx, game.TurnInput{Type: game.InputChoice, ChoiceID: choiceID})
}

// checkPlayable is called with mu held.
func (s *Store) checkPlayable() error {
	if s.state.SessionID == "" {
		return ErrNoSession
	}
	if s.state.SubmissionInFlight {
		return ErrSubmissionInFlight
	}
	if !s.state.Phase.Gameplay() {
		return fmt.Errorf("%w: phase %s", ErrNotPlayable, s.state.Phase)
	}
	return nil
}

// submitLocked is entered with mu held and releases it before the network
// call. Optimistic transcript changes are kept when the submission fails.
func (s *Store) submitLocked(ctx context.Context, input game.TurnInput) error {
	runID := s.state.SessionID
	turnNo := s.state.NextTurnNumber
	epoch := s.epoch

	key := s.newKey()
	if r := s.retry; r != nil && r.turnNo == turnNo && r.input == input {
		key = r.key
	}

	req := game.SubmitTurnRequest{
		IdempotencyKey:     key,
		ExpectedNextTurnNo: turnNo,
		Input:              input,
	}
	if s.state.CurrentNodeType == game.NodeCombat {
		req.Options = &game.TurnOptions{SkipLLM: true}
	}

	s.state.SubmissionInFlight = true
	s.state.LastFault = ""
	s.mu.Unlock()
	s.publish()

	resp, err := s.authority.SubmitTurn(ctx, runID, req)
	if err == nil && !resp.Accepted {
		err = ErrNotAccepted
	}

	if err != nil {
		s.mu.Lock()
		if epoch != s.epoch {
			s.mu.Unlock()
			return nil
		}
		s.state.SubmissionInFlight = false
		s.state.LastFault = authority.Message(err)
		if authority.IsTransport(err) {
			s.retry = &retryKey{input: input, turnNo: turnNo, key: key}
		} else {
			s.retry = nil
		}
		s.mu.Unlock()
		s.publish()
		log.Printf("[session] submit turn=%d for run=%s failed: %v", turnNo, runID, err)
		return fmt.Errorf("submit turn %d: %w", turnNo, err)
	}

	return s.reconcile(ctx, epoch, runID, resp)
}
