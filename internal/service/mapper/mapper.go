package mapper

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/zhouzirui/graymar/client/internal/model/game"
)

const (
	// NarratorPrefix marks narrator entries that are patched once the
	// generated narration arrives.
	NarratorPrefix = "narrator"
	// EnterPrefix marks node-entry narration that is shown as final text.
	EnterPrefix = "enter"
)

// Options controls how a result is turned into display messages.
type Options struct {
	// IDPrefix defaults to NarratorPrefix.
	IDPrefix string
	// SkipNarration surfaces combat events as system notices and omits the narrator.
	SkipNarration bool
	// Narration, when set, is already-final narrator text.
	Narration *string
	// NewID generates ids for system and choice messages. Defaults to uuid.
	NewID func() string
}

// NarratorID returns the id of the narrator message for a turn.
func NarratorID(prefix string, turnNo int) string {
	if prefix == "" {
		prefix = NarratorPrefix
	}
	return fmt.Sprintf("%s-%d", prefix, turnNo)
}

// OutcomeID returns the id of the resolve outcome message for a turn.
func OutcomeID(turnNo int) string {
	return fmt.Sprintf("resolve-%d", turnNo)
}

// MapResult converts a turn result into ordered display messages: system
// events, the resolve outcome, the narrator entry, then the choice prompt.
func MapResult(result game.TurnResult, opts Options) []game.DisplayMessage {
	prefix := opts.IDPrefix
	if prefix == "" {
		prefix = NarratorPrefix
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	messages := make([]game.DisplayMessage, 0, len(result.Events)+3)

	for _, event := range result.Events {
		if game.IsSystemEvent(event.Kind) {
			messages = append(messages, game.DisplayMessage{ID: newID(), Kind: game.KindSystem, Text: event.Text})
		}
	}

	// Without narration the combat log is the only account of what happened.
	if opts.SkipNarration {
		for _, event := range result.Events {
			if game.IsCombatEvent(event.Kind) {
				messages = append(messages, game.DisplayMessage{ID: newID(), Kind: game.KindSystem, Text: event.Text})
			}
		}
	}

	if result.UI != nil && result.UI.ResolveOutcome.Valid() {
		messages = append(messages, game.DisplayMessage{
			ID:      OutcomeID(result.TurnNo),
			Kind:    game.KindOutcome,
			Outcome: result.UI.ResolveOutcome,
		})
	}

	if !opts.SkipNarration {
		narrator := game.DisplayMessage{ID: NarratorID(prefix, result.TurnNo), Kind: game.KindNarrator}
		switch {
		case opts.Narration != nil:
			narrator.Text = *opts.Narration
		case prefix == NarratorPrefix:
			narrator.Loading = true
		default:
			narrator.Text = result.FallbackText()
		}
		messages = append(messages, narrator)
	}

	if choices := result.ChoiceSet(); len(choices) > 0 {
		messages = append(messages, game.DisplayMessage{ID: newID(), Kind: game.KindChoicePrompt, Choices: choices})
	}

	return messages
}

// Partition splits messages into those matching keep and the rest, preserving order.
func Partition(messages []game.DisplayMessage, keep func(game.DisplayMessage) bool) (kept, rest []game.DisplayMessage) {
	for _, m := range messages {
		if keep(m) {
			kept = append(kept, m)
		} else {
			rest = append(rest, m)
		}
	}
	return kept, rest
}

// WithoutNarrator drops narrator entries.
func WithoutNarrator(messages []game.DisplayMessage) []game.DisplayMessage {
	_, rest := Partition(messages, func(m game.DisplayMessage) bool { return m.Kind == game.KindNarrator })
	return rest
}
