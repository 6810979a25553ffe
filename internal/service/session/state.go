package session

import "github.com/zhouzirui/graymar/client/internal/model/game"

// State is the observable session aggregate. Readers get copies through
// Store.Snapshot and Store.Subscribe; only Store command handlers mutate it.
type State struct {
	Phase            game.Phase `json:"phase"`
	SessionID        string     `json:"sessionId,omitempty"`
	PresetID         string     `json:"presetId,omitempty"`
	Variant          string     `json:"variant,omitempty"`
	CurrentNodeType  string     `json:"currentNodeType,omitempty"`
	CurrentNodeIndex int        `json:"currentNodeIndex"`
	NextTurnNumber   int        `json:"nextTurnNumber"`

	Vitals    game.Vitals          `json:"vitals"`
	Inventory []game.InventoryItem `json:"inventory"`
	Combat    *game.CombatSnapshot `json:"combat,omitempty"`

	Transcript         []game.DisplayMessage `json:"transcript"`
	DeferredTranscript []game.DisplayMessage `json:"deferredTranscript"`
	DeferredChoices    []game.Choice         `json:"deferredChoices"`
	LiveChoices        []game.Choice         `json:"liveChoices"`

	SubmissionInFlight bool   `json:"submissionInFlight"`
	LastFault          string `json:"lastFault,omitempty"`

	WorldState     *game.WorldState `json:"worldState,omitempty"`
	ResolveOutcome game.Outcome     `json:"resolveOutcome,omitempty"`
	LocationName   string           `json:"locationName,omitempty"`
	ActiveRun      *game.ActiveRun  `json:"activeRun,omitempty"`
}

func initialState() State {
	return State{
		Phase:          game.PhaseNotStarted,
		NextTurnNumber: 1,
		Vitals:         game.DefaultVitals,
	}
}

// HasDeferred reports whether a flush would change anything.
func (s State) HasDeferred() bool {
	return len(s.DeferredTranscript) > 0 || len(s.DeferredChoices) > 0
}

// Message finds a transcript entry by id.
func (s State) Message(id string) (game.DisplayMessage, bool) {
	for _, m := range s.Transcript {
		if m.ID == id {
			return m, true
		}
	}
	return game.DisplayMessage{}, false
}

func (s State) clone() State {
	out := s
	out.Inventory = append([]game.InventoryItem(nil), s.Inventory...)
	out.Combat = s.Combat.Clone()
	out.Transcript = game.CloneMessages(s.Transcript)
	out.DeferredTranscript = game.CloneMessages(s.DeferredTranscript)
	out.DeferredChoices = append([]game.Choice(nil), s.DeferredChoices...)
	out.LiveChoices = append([]game.Choice(nil), s.LiveChoices...)
	if s.WorldState != nil {
		ws := *s.WorldState
		out.WorldState = &ws
	}
	if s.ActiveRun != nil {
		ar := *s.ActiveRun
		out.ActiveRun = &ar
	}
	return out
}
