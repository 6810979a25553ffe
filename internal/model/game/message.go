package game

// MessageKind tags a transcript entry.
type MessageKind string

const (
	KindSystem       MessageKind = "SYSTEM"
	KindNarrator     MessageKind = "NARRATOR"
	KindPlayer       MessageKind = "PLAYER"
	KindChoicePrompt MessageKind = "CHOICE"
	KindOutcome      MessageKind = "RESOLVE"
)

// Valid reports whether k is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindSystem, KindNarrator, KindPlayer, KindChoicePrompt, KindOutcome:
		return true
	default:
		return false
	}
}

// Outcome is the result tag of a skill check.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomePartial Outcome = "PARTIAL"
	OutcomeFailure Outcome = "FAIL"
)

// Valid reports whether o is a concrete outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure:
		return true
	default:
		return false
	}
}

// Choice is an option offered to the player.
type Choice struct {
	ID       string `json:"id" yaml:"id"`
	Label    string `json:"label" yaml:"label"`
	Hint     string `json:"hint,omitempty" yaml:"hint,omitempty"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// DisplayMessage is one entry of the session transcript. Only Text and
// Loading of a narrator entry may change after it has been appended, and
// SelectedChoiceID of a choice prompt is set once when the player picks.
type DisplayMessage struct {
	ID               string      `json:"id" yaml:"id"`
	Kind             MessageKind `json:"kind" yaml:"kind"`
	Text             string      `json:"text" yaml:"text"`
	Choices          []Choice    `json:"choices,omitempty" yaml:"choices,omitempty"`
	Loading          bool        `json:"loading,omitempty" yaml:"loading,omitempty"`
	SelectedChoiceID string      `json:"selectedChoiceId,omitempty" yaml:"selectedChoiceId,omitempty"`
	Outcome          Outcome     `json:"outcome,omitempty" yaml:"outcome,omitempty"`
}

// HasChoice reports whether the message offers the given choice id.
func (m DisplayMessage) HasChoice(choiceID string) bool {
	for _, c := range m.Choices {
		if c.ID == choiceID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with m.
func (m DisplayMessage) Clone() DisplayMessage {
	if m.Choices != nil {
		m.Choices = append([]Choice(nil), m.Choices...)
	}
	return m
}

// CloneMessages deep-copies a message slice.
func CloneMessages(in []DisplayMessage) []DisplayMessage {
	if in == nil {
		return nil
	}
	out := make([]DisplayMessage, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
