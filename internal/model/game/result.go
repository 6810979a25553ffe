package game

import "encoding/json"

// LLMStatus is the narration state of a turn as reported by the authority.
type LLMStatus string

const (
	LLMPending LLMStatus = "PENDING"
	LLMDone    LLMStatus = "DONE"
	LLMSkipped LLMStatus = "SKIPPED"
	LLMFailed  LLMStatus = "FAILED"
)

// Valid reports whether s is a known narration status.
func (s LLMStatus) Valid() bool {
	switch s {
	case LLMPending, LLMDone, LLMSkipped, LLMFailed:
		return true
	default:
		return false
	}
}

// NodeOutcome is the node-level consequence of a turn.
type NodeOutcome string

const (
	NodeOngoing NodeOutcome = "ONGOING"
	NodeEnded   NodeOutcome = "NODE_ENDED"
	RunEnded    NodeOutcome = "RUN_ENDED"
)

// Event kinds emitted inside a turn result.
const (
	EventSystem           = "SYSTEM"
	EventLoot             = "LOOT"
	EventGold             = "GOLD"
	EventIncidentProgress = "INCIDENT_PROGRESS"
	EventIncidentResolved = "INCIDENT_RESOLVED"
	EventBattle           = "BATTLE"
	EventDamage           = "DAMAGE"
	EventMove             = "MOVE"
	EventStatus           = "STATUS"
)

// IsSystemEvent reports whether kind is always surfaced as a system notice.
func IsSystemEvent(kind string) bool {
	switch kind {
	case EventSystem, EventLoot, EventGold, EventIncidentProgress, EventIncidentResolved:
		return true
	}
	return false
}

// IsCombatEvent reports whether kind belongs to the combat log.
func IsCombatEvent(kind string) bool {
	switch kind {
	case EventBattle, EventDamage, EventMove, EventStatus:
		return true
	}
	return false
}

// TurnResult is the authority's computed consequence of one turn.
type TurnResult struct {
	Version string         `json:"version"`
	TurnNo  int            `json:"turnNo"`
	Node    NodeRef        `json:"node"`
	Summary Summary        `json:"summary"`
	Events  []Event        `json:"events"`
	Diff    *Diff          `json:"diff,omitempty"`
	UI      *ResultUI      `json:"ui,omitempty"`
	Choices []ResultChoice `json:"choices"`
	Flags   Flags          `json:"flags"`
}

// FallbackText is the mechanical summary used when narration is unavailable.
func (r TurnResult) FallbackText() string {
	if r.Summary.Display != "" {
		return r.Summary.Display
	}
	return r.Summary.Short
}

// ChoiceSet converts the result's choices into display choices.
func (r TurnResult) ChoiceSet() []Choice {
	if len(r.Choices) == 0 {
		return nil
	}
	out := make([]Choice, 0, len(r.Choices))
	for _, c := range r.Choices {
		out = append(out, Choice{ID: c.ID, Label: c.Label, Hint: c.Hint})
	}
	return out
}

// NodeRef locates the result in the authority's node graph.
type NodeRef struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Index int    `json:"index"`
	State string `json:"state"`
}

// Summary is the short mechanical description of a turn.
type Summary struct {
	Short   string `json:"short"`
	Display string `json:"display,omitempty"`
}

// Event is one entry of the turn's event log.
type Event struct {
	ID   string         `json:"id"`
	Kind string         `json:"kind"`
	Text string         `json:"text"`
	Tags []string       `json:"tags,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Change describes a numeric value transition.
type Change struct {
	From  int `json:"from"`
	To    int `json:"to"`
	Delta int `json:"delta"`
}

// Diff groups every delta of a turn.
type Diff struct {
	Player    PlayerDiff      `json:"player"`
	Enemies   []EnemyDiff     `json:"enemies"`
	Inventory InventoryDiff   `json:"inventory"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// PlayerDiff holds the player's vital deltas.
type PlayerDiff struct {
	HP      Change     `json:"hp"`
	Stamina Change     `json:"stamina"`
	Status  []StatusOp `json:"status,omitempty"`
}

// EnemyDiff holds one combat participant's deltas.
type EnemyDiff struct {
	EnemyID  string     `json:"enemyId"`
	HP       Change     `json:"hp"`
	Status   []StatusOp `json:"status,omitempty"`
	Distance string     `json:"distance,omitempty"`
	Angle    string     `json:"angle,omitempty"`
}

// StatusOpType names a status-effect mutation.
type StatusOpType string

const (
	StatusAdd    StatusOpType = "ADD"
	StatusRemove StatusOpType = "REMOVE"
	StatusUpdate StatusOpType = "UPDATE"
)

// StatusOp is an explicit status-effect mutation.
type StatusOp struct {
	Type     StatusOpType `json:"type"`
	ID       string       `json:"id"`
	Stacks   *int         `json:"stacks,omitempty"`
	Duration *int         `json:"duration,omitempty"`
}

// InventoryDiff lists inventory changes of a turn.
type InventoryDiff struct {
	ItemsAdded   []InventoryItem `json:"itemsAdded"`
	ItemsRemoved []InventoryItem `json:"itemsRemoved"`
	GoldDelta    int             `json:"goldDelta"`
}

// ResultUI carries presentation hints.
type ResultUI struct {
	ResolveOutcome Outcome     `json:"resolveOutcome,omitempty"`
	WorldState     *WorldState `json:"worldState,omitempty"`
	ToneHint       string      `json:"toneHint,omitempty"`
}

// ResultChoice is a choice as sent by the authority.
type ResultChoice struct {
	ID     string          `json:"id"`
	Label  string          `json:"label"`
	Hint   string          `json:"hint,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`
}

// Flags are boolean markers of the turn.
type Flags struct {
	BonusSlot      bool `json:"bonusSlot"`
	Downed         bool `json:"downed"`
	BattleEnded    bool `json:"battleEnded"`
	NodeTransition bool `json:"nodeTransition,omitempty"`
}
