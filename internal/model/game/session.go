package game

// Phase is the coarse state of the client session.
type Phase string

const (
	PhaseNotStarted    Phase = "NOT_STARTED"
	PhaseLoading       Phase = "LOADING"
	PhaseHub           Phase = "HUB"
	PhaseAtLocation    Phase = "LOCATION"
	PhaseInCombat      Phase = "COMBAT"
	PhaseTransitioning Phase = "NODE_TRANSITION"
	PhaseEnded         Phase = "RUN_ENDED"
	PhaseFaulted       Phase = "ERROR"
)

// Gameplay reports whether the phase is one a player can act in.
func (p Phase) Gameplay() bool {
	switch p {
	case PhaseHub, PhaseAtLocation, PhaseInCombat:
		return true
	case PhaseNotStarted, PhaseLoading, PhaseTransitioning, PhaseEnded, PhaseFaulted:
		return false
	default:
		return false
	}
}

// Node types reported by the authority.
const (
	NodeHub      = "HUB"
	NodeLocation = "LOCATION"
	NodeCombat   = "COMBAT"
)

// PhaseForNode maps an authority node type onto a client phase. Legacy node
// types (EVENT, REST, SHOP, EXIT) are treated as locations.
func PhaseForNode(nodeType string) Phase {
	switch nodeType {
	case "", NodeHub:
		return PhaseHub
	case NodeLocation:
		return PhaseAtLocation
	case NodeCombat:
		return PhaseInCombat
	default:
		return PhaseAtLocation
	}
}

// Vitals is the last known player HUD.
type Vitals struct {
	HP         int `json:"hp" yaml:"hp"`
	MaxHP      int `json:"maxHp" yaml:"maxHp"`
	Stamina    int `json:"stamina" yaml:"stamina"`
	MaxStamina int `json:"maxStamina" yaml:"maxStamina"`
	Gold       int `json:"gold" yaml:"gold"`
}

// DefaultVitals is used when the authority omits the run state.
var DefaultVitals = Vitals{HP: 100, MaxHP: 100, Stamina: 5, MaxStamina: 5, Gold: 50}

// InventoryItem is one stack in the player's inventory.
type InventoryItem struct {
	ItemID string `json:"itemId" yaml:"itemId"`
	Qty    int    `json:"qty" yaml:"qty"`
}

// Quantity returns the held quantity of itemID.
func Quantity(items []InventoryItem, itemID string) int {
	for _, it := range items {
		if it.ItemID == itemID {
			return it.Qty
		}
	}
	return 0
}

// StatusEffect is an active status on a combat participant.
type StatusEffect struct {
	ID       string `json:"id" yaml:"id"`
	Stacks   int    `json:"stacks" yaml:"stacks"`
	Duration int    `json:"duration" yaml:"duration"`
}

// Enemy mirrors one combat participant.
type Enemy struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	HP          int            `json:"hp" yaml:"hp"`
	MaxHP       int            `json:"maxHp,omitempty" yaml:"maxHp,omitempty"`
	Status      []StatusEffect `json:"status" yaml:"status"`
	Personality string         `json:"personality,omitempty" yaml:"personality,omitempty"`
	Distance    string         `json:"distance,omitempty" yaml:"distance,omitempty"`
	Angle       string         `json:"angle,omitempty" yaml:"angle,omitempty"`
}

// CombatSnapshot is the client mirror of an ongoing battle.
type CombatSnapshot struct {
	Phase   string  `json:"phase,omitempty" yaml:"phase,omitempty"`
	Enemies []Enemy `json:"enemies" yaml:"enemies"`
}

// Clone deep-copies the snapshot. A nil snapshot stays nil.
func (c *CombatSnapshot) Clone() *CombatSnapshot {
	if c == nil {
		return nil
	}
	out := &CombatSnapshot{Phase: c.Phase, Enemies: make([]Enemy, len(c.Enemies))}
	for i, e := range c.Enemies {
		e.Status = append([]StatusEffect(nil), e.Status...)
		out.Enemies[i] = e
	}
	return out
}

// WorldState is the hub world summary shown next to the transcript.
type WorldState struct {
	HubHeat   int    `json:"hubHeat" yaml:"hubHeat"`
	HubSafety string `json:"hubSafety" yaml:"hubSafety"`
	TimePhase string `json:"timePhase,omitempty" yaml:"timePhase,omitempty"`
	Day       int    `json:"day,omitempty" yaml:"day,omitempty"`
}

// ActiveRun identifies a resumable session held by the authority.
type ActiveRun struct {
	RunID         string `json:"runId" yaml:"runId"`
	PresetID      string `json:"presetId" yaml:"presetId"`
	Gender        string `json:"gender,omitempty" yaml:"gender,omitempty"`
	CurrentTurnNo int    `json:"currentTurnNo" yaml:"currentTurnNo"`
}
