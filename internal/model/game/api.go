package game

// CreateRunRequest starts a new run.
type CreateRunRequest struct {
	PresetID string `json:"presetId"`
	Gender   string `json:"gender,omitempty"`
}

// RunInfo is the run header of a snapshot.
type RunInfo struct {
	ID            string `json:"id"`
	PresetID      string `json:"presetId,omitempty"`
	Gender        string `json:"gender,omitempty"`
	Status        string `json:"status,omitempty"`
	CurrentTurnNo int    `json:"currentTurnNo"`
}

// NodePosition is the authority's current node.
type NodePosition struct {
	NodeType  string `json:"nodeType"`
	NodeIndex int    `json:"nodeIndex"`
}

// RunState is the authoritative player state at snapshot time.
type RunState struct {
	HP         int             `json:"hp"`
	MaxHP      int             `json:"maxHp"`
	Stamina    int             `json:"stamina"`
	MaxStamina int             `json:"maxStamina"`
	Gold       int             `json:"gold"`
	Inventory  []InventoryItem `json:"inventory,omitempty"`
}

// Vitals extracts the HUD portion of the run state.
func (s RunState) Vitals() Vitals {
	return Vitals{HP: s.HP, MaxHP: s.MaxHP, Stamina: s.Stamina, MaxStamina: s.MaxStamina, Gold: s.Gold}
}

// TurnRecord is a past turn's narration bookkeeping, newest first in RunView.
type TurnRecord struct {
	TurnNo    int       `json:"turnNo"`
	LLMStatus LLMStatus `json:"llmStatus"`
	LLMOutput *string   `json:"llmOutput"`
	Summary   string    `json:"summary"`
}

// RunView is returned by both session creation and snapshot fetch.
type RunView struct {
	Run         RunInfo         `json:"run"`
	CurrentNode *NodePosition   `json:"currentNode,omitempty"`
	LastResult  *TurnResult     `json:"lastResult,omitempty"`
	BattleState *CombatSnapshot `json:"battleState,omitempty"`
	RunState    *RunState       `json:"runState,omitempty"`
	Turns       []TurnRecord    `json:"turns,omitempty"`
}

// NodeType returns the current node type or "" when unknown.
func (v RunView) NodeType() string {
	if v.CurrentNode == nil {
		return ""
	}
	return v.CurrentNode.NodeType
}

// NodeIndex returns the current node index or 0 when unknown.
func (v RunView) NodeIndex() int {
	if v.CurrentNode == nil {
		return 0
	}
	return v.CurrentNode.NodeIndex
}

// Turn finds the record for turnNo.
func (v RunView) Turn(turnNo int) (TurnRecord, bool) {
	for _, t := range v.Turns {
		if t.TurnNo == turnNo {
			return t, true
		}
	}
	return TurnRecord{}, false
}

// InputType distinguishes free-text from choice input.
type InputType string

const (
	InputAction InputType = "ACTION"
	InputChoice InputType = "CHOICE"
)

// TurnInput is the player's input for one turn.
type TurnInput struct {
	Type     InputType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ChoiceID string    `json:"choiceId,omitempty"`
}

// TurnOptions tweaks how the authority processes a turn.
type TurnOptions struct {
	SkipLLM bool `json:"skipLlm"`
}

// SubmitTurnRequest is the body of a turn submission.
type SubmitTurnRequest struct {
	IdempotencyKey     string       `json:"idempotencyKey"`
	ExpectedNextTurnNo int          `json:"expectedNextTurnNo"`
	Input              TurnInput    `json:"input"`
	Options            *TurnOptions `json:"options,omitempty"`
}

// LLMReport is the inline narration status of a submitted turn.
type LLMReport struct {
	Status    LLMStatus `json:"status"`
	Narrative *string   `json:"narrative"`
}

// TurnMeta carries node and policy outcomes.
type TurnMeta struct {
	NodeOutcome  NodeOutcome `json:"nodeOutcome"`
	PolicyResult string      `json:"policyResult,omitempty"`
}

// Transition describes the node entered as a consequence of a turn.
type Transition struct {
	NextNodeIndex int             `json:"nextNodeIndex"`
	NextNodeType  string          `json:"nextNodeType"`
	EnterResult   TurnResult      `json:"enterResult"`
	BattleState   *CombatSnapshot `json:"battleState,omitempty"`
	EnterTurnNo   *int            `json:"enterTurnNo,omitempty"`
}

// EnterTurn returns the turn number of the node entry.
func (t Transition) EnterTurn() int {
	if t.EnterTurnNo != nil {
		return *t.EnterTurnNo
	}
	return t.EnterResult.TurnNo
}

// SubmitTurnResponse is the authority's reply to a turn submission.
type SubmitTurnResponse struct {
	Accepted     bool        `json:"accepted"`
	TurnNo       int         `json:"turnNo"`
	ServerResult TurnResult  `json:"serverResult"`
	LLM          LLMReport   `json:"llm"`
	Meta         *TurnMeta   `json:"meta,omitempty"`
	Transition   *Transition `json:"transition,omitempty"`
}

// Outcome returns the reported node outcome or NodeOngoing.
func (r SubmitTurnResponse) Outcome() NodeOutcome {
	if r.Meta == nil || r.Meta.NodeOutcome == "" {
		return NodeOngoing
	}
	return r.Meta.NodeOutcome
}

// TurnDetail is the narration detail of one turn.
type TurnDetail struct {
	LLM TurnNarration `json:"llm"`
}

// TurnNarration is the narration state inside a turn detail.
type TurnNarration struct {
	Status    LLMStatus `json:"status"`
	Output    *string   `json:"output"`
	ModelUsed *string   `json:"modelUsed"`
}
