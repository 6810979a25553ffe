package devauthority

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/graymar/client/internal/model/game"
)

// NodeExit is the final node of a run.
const NodeExit = "EXIT"

// route is the fixed node graph every run walks through.
var route = []string{game.NodeHub, game.NodeLocation, game.NodeCombat, NodeExit}

// Choice ids offered by the scripted nodes.
const (
	ChoiceGoMarket = "go_market"
	ChoiceLinger   = "linger"
	ChoiceSearch   = "search"
	ChoiceRest     = "rest"
	ChoicePressOn  = "press_on"
	ChoiceAttack   = "attack"
	ChoiceDefend   = "defend"
	ChoiceLeave    = "leave"
)

const (
	itemRustyKey   = "rusty_key"
	itemBandage    = "bandage"
	thugID         = "thug"
	thugMaxHP      = 12
	playerStrike   = 4
	thugStrike     = 3
	restoreStamina = 1
)

// outcome of resolving one input against the current node.
type outcome struct {
	result      game.TurnResult
	nodeOutcome game.NodeOutcome
}

func nodeRef(index int) game.NodeRef {
	t := route[index]
	return game.NodeRef{ID: fmt.Sprintf("node-%d", index), Type: t, Index: index, State: "ACTIVE"}
}

func choicesFor(nodeType string) []game.ResultChoice {
	switch nodeType {
	case game.NodeHub:
		return []game.ResultChoice{
			{ID: ChoiceGoMarket, Label: "Head for the market", Hint: "Leave the gate behind"},
			{ID: ChoiceLinger, Label: "Linger by the gate"},
		}
	case game.NodeLocation:
		return []game.ResultChoice{
			{ID: ChoiceSearch, Label: "Search the stalls"},
			{ID: ChoiceRest, Label: "Catch your breath"},
			{ID: ChoicePressOn, Label: "Press on into the alley", Hint: "Danger ahead"},
		}
	case game.NodeCombat:
		return []game.ResultChoice{
			{ID: ChoiceAttack, Label: "Attack"},
			{ID: ChoiceDefend, Label: "Raise your guard"},
		}
	case NodeExit:
		return []game.ResultChoice{{ID: ChoiceLeave, Label: "Leave the city"}}
	}
	return nil
}

// enterResult is the result recorded when a node is entered.
func enterResult(r *run, turnNo int) game.TurnResult {
	nodeType := route[r.nodeIndex]
	res := game.TurnResult{
		Version: 1,
		TurnNo:  turnNo,
		Node:    nodeRef(r.nodeIndex),
		Choices: choicesFor(nodeType),
		UI:      &game.ResultUI{WorldState: r.world()},
	}
	switch nodeType {
	case game.NodeHub:
		res.Summary = game.Summary{Short: "You arrive at the city gate.", Display: "Gate of Graymar"}
		res.Events = []game.Event{{ID: "ev-hub", Kind: game.EventSystem, Text: "The market is open today."}}
	case game.NodeLocation:
		res.Summary = game.Summary{Short: "You step into the crowded market.", Display: "Lantern Market"}
		res.Events = []game.Event{{ID: "ev-loc", Kind: game.EventIncidentProgress, Text: "Rumors of a thief spread."}}
	case game.NodeCombat:
		res.Summary = game.Summary{Short: "A thug blocks the alley.", Display: "Back Alley"}
		res.Events = []game.Event{{ID: "ev-cbt", Kind: game.EventBattle, Text: "Combat begins."}}
	case NodeExit:
		res.Summary = game.Summary{Short: "The city gate opens to the road.", Display: "South Road"}
		res.Events = []game.Event{{ID: "ev-exit", Kind: game.EventIncidentResolved, Text: "The thief is dealt with."}}
	}
	return res
}

func (r *run) world() *game.WorldState {
	return &game.WorldState{HubHeat: r.heat, HubSafety: 100 - r.heat, TimePhase: "DUSK", Day: 1}
}

// resolve applies input to the run and describes what happened.
func resolve(r *run, turnNo int, input game.TurnInput) outcome {
	nodeType := route[r.nodeIndex]
	res := game.TurnResult{
		Version: 1,
		TurnNo:  turnNo,
		Node:    nodeRef(r.nodeIndex),
		Diff:    &game.Diff{},
		UI:      &game.ResultUI{},
	}
	out := outcome{nodeOutcome: game.NodeOngoing}

	choice := input.ChoiceID
	if input.Type == game.InputAction {
		choice = actionChoice(nodeType, input.Text)
	}

	switch nodeType {
	case game.NodeHub:
		switch choice {
		case ChoiceGoMarket:
			res.Summary = game.Summary{Short: "You leave the gate for the market."}
			out.nodeOutcome = game.NodeEnded
		default:
			r.gold++
			r.heat++
			res.Summary = game.Summary{Short: "You linger and a traveler tosses you a coin."}
			res.Events = []game.Event{{ID: eventID(turnNo, 1), Kind: game.EventGold, Text: "+1 gold"}}
			res.Diff.Inventory.GoldDelta = 1
			res.UI.ResolveOutcome = game.OutcomeSuccess
			res.Choices = choicesFor(nodeType)
		}

	case game.NodeLocation:
		switch choice {
		case ChoicePressOn:
			res.Summary = game.Summary{Short: "You slip into the alley."}
			out.nodeOutcome = game.NodeEnded
		case ChoiceRest:
			from := r.stamina
			r.stamina = min(r.maxStamina, r.stamina+restoreStamina)
			res.Summary = game.Summary{Short: "You catch your breath."}
			res.Diff.Player.Stamina = game.Change{From: from, To: r.stamina, Delta: r.stamina - from}
			res.UI.ResolveOutcome = game.OutcomeSuccess
			res.Choices = choicesFor(nodeType)
		case ChoiceSearch:
			r.addItem(itemRustyKey, 1)
			res.Summary = game.Summary{Short: "You find a rusty key under a stall."}
			res.Events = []game.Event{{ID: eventID(turnNo, 1), Kind: game.EventLoot, Text: "Found a rusty key"}}
			res.Diff.Inventory.ItemsAdded = []game.InventoryItem{{ItemID: itemRustyKey, Qty: 1}}
			res.UI.ResolveOutcome = game.OutcomeSuccess
			res.Choices = choicesFor(nodeType)
		default:
			r.heat += 2
			res.Summary = game.Summary{Short: "You ask around. Few are willing to talk."}
			res.UI.ResolveOutcome = game.OutcomePartial
			res.Choices = choicesFor(nodeType)
		}

	case game.NodeCombat:
		resolveCombat(r, turnNo, choice, &res, &out)

	case NodeExit:
		res.Summary = game.Summary{Short: "You walk out of Graymar."}
		out.nodeOutcome = game.RunEnded
	}

	res.UI.WorldState = r.world()
	out.result = res
	return out
}

func resolveCombat(r *run, turnNo int, choice string, res *game.TurnResult, out *outcome) {
	enemy := &r.battle.Enemies[0]
	res.Summary = game.Summary{Short: "You trade blows with the thug."}

	fromEnemy := enemy.HP
	strike := playerStrike
	if choice == ChoiceDefend {
		strike = 1
	}
	enemy.HP = max(0, enemy.HP-strike)
	res.Events = append(res.Events, game.Event{ID: eventID(turnNo, 1), Kind: game.EventDamage, Text: fmt.Sprintf("The thug takes %d damage", strike)})
	enemyDiff := game.EnemyDiff{EnemyID: enemy.ID, HP: game.Change{From: fromEnemy, To: enemy.HP, Delta: enemy.HP - fromEnemy}}

	if enemy.HP == 0 {
		res.Summary = game.Summary{Short: "The thug collapses."}
		res.Diff.Enemies = []game.EnemyDiff{enemyDiff}
		res.Diff.Inventory.GoldDelta = 10
		r.gold += 10
		r.removeItem(itemBandage, 1)
		res.Diff.Inventory.ItemsRemoved = []game.InventoryItem{{ItemID: itemBandage, Qty: 1}}
		res.Events = append(res.Events, game.Event{ID: eventID(turnNo, 2), Kind: game.EventGold, Text: "+10 gold"})
		res.UI.ResolveOutcome = game.OutcomeSuccess
		out.nodeOutcome = game.NodeEnded
		return
	}

	taken := thugStrike
	if choice == ChoiceDefend {
		taken = 1
		stacks := 1
		enemyDiff.Status = []game.StatusOp{{Type: game.StatusAdd, ID: "off_balance", Stacks: &stacks}}
		enemy.Status = append(enemy.Status, game.StatusEffect{ID: "off_balance", Stacks: 1, Duration: 1})
	}
	fromHP := r.hp
	r.hp = max(0, r.hp-taken)
	res.Diff.Player.HP = game.Change{From: fromHP, To: r.hp, Delta: r.hp - fromHP}
	res.Diff.Enemies = []game.EnemyDiff{enemyDiff}
	res.Events = append(res.Events, game.Event{ID: eventID(turnNo, 2), Kind: game.EventDamage, Text: fmt.Sprintf("You take %d damage", taken)})
	res.UI.ResolveOutcome = game.OutcomePartial

	if r.hp == 0 {
		res.Summary = game.Summary{Short: "You fall in the alley."}
		res.UI.ResolveOutcome = game.OutcomeFailure
		out.nodeOutcome = game.RunEnded
		return
	}
	res.Choices = choicesFor(game.NodeCombat)
}

// actionChoice maps free text onto the node's choices by keyword.
func actionChoice(nodeType, text string) string {
	text = strings.ToLower(text)
	keywords := map[string][]string{
		ChoiceGoMarket: {"market", "leave", "go"},
		ChoicePressOn:  {"alley", "press", "onward"},
		ChoiceSearch:   {"search", "look"},
		ChoiceRest:     {"rest", "breath"},
		ChoiceAttack:   {"attack", "strike", "hit"},
		ChoiceDefend:   {"defend", "guard", "block"},
		ChoiceLeave:    {"leave", "exit"},
	}
	for _, c := range choicesFor(nodeType) {
		for _, kw := range keywords[c.ID] {
			if strings.Contains(text, kw) {
				return c.ID
			}
		}
	}
	return ""
}

func eventID(turnNo, n int) string {
	return fmt.Sprintf("ev-%d-%d", turnNo, n)
}

func newBattle() *game.CombatSnapshot {
	return &game.CombatSnapshot{
		Phase: "ENGAGED",
		Enemies: []game.Enemy{{
			ID: thugID, Name: "Alley Thug", HP: thugMaxHP, MaxHP: thugMaxHP,
			Personality: "AGGRESSIVE", Distance: "ENGAGED", Angle: "FRONT",
		}},
	}
}
