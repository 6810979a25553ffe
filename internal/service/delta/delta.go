// Package delta merges authority-reported deltas into local snapshots.
// Every function returns a new value and leaves its inputs untouched.
package delta

import "github.com/zhouzirui/graymar/client/internal/model/game"

// ApplyVitals updates hp and stamina to the reported values when they moved
// and adds the gold delta.
func ApplyVitals(v game.Vitals, diff *game.Diff) game.Vitals {
	if diff == nil {
		return v
	}
	if diff.Player.HP.Delta != 0 {
		v.HP = diff.Player.HP.To
	}
	if diff.Player.Stamina.Delta != 0 {
		v.Stamina = diff.Player.Stamina.To
	}
	v.Gold += diff.Inventory.GoldDelta
	return v
}

// ApplyInventory adds and removes item stacks. Stacks that reach zero are
// dropped and removals of unknown items are ignored.
func ApplyInventory(items []game.InventoryItem, diff game.InventoryDiff) []game.InventoryItem {
	out := make([]game.InventoryItem, len(items), len(items)+len(diff.ItemsAdded))
	copy(out, items)

	for _, added := range diff.ItemsAdded {
		if i := indexOf(out, added.ItemID); i >= 0 {
			out[i].Qty += added.Qty
		} else {
			out = append(out, game.InventoryItem{ItemID: added.ItemID, Qty: added.Qty})
		}
	}

	for _, removed := range diff.ItemsRemoved {
		if i := indexOf(out, removed.ItemID); i >= 0 {
			out[i].Qty -= removed.Qty
		}
	}

	kept := out[:0]
	for _, it := range out {
		if it.Qty > 0 {
			kept = append(kept, it)
		}
	}
	return kept
}

func indexOf(items []game.InventoryItem, itemID string) int {
	for i, it := range items {
		if it.ItemID == itemID {
			return i
		}
	}
	return -1
}

// ApplyEnemies overwrites participant hp with the authority's value and
// replays status operations. Participants without a diff are unchanged.
func ApplyEnemies(snapshot *game.CombatSnapshot, diffs []game.EnemyDiff) *game.CombatSnapshot {
	if snapshot == nil {
		return nil
	}
	out := snapshot.Clone()
	if len(diffs) == 0 {
		return out
	}

	for i := range out.Enemies {
		d, ok := findEnemyDiff(diffs, out.Enemies[i].ID)
		if !ok {
			continue
		}
		out.Enemies[i].HP = d.HP.To
		out.Enemies[i].Status = ApplyStatus(out.Enemies[i].Status, d.Status)
		if d.Distance != "" {
			out.Enemies[i].Distance = d.Distance
		}
		if d.Angle != "" {
			out.Enemies[i].Angle = d.Angle
		}
	}
	return out
}

func findEnemyDiff(diffs []game.EnemyDiff, enemyID string) (game.EnemyDiff, bool) {
	for _, d := range diffs {
		if d.EnemyID == enemyID {
			return d, true
		}
	}
	return game.EnemyDiff{}, false
}

// ApplyStatus replays ADD/REMOVE/UPDATE operations on a status list.
func ApplyStatus(current []game.StatusEffect, ops []game.StatusOp) []game.StatusEffect {
	out := append([]game.StatusEffect(nil), current...)
	for _, op := range ops {
		switch op.Type {
		case game.StatusAdd:
			out = append(out, game.StatusEffect{ID: op.ID, Stacks: valueOr(op.Stacks, 1), Duration: valueOr(op.Duration, 1)})
		case game.StatusRemove:
			for i, s := range out {
				if s.ID == op.ID {
					out = append(out[:i], out[i+1:]...)
					break
				}
			}
		case game.StatusUpdate:
			for i := range out {
				if out[i].ID != op.ID {
					continue
				}
				if op.Stacks != nil {
					out[i].Stacks = *op.Stacks
				}
				if op.Duration != nil {
					out[i].Duration = *op.Duration
				}
				break
			}
		}
	}
	return out
}

func valueOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
