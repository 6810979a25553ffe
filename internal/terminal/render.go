// Package terminal renders sessions for the command-line player and exports
// their transcripts.
package terminal

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zhouzirui/graymar/client/internal/model/game"
	"github.com/zhouzirui/graymar/client/internal/service/session"
)

var (
	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	narratorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	playerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	choiceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212"))

	disabledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Strikethrough(true)

	hudStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	faultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	outcomeStyles = map[game.Outcome]lipgloss.Style{
		game.OutcomeSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		game.OutcomePartial: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		game.OutcomeFailure: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
)

// RenderMessage formats one transcript entry.
func RenderMessage(m game.DisplayMessage) string {
	switch m.Kind {
	case game.KindSystem:
		return systemStyle.Render("· " + m.Text)
	case game.KindNarrator:
		if m.Loading {
			return systemStyle.Render("…")
		}
		return narratorStyle.Render(m.Text)
	case game.KindPlayer:
		return playerStyle.Render("> " + m.Text)
	case game.KindOutcome:
		style, ok := outcomeStyles[m.Outcome]
		if !ok {
			style = systemStyle
		}
		return style.Render("[" + string(m.Outcome) + "]")
	case game.KindChoicePrompt:
		return RenderChoices(m.Choices, m.SelectedChoiceID)
	}
	return m.Text
}

// RenderChoices lists choices with their 1-based selection numbers.
func RenderChoices(choices []game.Choice, selected string) string {
	lines := make([]string, 0, len(choices))
	for i, c := range choices {
		label := fmt.Sprintf("%d) %s", i+1, c.Label)
		if c.Hint != "" {
			label += " (" + c.Hint + ")"
		}
		switch {
		case c.ID == selected:
			lines = append(lines, playerStyle.Render("* "+label))
		case c.Disabled || selected != "":
			lines = append(lines, disabledStyle.Render("  "+label))
		default:
			lines = append(lines, choiceStyle.Render("  "+label))
		}
	}
	return strings.Join(lines, "\n")
}

// RenderHUD summarizes vitals, location and combat.
func RenderHUD(st session.State) string {
	v := st.Vitals
	parts := []string{
		fmt.Sprintf("HP %d/%d", v.HP, v.MaxHP),
		fmt.Sprintf("STA %d/%d", v.Stamina, v.MaxStamina),
		fmt.Sprintf("Gold %d", v.Gold),
		fmt.Sprintf("Turn %d", st.NextTurnNumber),
	}
	if st.LocationName != "" {
		parts = append(parts, st.LocationName)
	}
	if st.WorldState != nil && st.WorldState.TimePhase != "" {
		parts = append(parts, fmt.Sprintf("Day %d %s", st.WorldState.Day, st.WorldState.TimePhase))
	}
	line := hudStyle.Render(strings.Join(parts, " | "))

	if st.Combat != nil {
		for _, e := range st.Combat.Enemies {
			line += "\n" + systemStyle.Render(fmt.Sprintf("  %s %d/%d %s", e.Name, e.HP, e.MaxHP, e.Distance))
		}
	}
	if len(st.Inventory) > 0 {
		items := make([]string, 0, len(st.Inventory))
		for _, it := range st.Inventory {
			items = append(items, fmt.Sprintf("%s x%d", it.ItemID, it.Qty))
		}
		line += "\n" + systemStyle.Render("  Pack: "+strings.Join(items, ", "))
	}
	if st.LastFault != "" {
		line += "\n" + faultStyle.Render("  ! "+st.LastFault)
	}
	return line
}

// Printer writes transcript entries once each, in order. A loading narrator
// holds back everything after it until its text arrives.
type Printer struct {
	w       io.Writer
	printed int
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Print writes entries not yet printed. It returns the number written.
func (p *Printer) Print(st session.State) int {
	n := 0
	for p.printed < len(st.Transcript) {
		m := st.Transcript[p.printed]
		if m.Kind == game.KindNarrator && m.Loading {
			break
		}
		// A prompt with a selection was already shown before it was frozen.
		if m.Kind != game.KindChoicePrompt || m.SelectedChoiceID == "" {
			fmt.Fprintln(p.w, RenderMessage(m))
			n++
		}
		p.printed++
	}
	return n
}

// Pending reports whether entries are waiting behind a loading narrator.
func (p *Printer) Pending(st session.State) bool {
	return p.printed < len(st.Transcript)
}

// RenderFault formats a command error.
func RenderFault(err error) string {
	return faultStyle.Render("! " + err.Error())
}
