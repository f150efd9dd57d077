package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/imkarma/weave/internal/store"
	"github.com/imkarma/weave/internal/subtask"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrCyan      = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#22D3EE"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle    = lipgloss.NewStyle().Foreground(clrDim)
	subtleStyle = lipgloss.NewStyle().Foreground(clrSubtle)

	columnHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrSubtle).
			Padding(0, 1)

	cardSelectedStyle = cardStyle.
				BorderForeground(clrHighlight).
				Bold(true)

	popupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrHighlight).
			Padding(1, 2).
			Width(60)

	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

func statusStyleFor(s store.TaskStatus) lipgloss.Style {
	switch s {
	case store.StatusInProgress:
		return lipgloss.NewStyle().Foreground(clrBlue)
	case store.StatusBlocked:
		return lipgloss.NewStyle().Foreground(clrRed)
	case store.StatusDone:
		return lipgloss.NewStyle().Foreground(clrGreen)
	default:
		return lipgloss.NewStyle()
	}
}

func priorityStyle(p store.Priority) lipgloss.Style {
	switch p {
	case store.PriorityHigh:
		return lipgloss.NewStyle().Foreground(clrRed).Bold(true)
	case store.PriorityMedium:
		return lipgloss.NewStyle().Foreground(clrYellow)
	default:
		return dimStyle
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var content string
	switch m.screen {
	case screenDetail:
		content = m.viewDetail()
	default:
		content = m.viewBoard()
	}
	if m.blocking {
		content += "\n" + m.viewReasonPopup()
	}
	return content
}

func (m Model) columnWidth() int {
	if m.width <= 0 {
		return 30
	}
	return max((m.width-numColumns)/numColumns, 20)
}

func (m Model) viewBoard() string {
	var b strings.Builder

	parents := 0
	for _, col := range m.columns {
		parents += len(col)
	}
	header := titleStyle.Render("weave board")
	header += dimStyle.Render(fmt.Sprintf("  %d tasks, %d subtasks ready", parents, m.ready))
	b.WriteString(header + "\n\n")

	if parents == 0 {
		b.WriteString(dimStyle.Render("  No tasks yet. Create one with: weave task create \"description\"") + "\n")
		b.WriteString("\n" + m.viewFooter())
		return b.String()
	}

	width := m.columnWidth()
	cols := make([]string, numColumns)
	for i := range numColumns {
		var col strings.Builder
		label := fmt.Sprintf("%s (%d)", columnLabels[i], len(m.columns[i]))
		col.WriteString(columnHeaderStyle.Inherit(statusStyleFor(columnStatuses[i])).Render(label) + "\n")
		for j, c := range m.columns[i] {
			col.WriteString(m.renderCard(c, width, i == m.cursorCol && j == m.cursorRow) + "\n")
		}
		cols[i] = lipgloss.NewStyle().Width(width).Render(col.String())
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
	b.WriteString("\n" + m.viewFooter())
	return b.String()
}

func (m Model) renderCard(c card, width int, selected bool) string {
	inner := width - 4
	var lines []string
	lines = append(lines, priorityStyle(c.task.Priority).Render(truncate(c.task.ID, inner)))
	lines = append(lines, truncate(c.task.Name, inner))
	if c.total > 0 {
		bar := m.bar
		bar.Width = max(inner-6, 5)
		lines = append(lines, bar.ViewAs(c.pct/100)+dimStyle.Render(fmt.Sprintf(" %d/%d", c.done, c.total)))
		if c.blocked > 0 {
			lines = append(lines, errorStyle.Render(fmt.Sprintf("⚠ %d blocked", c.blocked)))
		}
	} else {
		lines = append(lines, dimStyle.Render("not decomposed"))
	}

	style := cardStyle
	if selected {
		style = cardSelectedStyle
	}
	return style.Width(width - 2).Render(strings.Join(lines, "\n"))
}

func (m Model) viewDetail() string {
	if m.parent == nil {
		return m.viewBoard()
	}
	var b strings.Builder
	p := m.parent.task

	b.WriteString(titleStyle.Render(p.ID) + "  " + p.Name + "\n")
	b.WriteString(statusStyleFor(p.Status).Render(string(p.Status)) +
		dimStyle.Render(fmt.Sprintf("  %s priority", p.Priority)))
	if p.EstimatedHours > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %.1fh", p.EstimatedHours)))
	}
	b.WriteString("\n")
	if p.Description != "" {
		b.WriteString(subtleStyle.Render(truncate(p.Description, max(m.width-2, 40))) + "\n")
	}
	if m.parent.total > 0 {
		bar := m.bar
		bar.Width = 30
		b.WriteString("\n" + bar.ViewAs(m.parent.pct/100) + fmt.Sprintf(" %.0f%%  %d/%d done\n", m.parent.pct, m.parent.done, m.parent.total))
	}
	b.WriteString("\n")

	if len(m.subtasks) == 0 {
		b.WriteString(dimStyle.Render("  No subtasks. Run: weave decompose "+p.ID) + "\n")
	}
	for i, t := range m.subtasks {
		cursor := "  "
		if i == m.subCursor {
			cursor = footerKeyStyle.Render("> ")
		}
		mark := statusStyleFor(t.Status).Render(statusMark(t, m.completed))
		line := fmt.Sprintf("%s%s %s %s", cursor, mark, dimStyle.Render(fmt.Sprintf("%-3d", t.SubtaskIndex+1)), t.Name)
		if t.AssignedTo != "" {
			line += " " + lipgloss.NewStyle().Foreground(clrCyan).Render("["+t.AssignedTo+"]")
		}
		if len(t.Dependencies) > 0 {
			line += dimStyle.Render("  after " + strings.Join(t.Dependencies, ", "))
		}
		b.WriteString(line + "\n")
		if i == m.subCursor && t.Requires != "" {
			b.WriteString(dimStyle.Render("       needs: "+t.Requires) + "\n")
		}
		if i == m.subCursor && t.Provides != "" {
			b.WriteString(dimStyle.Render("       gives: "+t.Provides) + "\n")
		}
	}

	b.WriteString("\n" + m.viewFooter())
	return b.String()
}

// statusMark is a one-cell status glyph; ready subtasks get their own.
func statusMark(t store.Task, completed map[string]bool) string {
	switch t.Status {
	case store.StatusDone:
		return "✓"
	case store.StatusInProgress:
		return "●"
	case store.StatusBlocked:
		return "⚠"
	}
	if subtask.Ready(t, completed) {
		return "▶"
	}
	return "○"
}

func (m Model) viewReasonPopup() string {
	title := titleStyle.Render("Block subtask")
	if t := m.selectedSubtask(); t != nil {
		title += dimStyle.Render("  " + t.ID)
	}
	return popupStyle.Render(title + "\n\n" + m.reasonInput.View() + "\n\n" +
		footerKeyStyle.Render("enter") + footerDescStyle.Render(" confirm  ") +
		footerKeyStyle.Render("esc") + footerDescStyle.Render(" cancel"))
}

func (m Model) viewFooter() string {
	var keys [][2]string
	switch m.screen {
	case screenDetail:
		keys = [][2]string{{"j/k", "move"}, {"d", "done"}, {"b", "block"}, {"u", "unblock"}, {"esc", "back"}}
	default:
		keys = [][2]string{{"h/j/k/l", "move"}, {"enter", "open"}, {"R", "refresh"}, {"q", "quit"}}
	}
	var parts []string
	for _, k := range keys {
		parts = append(parts, footerKeyStyle.Render(k[0])+footerDescStyle.Render(" "+k[1]))
	}
	footer := strings.Join(parts, "  ")
	if m.statusMsg != "" {
		style := statusStyle
		if m.statusErr {
			style = errorStyle
		}
		footer += "\n" + style.Render(m.statusMsg)
	}
	return footer
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 0 || len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
