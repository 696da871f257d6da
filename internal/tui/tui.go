// Package tui implements the Bubble Tea plan review interface: every
// refactor plan of a pass is shown as a syntax-highlighted diff preview and
// approved or rejected before anything is written.
package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aezell/crateguard/internal/diff"
	"github.com/aezell/crateguard/internal/plan"
)

// ErrAborted means the reviewer quit without confirming.
var ErrAborted = errors.New("review aborted")

// Model is the top-level Bubble Tea model for plan review.
type Model struct {
	plans     []*plan.Plan
	previews  []*diff.DiffSet
	decisions map[int]Decision

	// UI state
	width  int
	height int

	planIndex int
	fileIndex int // within the current plan's preview

	// Diff viewport
	scrollOffset int

	// Rendered lines for the current file
	lines []renderedLine

	splitView bool
	showHelp  bool

	confirmed bool
}

// New creates a review model. previews[i] is the dry-run diff of plans[i].
func New(plans []*plan.Plan, previews []*diff.DiffSet) Model {
	m := Model{
		plans:     plans,
		previews:  previews,
		decisions: make(map[int]Decision),
	}
	m.updateLines()
	return m
}

func (m *Model) preview() *diff.DiffSet {
	if m.planIndex < len(m.previews) && m.previews[m.planIndex] != nil {
		return m.previews[m.planIndex]
	}
	return &diff.DiffSet{}
}

func (m *Model) updateLines() {
	files := m.preview().Files
	if len(files) == 0 {
		m.lines = nil
		return
	}
	m.lines = renderFile(files[m.fileIndex])
}

func (m *Model) selectPlan(i int) {
	if i < 0 || i >= len(m.plans) || i == m.planIndex {
		return
	}
	m.planIndex = i
	m.fileIndex = 0
	m.scrollOffset = 0
	m.updateLines()
}

// decide records d for the current plan and moves to the next undecided
// one.
func (m *Model) decide(d Decision) {
	if len(m.plans) == 0 {
		return
	}
	m.decisions[m.planIndex] = d
	for step := 1; step < len(m.plans); step++ {
		i := (m.planIndex + step) % len(m.plans)
		if m.decisions[i] == Pending {
			m.selectPlan(i)
			return
		}
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, keys.Confirm):
			m.confirmed = true
			return m, tea.Quit

		case key.Matches(msg, keys.Down):
			if m.scrollOffset < len(m.lines)-1 {
				m.scrollOffset++
			}

		case key.Matches(msg, keys.Up):
			if m.scrollOffset > 0 {
				m.scrollOffset--
			}

		case key.Matches(msg, keys.NextFile):
			if m.fileIndex < len(m.preview().Files)-1 {
				m.fileIndex++
				m.scrollOffset = 0
				m.updateLines()
			}

		case key.Matches(msg, keys.PrevFile):
			if m.fileIndex > 0 {
				m.fileIndex--
				m.scrollOffset = 0
				m.updateLines()
			}

		case key.Matches(msg, keys.NextPlan):
			m.selectPlan(m.planIndex + 1)

		case key.Matches(msg, keys.PrevPlan):
			m.selectPlan(m.planIndex - 1)

		case key.Matches(msg, keys.NextHunk):
			m.jumpToNextHunk()

		case key.Matches(msg, keys.PrevHunk):
			m.jumpToPrevHunk()

		case key.Matches(msg, keys.Toggle):
			m.splitView = !m.splitView

		case key.Matches(msg, keys.Approve):
			m.decide(Approved)

		case key.Matches(msg, keys.Reject):
			m.decide(Rejected)

		case key.Matches(msg, keys.ApproveAll):
			for i := range m.plans {
				m.decisions[i] = Approved
			}

		case key.Matches(msg, keys.Help):
			m.showHelp = !m.showHelp
		}
	}

	return m, nil
}

func (m *Model) jumpToNextHunk() {
	for i := m.scrollOffset + 1; i < len(m.lines); i++ {
		if m.lines[i].IsHunk {
			m.scrollOffset = i
			return
		}
	}
}

func (m *Model) jumpToPrevHunk() {
	for i := m.scrollOffset - 1; i >= 0; i-- {
		if m.lines[i].IsHunk {
			m.scrollOffset = i
			return
		}
	}
}

// Result returns the decisions made so far.
func (m Model) Result() *ReviewResult {
	decisions := make(map[int]Decision, len(m.decisions))
	for i, d := range m.decisions {
		decisions[i] = d
	}
	return &ReviewResult{Plans: m.plans, Previews: m.previews, Decisions: decisions}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	if m.showHelp {
		return m.renderHelp()
	}

	listWidth := m.listWidth()
	diffWidth := m.width - listWidth - 1

	lists := m.renderLists(listWidth, m.height-2)
	diffView := m.renderDiffView(diffWidth, m.height-2)

	main := lipgloss.JoinHorizontal(lipgloss.Top, lists, " ", diffView)
	return lipgloss.JoinVertical(lipgloss.Left, main, m.renderStatusBar())
}

func (m Model) listWidth() int {
	maxLen := 20
	for _, f := range m.preview().Files {
		maxLen = max(maxLen, len(f.Name()))
	}
	for _, p := range m.plans {
		maxLen = max(maxLen, len(p.Pattern)+4)
	}
	w := maxLen + 10
	w = min(w, m.width/3)
	return max(w, 20)
}

func decisionMark(d Decision) string {
	switch d {
	case Approved:
		return planApprovedStyle.Render("✓")
	case Rejected:
		return planRejectedStyle.Render("✗")
	default:
		return planPendingStyle.Render("·")
	}
}

func (m Model) renderLists(width, height int) string {
	var b strings.Builder

	b.WriteString(listTitleStyle.Render("Plans"))
	b.WriteByte('\n')
	for i, p := range m.plans {
		name := truncate(fmt.Sprintf("%d %s", i+1, p.Pattern), width-8)
		line := decisionMark(m.decisions[i]) + " " + name
		if i == m.planIndex {
			line = fileItemSelectedStyle.Width(width - 4).Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	b.WriteString(listTitleStyle.Render("Files"))
	files := m.preview().Files
	for i, f := range files {
		b.WriteByte('\n')
		maxName := width - 8
		name := f.Name()
		if maxName > 0 && len(name) > maxName {
			name = "…" + name[len(name)-maxName+1:]
		}
		line := fmt.Sprintf("%-*s +%d -%d", maxName, name, f.AddedLines, f.DeletedLines)

		var style lipgloss.Style
		switch {
		case i == m.fileIndex:
			style = fileItemSelectedStyle
		case f.IsNew:
			style = fileItemNewStyle
		case f.IsDeleted:
			style = fileItemDeletedStyle
		default:
			style = fileItemStyle
		}
		b.WriteString(style.Width(width - 4).Render(line))
	}

	return listStyle.Width(width).Height(height - 2).Render(b.String())
}

func (m Model) renderDiffView(width, height int) string {
	innerHeight := height - 2
	if len(m.plans) == 0 {
		return diffViewStyle.Width(width).Height(innerHeight).Render("No plans")
	}
	p := m.plans[m.planIndex]
	files := m.preview().Files

	var b strings.Builder
	b.WriteString(fileHeaderStyle.Render(p.Description))
	b.WriteByte('\n')
	if len(files) == 0 {
		b.WriteString("No changes")
		return diffViewStyle.Width(width).Height(innerHeight).Render(b.String())
	}

	b.WriteString(fileHeaderStyle.Render(files[m.fileIndex].Name()))
	b.WriteByte('\n')

	innerWidth := width - 4
	visibleLines := max(innerHeight-4, 1)
	end := min(m.scrollOffset+visibleLines, len(m.lines))
	for i := m.scrollOffset; i < end; i++ {
		if m.splitView {
			left, right := styleLineSplit(m.lines[i], (innerWidth-3)/2)
			b.WriteString(left + " │ " + right)
		} else {
			b.WriteString(styleLine(m.lines[i], innerWidth))
		}
		if i < end-1 {
			b.WriteByte('\n')
		}
	}

	return diffViewStyle.Width(width).Height(innerHeight).Render(b.String())
}

func (m Model) renderStatusBar() string {
	left := fmt.Sprintf(" Plan %d/%d", min(m.planIndex+1, len(m.plans)), len(m.plans))
	if n := len(m.preview().Files); n > 0 {
		left += fmt.Sprintf("  File %d/%d", m.fileIndex+1, n)
	}
	if len(m.lines) > 0 {
		left += fmt.Sprintf("  Line %d/%d", m.scrollOffset+1, len(m.lines))
	}

	res := m.Result()
	mode := "unified"
	if m.splitView {
		mode = "split"
	}
	right := fmt.Sprintf("✓%d ✗%d  %s  ? help ", len(res.Approved()), len(res.Rejected()), mode)

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right), 0)
	return statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

func (m Model) renderHelp() string {
	var b strings.Builder

	b.WriteString(fileHeaderStyle.Render("crateguard plan review: Keyboard Shortcuts"))
	b.WriteString("\n\n")

	for _, k := range []key.Binding{
		keys.Up, keys.Down, keys.NextFile, keys.PrevFile, keys.NextPlan, keys.PrevPlan,
		keys.NextHunk, keys.PrevHunk, keys.Toggle, keys.Approve, keys.Reject,
		keys.ApproveAll, keys.Confirm, keys.Help, keys.Quit,
	} {
		h := k.Help()
		fmt.Fprintf(&b, "  %s  %s\n", helpKeyStyle.Width(12).Render(h.Key), h.Desc)
	}

	b.WriteString("\n")
	b.WriteString(helpBarStyle.Render("Press ? to close help"))
	return b.String()
}

// Run opens the review UI and blocks until the reviewer confirms or quits.
// Quitting returns ErrAborted.
func Run(plans []*plan.Plan, previews []*diff.DiffSet) (*ReviewResult, error) {
	p := tea.NewProgram(New(plans, previews), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	m := final.(Model)
	if !m.confirmed {
		return nil, ErrAborted
	}
	return m.Result(), nil
}
