package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up         key.Binding
	Down       key.Binding
	NextFile   key.Binding
	PrevFile   key.Binding
	NextPlan   key.Binding
	PrevPlan   key.Binding
	NextHunk   key.Binding
	PrevHunk   key.Binding
	Toggle     key.Binding
	Approve    key.Binding
	Reject     key.Binding
	ApproveAll key.Binding
	Confirm    key.Binding
	Help       key.Binding
	Quit       key.Binding
}

var keys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	NextFile: key.NewBinding(
		key.WithKeys("n", "tab"),
		key.WithHelp("n/tab", "next file"),
	),
	PrevFile: key.NewBinding(
		key.WithKeys("N", "shift+tab"),
		key.WithHelp("N/S-tab", "prev file"),
	),
	NextPlan: key.NewBinding(
		key.WithKeys("right", "l"),
		key.WithHelp("→/l", "next plan"),
	),
	PrevPlan: key.NewBinding(
		key.WithKeys("left", "h"),
		key.WithHelp("←/h", "prev plan"),
	),
	NextHunk: key.NewBinding(
		key.WithKeys("]"),
		key.WithHelp("]", "next hunk"),
	),
	PrevHunk: key.NewBinding(
		key.WithKeys("["),
		key.WithHelp("[", "prev hunk"),
	),
	Toggle: key.NewBinding(
		key.WithKeys("v"),
		key.WithHelp("v", "unified/split"),
	),
	Approve: key.NewBinding(
		key.WithKeys("a"),
		key.WithHelp("a", "approve plan"),
	),
	Reject: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "reject plan"),
	),
	ApproveAll: key.NewBinding(
		key.WithKeys("A"),
		key.WithHelp("A", "approve all"),
	),
	Confirm: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "apply approved"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit without applying"),
	),
}
