// Package tui implements the Bubble Tea application model for
// synctree-tui: a single-pane editor backed directly by a
// worktree.WorkTree, so every keystroke exercises the real Edit path
// (spec.md §4.6) rather than a throwaway string buffer.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/Polqt/synccore/internal/epoch"
	"github.com/Polqt/synccore/internal/gitprovider"
	"github.com/Polqt/synccore/internal/replicaid"
	"github.com/Polqt/synccore/internal/worktree"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
)

// App is the root Bubble Tea model.
type App struct {
	tree     *worktree.WorkTree
	bufferID replicaid.ID
	path     string

	ta       textarea.Model
	lastText string
	opCount  int
	status   string
	width    int
	height   int
}

// New opens path inside a fresh, single-replica work tree seeded with
// one commit in which path is an empty file; the file's content on
// disk is not read.
func New(path string) (*App, error) {
	git := gitprovider.NewStatic()
	const baseCommit = "scratch"
	git.AddCommit(baseCommit, []gitprovider.Entry{{Path: path, Type: epoch.RegularFile, OID: "seed"}})
	git.AddBlob("seed", []byte(""))

	tree, _, err := worktree.New(replicaid.New(), baseCommit, git, nil, nil, zerolog.Nop())
	if err != nil {
		return nil, fmt.Errorf("init work tree: %w", err)
	}

	bufferID, err := tree.OpenTextFile(context.Background(), path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	text, err := tree.BufferText(bufferID)
	if err != nil {
		return nil, err
	}

	ta := textarea.New()
	ta.SetValue(text)
	ta.Focus()

	return &App{tree: tree, bufferID: bufferID, path: path, ta: ta, lastText: text}, nil
}

// Init starts the cursor blink.
func (a App) Init() tea.Cmd {
	return textarea.Blink
}

// Update handles messages, applying any resulting text diff as a
// worktree.Edit call so the buffer CRDT stays the source of truth.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.ta.SetWidth(msg.Width - 4)
		a.ta.SetHeight(msg.Height - 6)
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return a, tea.Quit
		}

	case errMsg:
		a.status = msg.err.Error()
		return a, nil
	}

	var cmd tea.Cmd
	a.ta, cmd = a.ta.Update(msg)

	if newText := a.ta.Value(); newText != a.lastText {
		if err := a.applyDiff(a.lastText, newText); err != nil {
			a.lastText = newText
			return a, tea.Batch(cmd, func() tea.Msg { return errMsg{err} })
		}
		a.lastText = newText
		a.opCount++
		a.status = ""
	}

	return a, cmd
}

type errMsg struct{ err error }

// applyDiff computes the minimal (start, end, newText) replacement
// between old and next and stamps it as one worktree.Edit call.
func (a *App) applyDiff(old, next string) error {
	prefix := commonPrefixLen(old, next)
	suffix := commonSuffixLen(old[prefix:], next[prefix:])
	start := prefix
	end := len(old) - suffix
	if end < start {
		end = start
	}
	replacement := next[prefix : len(next)-suffix]

	startAnchor, err := a.tree.AnchorAfterOffset(a.bufferID, start)
	if err != nil {
		return err
	}
	endAnchor, err := a.tree.AnchorAfterOffset(a.bufferID, end)
	if err != nil {
		return err
	}
	_, err = a.tree.Edit(a.bufferID, startAnchor, endAnchor, replacement)
	return err
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}

// View renders the editor.
func (a App) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("synctree — "+a.path) + "\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%d ops applied locally · [esc] quit", a.opCount)) + "\n\n")
	b.WriteString(a.ta.View())
	if a.status != "" {
		b.WriteString("\n" + dimStyle.Render(a.status))
	}
	return borderStyle.Render(b.String())
}
