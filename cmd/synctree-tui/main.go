// Command synctree-tui is a minimal interactive host embedding one
// internal/worktree.WorkTree, giving the buffer Edit/Observer surface
// a real caller outside the test suite.
//
// Grounded on the teacher's sibling project
// 07-tui-gitflow-manager (bubbletea/bubbles/lipgloss dependency set
// and main.go entry-point shape); this host has no network peer — it
// demonstrates the local-edit half of the work tree contract. The
// network-facing host is cmd/synctreed.
package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Polqt/synccore/cmd/synctree-tui/tui"
)

func main() {
	path := "scratch.txt"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	app, err := tui.New(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(app, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
