// Command usbtunnel-monitor is an operator TUI that polls the device- and
// guest-side admin APIs and renders their negotiated state side by side,
// alongside local host resource usage. It never talks to either tunnel
// process's wire protocol directly — only their adminapi HTTP surfaces —
// so it can run on a third machine with no USB access at all.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	deviceAddr := flag.String("device-admin", "http://localhost:8090", "device-side admin API base URL")
	guestAddr := flag.String("guest-admin", "http://localhost:8091", "guest-side admin API base URL")
	flag.Parse()

	m := newModel(*deviceAddr, *guestAddr)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintln(os.Stderr, "usbtunnel-monitor:", err)
		os.Exit(1)
	}
}
