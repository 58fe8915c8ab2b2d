package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"
)

const pollInterval = time.Second

// Styles follow an operator TUI palette: a black-on-yellow header bar, a
// grey footer, and rounded-border panels per status box.
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171"))

	copyNoticeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#10B981")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 2).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Italic(true)
)

type endpointView struct {
	Address       uint8  `json:"Address"`
	Type          string `json:"Type"`
	Interface     uint8  `json:"Interface"`
	MaxPacketSize uint16 `json:"MaxPacketSize"`
	HasStream     bool   `json:"HasStream"`
	DropCount     uint64 `json:"DropCount"`
}

// deviceStatus mirrors engine.Snapshot's JSON shape, decoded independently
// here since the monitor only ever talks to the admin API over HTTP — it
// has no process-local handle on the engine it is describing.
type deviceStatus struct {
	Attached      bool           `json:"Attached"`
	SessionID     string         `json:"SessionID"`
	VendorID      uint16         `json:"VendorID"`
	ProductID     uint16         `json:"ProductID"`
	Configuration uint8          `json:"Configuration"`
	Endpoints     []endpointView `json:"Endpoints"`
}

// guestStatus mirrors guest.Snapshot's JSON shape.
type guestStatus struct {
	Connected     bool   `json:"Connected"`
	Rejected      bool   `json:"Rejected"`
	SessionID     string `json:"SessionID"`
	VendorID      uint16 `json:"VendorID"`
	ProductID     uint16 `json:"ProductID"`
	Configuration uint8  `json:"Configuration"`
}

type deviceStatusMsg struct {
	status deviceStatus
	err    error
}

type guestStatusMsg struct {
	status guestStatus
	err    error
}

type resourceMsg struct {
	text string
}

type tickMsg time.Time

type copyDoneMsg struct{ err error }

// Model is the monitor's bubbletea state: the last-fetched status from
// each admin API, local host resource usage, and the transient
// "copied to clipboard" notice.
type Model struct {
	client *http.Client

	deviceAddr string
	guestAddr  string

	device    deviceStatus
	deviceErr string
	guest     guestStatus
	guestErr  string

	resourceLine string

	width, height int

	copyNotice string
	quitting   bool
}

func newModel(deviceAddr, guestAddr string) Model {
	return Model{
		client:     &http.Client{Timeout: 2 * time.Second},
		deviceAddr: deviceAddr,
		guestAddr:  guestAddr,
		width:      80,
		height:     24,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.pollDevice(), m.pollGuest(), m.pollResources(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) pollDevice() tea.Cmd {
	return func() tea.Msg {
		var s deviceStatus
		err := fetchJSON(m.client, m.deviceAddr+"/api/v1/status", &s)
		return deviceStatusMsg{status: s, err: err}
	}
}

func (m Model) pollGuest() tea.Cmd {
	return func() tea.Msg {
		var s guestStatus
		err := fetchJSON(m.client, m.guestAddr+"/api/v1/status", &s)
		return guestStatusMsg{status: s, err: err}
	}
}

func (m Model) pollResources() tea.Cmd {
	return func() tea.Msg {
		cpuPercent, _ := psutil.Percent(0, false)
		memInfo, _ := psmem.VirtualMemory()
		var cpu float64
		if len(cpuPercent) > 0 {
			cpu = cpuPercent[0]
		}
		var mem float64
		if memInfo != nil {
			mem = memInfo.UsedPercent
		}
		text := fmt.Sprintf("CPU: %.1f%% | RAM: %.1f%% | Go: %s", cpu, mem, runtime.Version())
		return resourceMsg{text: text}
	}
}

func fetchJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "c":
			return m, m.copySessionIDs()
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.pollDevice(), m.pollGuest(), m.pollResources(), tick())

	case deviceStatusMsg:
		if msg.err != nil {
			m.deviceErr = msg.err.Error()
		} else {
			m.deviceErr = ""
			m.device = msg.status
		}
		return m, nil

	case guestStatusMsg:
		if msg.err != nil {
			m.guestErr = msg.err.Error()
		} else {
			m.guestErr = ""
			m.guest = msg.status
		}
		return m, nil

	case resourceMsg:
		m.resourceLine = msg.text
		return m, nil

	case copyDoneMsg:
		if msg.err != nil {
			m.copyNotice = "copy failed: " + msg.err.Error()
		} else {
			m.copyNotice = "session ids copied to clipboard"
		}
		return m, nil
	}
	return m, nil
}

// copySessionIDs puts both sides' session ids on the clipboard, a quick
// way for an operator to paste them into a support ticket.
func (m Model) copySessionIDs() tea.Cmd {
	return func() tea.Msg {
		text := fmt.Sprintf("device=%s guest=%s", m.device.SessionID, m.guest.SessionID)
		return copyDoneMsg{err: clipboard.WriteAll(text)}
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	header := headerStyle.Width(m.width).Render("usbtunnel monitor")

	devicePanel := panelStyle.Width(m.width/2 - 2).Render(renderDevicePanel(m))
	guestPanel := panelStyle.Width(m.width/2 - 2).Render(renderGuestPanel(m))
	panels := lipgloss.JoinHorizontal(lipgloss.Top, devicePanel, guestPanel)

	footer := footerStyle.Width(m.width).Render(m.resourceLine)
	help := helpStyle.Render("q: quit   c: copy session ids")

	body := lipgloss.JoinVertical(lipgloss.Left, header, panels, footer, help)
	if m.copyNotice != "" {
		body = lipgloss.JoinVertical(lipgloss.Left, body, copyNoticeStyle.Render(m.copyNotice))
	}
	return body
}

func renderDevicePanel(m Model) string {
	if m.deviceErr != "" {
		return "device side\n" + errorStyle.Render(m.deviceErr)
	}
	if !m.device.Attached {
		return "device side\nno device attached"
	}
	out := fmt.Sprintf("device side\nsession %s\n%04x:%04x  config %d\n%d endpoint(s)",
		m.device.SessionID, m.device.VendorID, m.device.ProductID, m.device.Configuration, len(m.device.Endpoints))
	for _, ep := range m.device.Endpoints {
		out += fmt.Sprintf("\n  ep 0x%02x %-11s if %d  stream=%v", ep.Address, ep.Type, ep.Interface, ep.HasStream)
	}
	return out
}

func renderGuestPanel(m Model) string {
	if m.guestErr != "" {
		return "guest side\n" + errorStyle.Render(m.guestErr)
	}
	if m.guest.Rejected {
		return "guest side\ndevice rejected by filter"
	}
	if !m.guest.Connected {
		return "guest side\nnot connected"
	}
	return fmt.Sprintf("guest side\nsession %s\n%04x:%04x  config %d",
		m.guest.SessionID, m.guest.VendorID, m.guest.ProductID, m.guest.Configuration)
}
