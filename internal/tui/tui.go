// Package tui implements a terminal dashboard that polls the relay's
// status and session endpoints and renders a live view, in place of the
// chat-socket TUI this package started from.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"

	"github.com/shaneholloman/cdp-relay/internal/config"
)

// DefaultPort is used when neither a config file nor an explicit flag
// supplies one.
const DefaultPort = 9876

// pollInterval sets how often the dashboard re-fetches status.
const pollInterval = 2 * time.Second

// Config holds TUI configuration.
type Config struct {
	Host  string
	Port  int
	Token string
}

type sessionRow struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	TabID     int    `json:"tabId"`
}

type statusBody struct {
	OK            bool   `json:"ok"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Sessions      int    `json:"sessions"`
	ExtensionUp   bool   `json:"extensionConnected"`
}

type model struct {
	addr   string
	client *resty.Client

	status   *statusBody
	sessions []sessionRow
	err      error

	width int
}

func initialModel(addr, token string) model {
	client := resty.New().SetTimeout(2 * time.Second)
	if token != "" {
		client.SetHeader("Authorization", "Bearer "+token)
	}
	return model{addr: addr, client: client}
}

func (m model) Init() tea.Cmd {
	return m.poll()
}

type pollResultMsg struct {
	status   *statusBody
	sessions []sessionRow
	err      error
}

type tickMsg time.Time

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		var status statusBody
		resp, err := m.client.R().SetResult(&status).Get(fmt.Sprintf("http://%s/status", m.addr))
		if err != nil {
			return pollResultMsg{err: err}
		}
		if resp.IsError() {
			return pollResultMsg{err: fmt.Errorf("status endpoint returned %d", resp.StatusCode())}
		}

		var sessions []sessionRow
		resp, err = m.client.R().SetResult(&sessions).Get(fmt.Sprintf("http://%s/sessions", m.addr))
		if err != nil {
			return pollResultMsg{err: err}
		}
		if resp.IsError() {
			return pollResultMsg{err: fmt.Errorf("sessions endpoint returned %d", resp.StatusCode())}
		}

		return pollResultMsg{status: &status, sessions: sessions}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		}
		if msg.String() == "q" {
			return m, tea.Quit
		}

	case pollResultMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.status = msg.status
			m.sessions = msg.sessions
		}
		return m, tick()

	case tickMsg:
		return m, m.poll()
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	title := fmt.Sprintf("cdp-relay (%s)", m.addr)
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(title))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("unreachable: %v", m.err)))
		b.WriteString("\n")
		return b.String()
	}

	if m.status == nil {
		b.WriteString("connecting...\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("version:"), m.status.Version))
	b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("uptime:"), (time.Duration(m.status.UptimeSeconds) * time.Second).String()))
	b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("extension:"), extensionLabel(m.status.ExtensionUp)))
	b.WriteString(fmt.Sprintf("%s %d\n\n", labelStyle.Render("sessions:"), m.status.Sessions))

	if len(m.sessions) == 0 {
		b.WriteString(infoStyle.Render("no tabs attached"))
		b.WriteString("\n")
	} else {
		b.WriteString(labelStyle.Render("SESSION ID") + "  " + labelStyle.Render("TARGET ID") + "  " + labelStyle.Render("TAB ID") + "\n")
		for _, s := range m.sessions {
			b.WriteString(fmt.Sprintf("%s  %s  %d\n", s.SessionID, s.TargetID, s.TabID))
		}
	}

	b.WriteString("\n")
	b.WriteString(infoStyle.Render("press q to quit"))
	return b.String()
}

func extensionLabel(up bool) string {
	if up {
		return "connected"
	}
	return "not connected"
}

// Run starts the dashboard against the default address.
func Run() error {
	return RunWithConfig(nil)
}

// RunWithConfig starts the dashboard against the relay described by cfg.
// Host defaults to 127.0.0.1; port falls back to the config file, then
// DefaultPort.
func RunWithConfig(cfg *Config) error {
	host := "127.0.0.1"
	port := 0
	token := ""

	if cfg != nil {
		if cfg.Host != "" {
			host = cfg.Host
		}
		port = cfg.Port
		token = cfg.Token
	}

	if port == 0 {
		if loaded, err := config.Load(); err == nil && loaded.Port > 0 {
			port = loaded.Port
		}
	}
	if port == 0 {
		port = DefaultPort
	}
	if token == "" {
		if loaded, err := config.Load(); err == nil {
			token = loaded.Auth.Token
		}
	}

	addr := fmt.Sprintf("%s:%d", host, port)

	p := tea.NewProgram(initialModel(addr, token), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
