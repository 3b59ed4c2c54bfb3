// Package tui draws the session view in the terminal.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"voice-session/internal/view"
)

const meterWidth = 24

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	statusStyles = map[string]lipgloss.Style{
		"Connected":  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		"Connecting": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		"Error":      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
	defaultStatusStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	liveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

// Client is what the terminal drives.
type Client interface {
	View() view.Model
	Trigger(ctx context.Context) error
	ToggleMic() error
	RequestAccess(ctx context.Context) error
	CycleDevice() error
	Subscribe(fn func()) (unsubscribe func())
}

type frameMsg time.Time

type changedMsg struct{}

type actionErrMsg struct{ err error }

type model struct {
	ctx       context.Context
	client    Client
	frameRate int
	snap      view.Model
	actionErr string
	width     int
}

func newModel(ctx context.Context, client Client, frameRate int) model {
	if frameRate <= 0 {
		frameRate = 60
	}
	return model{ctx: ctx, client: client, frameRate: frameRate, snap: client.View()}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.frameCmd(),
		tea.SetWindowTitle("Voice Session"),
	)
}

func (m model) frameCmd() tea.Cmd {
	return tea.Tick(time.Second/time.Duration(m.frameRate), func(t time.Time) tea.Msg {
		return frameMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case frameMsg:
		m.snap = m.client.View()
		return m, m.frameCmd()

	case changedMsg:
		m.snap = m.client.View()
		return m, nil

	case actionErrMsg:
		m.actionErr = msg.err.Error()
		m.snap = m.client.View()
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "c", "enter":
		if !m.snap.Button.Enabled && m.snap.Button.Action != view.ActionDisconnect {
			return m, nil
		}
		m.actionErr = ""
		return m, m.run(func() error { return m.client.Trigger(m.ctx) })
	case "m":
		if !m.snap.ShowMeters {
			return m, nil
		}
		return m, m.run(m.client.ToggleMic)
	case "p":
		if !m.snap.PermissionPrompt {
			return m, nil
		}
		m.actionErr = ""
		return m, m.run(func() error { return m.client.RequestAccess(m.ctx) })
	case "tab":
		return m, m.run(m.client.CycleDevice)
	}
	return m, nil
}

// run executes fn off the update loop; session calls may block.
func (m model) run(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return actionErrMsg{err: err}
		}
		return changedMsg{}
	}
}

func (m model) View() string {
	var b strings.Builder
	s := m.snap

	b.WriteString(titleStyle.Render("Voice Session"))
	b.WriteString("  ")
	style, ok := statusStyles[s.StatusLabel]
	if !ok {
		style = defaultStatusStyle
	}
	b.WriteString(style.Render("● " + s.StatusLabel))
	b.WriteString("\n\n")

	if s.ErrorMessage != "" {
		b.WriteString(errorStyle.Render(s.ErrorMessage))
		b.WriteString("\n\n")
	}

	button := "[ " + s.Button.Label + " ]"
	if s.Button.Enabled {
		b.WriteString(selectedStyle.Render(button))
	} else {
		b.WriteString(dimStyle.Render(button))
	}
	if s.Connecting {
		b.WriteString("  " + dimStyle.Render("Establishing connection..."))
	}
	b.WriteString("\n\n")

	if s.ShowMeters {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			renderCard(s.Local), " ", renderCard(s.Remote)))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("Mic: ") + s.MicLabel)
		b.WriteString("\n\n")
	}

	b.WriteString(m.renderDevices())

	if m.actionErr != "" {
		b.WriteString("\n" + errorStyle.Render(m.actionErr) + "\n")
	}

	b.WriteString("\n" + m.renderHelp())
	return b.String()
}

func renderCard(c view.TrackCard) string {
	status := dimStyle.Render(c.Status)
	if c.Live {
		status = liveStyle.Render(c.Status)
	}
	lines := []string{
		fmt.Sprintf("%s  %s", titleStyle.Render(c.Title), status),
		barStyle.Render(meterBar(c.Percent, meterWidth)) + fmt.Sprintf(" %3d%%", c.Percent),
		dimStyle.Render("Track: " + c.TrackID),
	}
	return cardStyle.Render(strings.Join(lines, "\n"))
}

func meterBar(percent, width int) string {
	filled := max(0, min(width, percent*width/100))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func (m model) renderDevices() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Input device"))
	b.WriteString("\n")
	if m.snap.PermissionPrompt {
		b.WriteString(dimStyle.Render("No microphones available. Press p: " + m.snap.PermissionLabel))
		b.WriteString("\n")
		return b.String()
	}
	for _, d := range m.snap.Devices {
		if d.Selected {
			b.WriteString(selectedStyle.Render("▸ " + d.Label))
		} else {
			b.WriteString("  " + d.Label)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) renderHelp() string {
	var parts []string
	parts = append(parts, "c "+strings.ToLower(m.snap.Button.Label))
	if m.snap.ShowMeters {
		parts = append(parts, "m mute/unmute")
	}
	if m.snap.PermissionPrompt {
		parts = append(parts, "p allow microphone")
	} else {
		parts = append(parts, "tab next device")
	}
	parts = append(parts, "q quit")
	return helpStyle.Render(strings.Join(parts, " • "))
}

// Run draws the client until the user quits or ctx is done.
func Run(ctx context.Context, client Client, frameRate int) error {
	p := tea.NewProgram(
		newModel(ctx, client, frameRate),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	unsubscribe := client.Subscribe(func() { p.Send(changedMsg{}) })
	defer unsubscribe()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
