package ui

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

const maxAlertLines = 5

type sessionsMsg []SessionRow

type stateMsg string

type alertMsg string

// Dashboard is the live view shown while the source is streaming.
type Dashboard struct {
	program  *tea.Program
	model    *dashboardModel
	updates  chan tea.Msg
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

type dashboardModel struct {
	room     RoomInfo
	state    string
	sessions []SessionRow
	alerts   []string
	spinner  spinner.Model
	updates  chan tea.Msg
	onQuit   func()
	quitting bool
}

// NewDashboard creates a dashboard for room.
func NewDashboard(room RoomInfo) *Dashboard {
	d := &Dashboard{
		updates: make(chan tea.Msg, 64),
		quit:    make(chan struct{}),
	}
	d.model = newDashboardModel(room, d.updates, d.requestQuit)
	return d
}

func newDashboardModel(room RoomInfo, updates chan tea.Msg, onQuit func()) *dashboardModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &dashboardModel{
		room:    room,
		state:   "Waiting for viewers...",
		spinner: s,
		updates: updates,
		onQuit:  onQuit,
	}
}

// Start runs the program in the background.
func (d *Dashboard) Start() {
	d.program = tea.NewProgram(d.model)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.program.Run(); err != nil {
			slog.Error("dashboard stopped", "error", err)
		}
		d.requestQuit()
	}()
}

// Quit is closed when the user asks to stop.
func (d *Dashboard) Quit() <-chan struct{} {
	return d.quit
}

func (d *Dashboard) requestQuit() {
	d.quitOnce.Do(func() { close(d.quit) })
}

func (d *Dashboard) SetSessions(rows []SessionRow) {
	d.send(sessionsMsg(rows))
}

func (d *Dashboard) SetState(state string) {
	d.send(stateMsg(state))
}

func (d *Dashboard) PushAlert(line string) {
	d.send(alertMsg(line))
}

func (d *Dashboard) send(msg tea.Msg) {
	select {
	case d.updates <- msg:
	default:
	}
}

// Stop ends the program and waits for it to restore the terminal.
func (d *Dashboard) Stop() {
	if d.program != nil {
		d.program.Quit()
	}
	d.wg.Wait()
}

func (m *dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdates())
}

func (m *dashboardModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updates
	}
}

func (m *dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case sessionsMsg:
		m.sessions = msg
		return m, m.listenForUpdates()

	case stateMsg:
		m.state = string(msg)
		return m, m.listenForUpdates()

	case alertMsg:
		m.alerts = append(m.alerts, string(msg))
		if len(m.alerts) > maxAlertLines {
			m.alerts = m.alerts[len(m.alerts)-maxAlertLines:]
		}
		return m, m.listenForUpdates()
	}

	return m, nil
}

func (m *dashboardModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.room.View())
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("%s %s\n\n", m.spinner.View(), m.state))
	b.WriteString(SessionTableView(m.sessions))
	b.WriteString("\n")

	if len(m.alerts) > 0 {
		b.WriteString("\n")
		b.WriteString(AlertBoxStyle.Render(strings.Join(m.alerts, "\n")))
		b.WriteString("\n")
	}

	b.WriteString("\n" + MutedStyle.Render("Press q to stop streaming"))
	return b.String()
}
