package watch

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pushpool/internal/api"
	"github.com/mattjoyce/pushpool/internal/events"
	"github.com/mattjoyce/pushpool/internal/pool"
)

const (
	eventLogSize = 50
	pollInterval = 2 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	status    api.StatusResponse
	connected bool
	lastCheck time.Time
	eventLog  []events.Event

	workers table.Model
	ticker  Ticker
	spinner Spinner
	theme   Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model polling the status server at apiURL.
func New(apiURL, token string) *Model {
	t := table.New(
		table.WithColumns(workerColumns()),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    apiURL,
		token:     token,
		workers:   t,
		ticker:    NewTicker(),
		spinner:   NewSpinner(),
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) poll() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return fetchStatus(m.apiURL, m.token)
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.workers.SetWidth(m.width - 6)

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.spinner.OnEvent()
		m.connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.status = api.StatusResponse(msg)
		m.workers.SetRows(workerRows(m.status.Workers, time.Now()))
		m.connected = true
		m.lastCheck = time.Now()
		m.lastError = ""
		return m, m.poll()

	case sseDisconnectedMsg:
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.token, m.hubEvents)

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()
		return m, m.poll()
	}

	var cmd tea.Cmd
	m.workers, cmd = m.workers.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.status, m.connected, m.ticker, m.spinner, m.theme, m.width),
		m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("WORKERS"),
			m.workers.View(),
		)),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit  [↑/↓] Scroll workers"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func workerColumns() []table.Column {
	return []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Slot", Width: 5},
		{Title: "State", Width: 11},
		{Title: "Execs", Width: 8},
		{Title: "Age", Width: 9},
		{Title: "Last task", Width: 10},
	}
}

func workerRows(records []pool.WorkerRecord, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(records))
	for _, r := range records {
		last := "-"
		if !r.LastTaskAt.IsZero() {
			last = formatDuration(now.Sub(r.LastTaskAt)) + " ago"
		}
		rows = append(rows, table.Row{
			r.ID,
			strconv.Itoa(r.Slot),
			r.State.String(),
			strconv.Itoa(r.ExecutionCount),
			formatDuration(now.Sub(r.StartedAt)),
			last,
		})
	}
	return rows
}
