package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/faroslabs/faros/internal/events"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	// State
	health   HealthState
	agents   map[string]*AgentState
	commands map[string]*CommandState
	eventLog []events.Event

	// Live indicators
	ticker  Ticker
	spinner Spinner

	// UI state
	theme       Theme
	agentsTable table.Model

	// Communication
	hubEvents chan events.Event

	// Error display
	lastError string
}

// New creates a new watch TUI model. token is an operator session token.
func New(apiURL, token string) *Model {
	return &Model{
		apiURL:      apiURL,
		token:       token,
		agents:      make(map[string]*AgentState),
		commands:    make(map[string]*CommandState),
		eventLog:    make([]events.Event, 0),
		hubEvents:   make(chan events.Event, 100),
		ticker:      NewTicker(),
		spinner:     NewSpinner(),
		theme:       NewDefaultTheme(),
		agentsTable: newAgentsTable(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.token) },
		func() tea.Msg { return fetchAgents(m.apiURL, m.token) },
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
		var cmd tea.Cmd
		m.agentsTable, cmd = m.agentsTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.spinner.OnEvent()
		updateAgentState(m.agents, m.commands, e)
		m.agentsTable.SetRows(agentRows(m.agents))

		m.health.Connected = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueDepth = msg.QueueDepth
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})

	case agentsMsg:
		mergeRegistry(m.agents, msg)
		m.agentsTable.SetRows(agentRows(m.agents))

		return m, tea.Tick(15*time.Second, func(t time.Time) tea.Msg {
			return fetchAgents(m.apiURL, m.token)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// Reconnect after a short delay; the existing receiveNextEvent
		// goroutine is still waiting on the channel and will pick up
		// events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.token, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing Faros Watch..."
	}

	selectedAgent := ""
	if ids := sortedAgentIDs(m.agents); len(ids) > 0 {
		cursor := m.agentsTable.Cursor()
		if cursor >= 0 && cursor < len(ids) {
			selectedAgent = ids[cursor]
		}
	}

	header := renderHeader(m.health, len(m.agents), m.ticker, m.spinner, m.theme, m.width)
	agents := renderAgents(m.agentsTable, m.theme, m.width)
	inFlight := renderActiveCommands(m.agents, selectedAgent, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Navigate Agents")

	parts := []string{header, agents, inFlight, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
