package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/faroslabs/faros/internal/events"
)

// AgentState tracks one agent discovered from the registry and events.
type AgentState struct {
	ID             string
	Name           string
	RobotType      string
	LastHeartbeat  time.Time
	ActiveCommands map[string]*CommandState
	LastStatus     string // outcome of the most recently finalized command
	LastFinish     time.Time
}

// CommandState tracks an individual command's lifecycle as seen on the
// event stream.
type CommandState struct {
	ID          string
	AgentID     string
	Type        string
	Status      string
	DeliveredAt time.Time
	FinishedAt  time.Time
}

// updateAgentState processes one event and updates agent/command tracking.
func updateAgentState(agents map[string]*AgentState, commands map[string]*CommandState, e events.Event) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	agentID, _ := data["agent_id"].(string)
	if agentID == "" {
		return
	}
	a := getOrCreateAgent(agents, agentID)

	if e.Type == events.TypeAgentHeartbeat {
		a.LastHeartbeat = time.Now()
		return
	}

	commandID, _ := data["command_id"].(string)
	if commandID == "" {
		return
	}

	switch e.Type {
	case events.TypeCommandQueued, events.TypeCommandDelivered:
		cmd, ok := commands[commandID]
		if !ok {
			cmd = &CommandState{ID: commandID, AgentID: agentID}
			commands[commandID] = cmd
		}
		if cmdType, ok := data["type"].(string); ok {
			cmd.Type = cmdType
		}
		if e.Type == events.TypeCommandDelivered {
			cmd.Status = "in_progress"
			cmd.DeliveredAt = time.Now()
		} else if cmd.Status == "" {
			cmd.Status = "queued"
		}
		a.ActiveCommands[commandID] = cmd

	case events.TypeCommandAcked, events.TypeCommandExpired:
		cmd, ok := commands[commandID]
		if !ok {
			cmd = &CommandState{ID: commandID, AgentID: agentID}
			commands[commandID] = cmd
		}
		if e.Type == events.TypeCommandExpired {
			cmd.Status = "expired"
		} else if success, ok := data["success"].(bool); ok && !success {
			cmd.Status = "failed"
		} else {
			cmd.Status = "acked"
		}
		cmd.FinishedAt = time.Now()

		delete(a.ActiveCommands, commandID)
		a.LastStatus = cmd.Status
		a.LastFinish = time.Now()
	}
}

func getOrCreateAgent(agents map[string]*AgentState, id string) *AgentState {
	a, ok := agents[id]
	if !ok {
		a = &AgentState{
			ID:             id,
			ActiveCommands: make(map[string]*CommandState),
		}
		agents[id] = a
	}
	return a
}

// mergeRegistry folds a registry snapshot into the tracked agent set so
// idle agents show up before they emit any events.
func mergeRegistry(agents map[string]*AgentState, snapshot []agentInfo) {
	for _, info := range snapshot {
		a := getOrCreateAgent(agents, info.ID)
		a.Name = info.Name
		a.RobotType = info.RobotType
		if info.LastHeartbeat != nil && info.LastHeartbeat.After(a.LastHeartbeat) {
			a.LastHeartbeat = *info.LastHeartbeat
		}
	}
}

// sortedAgentIDs returns agent ids in stable name order.
func sortedAgentIDs(agents map[string]*AgentState) []string {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ni, nj := agents[ids[i]].Name, agents[ids[j]].Name
		if ni != nj {
			return ni < nj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func newAgentsTable() table.Model {
	columns := []table.Column{
		{Title: "Agent", Width: 20},
		{Title: "Type", Width: 12},
		{Title: "Active", Width: 8},
		{Title: "Heartbeat", Width: 12},
		{Title: "Last result", Width: 18},
	}

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		Bold(true).
		Foreground(lipgloss.Color("#61AFEF")).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(true)

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(6),
	)
	t.SetStyles(styles)
	return t
}

func agentRows(agents map[string]*AgentState) []table.Row {
	rows := make([]table.Row, 0, len(agents))
	for _, id := range sortedAgentIDs(agents) {
		a := agents[id]

		name := a.Name
		if name == "" {
			name = shortID(a.ID)
		}

		heartbeat := "never"
		if !a.LastHeartbeat.IsZero() {
			heartbeat = formatAgo(time.Since(a.LastHeartbeat).Round(time.Second))
		}

		lastResult := "-"
		if a.LastStatus != "" {
			lastResult = fmt.Sprintf("%s %s", a.LastStatus,
				formatAgo(time.Since(a.LastFinish).Round(time.Second)))
		}

		rows = append(rows, table.Row{
			name,
			a.RobotType,
			fmt.Sprintf("%d", len(a.ActiveCommands)),
			heartbeat,
			lastResult,
		})
	}
	return rows
}

func renderAgents(agentsTable table.Model, theme Theme, width int) string {
	innerWidth := width - 4

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("AGENTS"),
		agentsTable.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

// renderActiveCommands shows the in-flight commands of the selected agent.
func renderActiveCommands(agents map[string]*AgentState, selected string, theme Theme, width int) string {
	innerWidth := width - 4

	a, ok := agents[selected]
	if !ok || len(a.ActiveCommands) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("IN FLIGHT"),
			theme.Dim.Render("  No commands in flight..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	ids := make([]string, 0, len(a.ActiveCommands))
	for id := range a.ActiveCommands {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var lines []string
	for _, id := range ids {
		cmd := a.ActiveCommands[id]

		var statusStr string
		switch cmd.Status {
		case "in_progress":
			duration := "-"
			if !cmd.DeliveredAt.IsZero() {
				duration = time.Since(cmd.DeliveredAt).Round(time.Second).String()
			}
			statusStr = theme.StatusRunning.Render("running " + duration)
		default:
			statusStr = theme.StatusQueued.Render("queued")
		}

		lines = append(lines, fmt.Sprintf("  └─ %s %s %s",
			theme.Highlight.Render(shortID(cmd.ID)),
			fmt.Sprintf("%-16s", cmd.Type),
			statusStr,
		))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("IN FLIGHT")}, lines...)...,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

