package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/faroslabs/faros/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeCommandAcked:
		typeStyle = theme.StatusOK
	case events.TypeCommandExpired:
		typeStyle = theme.StatusFailed
	case events.TypeCommandDelivered, events.TypeCommandOutput:
		typeStyle = theme.StatusRunning
	case events.TypeAgentHeartbeat:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	desc := extractEventDesc(e)

	return fmt.Sprintf("%s %s %s", ts, typeName, desc)
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if commandID, ok := data["command_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(commandID)))
	}
	if cmdType, ok := data["type"].(string); ok && cmdType != "" {
		parts = append(parts, cmdType)
	}
	if agentID, ok := data["agent_id"].(string); ok {
		parts = append(parts, "agent "+shortID(agentID))
	}
	if success, ok := data["success"].(bool); ok {
		if success {
			parts = append(parts, "ok")
		} else {
			parts = append(parts, "failed")
		}
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
