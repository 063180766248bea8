package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pushpool/internal/events"
)

const visibleEvents = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	var lines []string
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func formatEvent(e events.Event, theme Theme) string {
	var style lipgloss.Style
	switch e.Type {
	case events.TaskCompleted, events.WorkerStarted, events.DaemonStarted:
		style = theme.StatusOK
	case events.TaskFailed, events.WorkerCrashed:
		style = theme.StatusFailed
	case events.WorkerRecycled, events.DaemonRestart:
		style = theme.Highlight
	default:
		style = theme.Dim
	}

	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		style.Render(fmt.Sprintf("%-18s", e.Type)),
		describe(e),
	)
}

// describe summarises the event payload in one line.
func describe(e events.Event) string {
	var d struct {
		WorkerID       string `json:"worker_id"`
		TaskID         string `json:"task_id"`
		ExecutionCount int    `json:"execution_count"`
		DurationMS     int64  `json:"duration_ms"`
		Bytes          int64  `json:"bytes"`
		Spilled        bool   `json:"spilled"`
		Reason         string `json:"reason"`
		Error          string `json:"error"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return truncate(string(e.Data), 60)
	}

	var parts []string
	if d.WorkerID != "" {
		parts = append(parts, d.WorkerID)
	}
	if d.TaskID != "" {
		parts = append(parts, fmt.Sprintf("[%s]", truncate(d.TaskID, 8)))
		parts = append(parts, fmt.Sprintf("%dB %dms", d.Bytes, d.DurationMS))
		if d.Spilled {
			parts = append(parts, "spilled")
		}
	} else if d.ExecutionCount > 0 {
		parts = append(parts, fmt.Sprintf("execs=%d", d.ExecutionCount))
	}
	if d.Reason != "" {
		parts = append(parts, d.Reason)
	}
	if d.Error != "" {
		parts = append(parts, truncate(d.Error, 40))
	}

	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
