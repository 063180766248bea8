package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pushpool/internal/api"
	"github.com/mattjoyce/pushpool/internal/pool"
)

func renderHeader(s api.StatusResponse, connected bool, ticker Ticker, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("RUNNING")
	if !connected {
		statusText = theme.StatusFailed.Render("UNREACHABLE")
	}

	name := s.Service
	if name == "" {
		name = "pushpool"
	}
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	title := fmt.Sprintf(" %s %s", strings.ToUpper(name), theme.Highlight.Render(ticker.Current()))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	busy := 0
	for _, w := range s.Workers {
		if w.State == pool.StateBusy {
			busy++
		}
	}

	depth := fmt.Sprintf("%d", s.Queue.Depth)
	if s.Queue.Depth < 0 {
		depth = theme.StatusFailed.Render("?")
	}

	statsLine := fmt.Sprintf(" %s  pid %d  up %s  %s:%s depth %s  workers %d/%d busy  dispatchers %d",
		statusText,
		s.PID,
		formatDuration(time.Duration(s.UptimeSeconds)*time.Second),
		s.Queue.Backend, s.Queue.Name, depth,
		busy, len(s.Workers),
		s.Dispatchers,
	)

	countsLine := fmt.Sprintf(" processed %d  failed %d  decode %d  lost %d  recycled %d  crashed %d",
		s.Stats.Processed, s.Stats.Failed, s.Stats.DecodeFailed,
		s.Stats.Lost, s.Stats.Recycled, s.Stats.Crashed,
	)

	lastEvent := "never"
	if !spinner.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", time.Since(spinner.LastEvent()).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, spinner.Render(theme))

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		countsLine,
		activityLine,
	))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
