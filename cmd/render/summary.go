package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"framefarm/internal/render"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("51"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	statusStyle = map[render.FrameStatus]lipgloss.Style{
		render.FrameFinished: okStyle,
		render.FrameFailed:   errorStyle,
	}
)

// renderSummary formats the end-of-run report: outcome, counts and one
// line per frame.
func renderSummary(s *render.Summary) string {
	outcome := okStyle
	if s.Outcome != render.OutcomeFinished {
		outcome = errorStyle
	}

	header := fmt.Sprintf("%s %s", titleStyle.Render("job "+s.JobID), outcome.Render(string(s.Outcome)))
	counts := fmt.Sprintf("%d frames: %d finished, %d failed, total time %s (limit %s)",
		s.Total, s.Succeeded, s.Failed, s.Elapsed.Round(time.Second), s.Timeout.Round(time.Second))

	lines := make([]string, 0, len(s.Frames))
	for _, f := range s.Frames {
		st, ok := statusStyle[f.Status]
		if !ok {
			st = mutedStyle
		}
		line := fmt.Sprintf("frame %4d  %s", f.Frame, st.Render(fmt.Sprintf("%-9s", f.Status)))
		if !f.StartedAt.IsZero() && !f.FinishedAt.IsZero() {
			line += "  " + f.FinishedAt.Sub(f.StartedAt).Round(time.Millisecond).String()
		}
		if f.Reason != "" {
			line += "  " + mutedStyle.Render(f.Reason)
		}
		lines = append(lines, line)
	}

	body := lipgloss.JoinVertical(lipgloss.Left, header, mutedStyle.Render(counts))
	if len(lines) > 0 {
		body = lipgloss.JoinVertical(lipgloss.Left, body, "", strings.Join(lines, "\n"))
	}
	return panelStyle.Render(body)
}
