package ui

import (
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/Mschirtzinger/offsync/internal/schema"
)

// RenderSyncStatus colours a record status.
func RenderSyncStatus(s schema.SyncStatus) string {
	switch s {
	case schema.StatusCompleted:
		return RenderPass(string(s))
	case schema.StatusFailed:
		return RenderFail(string(s))
	case schema.StatusConflict:
		return RenderWarn(string(s))
	case schema.StatusInProgress:
		return RenderAccent(string(s))
	default:
		return RenderMuted(string(s))
	}
}

// RenderLogStatus colours a session status.
func RenderLogStatus(s schema.LogStatus) string {
	switch s {
	case schema.LogCompleted:
		return RenderPass(string(s))
	case schema.LogFailed:
		return RenderFail(string(s))
	case schema.LogPartialSuccess:
		return RenderWarn(string(s))
	default:
		return RenderAccent(string(s))
	}
}

// FormatTime renders t in local time, or "never".
func FormatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}
