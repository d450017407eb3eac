package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/tanq16/mediaq/internal/queue"
)

// PrintQueue writes the queue in order followed by the display summary.
func PrintQueue(w io.Writer, items []queue.Snapshot) {
	if len(items) == 0 {
		fmt.Fprintln(w, pendingStyle.Render("Queue is empty"))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-6s %-8s %-12s %-8s %s", "ID", "PRIO", "STATUS", "RETRIES", "SOURCE")))
	for _, s := range items {
		status := string(s.Status)
		if s.Status == queue.StatusActive {
			status = string(s.DisplayStatus)
		}
		line := fmt.Sprintf("%-6d %-8s %-12s %-8d %s", s.ID, s.Priority, status, s.RetryAttempt, s.SourceURL)
		fmt.Fprintln(w, rowStyle(s).Render(line))
		if s.Status == queue.StatusError {
			fmt.Fprintln(w, strings.Repeat(" ", 4)+debugStyle.Render(s.FailureReason))
		}
	}
	sum := queue.Summarize(items)
	fmt.Fprintln(w, detailStyle.Render(fmt.Sprintf("%d downloading %s %d waiting %s %d stalled",
		sum.Downloading, StyleSymbols["dot"], sum.WaitingForSlot, StyleSymbols["dot"], sum.Stalled)))
}

// rowStyle colours a queue row by what the item is doing.
func rowStyle(s queue.Snapshot) lipgloss.Style {
	switch {
	case s.Status == queue.StatusError:
		return errorStyle
	case s.Status == queue.StatusDone:
		return successStyle
	case s.DisplayStatus == queue.DisplayStalled, s.DisplayStatus == queue.DisplayRetrying:
		return warningStyle
	case s.Status == queue.StatusActive:
		return infoStyle
	default:
		return pendingStyle
	}
}
