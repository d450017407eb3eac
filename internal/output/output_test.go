package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/tanq16/mediaq/internal/queue"
	"github.com/tanq16/mediaq/internal/scheduler"
	"github.com/tanq16/mediaq/internal/transfer"
)

func update(id int64, status queue.Status, display queue.DisplayStatus) scheduler.Update {
	return scheduler.Update{Item: queue.Snapshot{
		ID:            id,
		SourceURL:     "https://example.com/v.mp4",
		OutputPath:    "v.mp4",
		Status:        status,
		DisplayStatus: display,
	}}
}

func TestManagerApply(t *testing.T) {
	m := NewManager()
	m.out = &bytes.Buffer{}

	u := update(1, queue.StatusActive, queue.DisplayDownloading)
	u.Progress = &transfer.TransferProgress{TotalBytes: 1000, DownloadedBytes: 500}
	m.Apply(u)
	lines := m.render(20)
	if len(lines) != 2 {
		t.Fatalf("expected a status line and a progress line, got %q", lines)
	}
	if !strings.Contains(lines[0], "Downloading v.mp4") || !strings.Contains(lines[1], "50.0%") {
		t.Errorf("unexpected render %q", lines)
	}

	m.Apply(update(2, queue.StatusQueued, queue.DisplayWaitingForSlot))
	fail := update(3, queue.StatusError, queue.DisplayDownloading)
	fail.Item.FailureReason = "chunk 0 failed after 4 attempts"
	m.Apply(fail)
	m.Apply(update(1, queue.StatusDone, queue.DisplayDownloading))

	success, failures, total := m.Counts()
	if success != 1 || failures != 1 || total != 3 {
		t.Errorf("unexpected counts %d/%d/%d", success, failures, total)
	}
	joined := strings.Join(m.render(20), "\n")
	for _, want := range []string{"Waiting for slot", "Completed v.mp4", "Failed v.mp4"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %q in render:\n%s", want, joined)
		}
	}
	if len(m.render(1)) != 1 {
		t.Error("expected render to honor the line budget")
	}
}

func TestManagerUnknownTotal(t *testing.T) {
	m := NewManager()
	u := update(1, queue.StatusActive, queue.DisplayStalled)
	u.Progress = &transfer.TransferProgress{TotalBytes: -1, DownloadedBytes: 2048}
	m.Apply(u)
	joined := strings.Join(m.render(10), "\n")
	if !strings.Contains(joined, "Stalled") || !strings.Contains(joined, "2.00 KB") {
		t.Errorf("unexpected render %q", joined)
	}
}

func TestLoggerPrintsTransitionsOnce(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Apply(update(1, queue.StatusActive, queue.DisplayDownloading))
	l.Apply(update(1, queue.StatusActive, queue.DisplayDownloading))
	l.Apply(update(1, queue.StatusActive, queue.DisplayStalled))
	l.Apply(update(1, queue.StatusDone, queue.DisplayDownloading))
	if got := strings.Count(buf.String(), "\n"); got != 3 {
		t.Errorf("expected 3 lines, got %d:\n%s", got, buf.String())
	}
}

func TestPrintQueue(t *testing.T) {
	var buf bytes.Buffer
	PrintQueue(&buf, nil)
	if !strings.Contains(buf.String(), "Queue is empty") {
		t.Errorf("unexpected output %q", buf.String())
	}
	buf.Reset()
	PrintQueue(&buf, []queue.Snapshot{
		{ID: 1, SourceURL: "https://example.com/a.mp4", Status: queue.StatusActive, DisplayStatus: queue.DisplayStalled},
		{ID: 2, SourceURL: "https://example.com/b.mp4", Status: queue.StatusError, FailureReason: "404"},
		{ID: 3, SourceURL: "https://example.com/c.mp4", Status: queue.StatusQueued, DisplayStatus: queue.DisplayWaitingForSlot},
	})
	out := buf.String()
	for _, want := range []string{"a.mp4", "stalled", "404", "0 downloading", "1 waiting", "1 stalled"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestRowStyle(t *testing.T) {
	cases := []struct {
		snap queue.Snapshot
		want string
	}{
		{queue.Snapshot{Status: queue.StatusQueued, DisplayStatus: queue.DisplayWaitingForSlot}, "pending"},
		{queue.Snapshot{Status: queue.StatusActive, DisplayStatus: queue.DisplayDownloading}, "info"},
		{queue.Snapshot{Status: queue.StatusActive, DisplayStatus: queue.DisplayStalled}, "warning"},
		{queue.Snapshot{Status: queue.StatusActive, DisplayStatus: queue.DisplayRetrying}, "warning"},
		{queue.Snapshot{Status: queue.StatusError, DisplayStatus: queue.DisplayStalled}, "error"},
	}
	styles := map[string]lipgloss.TerminalColor{
		"pending": pendingStyle.GetForeground(),
		"info":    infoStyle.GetForeground(),
		"warning": warningStyle.GetForeground(),
		"error":   errorStyle.GetForeground(),
	}
	for _, c := range cases {
		if got := rowStyle(c.snap).GetForeground(); got != styles[c.want] {
			t.Errorf("%s/%s: expected %s style", c.snap.Status, c.snap.DisplayStatus, c.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[uint64]string{0: "0 B", 1023: "1023 B", 1024: "1.00 KB", 25 << 20: "25.00 MB"}
	for in, want := range cases {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
	if got := FormatSpeed(2048, 2); got != "1.00 KB/s" {
		t.Errorf("unexpected speed %q", got)
	}
}
