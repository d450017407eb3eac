package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/mediaq/internal/queue"
	"github.com/tanq16/mediaq/internal/scheduler"
)

type ItemOutput struct {
	ID          int64
	URL         string
	OutputPath  string
	Status      string
	Message     string
	StreamLines []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       string
	Index       int
}

type ErrorReport struct {
	URL   string
	Error string
	Time  time.Time
}

// Manager renders the runner's progress stream as a live terminal view.
type Manager struct {
	outputs     map[int64]*ItemOutput
	mutex       sync.RWMutex
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	itemCount   int
	displayWg   sync.WaitGroup
	out         io.Writer
}

func NewManager() *Manager {
	return &Manager{
		outputs:     make(map[int64]*ItemOutput),
		errors:      []ErrorReport{},
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
		out:         os.Stdout,
	}
}

// Apply folds one progress update into the view.
func (m *Manager) Apply(u scheduler.Update) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	info, exists := m.outputs[u.Item.ID]
	if !exists {
		m.itemCount++
		info = &ItemOutput{
			ID:        u.Item.ID,
			URL:       u.Item.SourceURL,
			Status:    "pending",
			StartTime: time.Now(),
			Index:     m.itemCount,
		}
		m.outputs[u.Item.ID] = info
	}
	info.OutputPath = u.Item.OutputPath
	info.LastUpdated = time.Now()

	switch u.Item.Status {
	case queue.StatusDone:
		info.StreamLines = nil
		info.Complete = true
		info.Status = "success"
		info.Message = fmt.Sprintf("Completed %s", displayName(info))
		return
	case queue.StatusError:
		info.StreamLines = nil
		info.Complete = true
		info.Status = "error"
		info.Error = u.Item.FailureReason
		info.Message = fmt.Sprintf("Failed %s", displayName(info))
		m.errors = append(m.errors, ErrorReport{URL: info.URL, Error: u.Item.FailureReason, Time: time.Now()})
		return
	case queue.StatusQueued, queue.StatusNotStarted:
		info.Complete = false
		info.Status = "pending"
		info.Message = ""
		return
	}

	info.Complete = false
	switch u.Item.DisplayStatus {
	case queue.DisplayStalled:
		info.Status = "warning"
		info.Message = fmt.Sprintf("Stalled %s", displayName(info))
	case queue.DisplayRetrying:
		info.Status = "warning"
		info.Message = fmt.Sprintf("Retrying %s (attempt %d)", displayName(info), u.Item.RetryAttempt+1)
	case queue.DisplayPreparing:
		info.Status = "pending"
		info.Message = fmt.Sprintf("Preparing %s", displayName(info))
	default:
		info.Status = "active"
		info.Message = fmt.Sprintf("Downloading %s", displayName(info))
	}
	if p := u.Progress; p != nil {
		elapsed := time.Since(info.StartTime).Seconds()
		if p.TotalBytes > 0 {
			bar := PrintProgressBar(p.DownloadedBytes, p.TotalBytes, 30)
			info.StreamLines = []string{bar + debugStyle.Render(fmt.Sprintf("%s / %s %s %s",
				FormatBytes(uint64(p.DownloadedBytes)), FormatBytes(uint64(p.TotalBytes)),
				StyleSymbols["bullet"], FormatSpeed(p.DownloadedBytes, elapsed)))}
		} else {
			info.StreamLines = []string{debugStyle.Render(fmt.Sprintf("%s %s %s",
				FormatBytes(uint64(p.DownloadedBytes)), StyleSymbols["bullet"], FormatSpeed(p.DownloadedBytes, elapsed)))}
		}
	}
}

func displayName(info *ItemOutput) string {
	if info.OutputPath != "" {
		return info.OutputPath
	}
	return info.URL
}

// Consume applies updates until the channel closes.
func (m *Manager) Consume(updates <-chan scheduler.Update) {
	for u := range updates {
		m.Apply(u)
	}
}

func (m *Manager) ClearAll() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for id := range m.outputs {
		m.outputs[id].StreamLines = []string{}
	}
}

func (m *Manager) GetStatusIndicator(status string) string {
	switch status {
	case "success", "pass":
		return successStyle.Render(StyleSymbols["pass"])
	case "error", "fail":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(status, message string) string {
	switch status {
	case "success":
		return successStyle.Render(message)
	case "error":
		return errorStyle.Render(message)
	case "warning":
		return warningStyle.Render(message)
	default:
		return pendingStyle.Render(message)
	}
}

func (m *Manager) sortItems() (active, pending, completed []*ItemOutput) {
	var all []*ItemOutput
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Index < all[j].Index
	})
	for _, f := range all {
		if f.Complete {
			completed = append(completed, f)
		} else if f.Status == "pending" && f.Message == "" {
			pending = append(pending, f)
		} else {
			active = append(active, f)
		}
	}
	return active, pending, completed
}

// render lays out at most availableLines lines of the current view.
func (m *Manager) render(availableLines int) []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var lines []string
	indent := strings.Repeat(" ", 2)
	streamIndent := strings.Repeat(" ", 2+4)
	activeItems, pendingItems, completedItems := m.sortItems()

	totalNeeded := len(completedItems)
	for _, f := range activeItems {
		totalNeeded += 1 + len(f.StreamLines)
	}
	totalNeeded += len(pendingItems)
	if totalNeeded > availableLines {
		maxCompleted := max(availableLines-(totalNeeded-len(completedItems)), 0)
		if len(completedItems) > maxCompleted {
			completedItems = completedItems[len(completedItems)-maxCompleted:]
		}
	}

	for _, info := range activeItems {
		elapsed := time.Since(info.StartTime).Round(time.Second).String()
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, m.GetStatusIndicator(info.Status), debugStyle.Render(elapsed), styleMessage(info.Status, info.Message)))
		for _, line := range info.StreamLines {
			lines = append(lines, streamIndent+streamStyle.Render(line))
		}
	}
	for _, info := range pendingItems {
		lines = append(lines, fmt.Sprintf("%s%s %s", indent, m.GetStatusIndicator(info.Status), pendingStyle.Render("Waiting for slot "+info.URL)))
	}
	if len(completedItems) > 10 {
		lines = append(lines, infoStyle.Render(fmt.Sprintf("%s%d items completed with varying hidden status ...", indent, len(completedItems)-8)))
		completedItems = completedItems[len(completedItems)-8:]
	}
	for _, info := range completedItems {
		total := info.LastUpdated.Sub(info.StartTime).Round(time.Second).String()
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, m.GetStatusIndicator(info.Status), debugStyle.Render(total), styleMessage(info.Status, info.Message)))
	}
	if len(lines) > availableLines {
		lines = lines[:availableLines]
	}
	return lines
}

func (m *Manager) updateDisplay() {
	availableLines := getTerminalHeight() - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lines := m.render(availableLines)
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.ClearAll()
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, err := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", err.Time.Format("15:04:05"))),
			errorStyle.Render(fmt.Sprintf("Source: %s", err.URL)))
		for _, line := range wrapText("Error: "+err.Error, 2+4) {
			fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(line))
		}
	}
}

// Counts returns how many tracked items succeeded and failed.
func (m *Manager) Counts() (success, failures, total int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, info := range m.outputs {
		switch info.Status {
		case "success":
			success++
		case "error":
			failures++
		}
	}
	return success, failures, len(m.outputs)
}

func (m *Manager) ShowSummary() {
	success, failures, total := m.Counts()
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d", success, total)))
	if failures > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, total)))
	}
	m.mutex.RLock()
	m.displayErrors()
	m.mutex.RUnlock()
	fmt.Fprintln(m.out)
}
