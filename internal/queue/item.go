// Package queue holds the ordered set of pending and active transfer
// requests, keeps it persisted, and sequences mutations that race with the
// active transfer.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Priority orders queued items. The zero value is PriorityNormal.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("invalid priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusQueued     Status = "queued"
	StatusActive     Status = "active"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

type DisplayStatus string

const (
	DisplayPreparing      DisplayStatus = "preparing"
	DisplayDownloading    DisplayStatus = "downloading"
	DisplayWaitingForSlot DisplayStatus = "waiting"
	DisplayStalled        DisplayStatus = "stalled"
	DisplayRetrying       DisplayStatus = "retrying"
)

// Request is what a caller enqueues.
type Request struct {
	ID         int64             `yaml:"id,omitempty"`
	SourceURL  string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	OutputPath string            `yaml:"output,omitempty"`
	Priority   Priority          `yaml:"priority,omitempty"`
}

// Item is a queue entry. Identity and source are fixed at creation; the
// status fields change only through the methods below.
type Item struct {
	mu sync.RWMutex

	id         int64
	sourceURL  string
	headers    map[string]string
	outputPath string
	priority   Priority

	status         Status
	displayStatus  DisplayStatus
	lastProgressAt time.Time
	retryAttempt   int
	failureReason  string
	addedAt        time.Time
}

func NewItem(id int64, req Request) *Item {
	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = v
	}
	return &Item{
		id:            id,
		sourceURL:     req.SourceURL,
		headers:       headers,
		outputPath:    req.OutputPath,
		priority:      req.Priority,
		status:        StatusNotStarted,
		displayStatus: DisplayWaitingForSlot,
		addedAt:       time.Now(),
	}
}

func (i *Item) ItemID() int64 { return i.id }

func (i *Item) SourceURL() string { return i.sourceURL }

// Headers returns a copy of the request headers.
func (i *Item) Headers() map[string]string {
	out := make(map[string]string, len(i.headers))
	for k, v := range i.headers {
		out[k] = v
	}
	return out
}

func (i *Item) OutputPath() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.outputPath
}

// SetOutputPath records the resolved destination so a restart resumes
// into the same file.
func (i *Item) SetOutputPath(p string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.outputPath = p
}

func (i *Item) Priority() Priority {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.priority
}

func (i *Item) SetPriority(p Priority) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.priority = p
}

func (i *Item) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// SetStatus moves the item to s and resets the display status to the one
// that status starts in.
func (i *Item) SetStatus(s Status) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = s
	switch s {
	case StatusQueued, StatusNotStarted:
		i.displayStatus = DisplayWaitingForSlot
		i.lastProgressAt = time.Time{}
	case StatusActive:
		i.displayStatus = DisplayPreparing
		i.lastProgressAt = time.Time{}
		i.failureReason = ""
	}
}

func (i *Item) SetDisplayStatus(d DisplayStatus) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.displayStatus = d
}

// MarkProgress records that bytes arrived at t. A stalled, retrying or
// preparing item goes back to downloading.
func (i *Item) MarkProgress(t time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastProgressAt = t
	switch i.displayStatus {
	case DisplayStalled, DisplayPreparing, DisplayRetrying:
		i.displayStatus = DisplayDownloading
	}
}

// Fail marks the item as terminally failed with reason.
func (i *Item) Fail(reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = StatusError
	i.failureReason = reason
}

// Requeue prepares a failed item for another run.
func (i *Item) Requeue() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.retryAttempt++
	i.status = StatusQueued
	i.displayStatus = DisplayWaitingForSlot
	i.lastProgressAt = time.Time{}
}

// Snapshot is a point-in-time copy of an item, safe to hand to readers and
// to serialize.
type Snapshot struct {
	ID             int64             `json:"id"`
	SourceURL      string            `json:"source_url"`
	Headers        map[string]string `json:"headers,omitempty"`
	OutputPath     string            `json:"output_path,omitempty"`
	Priority       Priority          `json:"priority"`
	Status         Status            `json:"status"`
	DisplayStatus  DisplayStatus     `json:"display_status"`
	LastProgressAt time.Time         `json:"last_progress_at"`
	RetryAttempt   int               `json:"retry_attempt"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	AddedAt        time.Time         `json:"added_at"`
}

func (i *Item) Snapshot() Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return Snapshot{
		ID:             i.id,
		SourceURL:      i.sourceURL,
		Headers:        i.Headers(),
		OutputPath:     i.outputPath,
		Priority:       i.priority,
		Status:         i.status,
		DisplayStatus:  i.displayStatus,
		LastProgressAt: i.lastProgressAt,
		RetryAttempt:   i.retryAttempt,
		FailureReason:  i.failureReason,
		AddedAt:        i.addedAt,
	}
}

func (i *Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Snapshot())
}

// FromSnapshot rebuilds an item read back from storage. An item that was
// active when the process stopped is queued again.
func FromSnapshot(s Snapshot) *Item {
	item := NewItem(s.ID, Request{SourceURL: s.SourceURL, Headers: s.Headers, OutputPath: s.OutputPath, Priority: s.Priority})
	item.status = s.Status
	item.displayStatus = s.DisplayStatus
	item.retryAttempt = s.RetryAttempt
	item.failureReason = s.FailureReason
	if !s.AddedAt.IsZero() {
		item.addedAt = s.AddedAt
	}
	if item.status == StatusActive || item.status == StatusNotStarted {
		item.status = StatusQueued
		item.displayStatus = DisplayWaitingForSlot
	}
	return item
}
