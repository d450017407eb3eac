package output

import (
	"fmt"
	"io"
	"sync"

	"github.com/tanq16/mediaq/internal/queue"
	"github.com/tanq16/mediaq/internal/scheduler"
)

// Logger prints one line per status change. It stands in for the live
// display when stdout is not a terminal.
type Logger struct {
	mu   sync.Mutex
	out  io.Writer
	last map[int64]string
}

func NewLogger(out io.Writer) *Logger {
	return &Logger{out: out, last: make(map[int64]string)}
}

func (l *Logger) Apply(u scheduler.Update) {
	state := string(u.Item.Status)
	if u.Item.Status == queue.StatusActive {
		state = string(u.Item.DisplayStatus)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last[u.Item.ID] == state {
		return
	}
	l.last[u.Item.ID] = state
	switch u.Item.Status {
	case queue.StatusDone:
		fmt.Fprintf(l.out, "%s item %d %s\n", StyleSymbols["pass"], u.Item.ID, u.Item.OutputPath)
	case queue.StatusError:
		fmt.Fprintf(l.out, "%s item %d %s\n", StyleSymbols["fail"], u.Item.ID, u.Item.FailureReason)
	default:
		fmt.Fprintf(l.out, "%s item %d %s %s\n", StyleSymbols["bullet"], u.Item.ID, state, u.Item.SourceURL)
	}
}

func (l *Logger) Consume(updates <-chan scheduler.Update) {
	for u := range updates {
		l.Apply(u)
	}
}
