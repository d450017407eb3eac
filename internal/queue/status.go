package queue

import "time"

const DefaultStallThreshold = 10 * time.Second

// ShouldMarkStalled reports whether an active, non-retrying item has gone
// at least threshold without progress. Items that never progressed are
// not considered.
func ShouldMarkStalled(s Snapshot, now time.Time, threshold time.Duration) bool {
	if s.Status != StatusActive {
		return false
	}
	if s.DisplayStatus != DisplayDownloading && s.DisplayStatus != DisplayStalled {
		return false
	}
	if s.LastProgressAt.IsZero() || s.LastProgressAt.Unix() <= 0 {
		return false
	}
	return now.Sub(s.LastProgressAt) >= threshold
}

type Summary struct {
	Downloading    int `json:"downloading"`
	WaitingForSlot int `json:"waiting_for_slot"`
	Stalled        int `json:"stalled"`
}

// Summarize counts unfinished items by display status.
func Summarize(items []Snapshot) Summary {
	var sum Summary
	for _, s := range items {
		if s.Status == StatusDone || s.Status == StatusError {
			continue
		}
		switch s.DisplayStatus {
		case DisplayDownloading, DisplayPreparing, DisplayRetrying:
			sum.Downloading++
		case DisplayWaitingForSlot:
			sum.WaitingForSlot++
		case DisplayStalled:
			sum.Stalled++
		}
	}
	return sum
}
