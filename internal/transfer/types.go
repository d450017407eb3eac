package transfer

import (
	"fmt"
	"time"
)

// ByteRange is an inclusive byte window. EndByte == -1 means open-ended.
type ByteRange struct {
	StartByte int64 `json:"start"`
	EndByte   int64 `json:"end"`
}

func (r ByteRange) Size() int64 {
	if r.EndByte < 0 {
		return -1
	}
	return r.EndByte - r.StartByte + 1
}

func (r ByteRange) IsOpen() bool {
	return r.EndByte < 0
}

// Header renders the value of an HTTP Range header.
func (r ByteRange) Header() string {
	if r.EndByte < 0 {
		return fmt.Sprintf("bytes=%d-", r.StartByte)
	}
	return fmt.Sprintf("bytes=%d-%d", r.StartByte, r.EndByte)
}

// From returns the remainder of the range after skipping offset bytes.
func (r ByteRange) From(offset int64) ByteRange {
	return ByteRange{StartByte: r.StartByte + offset, EndByte: r.EndByte}
}

type ChunkStatus string

const (
	ChunkPending     ChunkStatus = "pending"
	ChunkDownloading ChunkStatus = "downloading"
	ChunkCompleted   ChunkStatus = "completed"
	ChunkFailed      ChunkStatus = "failed"
)

type ChunkProgress struct {
	Index           int         `json:"index"`
	Range           ByteRange   `json:"range"`
	DownloadedBytes int64       `json:"downloaded"`
	Status          ChunkStatus `json:"status"`
	TempFileName    string      `json:"temp_file"`
}

// IsComplete holds only for a closed range whose bytes are all accounted
// for. Open-ended chunks are never complete since their size is unknown.
func (c ChunkProgress) IsComplete() bool {
	size := c.Range.Size()
	return c.Status == ChunkCompleted && size >= 0 && c.DownloadedBytes == size
}

// Remaining is the range still to fetch.
func (c ChunkProgress) Remaining() ByteRange {
	return c.Range.From(c.DownloadedBytes)
}

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

type TransferProgress struct {
	ItemID          int64           `json:"item_id"`
	SourceURL       string          `json:"source_url"`
	TransferID      string          `json:"transfer_id"`
	TotalBytes      int64           `json:"total_bytes"`
	DownloadedBytes int64           `json:"downloaded_bytes"`
	Chunks          []ChunkProgress `json:"chunks"`
	Status          Status          `json:"status"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsComplete is vacuously true for an empty chunk list.
func (p *TransferProgress) IsComplete() bool {
	for _, c := range p.Chunks {
		if !c.IsComplete() {
			return false
		}
	}
	return true
}

// ProgressPercent returns the floored percentage, or -1 when the total is
// unknown.
func (p *TransferProgress) ProgressPercent() int {
	if p.TotalBytes <= 0 {
		return -1
	}
	return int(100 * p.DownloadedBytes / p.TotalBytes)
}

// Recount restores DownloadedBytes to the sum of the chunk counts.
func (p *TransferProgress) Recount() {
	var sum int64
	for _, c := range p.Chunks {
		sum += c.DownloadedBytes
	}
	p.DownloadedBytes = sum
}

// Clone returns a deep copy that can be handed to readers.
func (p *TransferProgress) Clone() *TransferProgress {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Chunks = append([]ChunkProgress(nil), p.Chunks...)
	return &cp
}

// NewTransferProgress lays out fresh chunk records for the given ranges.
// Chunk temp files are named <base>.part<index>.
func NewTransferProgress(itemID int64, sourceURL, transferID, base string, totalBytes int64, ranges []ByteRange) *TransferProgress {
	chunks := make([]ChunkProgress, len(ranges))
	for i, r := range ranges {
		chunks[i] = ChunkProgress{
			Index:        i,
			Range:        r,
			Status:       ChunkPending,
			TempFileName: fmt.Sprintf("%s.part%d", base, i),
		}
	}
	return &TransferProgress{
		ItemID:     itemID,
		SourceURL:  sourceURL,
		TransferID: transferID,
		TotalBytes: totalBytes,
		Chunks:     chunks,
		Status:     StatusInProgress,
		UpdatedAt:  time.Now(),
	}
}

// SameLayout reports whether a persisted record was planned with exactly
// these ranges, so its chunk files can be reused.
func (p *TransferProgress) SameLayout(totalBytes int64, ranges []ByteRange) bool {
	if p.TotalBytes != totalBytes || len(p.Chunks) != len(ranges) {
		return false
	}
	for i, c := range p.Chunks {
		if c.Index != i || c.Range != ranges[i] {
			return false
		}
	}
	return true
}
