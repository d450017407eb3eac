package transfer

import "testing"

func TestChunkIsComplete(t *testing.T) {
	closed := ChunkProgress{Range: ByteRange{StartByte: 0, EndByte: 9}, DownloadedBytes: 10, Status: ChunkCompleted}
	if !closed.IsComplete() {
		t.Error("expected fully downloaded closed chunk to be complete")
	}

	closed.Status = ChunkDownloading
	if closed.IsComplete() {
		t.Error("expected non-completed status to be incomplete")
	}

	short := ChunkProgress{Range: ByteRange{StartByte: 0, EndByte: 9}, DownloadedBytes: 9, Status: ChunkCompleted}
	if short.IsComplete() {
		t.Error("expected short chunk to be incomplete")
	}

	open := ChunkProgress{Range: ByteRange{StartByte: 0, EndByte: -1}, DownloadedBytes: 1234, Status: ChunkCompleted}
	if open.IsComplete() {
		t.Error("expected open-ended chunk to never be complete")
	}
}

func TestTransferProgress(t *testing.T) {
	empty := &TransferProgress{}
	if !empty.IsComplete() {
		t.Error("expected empty chunk list to be complete")
	}
	if empty.ProgressPercent() != -1 {
		t.Errorf("expected -1 for unknown total, got %d", empty.ProgressPercent())
	}

	p := NewTransferProgress(7, "https://example.com/a.mp4", "tid", "a.mp4", 300, Plan(300, 1))
	p.Chunks[0].DownloadedBytes = 199
	p.Recount()
	if p.DownloadedBytes != 199 {
		t.Errorf("expected 199 downloaded, got %d", p.DownloadedBytes)
	}
	if p.ProgressPercent() != 66 {
		t.Errorf("expected floor(66.33)=66, got %d", p.ProgressPercent())
	}
	if p.IsComplete() {
		t.Error("expected partial transfer to be incomplete")
	}
	if p.Chunks[0].TempFileName != "a.mp4.part0" {
		t.Errorf("unexpected temp file name %q", p.Chunks[0].TempFileName)
	}
	if rem := p.Chunks[0].Remaining(); rem != (ByteRange{StartByte: 199, EndByte: 299}) {
		t.Errorf("unexpected remaining range %v", rem)
	}

	clone := p.Clone()
	clone.Chunks[0].DownloadedBytes = 0
	if p.Chunks[0].DownloadedBytes != 199 {
		t.Error("expected clone to not share chunk storage")
	}

	if !p.SameLayout(300, Plan(300, 1)) {
		t.Error("expected identical layout to match")
	}
	if p.SameLayout(301, Plan(301, 1)) {
		t.Error("expected different size to not match")
	}
}
