package scheduler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	mediahttp "github.com/tanq16/mediaq/internal/downloaders/http"
	"github.com/tanq16/mediaq/internal/queue"
	"github.com/tanq16/mediaq/internal/source"
	"github.com/tanq16/mediaq/internal/state"
	"github.com/tanq16/mediaq/internal/transfer"
	"github.com/tanq16/mediaq/internal/utils"
)

// mp4Data looks like an ISO media file to the signature check.
func mp4Data(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	copy(data[4:], "ftypisom")
	return data
}

type harness struct {
	dir    string
	orch   *queue.Orchestrator
	runner *Runner
	states *state.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, persister, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { persister.Close() })
	states, err := state.Open(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { states.Close() })

	client := utils.NewHTTPClient(utils.HTTPClientConfig{Timeout: 5 * time.Second})
	exec := mediahttp.NewExecutor(client, states, mediahttp.Options{
		MaxConnections:  4,
		Retries:         1,
		BackoffBase:     time.Millisecond,
		BackoffMax:      time.Millisecond,
		BufferSize:      4096,
		CheckpointBytes: 16384,
	})
	runner := New(context.Background(), store, Config{
		OutputDir: filepath.Join(dir, "out"),
		Selector: &mediahttp.Selector{
			Client:          client,
			ParallelEnabled: true,
			Threads:         4,
			Plan:            transfer.PlanOptions{MinChunkBytes: 64 << 10, MaxChunks: 4},
		},
		Executor:      exec,
		Resolver:      source.NewResolver("", 0),
		States:        states,
		StallInterval: 10 * time.Millisecond,
	})
	orch := queue.NewOrchestrator(store, runner, persister)
	orch.OnRemoved(runner.Discard)
	return &harness{dir: dir, orch: orch, runner: runner, states: states}
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.runner.Wait(ctx); err != nil {
		t.Fatalf("runner did not finish: %v", err)
	}
}

func serveData(t *testing.T, data []byte, ranges *[]string, mu *sync.Mutex) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ranges != nil {
			mu.Lock()
			*ranges = append(*ranges, r.Header.Get("Range"))
			mu.Unlock()
		}
		http.ServeContent(w, r, "video.mp4", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunnerParallelDownload(t *testing.T) {
	h := newHarness(t)
	data := mp4Data(512 << 10)
	var mu sync.Mutex
	var ranges []string
	srv := serveData(t, data, &ranges, &mu)

	updates, unsubscribe := h.runner.Subscribe(1024)

	out := filepath.Join(h.dir, "out", "movie.mp4")
	items, err := h.orch.Enqueue(queue.Request{SourceURL: srv.URL + "/movie.mp4", OutputPath: out})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.orch.Start()
	h.wait(t)

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("output differs from source (%d vs %d bytes)", len(got), len(data))
	}
	if len(h.orch.Items()) != 0 {
		t.Errorf("expected finished item to leave the queue, got %+v", h.orch.Items())
	}
	if items[0].Status() != queue.StatusDone {
		t.Errorf("expected done, got %s", items[0].Status())
	}
	record, _ := h.states.Load(context.Background(), state.Key{ItemID: items[0].ItemID(), SourceURL: srv.URL + "/movie.mp4"})
	if record != nil {
		t.Error("expected resume record to be deleted")
	}
	if _, err := os.Stat(utils.TempDir(out)); !os.IsNotExist(err) {
		t.Error("expected temp directory to be removed")
	}

	mu.Lock()
	chunkRequests := 0
	for _, r := range ranges {
		if r != "" && r != mediahttp.ProbeWindow {
			chunkRequests++
		}
	}
	mu.Unlock()
	if chunkRequests != 4 {
		t.Errorf("expected 4 chunk requests, got %d (%v)", chunkRequests, ranges)
	}

	unsubscribe()
	sawProgress, last := false, Update{}
	for u := range updates {
		if u.Progress != nil && u.Progress.DownloadedBytes > 0 {
			sawProgress = true
		}
		last = u
	}
	if !sawProgress {
		t.Error("expected progress updates on the stream")
	}
	if last.Item.Status != queue.StatusDone {
		t.Errorf("expected last update to report done, got %s", last.Item.Status)
	}
}

func TestRunnerProgressStreamInOrder(t *testing.T) {
	h := newHarness(t)
	data := mp4Data(4 << 20)
	var mu sync.Mutex
	var ranges []string
	srv := serveData(t, data, &ranges, &mu)

	updates, unsubscribe := h.runner.Subscribe(64)
	type result struct {
		progress int
		backward string
		last     Update
	}
	results := make(chan result, 1)
	go func() {
		var res result
		var seen int64
		for u := range updates {
			if u.Progress != nil {
				res.progress++
				if u.Progress.DownloadedBytes < seen && res.backward == "" {
					res.backward = strconv.FormatInt(u.Progress.DownloadedBytes, 10) + " after " + strconv.FormatInt(seen, 10)
				}
				seen = u.Progress.DownloadedBytes
			}
			res.last = u
		}
		results <- res
	}()

	out := filepath.Join(h.dir, "out", "large.mp4")
	if _, err := h.orch.Enqueue(queue.Request{SourceURL: srv.URL + "/large.mp4", OutputPath: out}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.orch.Start()
	h.wait(t)
	unsubscribe()
	res := <-results

	if got, err := os.ReadFile(out); err != nil || !bytes.Equal(got, data) {
		t.Fatalf("unexpected output: %v", err)
	}
	mu.Lock()
	chunkRequests := 0
	for _, r := range ranges {
		if r != "" && r != mediahttp.ProbeWindow {
			chunkRequests++
		}
	}
	mu.Unlock()
	if chunkRequests != 4 {
		t.Errorf("expected 4 chunk requests, got %d", chunkRequests)
	}
	if res.progress == 0 {
		t.Error("expected progress updates on the stream")
	}
	if res.backward != "" {
		t.Errorf("progress went backwards: %s", res.backward)
	}
	if res.last.Item.Status != queue.StatusDone {
		t.Errorf("expected last update to report done, got %s", res.last.Item.Status)
	}
}

func TestSlowSubscriberStillSeesDone(t *testing.T) {
	h := newHarness(t)
	data := mp4Data(1 << 20)
	srv := serveData(t, data, nil, nil)

	// nothing reads until the queue has drained
	updates, unsubscribe := h.runner.Subscribe(8)
	items, err := h.orch.Enqueue(queue.Request{SourceURL: srv.URL + "/clip.mp4", OutputPath: filepath.Join(h.dir, "out", "clip.mp4")})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.orch.Start()
	h.wait(t)
	unsubscribe()

	var statuses []queue.Status
	progress := 0
	for u := range updates {
		if u.Item.ID != items[0].ItemID() {
			continue
		}
		if u.Progress != nil {
			progress++
			continue
		}
		statuses = append(statuses, u.Item.Status)
	}
	if progress > 8 {
		t.Errorf("expected progress backlog capped at 8, got %d", progress)
	}
	if len(statuses) < 2 || statuses[0] != queue.StatusActive || statuses[len(statuses)-1] != queue.StatusDone {
		t.Errorf("expected active then done status changes, got %v", statuses)
	}
}

func TestSubscriberCoalescesProgress(t *testing.T) {
	h := newHarness(t)
	item := queue.NewItem(1, queue.Request{SourceURL: "https://example.com/a.mp4"})
	updates, unsubscribe := h.runner.Subscribe(2)

	for i := range 50 {
		h.runner.publish(item, &transfer.TransferProgress{DownloadedBytes: int64(i)})
	}
	item.SetStatus(queue.StatusDone)
	h.runner.publish(item, nil)
	unsubscribe()

	var got []Update
	for u := range updates {
		got = append(got, u)
	}
	if len(got) == 0 || got[len(got)-1].Item.Status != queue.StatusDone {
		t.Fatalf("expected the status change to arrive last, got %+v", got)
	}
	if len(got) > 3 {
		t.Errorf("expected progress to be coalesced, got %d updates", len(got))
	}
	if p := got[len(got)-2].Progress; p == nil || p.DownloadedBytes != 49 {
		t.Errorf("expected the latest progress before the status change, got %+v", p)
	}
}

func TestRunnerNamesOutputFromURL(t *testing.T) {
	h := newHarness(t)
	data := mp4Data(4096)
	srv := serveData(t, data, nil, nil)

	items, _ := h.orch.Enqueue(queue.Request{SourceURL: srv.URL + "/clips/short.mp4?token=abc"})
	h.orch.Start()
	h.wait(t)

	want := filepath.Join(h.dir, "out", "short.mp4")
	if items[0].OutputPath() != want {
		t.Errorf("expected output %s, got %s", want, items[0].OutputPath())
	}
	if got, err := os.ReadFile(want); err != nil || !bytes.Equal(got, data) {
		t.Errorf("unexpected output: %v", err)
	}
}

func TestRunnerFailedItemStaysVisible(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	items, _ := h.orch.Enqueue(queue.Request{SourceURL: srv.URL + "/missing.mkv", OutputPath: filepath.Join(h.dir, "missing.mkv")})
	h.orch.Start()
	h.wait(t)

	snaps := h.orch.Items()
	if len(snaps) != 1 {
		t.Fatalf("expected failed item to stay in the queue, got %d items", len(snaps))
	}
	if snaps[0].Status != queue.StatusError || snaps[0].FailureReason == "" {
		t.Errorf("expected error status with a reason, got %+v", snaps[0])
	}
	if err := h.orch.Retry(items[0].ItemID()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.wait(t)
	if snap := items[0].Snapshot(); snap.Status != queue.StatusError || snap.RetryAttempt != 1 {
		t.Errorf("expected second failure after retry, got %+v", snap)
	}
}

func TestRunnerRejectsCorruptOutput(t *testing.T) {
	h := newHarness(t)
	data := bytes.Repeat([]byte("not a movie "), 400)
	srv := serveData(t, data, nil, nil)

	out := filepath.Join(h.dir, "bad.mp4")
	h.orch.Enqueue(queue.Request{SourceURL: srv.URL + "/bad.mp4", OutputPath: out})
	h.orch.Start()
	h.wait(t)

	snaps := h.orch.Items()
	if len(snaps) != 1 || snaps[0].Status != queue.StatusError {
		t.Fatalf("expected item to fail validation, got %+v", snaps)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("expected invalid output to be removed")
	}
}

func TestRemoveActiveItemStopsRunnerAndDiscards(t *testing.T) {
	h := newHarness(t)
	data := make([]byte, 1<<20)
	data[0] = 0x47
	started := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == mediahttp.ProbeWindow {
			http.ServeContent(w, r, "seg.ts", time.Time{}, bytes.NewReader(data))
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data[:8192])
		w.(http.Flusher).Flush()
		once.Do(func() { close(started) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	out := filepath.Join(h.dir, "seg.ts")
	items, _ := h.orch.Enqueue(queue.Request{SourceURL: srv.URL + "/seg.ts", OutputPath: out})
	h.orch.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never started")
	}

	if _, err := h.orch.RemoveSafely(items[0].ItemID()); err != nil {
		t.Fatalf("RemoveSafely: %v", err)
	}
	if h.runner.IsRunning() {
		t.Error("expected runner to stop once the queue is empty")
	}
	h.wait(t)
	if items[0].Status() == queue.StatusError {
		t.Errorf("expected interrupted item not to be marked failed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := os.Stat(mediahttp.SingleTempPath(out))
		if os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected staged file to be discarded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("expected no output file")
	}
}

func TestWatchStallFlagsIdleTransfer(t *testing.T) {
	h := newHarness(t)
	item := queue.NewItem(1, queue.Request{SourceURL: "https://example.com/a.mp4"})
	item.SetStatus(queue.StatusActive)
	item.MarkProgress(time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.watchStall(ctx, item)

	deadline := time.Now().Add(5 * time.Second)
	for item.Snapshot().DisplayStatus != queue.DisplayStalled {
		if time.Now().After(deadline) {
			t.Fatal("expected item to be marked stalled")
		}
		time.Sleep(10 * time.Millisecond)
	}
	item.MarkProgress(time.Now())
	if item.Snapshot().DisplayStatus != queue.DisplayDownloading {
		t.Error("expected progress to clear the stall")
	}
}

func TestValidateOutput(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.mp4")
	os.WriteFile(good, mp4Data(1024), 0644)
	if err := validateOutput(good); err != nil {
		t.Errorf("expected valid output, got %v", err)
	}
	bad := filepath.Join(dir, "bad.mkv")
	os.WriteFile(bad, []byte("plain text, not a container at all"), 0644)
	if err := validateOutput(bad); !errors.Is(err, ErrInvalidOutput) {
		t.Errorf("expected ErrInvalidOutput, got %v", err)
	}
	other := filepath.Join(dir, "notes.bin")
	os.WriteFile(other, []byte("x"), 0644)
	if err := validateOutput(other); err != nil {
		t.Errorf("expected unknown formats to be skipped, got %v", err)
	}
}
