package muxer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
)

func TestFFmpegArgs(t *testing.T) {
	m := &Muxer{Path: "ffmpeg", Tool: ToolFFmpeg}
	args := m.Args("https://example.com/live.m3u8", "/tmp/out.mp4", map[string]string{"Referer": "https://example.com", "Cookie": "a=b"})
	if !slices.Equal(args[len(args)-6:], []string{"-i", "https://example.com/live.m3u8", "-c", "copy", "-y", "/tmp/out.mp4"}) {
		t.Errorf("unexpected tail %v", args)
	}
	idx := slices.Index(args, "-headers")
	if idx < 0 {
		t.Fatalf("expected -headers in %v", args)
	}
	if args[idx+1] != "Cookie: a=b\r\nReferer: https://example.com\r\n" {
		t.Errorf("unexpected header block %q", args[idx+1])
	}
}

func TestYtdlpArgs(t *testing.T) {
	m := &Muxer{Path: "yt-dlp", Tool: ToolYtdlp}
	args := m.Args("https://example.com/v", "/tmp/v.mp4", map[string]string{"Referer": "x"})
	if args[len(args)-1] != "https://example.com/v" || args[len(args)-2] != "/tmp/v.mp4" {
		t.Errorf("unexpected args %v", args)
	}
	if !slices.Contains(args, "Referer:x") {
		t.Errorf("expected header flag in %v", args)
	}
}

// fakeTool writes a shell script that behaves like ffmpeg: it prints a
// progress line and writes its last argument.
func fakeTool(t *testing.T, body string) *Muxer {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script tool stub")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return &Muxer{Path: path, Tool: ToolFFmpeg}
}

func TestRunMovesOutputIntoPlace(t *testing.T) {
	m := fakeTool(t, `for last; do :; done
echo "total_size=11"
echo "progress=end"
printf 'muxed bytes' > "$last"`)
	out := filepath.Join(t.TempDir(), "live.mp4")

	var reported int64
	err := m.Run(context.Background(), Job{ItemID: 1, URL: "https://example.com/live.m3u8", OutputPath: out, OnBytes: func(n int64) { reported = n }})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "muxed bytes" {
		t.Errorf("unexpected output %q (%v)", data, err)
	}
	if reported != 11 {
		t.Errorf("expected 11 reported bytes, got %d", reported)
	}
	if _, err := os.Stat(TempPath(out)); !os.IsNotExist(err) {
		t.Error("expected temp output to be gone")
	}
}

func TestRunFailure(t *testing.T) {
	m := fakeTool(t, `echo "Server returned 403 Forbidden" >&2
exit 1`)
	out := filepath.Join(t.TempDir(), "live.mp4")

	var lines []string
	err := m.Run(context.Background(), Job{URL: "https://example.com/live.m3u8", OutputPath: out, OnLine: func(l string) { lines = append(lines, l) }})
	if err == nil || !strings.Contains(err.Error(), "ffmpeg failed") {
		t.Fatalf("expected tool failure, got %v", err)
	}
	if len(lines) != 1 || !strings.Contains(lines[0], "403") {
		t.Errorf("expected stderr line to be forwarded, got %v", lines)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("expected no output file")
	}
}

func TestRunEmptyOutput(t *testing.T) {
	m := fakeTool(t, `exit 0`)
	out := filepath.Join(t.TempDir(), "live.mp4")
	if err := m.Run(context.Background(), Job{URL: "u", OutputPath: out}); err == nil {
		t.Fatal("expected an error when the tool writes nothing")
	}
}

func TestFindPreferredMissing(t *testing.T) {
	if _, err := Find(filepath.Join(t.TempDir(), "no-such-ffmpeg")); err == nil {
		t.Error("expected an error for a missing binary")
	}
}
