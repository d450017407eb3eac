package muxer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediaq/internal/utils"
)

type Job struct {
	ItemID     int64
	URL        string
	OutputPath string
	Headers    map[string]string
	// OnBytes receives the tool's running output size when it reports one.
	OnBytes func(written int64)
	// OnLine receives every non-progress line the tool prints.
	OnLine func(line string)
}

// TempPath is where the tool writes before the result is moved into place.
// The extension is kept so the tool can infer the container.
func TempPath(outputPath string) string {
	return filepath.Join(utils.TempDir(outputPath), "mux-"+filepath.Base(outputPath))
}

// Args builds the command line for fetching rawURL into out.
func (m *Muxer) Args(rawURL, out string, headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	switch m.Tool {
	case ToolYtdlp:
		args := []string{"--newline", "--no-warnings", "--no-playlist", "--no-part", "--force-overwrites"}
		for _, k := range keys {
			args = append(args, "--add-header", k+":"+headers[k])
		}
		return append(args, "-o", out, rawURL)
	default:
		args := []string{"-hide_banner", "-nostats", "-loglevel", "error", "-progress", "pipe:1"}
		if len(keys) > 0 {
			var sb strings.Builder
			for _, k := range keys {
				fmt.Fprintf(&sb, "%s: %s\r\n", k, headers[k])
			}
			args = append(args, "-headers", sb.String())
		}
		return append(args, "-i", rawURL, "-c", "copy", "-y", out)
	}
}

// Run invokes the tool and moves its output to job.OutputPath on success.
// Cancelling ctx kills the tool and discards its partial output.
func (m *Muxer) Run(ctx context.Context, job Job) error {
	tempPath := TempPath(job.OutputPath)
	if err := os.MkdirAll(filepath.Dir(tempPath), 0755); err != nil {
		return fmt.Errorf("error creating temp directory: %w", err)
	}
	defer os.Remove(tempPath)

	cmd := exec.CommandContext(ctx, m.Path, m.Args(job.URL, tempPath, job.Headers)...)
	log.Debug().Str("op", "muxer/download").Int64("item", job.ItemID).Msgf("executing %s command: %s", m.Tool, cmd.String())
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting %s: %w", m.Tool, err)
	}
	done := make(chan struct{}, 2)
	go func() { processStream(stdout, job); done <- struct{}{} }()
	go func() { processStream(stderr, job); done <- struct{}{} }()
	<-done
	<-done
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Str("op", "muxer/download").Int64("item", job.ItemID).Err(err).Msgf("%s command failed", m.Tool)
		return fmt.Errorf("%s failed: %w", m.Tool, err)
	}
	info, err := os.Stat(tempPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%s produced no output", m.Tool)
	}
	if err := os.Rename(tempPath, job.OutputPath); err != nil {
		return fmt.Errorf("error renaming (finalizing) output file: %w", err)
	}
	if job.OnBytes != nil {
		job.OnBytes(info.Size())
	}
	log.Info().Str("op", "muxer/download").Int64("item", job.ItemID).Msgf("%s download completed for %s", m.Tool, job.URL)
	return nil
}

// processStream forwards tool output. ffmpeg's -progress lines of the form
// total_size=N become byte updates.
func processStream(reader io.Reader, job Job) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if key, value, ok := strings.Cut(line, "="); ok && !strings.Contains(key, " ") {
			if key == "total_size" && job.OnBytes != nil {
				if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
					job.OnBytes(n)
				}
			}
			continue
		}
		if job.OnLine != nil {
			job.OnLine(line)
		}
	}
}
