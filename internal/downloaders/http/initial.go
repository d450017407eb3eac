package mediahttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediaq/internal/media"
	"github.com/tanq16/mediaq/internal/utils"
)

// ProbeWindow is the byte window requested by Probe.
const ProbeWindow = "bytes=0-0"

// ProbeResult is one of ProbeSupported, ProbeNotSupported or ProbeError.
type ProbeResult interface {
	probeResult()
}

type ProbeSupported struct {
	TotalSize int64
	FileName  string
}

type ProbeNotSupported struct {
	Reason   string
	FileName string
}

type ProbeError struct {
	Cause error
}

func (ProbeSupported) probeResult()    {}
func (ProbeNotSupported) probeResult() {}
func (ProbeError) probeResult()        {}

func (e ProbeError) Error() string {
	return fmt.Sprintf("probe failed: %v", e.Cause)
}

func (e ProbeError) Unwrap() error {
	return e.Cause
}

// Probe asks the server for a one byte window to learn whether byte ranges
// are honored and how large the resource is. Failures are reported in the
// result rather than returned, since every outcome other than
// ProbeSupported just means a single stream download.
func Probe(ctx context.Context, client utils.HTTPDoer, rawURL string, headers map[string]string) ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ProbeError{Cause: fmt.Errorf("error creating request: %w", err)}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", ProbeWindow)
	resp, err := client.Do(req)
	if err != nil {
		return ProbeError{Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	fileName := utils.FileNameFromDisposition(resp.Header.Get("Content-Disposition"))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeNotSupported{Reason: fmt.Sprintf("server returned status %d", resp.StatusCode), FileName: fileName}
	}
	if resp.StatusCode != http.StatusPartialContent {
		return ProbeNotSupported{Reason: "server ignored the range request", FileName: fileName}
	}
	total, ok := totalFromContentRange(resp.Header.Get("Content-Range"))
	if !ok {
		return ProbeNotSupported{Reason: "partial response without a known total size", FileName: fileName}
	}
	log.Debug().Str("op", "http/initial").Str("url", rawURL).Int64("size", total).Msg("range requests supported")
	return ProbeSupported{TotalSize: total, FileName: fileName}
}

// totalFromContentRange extracts the complete length from a header such as
// "bytes 0-0/12345". An unknown length ("*") is reported as not ok.
func totalFromContentRange(header string) (int64, bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes ") {
		return 0, false
	}
	slash := strings.LastIndexByte(header, '/')
	if slash < 0 {
		return 0, false
	}
	total, err := strconv.ParseInt(header[slash+1:], 10, 64)
	if err != nil || total <= 0 {
		return 0, false
	}
	return total, true
}

// startFromContentRange extracts the first byte position from a
// Content-Range header.
func startFromContentRange(header string) (int64, bool) {
	header = strings.TrimPrefix(strings.TrimSpace(header), "bytes ")
	dash := strings.IndexByte(header, '-')
	if dash <= 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(header[:dash], 10, 64)
	return start, err == nil
}

// OutputPath decides where a download lands. An explicit path is kept
// as-is; otherwise the name comes from Content-Disposition or the URL,
// placed in dir. Muxed streams always get an .mp4 extension. A taken path
// gets a -(n) suffix unless the existing file already has the expected size.
func OutputPath(explicit, dir, rawURL string, format media.Format, probe ProbeResult, expectedSize int64) (string, error) {
	out := explicit
	if out == "" {
		name := ""
		switch p := probe.(type) {
		case ProbeSupported:
			name = p.FileName
		case ProbeNotSupported:
			name = p.FileName
		}
		if name == "" {
			name = utils.FileNameFromURL(rawURL)
		}
		if media.IsStreaming(format) || format == media.FormatUnknown {
			name = strings.TrimSuffix(name, filepath.Ext(name)) + ".mp4"
		}
		out = filepath.Join(dir, name)
	}
	if existing, err := os.Stat(out); err == nil {
		if expectedSize > 0 && existing.Size() == expectedSize {
			return out, fmt.Errorf("%w: %s", ErrAlreadyDownloaded, out)
		}
		if explicit == "" {
			out = utils.RenewOutputPath(out)
		}
	}
	return out, nil
}
