// Package muxer hands streaming manifests and unrecognized media to an
// external tool (ffmpeg, or yt-dlp as a fallback) that fetches and remuxes
// them into a single file.
package muxer

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

type Tool string

const (
	ToolFFmpeg Tool = "ffmpeg"
	ToolYtdlp  Tool = "yt-dlp"
)

// Muxer runs one external tool binary.
type Muxer struct {
	Path string
	Tool Tool
}

// Find locates a muxing tool. preferred may name a binary path or one of
// the known tools; an empty value tries ffmpeg first and then yt-dlp.
func Find(preferred string) (*Muxer, error) {
	if preferred != "" {
		tool := ToolFFmpeg
		if filepath.Base(preferred) == string(ToolYtdlp) || filepath.Base(preferred) == string(ToolYtdlp)+".exe" {
			tool = ToolYtdlp
		}
		path, err := ensureBinary(preferred)
		if err != nil {
			return nil, err
		}
		return &Muxer{Path: path, Tool: tool}, nil
	}
	for _, tool := range []Tool{ToolFFmpeg, ToolYtdlp} {
		if path, err := ensureBinary(string(tool)); err == nil {
			return &Muxer{Path: path, Tool: tool}, nil
		}
	}
	return nil, fmt.Errorf("neither ffmpeg nor yt-dlp found in PATH, please install manually")
}

// ensureBinary looks in PATH and then next to the running executable.
func ensureBinary(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err == nil {
		return path, nil
	}
	execPath, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(execPath), filepath.Base(name))
		if runtime.GOOS == "windows" {
			candidate += ".exe"
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s not found in PATH, please install manually", name)
}
