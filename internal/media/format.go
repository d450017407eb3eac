// Package media classifies container formats from URLs and performs a
// best-effort sanity check on the first bytes of downloaded output.
package media

import (
	"bytes"
	"net/url"
	"path"
	"strings"
)

type Format string

const (
	FormatHLS     Format = "hls"
	FormatDASH    Format = "dash"
	FormatMP4     Format = "mp4"
	FormatMKV     Format = "mkv"
	FormatWEBM    Format = "webm"
	FormatAVI     Format = "avi"
	FormatMPEGTS  Format = "mpegts"
	FormatUnknown Format = "unknown"
)

var extensionFormats = map[string]Format{
	".m3u8": FormatHLS,
	".m3u":  FormatHLS,
	".mpd":  FormatDASH,
	".mp4":  FormatMP4,
	".m4v":  FormatMP4,
	".mov":  FormatMP4,
	".mkv":  FormatMKV,
	".webm": FormatWEBM,
	".avi":  FormatAVI,
	".ts":   FormatMPEGTS,
}

const (
	// SignatureWindow is the minimum number of bytes ValidateSignature needs.
	SignatureWindow = 12
	// MaxLeadingOffset bounds how far into the file a marker may start.
	MaxLeadingOffset = 64
	// HeadSize is enough of a file for every check ValidateSignature makes.
	HeadSize = 512
)

var (
	isoMarkers   = [][]byte{[]byte("ftyp"), []byte("moov"), []byte("mdat")}
	ebmlMagic    = []byte{0x1A, 0x45, 0xDF, 0xA3}
	riffMagic    = []byte("RIFF")
	aviFormType  = []byte("AVI ")
	tsSyncByte   = byte(0x47)
	tsPacketSize = 188
)

// DetectFormat classifies a source by the extension of its URL path. The
// query string and fragment are ignored and matching is case-insensitive.
func DetectFormat(rawURL string) Format {
	p := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		p = parsed.Path
	} else if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		p = rawURL[:i]
	}
	ext := strings.ToLower(path.Ext(p))
	if f, ok := extensionFormats[ext]; ok {
		return f
	}
	return FormatUnknown
}

// SupportsMultiThread reports whether the format has a flat, seekable byte
// layout that can be fetched as independent byte ranges.
func SupportsMultiThread(f Format) bool {
	switch f {
	case FormatMP4, FormatMKV, FormatWEBM, FormatAVI:
		return true
	default:
		return false
	}
}

// IsStreaming reports whether the format is a segment manifest.
func IsStreaming(f Format) bool {
	return f == FormatHLS || f == FormatDASH
}

// ExpectsISOBoxes reports whether output in this format should carry ISO
// base media boxes.
func ExpectsISOBoxes(f Format) bool {
	return f == FormatMP4
}

// ValidateSignature scans the head of a file for container markers. With
// expectMoovOrFtyp set only ISO boxes (ftyp, moov, mdat) are accepted;
// otherwise EBML (MKV/WebM), RIFF/AVI and MPEG-TS sync patterns also pass.
// It returns false for empty input or input shorter than SignatureWindow.
func ValidateSignature(fileBytes []byte, expectMoovOrFtyp bool) bool {
	if len(fileBytes) < SignatureWindow {
		return false
	}
	if hasISOMarker(fileBytes) {
		return true
	}
	if expectMoovOrFtyp {
		return false
	}
	if bytes.Index(head(fileBytes), ebmlMagic) >= 0 {
		return true
	}
	if bytes.HasPrefix(fileBytes, riffMagic) && bytes.Equal(fileBytes[8:12], aviFormType) {
		return true
	}
	return hasTSSync(fileBytes)
}

func head(b []byte) []byte {
	limit := MaxLeadingOffset + 4
	if len(b) < limit {
		return b
	}
	return b[:limit]
}

func hasISOMarker(b []byte) bool {
	window := head(b)
	for _, marker := range isoMarkers {
		// a box type sits after its 4-byte size field
		if idx := bytes.Index(window, marker); idx >= 4 {
			return true
		}
	}
	return false
}

func hasTSSync(b []byte) bool {
	if b[0] != tsSyncByte {
		return false
	}
	if len(b) > tsPacketSize && b[tsPacketSize] != tsSyncByte {
		return false
	}
	return true
}
