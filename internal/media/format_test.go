package media

import (
	"bytes"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		url  string
		want Format
	}{
		{"https://cdn.example.com/video/master.m3u8", FormatHLS},
		{"https://cdn.example.com/video/manifest.MPD?token=abc", FormatDASH},
		{"https://cdn.example.com/files/movie.mp4?sig=1&exp=2", FormatMP4},
		{"https://cdn.example.com/files/MOVIE.MKV", FormatMKV},
		{"https://cdn.example.com/clip.webm#t=10", FormatWEBM},
		{"https://cdn.example.com/old.avi", FormatAVI},
		{"https://cdn.example.com/seg/segment_0001.ts", FormatMPEGTS},
		{"https://cdn.example.com/watch?v=movie.mp4", FormatUnknown},
		{"https://cdn.example.com/download", FormatUnknown},
		{"", FormatUnknown},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.url); got != tt.want {
			t.Errorf("DetectFormat(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestSupportsMultiThread(t *testing.T) {
	for _, f := range []Format{FormatMP4, FormatMKV, FormatWEBM, FormatAVI} {
		if !SupportsMultiThread(f) {
			t.Errorf("expected %s to support multi-thread", f)
		}
	}
	for _, f := range []Format{FormatHLS, FormatDASH, FormatMPEGTS, FormatUnknown} {
		if SupportsMultiThread(f) {
			t.Errorf("expected %s to not support multi-thread", f)
		}
	}
}

func mp4Head() []byte {
	b := []byte{0x00, 0x00, 0x00, 0x20}
	b = append(b, []byte("ftypisom")...)
	b = append(b, bytes.Repeat([]byte{0x00}, 20)...)
	return b
}

func TestValidateSignature(t *testing.T) {
	if !ValidateSignature(mp4Head(), true) {
		t.Error("expected ftyp header to validate")
	}

	padded := append(bytes.Repeat([]byte{0x00}, 16), mp4Head()...)
	if !ValidateSignature(padded, true) {
		t.Error("expected ftyp after small padding to validate")
	}

	farAway := append(bytes.Repeat([]byte{0x00}, MaxLeadingOffset+16), mp4Head()...)
	if ValidateSignature(farAway, true) {
		t.Error("expected marker beyond leading offset to fail")
	}

	if ValidateSignature(nil, true) {
		t.Error("expected empty input to fail")
	}
	if ValidateSignature([]byte("ftyp"), true) {
		t.Error("expected input shorter than window to fail")
	}
	if ValidateSignature(bytes.Repeat([]byte{0xAB}, 128), true) {
		t.Error("expected garbage to fail")
	}
}

func TestValidateSignatureOtherContainers(t *testing.T) {
	ebml := append([]byte{0x1A, 0x45, 0xDF, 0xA3}, bytes.Repeat([]byte{0x01}, 28)...)
	if !ValidateSignature(ebml, false) {
		t.Error("expected EBML header to validate")
	}
	if ValidateSignature(ebml, true) {
		t.Error("expected EBML header to fail when ISO boxes are required")
	}

	avi := append([]byte("RIFF\x10\x00\x00\x00AVI LIST"), bytes.Repeat([]byte{0x00}, 16)...)
	if !ValidateSignature(avi, false) {
		t.Error("expected RIFF/AVI header to validate")
	}

	ts := make([]byte, 2*188)
	ts[0], ts[188] = 0x47, 0x47
	if !ValidateSignature(ts, false) {
		t.Error("expected TS sync bytes to validate")
	}
	ts[188] = 0x00
	if ValidateSignature(ts, false) {
		t.Error("expected broken TS sync to fail")
	}
}
