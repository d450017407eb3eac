package mediahttp

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediaq/internal/media"
	"github.com/tanq16/mediaq/internal/transfer"
	"github.com/tanq16/mediaq/internal/utils"
)

// Strategy is one of ParallelChunked, SingleStream or ExternalMuxer.
type Strategy interface {
	Kind() string
	strategy()
}

type ParallelChunked struct {
	TotalSize int64
	Ranges    []transfer.ByteRange
}

// SingleStream fetches the whole resource over one connection. TotalSize is
// -1 when the server did not report it.
type SingleStream struct {
	TotalSize int64
}

type ExternalMuxer struct {
	Format media.Format
}

func (ParallelChunked) Kind() string { return "parallel" }
func (SingleStream) Kind() string    { return "single" }
func (ExternalMuxer) Kind() string   { return "muxer" }

func (ParallelChunked) strategy() {}
func (SingleStream) strategy()    {}
func (ExternalMuxer) strategy()   {}

// Choose maps a detected format, the parallel setting and an optional
// probe result to a strategy. probe is only consulted for seekable formats
// with parallel transfers enabled.
func Choose(format media.Format, parallelEnabled bool, probe ProbeResult, threads int, opts transfer.PlanOptions) Strategy {
	switch {
	case media.IsStreaming(format), format == media.FormatUnknown:
		return ExternalMuxer{Format: format}
	case format == media.FormatMPEGTS:
		return SingleStream{TotalSize: sizeFromProbe(probe)}
	case !media.SupportsMultiThread(format):
		return SingleStream{TotalSize: sizeFromProbe(probe)}
	case !parallelEnabled:
		return SingleStream{TotalSize: sizeFromProbe(probe)}
	}
	supported, ok := probe.(ProbeSupported)
	if !ok {
		return SingleStream{TotalSize: -1}
	}
	ranges, err := transfer.PlanChunks(supported.TotalSize, threads, opts)
	if err != nil || len(ranges) < 2 {
		return SingleStream{TotalSize: supported.TotalSize}
	}
	return ParallelChunked{TotalSize: supported.TotalSize, Ranges: ranges}
}

func sizeFromProbe(probe ProbeResult) int64 {
	if p, ok := probe.(ProbeSupported); ok {
		return p.TotalSize
	}
	return -1
}

// Decision records what Select saw and chose.
type Decision struct {
	Format   media.Format
	Probe    ProbeResult
	Strategy Strategy
}

type Selector struct {
	Client          utils.HTTPDoer
	ParallelEnabled bool
	Threads         int
	Plan            transfer.PlanOptions
}

// Select detects the format of rawURL and probes it when the format could
// benefit from ranged fetches. Probe failures only narrow the choice.
func (s *Selector) Select(ctx context.Context, rawURL string, headers map[string]string) Decision {
	format := media.DetectFormat(rawURL)
	d := Decision{Format: format}
	if media.SupportsMultiThread(format) || format == media.FormatMPEGTS {
		d.Probe = Probe(ctx, s.Client, rawURL, headers)
		if pe, ok := d.Probe.(ProbeError); ok {
			log.Warn().Str("op", "http/strategy").Str("url", rawURL).Err(pe.Cause).Msg("probe failed, falling back to single stream")
		}
	}
	d.Strategy = Choose(format, s.ParallelEnabled, d.Probe, s.Threads, s.Plan)
	log.Debug().Str("op", "http/strategy").Str("format", string(format)).Str("strategy", d.Strategy.Kind()).Msg("strategy selected")
	return d
}
