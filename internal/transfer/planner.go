package transfer

import "fmt"

const (
	DefaultMinChunkBytes = 25 * 1024 * 1024
	DefaultMaxChunks     = 4

	// chunk boundaries land on this alignment; the last chunk takes the rest
	chunkAlignment = 64 * 1024
)

type PlanOptions struct {
	MinChunkBytes int64
	MaxChunks     int
}

func DefaultPlanOptions() PlanOptions {
	return PlanOptions{
		MinChunkBytes: DefaultMinChunkBytes,
		MaxChunks:     DefaultMaxChunks,
	}
}

// Plan splits totalSize bytes into at most MaxChunks contiguous ranges using
// the default options.
func Plan(totalSize int64, requestedThreads int) []ByteRange {
	return PlanWith(totalSize, requestedThreads, DefaultPlanOptions())
}

// PlanWith clamps requestedThreads to [1, MaxChunks] and then lowers it until
// every chunk is at least MinChunkBytes, since per-connection setup dominates
// small slices. A size of 0 yields no ranges; a negative size yields a single
// open-ended sentinel that callers must treat as "cannot plan".
func PlanWith(totalSize int64, requestedThreads int, opts PlanOptions) []ByteRange {
	if totalSize == 0 {
		return []ByteRange{}
	}
	if totalSize < 0 {
		return []ByteRange{{StartByte: 0, EndByte: -1}}
	}
	maxChunks := opts.MaxChunks
	if maxChunks < 1 {
		maxChunks = 1
	}
	threads := min(max(requestedThreads, 1), maxChunks)
	if opts.MinChunkBytes > 0 {
		for threads > 1 && totalSize/int64(threads) < opts.MinChunkBytes {
			threads--
		}
	}
	if int64(threads) > totalSize {
		threads = int(totalSize)
	}

	chunkSize := totalSize / int64(threads)
	if aligned := chunkSize - chunkSize%chunkAlignment; aligned > 0 && aligned >= opts.MinChunkBytes {
		chunkSize = aligned
	}

	ranges := make([]ByteRange, threads)
	for i := range threads {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1
		if i == threads-1 {
			end = totalSize - 1
		}
		ranges[i] = ByteRange{StartByte: start, EndByte: end}
	}
	return ranges
}

// CanPlan reports whether a plan describes real work.
func CanPlan(ranges []ByteRange) bool {
	for _, r := range ranges {
		if r.IsOpen() {
			return false
		}
	}
	return true
}

// PlanChunks is PlanWith for callers that need real ranges. An unknown
// (negative) size fails with ErrInvalidSize.
func PlanChunks(totalSize int64, requestedThreads int, opts PlanOptions) ([]ByteRange, error) {
	ranges := PlanWith(totalSize, requestedThreads, opts)
	if !CanPlan(ranges) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, totalSize)
	}
	return ranges, nil
}
