package compressor

import "fmt"

// Result tags how a Compress call ended.
type Result string

const (
	ResultSuccess                  Result = "SUCCESS"
	ResultSkippedTooSmall          Result = "SKIPPED_TOO_SMALL"
	ResultSkippedTooLarge          Result = "SKIPPED_TOO_LARGE"
	ResultSkippedAlreadyCompressed Result = "SKIPPED_ALREADY_COMPRESSED"
	ResultFailedTimeout            Result = "FAILED_TIMEOUT"
	ResultCopiedFallback           Result = "COPIED_FALLBACK"
	ResultFailedError              Result = "FAILED_ERROR"
)

// AllResults lists every result, in policy order.
func AllResults() []Result {
	return []Result{
		ResultSuccess,
		ResultSkippedTooSmall,
		ResultSkippedTooLarge,
		ResultSkippedAlreadyCompressed,
		ResultFailedTimeout,
		ResultCopiedFallback,
		ResultFailedError,
	}
}

func (r Result) String() string { return string(r) }

// HasOutput reports whether a usable file was left at the output path.
// FAILED_ERROR is the only result without one.
func (r Result) HasOutput() bool {
	switch r {
	case ResultSuccess, ResultSkippedTooSmall, ResultSkippedTooLarge,
		ResultSkippedAlreadyCompressed, ResultFailedTimeout, ResultCopiedFallback:
		return true
	default:
		return false
	}
}

// Transcoded reports whether the output is a transcoded artifact rather
// than a verbatim copy of the input.
func (r Result) Transcoded() bool {
	return r == ResultSuccess
}

// Outcome describes a finished Compress call. Err is nil for SUCCESS and the
// SKIPPED results; for FAILED_TIMEOUT and COPIED_FALLBACK it carries the
// transcoding failure that forced the verbatim copy.
type Outcome struct {
	Result         Result
	OriginalSize   int64
	FinalSize      int64
	SavingsPercent float64
	ElapsedMs      int64
	Err            error
}

// HasOutput reports whether a usable file was left at the output path.
func (o Outcome) HasOutput() bool {
	return o.Result.HasOutput()
}

// SavedBytes returns how many bytes the output is smaller than the input.
func (o Outcome) SavedBytes() int64 {
	if !o.HasOutput() || o.FinalSize >= o.OriginalSize {
		return 0
	}
	return o.OriginalSize - o.FinalSize
}

func (o Outcome) String() string {
	s := fmt.Sprintf("%s %d→%d bytes (%.1f%%) in %dms", o.Result, o.OriginalSize, o.FinalSize, o.SavingsPercent, o.ElapsedMs)
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}

// savingsPercent returns the size reduction of final relative to original.
func savingsPercent(original, final int64) float64 {
	if original <= 0 {
		return 0
	}
	return float64(original-final) / float64(original) * 100
}
