package syncstatus

import "strings"

// ErrorKind classifies why an axis ended up FAILED.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindNetwork     ErrorKind = "network"     // transport failure, retried automatically
	KindRejected    ErrorKind = "rejected"    // remote refused the request
	KindCompression ErrorKind = "compression" // compressor produced no output
	KindMissing     ErrorKind = "missing"     // recording file is gone
	KindCancelled   ErrorKind = "cancelled"   // pass was cancelled mid-flight
	KindStale       ErrorKind = "stale"       // in-flight status abandoned
)

// AutoRetryable reports whether the scheduler may retry a failure of this
// kind without user action.
func (k ErrorKind) AutoRetryable() bool {
	switch k {
	case KindNetwork, KindCancelled, KindStale:
		return true
	default:
		return false
	}
}

// Reason formats the user-visible failure reason stored in syncError.
func Reason(kind ErrorKind, detail string) string {
	detail = strings.TrimSpace(detail)
	if kind == KindNone {
		return detail
	}
	if detail == "" {
		return string(kind)
	}
	return string(kind) + ": " + detail
}
