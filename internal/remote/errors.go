package remote

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// Error is a classified remote failure.
type Error struct {
	Kind       syncstatus.ErrorKind
	Op         string // push_metadata, upload_recording
	Reason     string // human-readable, shown to the user
	StatusCode int    // HTTP status when the remote answered
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil && e.Err.Error() != e.Reason {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request may succeed.
func (e *Error) Temporary() bool { return e.Kind.AutoRetryable() }

// newError wraps err in an enhanced error and classifies it.
func newError(kind syncstatus.ErrorKind, op, reason string, status int, err error) *Error {
	if err == nil {
		err = errors.NewStd(reason)
	}
	category := errors.CategoryNetwork
	switch kind {
	case syncstatus.KindRejected:
		category = errors.CategoryRemote
	case syncstatus.KindCancelled:
		category = errors.CategoryCancellation
	case syncstatus.KindMissing:
		category = errors.CategoryFileIO
	}
	b := errors.New(err).
		Component("remote").
		Category(category).
		Context("operation", op)
	if status != 0 {
		b = b.Context("status_code", status)
	}
	return &Error{Kind: kind, Op: op, Reason: reason, StatusCode: status, Err: b.Build()}
}

// Rejected returns a failure the remote will keep refusing.
func Rejected(op, reason string, err error) *Error {
	return newError(syncstatus.KindRejected, op, reason, 0, err)
}

// Network returns a failure worth retrying on a later pass.
func Network(op, reason string, err error) *Error {
	return newError(syncstatus.KindNetwork, op, reason, 0, err)
}

// StatusError classifies an HTTP response status.
func StatusError(op string, status int, reason string) *Error {
	if reason == "" {
		reason = http.StatusText(status)
	}
	return newError(ClassifyStatus(status), op, reason, status, nil)
}

// ClassifyStatus maps an HTTP status to an error kind. Timeouts and rate
// limits are retryable; any other 4xx means the request itself is wrong.
func ClassifyStatus(status int) syncstatus.ErrorKind {
	switch {
	case status < 400:
		return syncstatus.KindNone
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return syncstatus.KindNetwork
	case status < 500:
		return syncstatus.KindRejected
	default:
		return syncstatus.KindNetwork
	}
}

// wrap classifies an arbitrary error from a transport or target client.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	kind := Classify(err)
	return newError(kind, op, reasonFor(kind, err), 0, err)
}

func reasonFor(kind syncstatus.ErrorKind, err error) string {
	switch kind {
	case syncstatus.KindCancelled:
		return "cancelled"
	case syncstatus.KindMissing:
		return "artifact missing"
	default:
		return err.Error()
	}
}

// Classify returns the kind of a failure. Unknown errors count as network
// failures so they are retried on a later pass.
func Classify(err error) syncstatus.ErrorKind {
	if err == nil {
		return syncstatus.KindNone
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return syncstatus.KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return syncstatus.KindNetwork
	case errors.Is(err, fs.ErrNotExist):
		return syncstatus.KindMissing
	case errors.Is(err, fs.ErrPermission):
		return syncstatus.KindRejected
	}
	return syncstatus.KindNetwork
}

// transientErrorPatterns are substrings of errors that usually clear up
// on their own.
var transientErrorPatterns = []string{
	"connection reset",
	"connection refused",
	"connection closed",
	"timeout",
	"temporary",
	"broken pipe",
	"no route to host",
	"EOF",
	"ssh: handshake failed",
	"resource temporarily unavailable",
}

// IsTransientError reports whether err is likely to succeed on retry.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Temporary()
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	for _, pattern := range transientErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
