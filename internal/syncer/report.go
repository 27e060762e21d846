package syncer

import (
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/callsync/internal/compressor"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// AxisReport counts what happened to the records of one axis in a pass.
type AxisReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Conflicts are records another writer moved first; they are left
	// for the next pass.
	Conflicts int `json:"conflicts"`
	// Skipped are records this process was already working on.
	Skipped  int                          `json:"skipped"`
	Failures map[syncstatus.ErrorKind]int `json:"failures,omitempty"`
}

func (a *AxisReport) fail(kind syncstatus.ErrorKind) {
	a.Failed++
	if a.Failures == nil {
		a.Failures = make(map[syncstatus.ErrorKind]int)
	}
	a.Failures[kind]++
}

// PassReport summarizes one sync pass. A pass never fails as a whole;
// storage errors that stopped part of it are listed in Errors.
type PassReport struct {
	ID          string                    `json:"id"`
	StartedAt   time.Time                 `json:"startedAt"`
	Duration    time.Duration             `json:"duration"`
	Recovered   int                       `json:"recovered"`
	AutoRetried int                       `json:"autoRetried"`
	Metadata    AxisReport                `json:"metadata"`
	Recording   AxisReport                `json:"recording"`
	Compression map[compressor.Result]int `json:"compression,omitempty"`
	Reused      int                       `json:"reused"`
	BytesSaved  int64                     `json:"bytesSaved"`
	Cancelled   bool                      `json:"cancelled"`
	Errors      []string                  `json:"errors,omitempty"`
}

// Failures returns the number of records that ended the pass FAILED.
func (r *PassReport) Failures() int {
	return r.Metadata.Failed + r.Recording.Failed
}

// Summary is a one-line description used in logs and notifications.
func (r *PassReport) Summary() string {
	return fmt.Sprintf("pass %s: metadata %d/%d synced, recordings %d/%d completed, %d failed, %d recovered in %s",
		r.ID, r.Metadata.Succeeded, r.Metadata.Attempted,
		r.Recording.Succeeded, r.Recording.Attempted,
		r.Failures(), r.Recovered, r.Duration.Round(time.Millisecond))
}

// recordingTally collects results from concurrent recording workers.
type recordingTally struct {
	mu          sync.Mutex
	axis        AxisReport
	compression map[compressor.Result]int
	reused      int
	bytesSaved  int64
	errors      []string
}

func (t *recordingTally) attempt() {
	t.mu.Lock()
	t.axis.Attempted++
	t.mu.Unlock()
}

func (t *recordingTally) succeed() {
	t.mu.Lock()
	t.axis.Succeeded++
	t.mu.Unlock()
}

func (t *recordingTally) fail(kind syncstatus.ErrorKind) {
	t.mu.Lock()
	t.axis.fail(kind)
	t.mu.Unlock()
}

func (t *recordingTally) conflict() {
	t.mu.Lock()
	t.axis.Conflicts++
	t.mu.Unlock()
}

func (t *recordingTally) skip() {
	t.mu.Lock()
	t.axis.Skipped++
	t.mu.Unlock()
}

func (t *recordingTally) compressed(o compressor.Outcome) {
	t.mu.Lock()
	if t.compression == nil {
		t.compression = make(map[compressor.Result]int)
	}
	t.compression[o.Result]++
	t.bytesSaved += o.SavedBytes()
	t.mu.Unlock()
}

func (t *recordingTally) reuse() {
	t.mu.Lock()
	t.reused++
	t.mu.Unlock()
}

func (t *recordingTally) error(err error) {
	t.mu.Lock()
	t.errors = append(t.errors, err.Error())
	t.mu.Unlock()
}

func (t *recordingTally) into(r *PassReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r.Recording = t.axis
	r.Compression = t.compression
	r.Reused = t.reused
	r.BytesSaved = t.bytesSaved
	r.Errors = append(r.Errors, t.errors...)
}
