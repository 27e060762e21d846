package syncer

import (
	"context"
	"fmt"
	"strings"

	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// Axis selects which status axis a retry resets.
type Axis string

const (
	AxisMetadata  Axis = "metadata"
	AxisRecording Axis = "recording"
	// AxisAll resets whichever axes are FAILED.
	AxisAll Axis = "all"
)

// ParseAxis parses an axis name; empty means AxisAll.
func ParseAxis(s string) (Axis, error) {
	switch a := Axis(strings.ToLower(strings.TrimSpace(s))); a {
	case "", AxisAll:
		return AxisAll, nil
	case AxisMetadata, AxisRecording:
		return a, nil
	default:
		return "", errors.Newf("unknown axis %q (metadata, recording, all)", s).
			Component("syncer").
			Category(errors.CategoryValidation).
			Build()
	}
}

// RetryResult reports which axes a retry reset.
type RetryResult struct {
	Metadata  bool `json:"metadata"`
	Recording bool `json:"recording"`
}

// Retry resets the FAILED axes of a record to PENDING so the next pass
// picks them up again. Requesting a single axis that is not FAILED returns
// an error wrapping syncstatus.ErrNotRetryable; with AxisAll it is an
// error only if neither axis is FAILED.
func (o *Orchestrator) Retry(ctx context.Context, id string, axis Axis) (RetryResult, error) {
	var res RetryResult

	rec, err := o.store.GetCall(ctx, id)
	if err != nil {
		return res, err
	}

	metaFailed := rec.MetadataSyncStatus == syncstatus.MetadataFailed
	recFailed := rec.RecordingSyncStatus == syncstatus.RecordingFailed

	switch axis {
	case AxisMetadata:
		if err := o.store.RetryMetadata(ctx, id); err != nil {
			return res, err
		}
		res.Metadata = true
	case AxisRecording:
		if err := o.store.RetryRecording(ctx, id); err != nil {
			return res, err
		}
		res.Recording = true
	case AxisAll, "":
		if !metaFailed && !recFailed {
			return res, errors.New(fmt.Errorf("%w: %s has no failed axis", syncstatus.ErrNotRetryable, id)).
				Component("syncer").
				Category(errors.CategoryState).
				Context("composite_id", id).
				Build()
		}
		if metaFailed {
			if err := o.store.RetryMetadata(ctx, id); err != nil && !datastore.IsConflict(err) {
				return res, err
			} else if err == nil {
				res.Metadata = true
			}
		}
		if recFailed {
			if err := o.store.RetryRecording(ctx, id); err != nil && !datastore.IsConflict(err) {
				return res, err
			} else if err == nil {
				res.Recording = true
			}
		}
	default:
		_, err := ParseAxis(string(axis))
		return res, err
	}

	o.log.Info("retry requested",
		logger.String("composite_id", id),
		logger.Bool("metadata", res.Metadata),
		logger.Bool("recording", res.Recording))
	return res, nil
}
