package syncer

import (
	"context"

	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// syncMetadata pushes one batch of pending metadata, oldest call first.
// It returns the storage errors it ran into.
func (o *Orchestrator) syncMetadata(ctx context.Context, axis *AxisReport, log logger.Logger) []string {
	records, err := o.store.NextMetadataBatch(ctx, o.cfg.MetadataBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("metadata batch query failed", logger.Error(err))
		}
		return []string{err.Error()}
	}

	var errs []string
	for i := range records {
		if ctx.Err() != nil {
			break
		}
		if err := o.pushMetadata(ctx, &records[i], axis, log); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// pushMetadata pushes one record. Remote failures are recorded on the
// record; only storage errors are returned.
func (o *Orchestrator) pushMetadata(ctx context.Context, rec *entities.CallRecord, axis *AxisReport, log logger.Logger) error {
	key := "metadata:" + rec.CompositeID
	if !o.claim(key) {
		axis.Skipped++
		return nil
	}
	defer o.release(key)

	axis.Attempted++
	log = log.With(logger.String("composite_id", rec.CompositeID))

	pushErr := o.pusher.PushMetadata(ctx, rec)
	if pushErr == nil {
		err := o.store.TransitionMetadata(ctx, rec.CompositeID, datastore.MetadataTransition{
			From:    rec.MetadataSyncStatus,
			To:      syncstatus.MetadataSynced,
			Version: rec.MetadataVersion,
			At:      o.now(),
		})
		switch {
		case err == nil:
			axis.Succeeded++
			log.Debug("metadata synced")
			return nil
		case datastore.IsConflict(err):
			// Edited while the push was in flight; the next pass sends
			// the new version.
			axis.Conflicts++
			log.Debug("metadata changed during push", logger.Error(err))
			return nil
		default:
			log.Error("failed to record metadata sync", logger.Error(err))
			return err
		}
	}

	kind := failureKind(ctx, pushErr)
	reason := reasonOf(pushErr)

	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	err := o.store.TransitionMetadata(fctx, rec.CompositeID, datastore.MetadataTransition{
		From:   rec.MetadataSyncStatus,
		To:     syncstatus.MetadataFailed,
		Kind:   kind,
		Reason: reason,
		At:     o.now(),
	})
	switch {
	case err == nil:
		axis.fail(kind)
		log.Warn("metadata push failed",
			logger.String("kind", string(kind)),
			logger.String("reason", reason))
		return nil
	case datastore.IsConflict(err):
		axis.Conflicts++
		return nil
	default:
		log.Error("failed to record metadata failure", logger.Error(err), logger.String("reason", reason))
		return err
	}
}
