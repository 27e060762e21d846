package syncer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/remote"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// syncRecordings compresses and uploads one batch of PENDING recordings,
// oldest call first, with at most RecordingWorkers in flight.
func (o *Orchestrator) syncRecordings(ctx context.Context, tally *recordingTally, log logger.Logger) {
	records, err := o.store.NextRecordingBatch(ctx, o.cfg.RecordingBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("recording batch query failed", logger.Error(err))
		}
		tally.error(err)
		return
	}
	if len(records) == 0 {
		return
	}

	if err := os.MkdirAll(o.cfg.WorkDir, 0o750); err != nil {
		err = errors.New(err).
			Component("syncer").
			Category(errors.CategoryFileIO).
			Context("work_dir", o.cfg.WorkDir).
			Build()
		log.Error("cannot create work directory", logger.Error(err))
		tally.error(err)
		return
	}

	sem := semaphore.NewWeighted(int64(o.cfg.RecordingWorkers))
	var wg sync.WaitGroup
	for i := range records {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		rec := records[i]
		wg.Go(func() {
			defer sem.Release(1)
			o.processRecording(ctx, &rec, tally, log)
		})
	}
	wg.Wait()
}

// recordingJob is one claimed record moving through the pipeline.
type recordingJob struct {
	rec      *entities.CallRecord
	claim    string
	source   string
	artifact string
	log      logger.Logger
}

// owned reports whether the artifact is a file this process created.
func (j *recordingJob) owned() bool {
	return j.artifact != "" && j.artifact != j.source
}

func (o *Orchestrator) processRecording(ctx context.Context, rec *entities.CallRecord, tally *recordingTally, log logger.Logger) {
	id := rec.CompositeID
	key := "recording:" + id
	if !o.claim(key) {
		tally.skip()
		return
	}
	defer o.release(key)

	if !rec.HasRecording() {
		return
	}
	tally.attempt()
	job := &recordingJob{rec: rec, source: *rec.LocalRecordingPath, log: log.With(logger.String("composite_id", id))}

	reuse := o.reusableArtifact(rec)
	if reuse == "" {
		if _, err := os.Stat(job.source); errors.Is(err, fs.ErrNotExist) {
			o.failRecording(ctx, job, syncstatus.RecordingPending, syncstatus.KindMissing,
				"recording file not found: "+job.source, tally)
			return
		}
	}

	claim, err := o.store.ClaimRecording(ctx, id, o.now())
	if err != nil {
		o.storeError(err, "claim", job, tally)
		return
	}
	job.claim = claim

	if reuse != "" {
		job.artifact = reuse
		tally.reuse()
		job.log.Debug("reusing compressed artifact", logger.String("artifact", reuse))
	} else if !o.compress(ctx, job, tally) {
		return
	}

	artifact := job.artifact
	err = o.store.TransitionRecording(ctx, id, datastore.RecordingTransition{
		From:           syncstatus.RecordingCompressing,
		To:             syncstatus.RecordingUploading,
		Claim:          claim,
		CompressedPath: &artifact,
		At:             o.now(),
	})
	if err != nil {
		if ctx.Err() != nil {
			// Keep the artifact path so a retry can reuse it.
			o.failRecordingWith(ctx, job, syncstatus.RecordingCompressing, syncstatus.KindCancelled,
				"cancelled before upload", &artifact, tally)
			return
		}
		o.storeError(err, "start upload", job, tally)
		return
	}

	o.upload(ctx, job, tally)
}

// reusableArtifact returns the stored compressed artifact of rec if it is
// still on disk and not older than the recording.
func (o *Orchestrator) reusableArtifact(rec *entities.CallRecord) string {
	if rec.CompressedPath == nil || *rec.CompressedPath == "" {
		return ""
	}
	info, err := os.Stat(*rec.CompressedPath)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return ""
	}
	if rec.HasRecording() && *rec.LocalRecordingPath != *rec.CompressedPath {
		src, err := os.Stat(*rec.LocalRecordingPath)
		if err == nil && info.ModTime().Before(src.ModTime()) {
			return ""
		}
	}
	return *rec.CompressedPath
}

// artifactBase is the work-dir path of a record's artifact, without
// extension.
func (o *Orchestrator) artifactBase(id string) string {
	name := remote.ObjectName(id, "")
	return filepath.Join(o.cfg.WorkDir, name)
}

// compress runs the compressor and sets job.artifact. It returns false if
// the record was moved to FAILED.
func (o *Orchestrator) compress(ctx context.Context, job *recordingJob, tally *recordingTally) bool {
	base := o.artifactBase(job.rec.CompositeID)
	out := base + o.cfg.ArtifactExt

	outcome := o.compressor.Compress(ctx, job.source, out)
	tally.compressed(outcome)

	if !outcome.HasOutput() {
		kind := syncstatus.KindCompression
		switch {
		case ctx.Err() != nil:
			kind = syncstatus.KindCancelled
		case errors.Is(outcome.Err, fs.ErrNotExist):
			kind = syncstatus.KindMissing
		}
		reason := "compression failed"
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		o.failRecording(ctx, job, syncstatus.RecordingCompressing, kind, reason, tally)
		return false
	}

	// Verbatim copies keep the extension of the original.
	if !outcome.Result.Transcoded() {
		if ext := filepath.Ext(job.source); ext != "" && ext != o.cfg.ArtifactExt {
			renamed := base + ext
			if err := os.Rename(out, renamed); err == nil {
				out = renamed
			} else {
				job.log.Warn("failed to rename verbatim artifact", logger.Error(err))
			}
		}
	}

	job.artifact = out
	job.log.Debug("recording compressed",
		logger.String("result", outcome.Result.String()),
		logger.Int64("original_size", outcome.OriginalSize),
		logger.Int64("final_size", outcome.FinalSize))
	if outcome.Err != nil {
		job.log.Warn("compression fell back to a verbatim copy",
			logger.String("result", outcome.Result.String()),
			logger.Error(outcome.Err))
	}
	return true
}

func (o *Orchestrator) upload(ctx context.Context, job *recordingJob, tally *recordingTally) {
	id := job.rec.CompositeID

	var uploadErr error
	if o.limiter != nil {
		uploadErr = o.limiter.Wait(ctx)
	}
	if uploadErr == nil {
		uctx, cancel := context.WithTimeout(ctx, o.cfg.UploadTimeout)
		uploadErr = o.uploader.UploadRecording(uctx, id, job.artifact)
		cancel()
	}

	if uploadErr == nil {
		// The upload happened; record it even if the pass was just cancelled.
		fctx, cancel := finalizeContext(ctx)
		cleared := ""
		err := o.store.TransitionRecording(fctx, id, datastore.RecordingTransition{
			From:           syncstatus.RecordingUploading,
			To:             syncstatus.RecordingCompleted,
			Claim:          job.claim,
			CompressedPath: &cleared,
			At:             o.now(),
		})
		cancel()
		if err != nil {
			o.storeError(err, "complete upload", job, tally)
			return
		}
		tally.succeed()
		o.removeArtifact(job)
		job.log.Info("recording uploaded", logger.String("target", o.uploader.Name()))
		return
	}

	kind := failureKind(ctx, uploadErr)
	var clearPath *string
	if kind == syncstatus.KindRejected {
		// The remote will refuse this artifact again; a retry recompresses.
		empty := ""
		clearPath = &empty
	}
	if o.failRecordingWith(ctx, job, syncstatus.RecordingUploading, kind, reasonOf(uploadErr), clearPath, tally) && clearPath != nil {
		o.removeArtifact(job)
	}
}

func (o *Orchestrator) removeArtifact(job *recordingJob) {
	if !job.owned() {
		return
	}
	if err := os.Remove(job.artifact); err != nil && !errors.Is(err, fs.ErrNotExist) {
		job.log.Warn("failed to remove compressed artifact",
			logger.String("artifact", job.artifact), logger.Error(err))
	}
}

func (o *Orchestrator) failRecording(ctx context.Context, job *recordingJob, from syncstatus.RecordingStatus, kind syncstatus.ErrorKind, reason string, tally *recordingTally) {
	o.failRecordingWith(ctx, job, from, kind, reason, nil, tally)
}

// failRecordingWith moves the record to FAILED. It reports whether the
// transition was applied.
func (o *Orchestrator) failRecordingWith(ctx context.Context, job *recordingJob, from syncstatus.RecordingStatus, kind syncstatus.ErrorKind, reason string, compressedPath *string, tally *recordingTally) bool {
	fctx, cancel := finalizeContext(ctx)
	defer cancel()

	err := o.store.TransitionRecording(fctx, job.rec.CompositeID, datastore.RecordingTransition{
		From:           from,
		To:             syncstatus.RecordingFailed,
		Claim:          job.claim,
		Kind:           kind,
		Reason:         reason,
		CompressedPath: compressedPath,
		At:             o.now(),
	})
	if err != nil {
		o.storeError(err, "record failure", job, tally)
		return false
	}
	tally.fail(kind)
	job.log.Warn("recording sync failed",
		logger.String("stage", from.String()),
		logger.String("kind", string(kind)),
		logger.String("reason", reason))
	return true
}

// storeError handles a failed status write. A conflict means another
// writer (a stale sweep or a user retry) moved the record first.
func (o *Orchestrator) storeError(err error, step string, job *recordingJob, tally *recordingTally) {
	if datastore.IsConflict(err) {
		tally.conflict()
		job.log.Debug("recording moved by another writer", logger.String("step", step), logger.Error(err))
		return
	}
	tally.error(err)
	job.log.Error("recording status update failed", logger.String("step", step), logger.Error(err))
}
