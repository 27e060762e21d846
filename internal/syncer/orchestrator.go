// Package syncer drives call records to SYNCED and COMPLETED against the
// remote system.
//
// A pass recovers stale in-flight recordings, optionally re-queues failures
// that are expected to clear up on their own, and then works the metadata
// axis and the recording axis concurrently. A pass never returns an error:
// every remote or compression failure is recorded on the record as FAILED
// with a reason and left for an explicit retry or the scheduler.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tphakala/callsync/internal/compressor"
	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/remote"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// Store is the part of the record store a pass needs.
type Store interface {
	GetCall(ctx context.Context, id string) (*entities.CallRecord, error)
	RecoverStale(ctx context.Context, cutoff time.Time) ([]string, error)
	AutoRetryCandidates(ctx context.Context, q datastore.RetryQuery) ([]entities.CallRecord, error)
	NextMetadataBatch(ctx context.Context, limit int) ([]entities.CallRecord, error)
	NextRecordingBatch(ctx context.Context, limit int) ([]entities.CallRecord, error)
	TransitionMetadata(ctx context.Context, id string, t datastore.MetadataTransition) error
	TransitionRecording(ctx context.Context, id string, t datastore.RecordingTransition) error
	ClaimRecording(ctx context.Context, id string, at time.Time) (string, error)
	RetryMetadata(ctx context.Context, id string) error
	RetryRecording(ctx context.Context, id string) error
}

// Compressor turns a recording into an upload artifact.
type Compressor interface {
	Compress(ctx context.Context, inputPath, outputPath string) compressor.Outcome
}

// PassObserver is told about every finished pass.
type PassObserver interface {
	PassCompleted(ctx context.Context, report *PassReport)
}

// Orchestrator runs sync passes. It is safe for concurrent use; two passes
// running at once skip the records the other is working on.
type Orchestrator struct {
	cfg        Config
	store      Store
	pusher     remote.MetadataPusher
	uploader   remote.RecordingUploader
	compressor Compressor
	log        logger.Logger

	limiter   *rate.Limiter
	inflight  *cache.Cache
	observers []PassObserver
	now       func() time.Time

	mu      sync.Mutex
	running int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithObserver adds a pass observer.
func WithObserver(obs PassObserver) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// New creates an orchestrator.
func New(cfg Config, store Store, pusher remote.MetadataPusher, uploader remote.RecordingUploader, comp Compressor, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		pusher:     pusher,
		uploader:   uploader,
		compressor: comp,
		log:        logger.NewDiscardLogger(),
		// Entries are deleted when a record is done; the TTL only bounds
		// entries of a worker that never returned. No janitor is needed
		// since expired entries are ignored on lookup.
		inflight: cache.New(cfg.StalenessWindow, 0),
		now:      time.Now,
	}
	if cfg.UploadsPerSecond > 0 {
		burst := max(int(cfg.UploadsPerSecond), 1)
		o.limiter = rate.NewLimiter(rate.Limit(cfg.UploadsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Module("syncer")
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Running reports how many passes are in progress.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// RunPass performs one bounded sync pass.
func (o *Orchestrator) RunPass(ctx context.Context) *PassReport {
	start := o.now()
	report := &PassReport{ID: uuid.NewString(), StartedAt: start}
	log := o.log.With(logger.String("pass_id", report.ID))

	o.mu.Lock()
	o.running++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running--
		o.mu.Unlock()
	}()

	log.Info("sync pass started")

	o.recoverStale(ctx, start, report, log)
	if o.cfg.AutoRetry.Enabled {
		o.autoRetry(ctx, start, report, log)
	}

	tally := &recordingTally{}
	var metaErrs []string

	// Neither axis waits on the other; both always return nil so one
	// axis cannot cancel the other.
	var g errgroup.Group
	g.Go(func() error {
		metaErrs = o.syncMetadata(ctx, &report.Metadata, log)
		return nil
	})
	g.Go(func() error {
		o.syncRecordings(ctx, tally, log)
		return nil
	})
	_ = g.Wait()

	report.Errors = append(report.Errors, metaErrs...)
	tally.into(report)
	report.Cancelled = ctx.Err() != nil
	report.Duration = o.now().Sub(start)

	fields := []logger.Field{
		logger.Int("metadata_synced", report.Metadata.Succeeded),
		logger.Int("metadata_failed", report.Metadata.Failed),
		logger.Int("recordings_completed", report.Recording.Succeeded),
		logger.Int("recordings_failed", report.Recording.Failed),
		logger.Int("recovered", report.Recovered),
		logger.Int64("bytes_saved", report.BytesSaved),
		logger.Duration("duration", report.Duration),
	}
	switch {
	case report.Cancelled:
		log.Warn("sync pass cancelled", fields...)
	case len(report.Errors) > 0:
		log.Error("sync pass finished with storage errors", append(fields, logger.Int("errors", len(report.Errors)))...)
	default:
		log.Info("sync pass finished", fields...)
	}

	for _, obs := range o.observers {
		obs.PassCompleted(context.WithoutCancel(ctx), report)
	}
	return report
}

func (o *Orchestrator) recoverStale(ctx context.Context, now time.Time, report *PassReport, log logger.Logger) {
	ids, err := o.store.RecoverStale(ctx, now.Add(-o.cfg.StalenessWindow))
	report.Recovered = len(ids)
	if err != nil {
		log.Error("stale recovery failed", logger.Error(err))
		report.Errors = append(report.Errors, err.Error())
		return
	}
	for _, id := range ids {
		log.Info("recovered stale recording", logger.String("composite_id", id))
	}
}

// autoRetry re-queues FAILED axes whose failure kind is expected to clear
// up on its own and that failed long enough ago.
func (o *Orchestrator) autoRetry(ctx context.Context, now time.Time, report *PassReport, log logger.Logger) {
	cutoff := now.Add(-o.cfg.AutoRetry.After)
	kinds := []syncstatus.ErrorKind{syncstatus.KindNetwork, syncstatus.KindCancelled, syncstatus.KindStale}

	records, err := o.store.AutoRetryCandidates(ctx, datastore.RetryQuery{
		Kinds:        kinds,
		FailedBefore: cutoff,
		MaxAttempts:  o.cfg.AutoRetry.MaxAttempts,
		Limit:        o.cfg.AutoRetry.BatchSize,
	})
	if err != nil {
		log.Error("auto-retry query failed", logger.Error(err))
		report.Errors = append(report.Errors, err.Error())
		return
	}

	for i := range records {
		rec := &records[i]
		if o.autoRetryable(rec.MetadataSyncStatus == syncstatus.MetadataFailed, rec.MetadataErrorKind,
			rec.MetadataStatusAt, rec.MetadataAttempts, cutoff) {
			if o.retryAxis(ctx, rec.CompositeID, o.store.RetryMetadata, log) {
				report.AutoRetried++
			}
		}
		if o.autoRetryable(rec.RecordingSyncStatus == syncstatus.RecordingFailed, rec.RecordingErrorKind,
			rec.RecordingStatusAt, rec.RecordingAttempts, cutoff) {
			if o.retryAxis(ctx, rec.CompositeID, o.store.RetryRecording, log) {
				report.AutoRetried++
			}
		}
	}
	if report.AutoRetried > 0 {
		log.Info("re-queued failed records", logger.Int("count", report.AutoRetried))
	}
}

func (o *Orchestrator) autoRetryable(failed bool, kind syncstatus.ErrorKind, statusAt int64, attempts int, cutoff time.Time) bool {
	if !failed || !kind.AutoRetryable() || statusAt >= cutoff.UnixMilli() {
		return false
	}
	return o.cfg.AutoRetry.MaxAttempts <= 0 || attempts < o.cfg.AutoRetry.MaxAttempts
}

func (o *Orchestrator) retryAxis(ctx context.Context, id string, retry func(context.Context, string) error, log logger.Logger) bool {
	if err := retry(ctx, id); err != nil {
		if !datastore.IsConflict(err) {
			log.Warn("auto-retry failed", logger.String("composite_id", id), logger.Error(err))
		}
		return false
	}
	return true
}

// claim marks key as worked on by this process. It returns false if a
// concurrent pass already holds it.
func (o *Orchestrator) claim(key string) bool {
	return o.inflight.Add(key, struct{}{}, cache.DefaultExpiration) == nil
}

func (o *Orchestrator) release(key string) {
	o.inflight.Delete(key)
}

// finalizeContext returns ctx, or a short detached context when ctx is
// already done so the final status write still happens.
func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// reasonOf returns the user-visible reason of a failure.
func reasonOf(err error) string {
	var re *remote.Error
	if errors.As(err, &re) && re.Reason != "" {
		return re.Reason
	}
	return err.Error()
}

// failureKind classifies a remote failure, treating anything that ended
// because the pass was cancelled as cancelled.
func failureKind(ctx context.Context, err error) syncstatus.ErrorKind {
	if ctx.Err() != nil {
		return syncstatus.KindCancelled
	}
	return remote.Classify(err)
}
