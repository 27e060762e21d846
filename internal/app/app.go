// Package app builds the callsync object graph from settings: logging,
// telemetry, the record store, the sync pipeline and its outer surfaces.
package app

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/callsync/internal/api"
	"github.com/tphakala/callsync/internal/compressor"
	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/importer"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/notify"
	"github.com/tphakala/callsync/internal/observability"
	"github.com/tphakala/callsync/internal/remote"
	"github.com/tphakala/callsync/internal/syncer"
	"github.com/tphakala/callsync/internal/telemetry"
)

// shutdownTimeout bounds API shutdown and telemetry flush.
const shutdownTimeout = 10 * time.Second

// App owns the long-lived components. Components that need the remote are
// built on first use, so offline commands work without a remote configured.
type App struct {
	Settings *conf.Settings
	Log      logger.Logger
	Store    *datastore.Store
	Metrics  *observability.Metrics

	central *logger.CentralLogger

	mu      sync.Mutex
	orch    *syncer.Orchestrator
	closers []func() error
}

// Option configures New.
type Option func(*options)

type options struct {
	log       logger.Logger
	telemetry []telemetry.Option
}

// WithLogger replaces the central logger, for tests.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithTelemetryOptions passes options to telemetry.Init.
func WithTelemetryOptions(opts ...telemetry.Option) Option {
	return func(o *options) { o.telemetry = append(o.telemetry, opts...) }
}

// New sets up logging and telemetry, then opens and migrates the store.
func New(ctx context.Context, settings *conf.Settings, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Settings: settings, Log: o.log}
	if a.Log == nil {
		if settings.Debug {
			settings.Logging.DefaultLevel = "debug"
		}
		central, err := logger.NewCentralLogger(&settings.Logging)
		if err != nil {
			return nil, errors.New(err).
				Component("app").
				Category(errors.CategoryConfiguration).
				Context("operation", "init_logging").
				Build()
		}
		a.central = central
		a.Log = central.Module("")
		a.closers = append(a.closers, central.Close)
	}

	if err := telemetry.Init(settings, a.Log, o.telemetry...); err != nil {
		// Telemetry is optional; keep running without it.
		a.Log.Warn("error telemetry not available", logger.Error(err))
	} else if telemetry.Enabled() {
		a.closers = append(a.closers, func() error {
			telemetry.Shutdown()
			return nil
		})
	}

	manager, err := datastore.NewManager(&settings.Database, a.Log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := manager.Open(); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, manager.Close)
	if err := manager.Initialize(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Store = datastore.New(manager, a.Log)

	metrics, err := observability.NewMetrics()
	if err != nil {
		_ = a.Close()
		return nil, errors.New(err).
			Component("app").
			Category(errors.CategorySystem).
			Context("operation", "init_metrics").
			Build()
	}
	metrics.Sync.SetStatusSource(a.Store)
	a.Metrics = metrics

	return a, nil
}

// Compressor returns a compressor configured from the compression section.
func (a *App) Compressor() *compressor.Compressor {
	return compressor.NewFromSettings(&a.Settings.Compression, a.Log)
}

// Importer returns a call-log importer writing to the store.
func (a *App) Importer() *importer.Importer {
	return importer.New(a.Store, a.Settings.Import.Source, a.Log)
}

// Orchestrator returns the sync orchestrator, building the remote clients
// and pass observers on first use.
func (a *App) Orchestrator(ctx context.Context) (*syncer.Orchestrator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.orch != nil {
		return a.orch, nil
	}

	client, err := remote.NewHTTPClientFromSettings(&a.Settings.Remote)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)

	uploader, err := remote.NewRecordingUploader(ctx, &a.Settings.Upload, client, a.Log)
	if err != nil {
		return nil, err
	}
	if c, ok := uploader.(remote.Closer); ok && uploader != remote.RecordingUploader(client) {
		a.closers = append(a.closers, c.Close)
	}

	opts := []syncer.Option{
		syncer.WithLogger(a.Log),
		syncer.WithObserver(a.Metrics.Sync),
	}
	notifier, err := notify.New(&a.Settings.Notify, a.Log)
	if err != nil {
		return nil, err
	}
	if notifier != nil {
		opts = append(opts, syncer.WithObserver(notifier))
	}

	a.orch = syncer.New(syncer.ConfigFromSettings(a.Settings), a.Store, client, uploader, a.Compressor(), opts...)
	return a.orch, nil
}

// Retrier returns the orchestrator if it was built, or an offline one that
// can only reset records. Retry never talks to the remote.
func (a *App) Retrier() *syncer.Orchestrator {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.orch != nil {
		return a.orch
	}
	return syncer.New(syncer.ConfigFromSettings(a.Settings), a.Store, nil, nil, nil, syncer.WithLogger(a.Log))
}

// Run starts the scheduler, the inbox watcher and the control API, and
// blocks until ctx is cancelled. Shutdown stops intake first, then lets the
// running pass finish its status writes.
func (a *App) Run(ctx context.Context) error {
	orch, err := a.Orchestrator(ctx)
	if err != nil {
		return err
	}

	sched := syncer.NewScheduler(orch, a.Settings.Sync.Interval, a.Settings.Sync.PassTimeout, a.Log)

	var server *api.Server
	if a.Settings.API.Enabled {
		c := api.NewController(a.Store, orch, a.Log,
			api.WithSyncer(sched),
			api.WithMetrics(a.Metrics.Handler()))
		server = api.NewServer(a.Settings.API.Listen, c, a.Log)
		if err := server.Start(); err != nil {
			return err
		}
	}

	var watcher *importer.Watcher
	if a.Settings.Import.Watch {
		watcher = importer.NewWatcher(a.Importer(), a.Settings.Import.InboxDir)
		if err := watcher.Start(ctx); err != nil {
			a.shutdownServer(server)
			return err
		}
	}

	sched.Start(ctx)
	a.Log.Info("callsync running",
		logger.String("version", a.Settings.Version),
		logger.Bool("api", server != nil),
		logger.Bool("inbox_watch", watcher != nil))

	<-ctx.Done()
	a.Log.Info("shutting down")

	if watcher != nil {
		watcher.Stop()
	}
	a.shutdownServer(server)
	sched.Stop()
	return nil
}

func (a *App) shutdownServer(server *api.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		a.Log.Warn("API server shutdown failed", logger.Error(err))
	}
}

// Close releases everything New and Orchestrator opened, in reverse order.
func (a *App) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for _, c := range slices.Backward(closers) {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
