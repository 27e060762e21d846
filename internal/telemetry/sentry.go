// Package telemetry reports errors to Sentry. Reporting is opt-in and
// needs a DSN; events are scrubbed of phone numbers, credentials and host
// identity before they leave the process.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
)

// DefaultFlushTimeout bounds Flush at shutdown.
const DefaultFlushTimeout = 2 * time.Second

var enabled atomic.Bool

// Option configures Init.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the Sentry transport, for tests.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) {
		o.Transport = t
	}
}

// Init configures Sentry from settings and installs the error reporter, so
// enhanced errors built afterwards are reported. It is a no-op when Sentry
// is disabled or no DSN is set.
func Init(settings *conf.Settings, log logger.Logger, opts ...Option) error {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	log = log.Module("telemetry")

	if !settings.Sentry.Enabled || settings.Sentry.DSN == "" {
		log.Debug("error telemetry disabled")
		return nil
	}

	options := sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		Environment:      settings.Sentry.Environment,
		SampleRate:       settings.Sentry.SampleRate,
		AttachStacktrace: false,
		ServerName:       "", // no hostname leakage
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	}
	if settings.Version != "" {
		options.Release = "callsync@" + settings.Version
	}
	for _, opt := range opts {
		opt(&options)
	}

	if err := sentry.Init(options); err != nil {
		return errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	enabled.Store(true)

	log.Info("error telemetry enabled",
		logger.String("environment", settings.Sentry.Environment),
		logger.Float64("sample_rate", settings.Sentry.SampleRate))
	return nil
}

// Enabled reports whether Init turned reporting on.
func Enabled() bool {
	return enabled.Load()
}

// CaptureError reports err directly, for failures that are not enhanced
// errors.
func CaptureError(err error, component string) {
	if err == nil || !enabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		msg := errors.ScrubMessage(err.Error())
		event := sentry.NewEvent()
		event.Level = sentry.LevelError
		event.Message = msg
		event.Exception = []sentry.Exception{{Type: fmt.Sprintf("%T", err), Value: msg}}
		sentry.CaptureEvent(event)
	})
}

// Flush waits up to timeout for queued events to be sent.
func Flush(timeout time.Duration) {
	if !enabled.Load() {
		return
	}
	sentry.Flush(timeout)
}

// Shutdown flushes queued events and uninstalls the error reporter.
func Shutdown() {
	if !enabled.Swap(false) {
		return
	}
	errors.SetTelemetryReporter(nil)
	sentry.Flush(DefaultFlushTimeout)
}

// applyPrivacyFilters strips user, host and runtime identity from an event
// and scrubs its message.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Message = errors.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = errors.ScrubMessage(event.Exception[i].Value)
	}

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}
