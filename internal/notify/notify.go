// Package notify sends sync pass failure summaries through shoutrrr
// service URLs (ntfy, Telegram, SMTP, generic webhooks and so on).
package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"maps"
	"slices"
	"strings"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/syncer"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// Sender delivers a message to every configured service.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// Notifier sends a summary when a pass ends with at least minFailures
// failed records or with storage errors.
type Notifier struct {
	sender      Sender
	minFailures int
	log         logger.Logger
}

// New creates a notifier from settings. It returns nil when notifications
// are disabled.
func New(settings *conf.NotifySettings, log logger.Logger) (*Notifier, error) {
	if !settings.Enabled {
		return nil, nil
	}
	if len(settings.URLs) == 0 {
		return nil, configError("at least one notification URL is required")
	}

	sender, err := shoutrrr.CreateSender(settings.URLs...)
	if err != nil {
		// Service URLs carry tokens; keep them out of the message.
		return nil, configError("invalid notification URL: " + errors.ScrubMessage(err.Error()))
	}
	if settings.Timeout > 0 {
		sender.Timeout = settings.Timeout
	}
	sender.SetLogger(discardLogger())

	return NewWithSender(sender, settings.MinFailures, log), nil
}

// NewWithSender creates a notifier on an existing sender.
func NewWithSender(sender Sender, minFailures int, log logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Notifier{
		sender:      sender,
		minFailures: max(minFailures, 1),
		log:         log.Module("notify"),
	}
}

// PassCompleted implements syncer.PassObserver.
func (n *Notifier) PassCompleted(_ context.Context, r *syncer.PassReport) {
	if r.Failures() < n.minFailures && len(r.Errors) == 0 {
		return
	}
	if err := n.Send(Title(r), Message(r)); err != nil {
		n.log.Warn("failed to send pass notification",
			logger.String("pass_id", r.ID),
			logger.String("error", errors.ScrubMessage(err.Error())))
		return
	}
	n.log.Debug("pass notification sent", logger.String("pass_id", r.ID))
}

// Send delivers one message to every configured service and returns the
// first failure.
func (n *Notifier) Send(title, message string) error {
	params := stypes.Params{}
	params.SetTitle(title)

	for _, err := range n.sender.Send(message, &params) {
		if err != nil {
			return errors.New(err).
				Component("notify").
				Category(errors.CategoryIntegration).
				Priority(errors.PriorityLow).
				Build()
		}
	}
	return nil
}

// Title is the notification title for a pass.
func Title(r *syncer.PassReport) string {
	if f := r.Failures(); f > 0 {
		return fmt.Sprintf("callsync: %d sync failures", f)
	}
	return "callsync: sync pass errors"
}

// Message is the notification body for a pass.
func Message(r *syncer.PassReport) string {
	var b strings.Builder
	b.WriteString(r.Summary())
	writeKinds(&b, "metadata", r.Metadata.Failures)
	writeKinds(&b, "recordings", r.Recording.Failures)
	for _, e := range r.Errors {
		b.WriteString("\nerror: ")
		b.WriteString(errors.ScrubMessage(e))
	}
	if r.Cancelled {
		b.WriteString("\npass was cancelled before it finished")
	}
	return b.String()
}

func writeKinds(b *strings.Builder, axis string, failures map[syncstatus.ErrorKind]int) {
	if len(failures) == 0 {
		return
	}
	parts := make([]string, 0, len(failures))
	for _, kind := range slices.Sorted(maps.Keys(failures)) {
		parts = append(parts, fmt.Sprintf("%s %d", kind, failures[kind]))
	}
	fmt.Fprintf(b, "\n%s failures: %s", axis, strings.Join(parts, ", "))
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("notify").
		Category(errors.CategoryConfiguration).
		Build()
}

// discardLogger silences the router's own logging; failures are logged by the
// notifier.
func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
