// Package api provides the local control API: health, metrics, call
// listings, per-call retry, note edits and deletion, person settings and
// on-demand sync passes.
package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/syncer"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// Store is the part of the record store the API reads and edits.
type Store interface {
	Ping(ctx context.Context) error
	GetCall(ctx context.Context, id string) (*entities.CallRecord, error)
	ListPending(ctx context.Context, kind datastore.PendingKind) ([]entities.CallRecord, error)
	GetUnsynced(ctx context.Context) ([]entities.CallRecord, error)
	ListFailed(ctx context.Context, limit int) ([]entities.CallRecord, error)
	UpdateNote(ctx context.Context, id string, note *string) error
	DeleteCall(ctx context.Context, id string) (*entities.CallRecord, error)
	GetPerson(ctx context.Context, number string) (*entities.PersonAggregate, error)
	ListPersons(ctx context.Context, includeExcluded bool) ([]entities.PersonAggregate, error)
	SetExcluded(ctx context.Context, number string, excluded bool) error
	SetPersonNote(ctx context.Context, number string, note *string) error
	SetNameOverride(ctx context.Context, number string, name *string) error
	RecomputeAggregate(ctx context.Context, number string) error
	CountByStatus(ctx context.Context) (*datastore.StatusCounts, error)
}

// Retrier resets failed records for another attempt.
type Retrier interface {
	Retry(ctx context.Context, id string, axis syncer.Axis) (syncer.RetryResult, error)
}

// Syncer runs passes on demand.
type Syncer interface {
	Trigger() bool
	LastReport() *syncer.PassReport
}

// Controller manages the API routes and handlers
type Controller struct {
	store   Store
	retrier Retrier
	syncer  Syncer
	metrics http.Handler
	log     logger.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(c *Controller) { c.metrics = h }
}

// WithSyncer enables POST /api/v1/sync and the last pass in status.
func WithSyncer(s Syncer) Option {
	return func(c *Controller) { c.syncer = s }
}

// NewController creates a controller.
func NewController(store Store, retrier Retrier, log logger.Logger, opts ...Option) *Controller {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	c := &Controller{store: store, retrier: retrier, log: log.Module("api")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterRoutes adds every route to e.
func (c *Controller) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", c.HealthCheck)
	if c.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(c.metrics))
	}

	g := e.Group("/api/v1")
	g.GET("/status", c.GetStatus)
	g.GET("/calls/pending", c.ListPending)
	g.GET("/calls/unsynced", c.ListUnsynced)
	g.GET("/calls/failed", c.ListFailed)
	g.GET("/calls/:id", c.GetCall)
	g.POST("/calls/:id/retry", c.RetryCall)
	g.PUT("/calls/:id/note", c.UpdateNote)
	g.DELETE("/calls/:id", c.DeleteCall)
	g.GET("/persons", c.ListPersons)
	g.GET("/persons/:number", c.GetPerson)
	g.PUT("/persons/:number/exclusion", c.SetExclusion)
	g.PUT("/persons/:number/note", c.SetPersonNote)
	g.PUT("/persons/:number/name", c.SetNameOverride)
	g.POST("/persons/:number/recompute", c.RecomputePerson)
	g.POST("/sync", c.TriggerSync)
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"` // Unique identifier for tracking this error
}

// HandleError writes an error response. A zero code is derived from err.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	if code == 0 {
		code = statusFor(err)
	}
	resp := &ErrorResponse{
		Error:         message,
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
	if err != nil {
		resp.Error = err.Error()
	}

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", ctx.Request().URL.Path),
		logger.String("method", ctx.Request().Method),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		c.log.Error("API error", fields...)
	} else {
		c.log.Debug("API request rejected", fields...)
	}

	return ctx.JSON(code, resp)
}

// statusFor maps store and sync errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, datastore.ErrCallNotFound), errors.Is(err, datastore.ErrPersonNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncstatus.ErrNotRetryable),
		errors.Is(err, syncstatus.ErrInvalidTransition),
		errors.Is(err, datastore.ErrConflict),
		errors.Is(err, datastore.ErrRecordingLocked):
		return http.StatusConflict
	case errors.Is(err, datastore.ErrInvalidInput), errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// pathParam returns the unescaped path parameter.
func pathParam(ctx echo.Context, name string) (string, error) {
	v, err := url.PathUnescape(ctx.Param(name))
	if err != nil {
		return "", errors.New(err).
			Component("api").
			Category(errors.CategoryValidation).
			Context("param", name).
			Build()
	}
	return v, nil
}
