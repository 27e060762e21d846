package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/syncer"
)

// StatusResponse summarizes the store and the last sync pass.
type StatusResponse struct {
	Counts   *datastore.StatusCounts `json:"counts"`
	LastPass *syncer.PassReport      `json:"lastPass,omitempty"`
}

// SyncResponse reports whether a pass was queued.
type SyncResponse struct {
	// Queued is false when a pass request was already waiting; the
	// request is merged into it.
	Queued bool `json:"queued"`
}

// HealthCheck handles GET /healthz
func (c *Controller) HealthCheck(ctx echo.Context) error {
	if err := c.store.Ping(ctx.Request().Context()); err != nil {
		c.log.Warn("health check failed", logger.Error(err))
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// GetStatus handles GET /api/v1/status
func (c *Controller) GetStatus(ctx echo.Context) error {
	counts, err := c.store.CountByStatus(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "Failed to count records", 0)
	}
	resp := StatusResponse{Counts: counts}
	if c.syncer != nil {
		resp.LastPass = c.syncer.LastReport()
	}
	return ctx.JSON(http.StatusOK, resp)
}

// TriggerSync handles POST /api/v1/sync
func (c *Controller) TriggerSync(ctx echo.Context) error {
	if c.syncer == nil {
		return c.HandleError(ctx, nil, "Sync scheduler is not running", http.StatusServiceUnavailable)
	}
	queued := c.syncer.Trigger()
	c.log.Info("sync pass requested via API", logger.Bool("queued", queued))
	return ctx.JSON(http.StatusAccepted, SyncResponse{Queued: queued})
}
