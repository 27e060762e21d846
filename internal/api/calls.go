package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/syncer"
)

const (
	defaultFailedLimit = 100
	maxFailedLimit     = 1000
)

// CallList is the response of the call listing endpoints.
type CallList struct {
	Calls []entities.CallRecord `json:"calls"`
	Count int                   `json:"count"`
}

func newCallList(calls []entities.CallRecord) CallList {
	if calls == nil {
		calls = []entities.CallRecord{}
	}
	return CallList{Calls: calls, Count: len(calls)}
}

// RetryResponse reports which axes a retry reset.
type RetryResponse struct {
	ID string `json:"id"`
	syncer.RetryResult
}

// NoteRequest is the body of PUT /calls/:id/note. A null or blank note
// clears it.
type NoteRequest struct {
	Note *string `json:"note"`
}

// ListPending handles GET /api/v1/calls/pending?kind=metadata|recording|any
func (c *Controller) ListPending(ctx echo.Context) error {
	kind, err := datastore.ParsePendingKind(ctx.QueryParam("kind"))
	if err != nil {
		return c.HandleError(ctx, err, "Invalid pending kind", http.StatusBadRequest)
	}
	calls, err := c.store.ListPending(ctx.Request().Context(), kind)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list pending calls", 0)
	}
	return ctx.JSON(http.StatusOK, newCallList(calls))
}

// ListUnsynced handles GET /api/v1/calls/unsynced
func (c *Controller) ListUnsynced(ctx echo.Context) error {
	calls, err := c.store.GetUnsynced(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list unsynced calls", 0)
	}
	return ctx.JSON(http.StatusOK, newCallList(calls))
}

// ListFailed handles GET /api/v1/calls/failed?limit=N
func (c *Controller) ListFailed(ctx echo.Context) error {
	limit := defaultFailedLimit
	if s := ctx.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxFailedLimit {
			return c.HandleError(ctx, err, "limit must be between 1 and 1000", http.StatusBadRequest)
		}
		limit = n
	}
	calls, err := c.store.ListFailed(ctx.Request().Context(), limit)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list failed calls", 0)
	}
	return ctx.JSON(http.StatusOK, newCallList(calls))
}

// GetCall handles GET /api/v1/calls/:id
func (c *Controller) GetCall(ctx echo.Context) error {
	id, err := pathParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid call id", http.StatusBadRequest)
	}
	rec, err := c.store.GetCall(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get call", 0)
	}
	return ctx.JSON(http.StatusOK, rec)
}

// RetryCall handles POST /api/v1/calls/:id/retry?axis=metadata|recording|all
func (c *Controller) RetryCall(ctx echo.Context) error {
	id, err := pathParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid call id", http.StatusBadRequest)
	}
	axis, err := syncer.ParseAxis(ctx.QueryParam("axis"))
	if err != nil {
		return c.HandleError(ctx, err, "Invalid retry axis", http.StatusBadRequest)
	}

	res, err := c.retrier.Retry(ctx.Request().Context(), id, axis)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to retry call", 0)
	}

	c.log.Info("call retry requested via API",
		logger.String("composite_id", id),
		logger.String("axis", string(axis)))
	return ctx.JSON(http.StatusOK, RetryResponse{ID: id, RetryResult: res})
}

// UpdateNote handles PUT /api/v1/calls/:id/note
func (c *Controller) UpdateNote(ctx echo.Context) error {
	id, err := pathParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid call id", http.StatusBadRequest)
	}
	var req NoteRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}

	reqCtx := ctx.Request().Context()
	if err := c.store.UpdateNote(reqCtx, id, req.Note); err != nil {
		return c.HandleError(ctx, err, "Failed to update note", 0)
	}
	rec, err := c.store.GetCall(reqCtx, id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get call", 0)
	}
	return ctx.JSON(http.StatusOK, rec)
}

// DeleteCall handles DELETE /api/v1/calls/:id. The record and its
// compressed artifact are removed; the local recording is kept.
func (c *Controller) DeleteCall(ctx echo.Context) error {
	id, err := pathParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid call id", http.StatusBadRequest)
	}
	deleted, err := c.store.DeleteCall(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to delete call", 0)
	}

	c.log.Info("call deleted via API",
		logger.String("composite_id", deleted.CompositeID),
		logger.String("ip", ctx.RealIP()))
	return ctx.JSON(http.StatusOK, deleted)
}
