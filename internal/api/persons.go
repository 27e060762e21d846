package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/logger"
)

// ExclusionRequest is the body of PUT /persons/:number/exclusion.
type ExclusionRequest struct {
	Excluded *bool `json:"excluded"`
}

// PersonNoteRequest is the body of PUT /persons/:number/note. A null or
// blank note clears it.
type PersonNoteRequest struct {
	Note *string `json:"note"`
}

// NameOverrideRequest is the body of PUT /persons/:number/name. A null or
// blank name clears the override.
type NameOverrideRequest struct {
	Name *string `json:"name"`
}

// PersonList is the response of GET /persons.
type PersonList struct {
	Persons []entities.PersonAggregate `json:"persons"`
	Count   int                        `json:"count"`
}

// ListPersons handles GET /api/v1/persons. Excluded persons are listed only
// with ?excluded=true.
func (c *Controller) ListPersons(ctx echo.Context) error {
	includeExcluded := false
	if v := ctx.QueryParam("excluded"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c.HandleError(ctx, err, "Invalid excluded parameter", http.StatusBadRequest)
		}
		includeExcluded = b
	}

	persons, err := c.store.ListPersons(ctx.Request().Context(), includeExcluded)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list persons", 0)
	}
	if persons == nil {
		persons = []entities.PersonAggregate{}
	}
	return ctx.JSON(http.StatusOK, PersonList{Persons: persons, Count: len(persons)})
}

// GetPerson handles GET /api/v1/persons/:number
func (c *Controller) GetPerson(ctx echo.Context) error {
	number, err := pathParam(ctx, "number")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid phone number", http.StatusBadRequest)
	}
	p, err := c.store.GetPerson(ctx.Request().Context(), number)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get person", 0)
	}
	return ctx.JSON(http.StatusOK, p)
}

// SetExclusion handles PUT /api/v1/persons/:number/exclusion. Excluded
// persons and their calls drop out of every listing and sync batch; no data
// is deleted.
func (c *Controller) SetExclusion(ctx echo.Context) error {
	number, err := pathParam(ctx, "number")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid phone number", http.StatusBadRequest)
	}
	var req ExclusionRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	if req.Excluded == nil {
		return c.HandleError(ctx, nil, "excluded is required", http.StatusBadRequest)
	}

	reqCtx := ctx.Request().Context()
	if err := c.store.SetExcluded(reqCtx, number, *req.Excluded); err != nil {
		return c.HandleError(ctx, err, "Failed to update exclusion", 0)
	}
	p, err := c.store.GetPerson(reqCtx, number)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get person", 0)
	}

	c.log.Info("person exclusion changed",
		logger.String("number", p.NormalizedNumber),
		logger.Bool("excluded", p.IsExcluded))
	return ctx.JSON(http.StatusOK, p)
}

// SetPersonNote handles PUT /api/v1/persons/:number/note
func (c *Controller) SetPersonNote(ctx echo.Context) error {
	var req PersonNoteRequest
	return c.updatePerson(ctx, &req, "person note changed", func(reqCtx context.Context, number string) error {
		return c.store.SetPersonNote(reqCtx, number, req.Note)
	})
}

// SetNameOverride handles PUT /api/v1/persons/:number/name
func (c *Controller) SetNameOverride(ctx echo.Context) error {
	var req NameOverrideRequest
	return c.updatePerson(ctx, &req, "person name override changed", func(reqCtx context.Context, number string) error {
		return c.store.SetNameOverride(reqCtx, number, req.Name)
	})
}

// RecomputePerson handles POST /api/v1/persons/:number/recompute. It
// rebuilds the totals and last-call summary from the call records.
func (c *Controller) RecomputePerson(ctx echo.Context) error {
	return c.updatePerson(ctx, nil, "person aggregate recomputed", c.store.RecomputeAggregate)
}

// updatePerson binds body (if any), applies update and responds with the
// updated person.
func (c *Controller) updatePerson(ctx echo.Context, body any, msg string, update func(context.Context, string) error) error {
	number, err := pathParam(ctx, "number")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid phone number", http.StatusBadRequest)
	}
	if body != nil {
		if err := ctx.Bind(body); err != nil {
			return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
		}
	}

	reqCtx := ctx.Request().Context()
	if err := update(reqCtx, number); err != nil {
		return c.HandleError(ctx, err, "Failed to update person", 0)
	}
	p, err := c.store.GetPerson(reqCtx, number)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get person", 0)
	}

	c.log.Info(msg, logger.String("number", p.NormalizedNumber))
	return ctx.JSON(http.StatusOK, p)
}
