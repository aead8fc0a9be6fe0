package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// getExecution returns one execution record with its prompt results
func (s *Server) getExecution(c echo.Context) error {
	ctx := c.Request().Context()
	identity := callerIdentity(c)

	executionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || executionID <= 0 {
		return s.jsonError(c, http.StatusBadRequest, "invalid_execution_id", "execution id must be a positive integer")
	}

	exec, err := s.deps.Executions.GetExecution(ctx, executionID)
	if err != nil {
		log.Error().Err(err).Int64("execution_id", executionID).Msg("Failed to load execution")
		return s.jsonError(c, http.StatusInternalServerError, "execution_load_failed", "failed to load execution")
	}
	if exec == nil || exec.UserID != identity.UserID {
		return s.jsonError(c, http.StatusNotFound, "execution_not_found", "execution not found")
	}

	results, err := s.deps.Executions.ListPromptResults(ctx, executionID)
	if err != nil {
		log.Error().Err(err).Int64("execution_id", executionID).Msg("Failed to load prompt results")
		return s.jsonError(c, http.StatusInternalServerError, "execution_load_failed", "failed to load prompt results")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"execution": exec,
		"results":   results,
	})
}

// getExecutionEvents returns an execution's event trail. The since
// query parameter is an exclusive id cursor for incremental polling.
func (s *Server) getExecutionEvents(c echo.Context) error {
	ctx := c.Request().Context()
	identity := callerIdentity(c)

	executionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || executionID <= 0 {
		return s.jsonError(c, http.StatusBadRequest, "invalid_execution_id", "execution id must be a positive integer")
	}

	exec, err := s.deps.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return s.jsonError(c, http.StatusInternalServerError, "execution_load_failed", "failed to load execution")
	}
	if exec == nil || exec.UserID != identity.UserID {
		return s.jsonError(c, http.StatusNotFound, "execution_not_found", "execution not found")
	}

	var sinceID int64
	if raw := c.QueryParam("since"); raw != "" {
		sinceID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || sinceID < 0 {
			return s.jsonError(c, http.StatusBadRequest, "invalid_cursor", "since must be a non-negative integer")
		}
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return s.jsonError(c, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
		}
	}

	events, err := s.deps.Events.List(ctx, executionID, sinceID, limit)
	if err != nil {
		log.Error().Err(err).Int64("execution_id", executionID).Msg("Failed to load execution events")
		return s.jsonError(c, http.StatusInternalServerError, "events_load_failed", "failed to load events")
	}

	next := sinceID
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}

	return c.JSON(http.StatusOK, map[string]any{
		"events":      events,
		"next_cursor": next,
	})
}
