package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// getModels lists the models chains may reference
func (s *Server) getModels(c echo.Context) error {
	available, err := s.deps.Models.ListEnabled(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list AI models")
		return s.jsonError(c, http.StatusInternalServerError, "models_load_failed", "failed to load models")
	}
	return c.JSON(http.StatusOK, map[string]any{"models": available})
}

// createConversation starts a new conversation for the caller
func (s *Server) createConversation(c echo.Context) error {
	identity := callerIdentity(c)
	id, err := s.deps.Conversations.Create(c.Request().Context(), identity.UserID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", identity.UserID).Msg("Failed to create conversation")
		return s.jsonError(c, http.StatusInternalServerError, "conversation_create_failed", "failed to create conversation")
	}
	return c.JSON(http.StatusCreated, map[string]string{"conversation_id": id})
}
