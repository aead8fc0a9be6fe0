package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/promptchain/internal/execution"
	"github.com/promptchain/internal/jobqueue"
	"github.com/promptchain/internal/safety"
	"github.com/promptchain/pkg/models"
)

// executeRequest is the body of POST /chains/:toolId/execute
type executeRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Async          bool           `json:"async,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// executeChain validates the request, runs the chain, and streams the
// final prompt's response as server-sent events. With async=true the
// run is queued instead and the execution id returned immediately.
func (s *Server) executeChain(c echo.Context) error {
	ctx := c.Request().Context()
	identity := callerIdentity(c)

	toolID, err := strconv.ParseInt(c.Param("toolId"), 10, 64)
	if err != nil || toolID <= 0 {
		return s.jsonError(c, http.StatusBadRequest, "invalid_tool_id", "tool id must be a positive integer")
	}

	if s.cfg.Limits.MaxInputBytes > 0 {
		c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, int64(s.cfg.Limits.MaxInputBytes))
	}
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return s.jsonError(c, http.StatusRequestEntityTooLarge, "input_too_large", "request body exceeds the input size limit")
		}
		return s.jsonError(c, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
	}
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}
	if s.cfg.Limits.MaxInputFields > 0 && len(req.Inputs) > s.cfg.Limits.MaxInputFields {
		return s.jsonError(c, http.StatusBadRequest, "too_many_inputs",
			fmt.Sprintf("at most %d input fields allowed", s.cfg.Limits.MaxInputFields))
	}

	// Redact PII and apply inbound guardrails to every string input.
	var tokens []safety.Token
	for key, value := range req.Inputs {
		text, ok := value.(string)
		if !ok {
			continue
		}
		sanitized, fieldTokens, err := s.deps.Safety.SanitizeInput(ctx, text)
		if err != nil {
			var pe *safety.PolicyError
			if errors.As(err, &pe) {
				return s.jsonError(c, http.StatusBadRequest, pe.Code(), pe.Error())
			}
			return s.jsonError(c, http.StatusInternalServerError, "safety_check_failed", "input safety check failed")
		}
		req.Inputs[key] = sanitized
		tokens = append(tokens, fieldTokens...)
	}

	chain, err := s.deps.Chains.GetChain(ctx, toolID)
	if err != nil {
		log.Error().Err(err).Int64("chain_id", toolID).Msg("Failed to load chain")
		return s.jsonError(c, http.StatusInternalServerError, "chain_load_failed", "failed to load chain")
	}
	if chain == nil {
		return s.jsonError(c, http.StatusNotFound, "chain_not_found", "chain not found")
	}
	if chain.Status != models.ChainStatusApproved {
		return s.jsonError(c, http.StatusForbidden, "chain_not_approved", "chain is not approved for execution")
	}

	prompts, err := s.deps.Chains.ListPrompts(ctx, toolID)
	if err != nil {
		log.Error().Err(err).Int64("chain_id", toolID).Msg("Failed to load chain prompts")
		return s.jsonError(c, http.StatusInternalServerError, "chain_load_failed", "failed to load chain prompts")
	}
	if len(prompts) == 0 {
		return s.jsonError(c, http.StatusUnprocessableEntity, "chain_empty", "chain has no prompts")
	}
	if s.cfg.Limits.MaxChainLength > 0 && len(prompts) > s.cfg.Limits.MaxChainLength {
		return s.jsonError(c, http.StatusUnprocessableEntity, "chain_too_long",
			fmt.Sprintf("chain exceeds the maximum of %d prompts", s.cfg.Limits.MaxChainLength))
	}

	var history []llms.MessageContent
	if req.ConversationID != "" {
		ok, err := s.deps.Conversations.Exists(ctx, req.ConversationID, identity.UserID)
		if err != nil {
			return s.jsonError(c, http.StatusInternalServerError, "conversation_load_failed", "failed to load conversation")
		}
		if !ok {
			return s.jsonError(c, http.StatusNotFound, "conversation_not_found", "conversation not found")
		}
		history, err = s.deps.Conversations.History(ctx, req.ConversationID)
		if err != nil {
			return s.jsonError(c, http.StatusInternalServerError, "conversation_load_failed", "failed to load conversation history")
		}
	} else {
		// First turn: start a conversation so the client can continue it.
		// Its id goes back in the X-Conversation-Id header.
		id, err := s.deps.Conversations.Create(ctx, identity.UserID)
		if err != nil {
			return s.jsonError(c, http.StatusInternalServerError, "conversation_create_failed", "failed to create conversation")
		}
		req.ConversationID = id
	}

	inputJSON, err := json.Marshal(req.Inputs)
	if err != nil {
		return s.jsonError(c, http.StatusBadRequest, "invalid_body", "inputs are not serializable")
	}
	conversationID := &req.ConversationID
	executionID, err := s.deps.Store.CreateExecution(ctx, chain.ID, identity.UserID, conversationID, inputJSON)
	if err != nil {
		log.Error().Err(err).Int64("chain_id", toolID).Msg("Failed to create execution record")
		return s.jsonError(c, http.StatusInternalServerError, "execution_create_failed", "failed to create execution")
	}

	if req.Async {
		if s.deps.Queue == nil {
			return s.jsonError(c, http.StatusNotImplemented, "async_disabled", "background execution is not enabled")
		}
		err := s.deps.Queue.QueueChainRun(ctx, jobqueue.ChainRunJobArgs{
			ExecutionID:    executionID,
			ChainID:        chain.ID,
			UserID:         identity.UserID,
			Owner:          identity.Owner,
			Inputs:         req.Inputs,
			ConversationID: req.ConversationID,
		})
		if err != nil {
			log.Error().Err(err).Int64("execution_id", executionID).Msg("Failed to queue chain run")
			return s.jsonError(c, http.StatusInternalServerError, "queue_failed", "failed to queue execution")
		}
		return c.JSON(http.StatusAccepted, map[string]any{
			"execution_id":    executionID,
			"conversation_id": req.ConversationID,
			"status":          models.ExecutionStatusRunning,
		})
	}

	result, err := s.deps.Runner.RunExisting(ctx, executionID, execution.RunRequest{
		Chain:          chain,
		Prompts:        prompts,
		Inputs:         req.Inputs,
		UserID:         identity.UserID,
		Owner:          identity.Owner,
		ConversationID: req.ConversationID,
		History:        history,
	})
	if err != nil {
		return s.executionError(c, executionID, err)
	}

	return s.streamResult(c, chain, result, tokens)
}

// executionError maps a failed run to a JSON error carrying the
// execution id so clients can fetch the event trail.
func (s *Server) executionError(c echo.Context, executionID int64, err error) error {
	status := http.StatusInternalServerError
	code := "execution_failed"

	var ce *execution.ConfigError
	if errors.As(err, &ce) {
		status = http.StatusUnprocessableEntity
		code = "chain_misconfigured"
	}
	var pe *execution.PromptError
	if errors.As(err, &pe) && pe.Timeout {
		status = http.StatusGatewayTimeout
		code = "execution_timeout"
	}

	return c.JSON(status, map[string]any{
		"error":        err.Error(),
		"code":         code,
		"execution_id": executionID,
		"request_id":   c.Response().Header().Get(echo.HeaderXRequestID),
	})
}

// streamResult replays the final prompt's stream to the client as
// server-sent events, restoring the caller's PII tokens chunk by chunk.
func (s *Server) streamResult(c echo.Context, chain *models.Chain, result *execution.RunResult, tokens []safety.Token) error {
	ctx := c.Request().Context()

	// Outbound guardrails screen the complete text before any chunk
	// reaches the client.
	screened, err := s.deps.Safety.ScreenOutput(ctx, result.Handle.Text(), tokens)
	if err != nil {
		var pe *safety.PolicyError
		if errors.As(err, &pe) {
			return c.JSON(http.StatusBadGateway, map[string]any{
				"error":        pe.Error(),
				"code":         pe.Code(),
				"execution_id": result.ExecutionID,
			})
		}
		return s.jsonError(c, http.StatusInternalServerError, "safety_check_failed", "output safety check failed")
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Execution-Id", strconv.FormatInt(result.ExecutionID, 10))
	h.Set("X-Tool-Id", strconv.FormatInt(chain.ID, 10))
	h.Set("X-Prompt-Count", strconv.Itoa(result.PromptCount))
	if result.Context.ConversationID != "" {
		h.Set("X-Conversation-Id", result.Context.ConversationID)
	}
	c.Response().WriteHeader(http.StatusOK)

	for {
		chunk, err := result.Handle.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			// The run already completed; a mid-replay error can only be
			// client disconnect or context cancellation.
			log.Warn().Err(err).Int64("execution_id", result.ExecutionID).Msg("Stream replay interrupted")
			return nil
		}
		restored := s.deps.Safety.RestoreChunk(string(chunk), tokens)
		if err := writeSSE(c, "", map[string]any{"content": restored}); err != nil {
			return nil
		}
	}

	if err := writeSSE(c, "done", map[string]any{
		"execution_id": result.ExecutionID,
		"output":       screened,
	}); err != nil {
		return nil
	}

	s.persistConversationTurn(c, result)
	return nil
}

// persistConversationTurn saves the final exchange when the run belongs
// to a conversation.
func (s *Server) persistConversationTurn(c echo.Context, result *execution.RunResult) {
	if result.Context.ConversationID == "" {
		return
	}
	msgs := result.Context.Messages()
	if len(msgs) < 2 {
		return
	}
	user := textOf(msgs[len(msgs)-2])
	assistant := textOf(msgs[len(msgs)-1])
	if err := s.deps.Conversations.AppendTurns(c.Request().Context(), result.Context.ConversationID, user, assistant); err != nil {
		log.Warn().Err(err).
			Str("conversation_id", result.Context.ConversationID).
			Msg("Failed to persist conversation turn")
	}
}

func textOf(m llms.MessageContent) string {
	out := ""
	for _, part := range m.Parts {
		if tc, ok := part.(llms.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

// writeSSE writes one server-sent event and flushes it
func writeSSE(c echo.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(c.Response(), "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
