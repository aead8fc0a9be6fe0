package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/promptchain/internal/config"
	"github.com/promptchain/internal/execution"
	"github.com/promptchain/internal/jobqueue"
	"github.com/promptchain/internal/safety"
	"github.com/promptchain/pkg/models"
)

// ChainSource loads chain definitions for execution
type ChainSource interface {
	GetChain(ctx context.Context, chainID int64) (*models.Chain, error)
	ListPrompts(ctx context.Context, chainID int64) ([]*models.ChainPrompt, error)
}

// ChainRunner runs a chain against an existing execution record
type ChainRunner interface {
	RunExisting(ctx context.Context, executionID int64, req execution.RunRequest) (*execution.RunResult, error)
}

// ExecutionReader reads persisted execution state
type ExecutionReader interface {
	GetExecution(ctx context.Context, executionID int64) (*models.Execution, error)
	ListPromptResults(ctx context.Context, executionID int64) ([]*models.PromptResult, error)
}

// EventLister reads an execution's event trail
type EventLister interface {
	List(ctx context.Context, executionID, sinceID int64, limit int) ([]*execution.Event, error)
}

// ModelLister lists the models available to chains
type ModelLister interface {
	ListEnabled(ctx context.Context) ([]*models.AIModel, error)
}

// ConversationSource manages multi-run conversations
type ConversationSource interface {
	Create(ctx context.Context, userID int64) (string, error)
	Exists(ctx context.Context, conversationID string, userID int64) (bool, error)
	AppendTurns(ctx context.Context, conversationID, user, assistant string) error
	History(ctx context.Context, conversationID string) ([]llms.MessageContent, error)
}

// RunQueue enqueues background chain runs
type RunQueue interface {
	QueueChainRun(ctx context.Context, args jobqueue.ChainRunJobArgs) error
}

// Deps are the collaborators the API server routes requests to
type Deps struct {
	Chains        ChainSource
	Store         execution.Persistence
	Executions    ExecutionReader
	Events        EventLister
	Models        ModelLister
	Conversations ConversationSource
	Runner        ChainRunner
	Queue         RunQueue // nil disables the async lane
	Safety        *safety.Pipeline
}

// Server represents the API server
type Server struct {
	echo    *echo.Echo
	cfg     *config.Config
	deps    Deps
	limiter *executionLimiter
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:    e,
		cfg:     cfg,
		deps:    deps,
		limiter: newExecutionLimiter(cfg.Limits.ExecutionsPerMin, cfg.Limits.ExecutionsBurst),
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	v1 := s.echo.Group("/api/v1", RequireAuth(s.cfg.Server.JWTSecret))

	v1.POST("/chains/:toolId/execute", s.executeChain, s.limiter.Middleware())
	v1.GET("/executions/:id", s.getExecution)
	v1.GET("/executions/:id/events", s.getExecutionEvents)
	v1.GET("/models", s.getModels)
	v1.POST("/conversations", s.createConversation)
}

// Start begins the API server and blocks until interrupted
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.cfg.Server.Port)); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

// Handler exposes the HTTP handler for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// errorResponse is the JSON body of every non-2xx response
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) jsonError(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	})
}
