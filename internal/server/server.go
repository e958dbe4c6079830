// Package server exposes execution control over HTTP and the websocket hub.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chr1sbest/ralphd/internal/crash"
	"github.com/chr1sbest/ralphd/internal/execerr"
	"github.com/chr1sbest/ralphd/internal/execstate"
	"github.com/chr1sbest/ralphd/internal/history"
	"github.com/chr1sbest/ralphd/internal/httpmw"
	"github.com/chr1sbest/ralphd/internal/logger"
	"github.com/chr1sbest/ralphd/internal/preflight"
	"github.com/chr1sbest/ralphd/internal/ralph"
)

// Executor controls the supervised worker.
type Executor interface {
	Start(ctx context.Context, opts ralph.StartOptions) (*execstate.ExecutionState, error)
	Pause() bool
	Resume() bool
	Stop() bool
	ForceKill() bool
}

type StateReader interface {
	State() *execstate.ExecutionState
}

type Recovery interface {
	GetRecoveryState() crash.RecoveryState
	ClearCrashState() error
}

type Preflighter interface {
	ValidateAll(ctx context.Context, phaseID string) preflight.Result
}

type HistoryLister interface {
	List(ctx context.Context, limit int) ([]history.Run, error)
}

// Deps are the collaborators routes delegate to. History may be nil.
type Deps struct {
	Executor  Executor
	States    StateReader
	Recovery  Recovery
	Preflight Preflighter
	History   HistoryLister
	// WebSocket serves GET /ws; nil leaves the route unregistered.
	WebSocket gin.HandlerFunc
}

type Server struct {
	deps   Deps
	router *gin.Engine
	logger *logger.Logger
}

// New builds the router. debug enables gin's debug mode.
func New(deps Deps, log *logger.Logger, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}
	s := &Server{
		deps:   deps,
		router: gin.New(),
		logger: log.WithComponent("http"),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.deps.WebSocket != nil {
		s.router.GET("/ws", s.deps.WebSocket)
	}

	api := s.router.Group("/api/execution", httpmw.RejectCrossOrigin(s.logger))
	api.GET("/state", s.handleState)
	api.POST("/start", s.handleStart)
	api.POST("/pause", s.handleControl("pause", s.deps.Executor.Pause))
	api.POST("/resume", s.handleControl("resume", s.deps.Executor.Resume))
	api.POST("/stop", s.handleControl("stop", s.deps.Executor.Stop))
	api.POST("/kill", s.handleControl("kill", s.deps.Executor.ForceKill))
	api.GET("/recovery", s.handleRecovery)
	api.POST("/recovery/clear", s.handleClearRecovery)
	api.GET("/preflight", s.handlePreflight)
	api.GET("/history", s.handleHistory)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.deps.States.State()})
}

func (s *Server) handleStart(c *gin.Context) {
	var req ralph.StartOptions
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, execerr.CodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.PhaseID == "" && !req.Resume {
		writeError(c, http.StatusBadRequest, execerr.CodeInvalidRequest, "phaseId is required")
		return
	}

	state, err := s.deps.Executor.Start(c.Request.Context(), req)
	if err != nil {
		var pre *ralph.PreflightError
		if errors.As(err, &pre) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":     errorBody(pre.Result.ErrorCode, execerr.MessageOf(err)),
				"preflight": pre.Result,
			})
			return
		}
		s.logger.Warn("start rejected", zap.String("phase_id", req.PhaseID), zap.Error(err))
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": state})
}

func (s *Server) handleControl(action string, fn func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok := fn()
		s.logger.Debug("control request", zap.String("action", action), zap.Bool("success", ok))
		c.JSON(http.StatusOK, gin.H{"success": ok})
	}
}

func (s *Server) handleRecovery(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Recovery.GetRecoveryState())
}

func (s *Server) handleClearRecovery(c *gin.Context) {
	if err := s.deps.Recovery.ClearCrashState(); err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handlePreflight(c *gin.Context) {
	phaseID := c.Query("phaseId")
	if phaseID == "" {
		writeError(c, http.StatusBadRequest, execerr.CodeInvalidRequest, "phaseId is required")
		return
	}
	c.JSON(http.StatusOK, s.deps.Preflight.ValidateAll(c.Request.Context(), phaseID))
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, execerr.CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if s.deps.History == nil {
		c.JSON(http.StatusOK, gin.H{"data": []history.Run{}})
		return
	}
	runs, err := s.deps.History.List(c.Request.Context(), limit)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

func (s *Server) writeErr(c *gin.Context, err error) {
	code := execerr.CodeOf(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	writeError(c, status, code, execerr.MessageOf(err))
}

func writeError(c *gin.Context, status int, code execerr.Code, msg string) {
	c.JSON(status, gin.H{"error": errorBody(code, msg)})
}

func errorBody(code execerr.Code, msg string) gin.H {
	return gin.H{"code": code, "message": msg}
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code execerr.Code) int {
	switch code {
	case execerr.CodeAlreadyRunning, execerr.CodeNotRunning, execerr.CodeStateConflict,
		execerr.CodeInvalidTransition, execerr.CodeNotResumable:
		return http.StatusConflict
	case execerr.CodePhaseNotFound:
		return http.StatusNotFound
	case execerr.CodeToolNotFound, execerr.CodeProjectNotInitialized, execerr.CodePromptGenerationFailed:
		return http.StatusUnprocessableEntity
	case execerr.CodeInvalidRequest:
		return http.StatusBadRequest
	case execerr.CodeForbiddenOrigin:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
