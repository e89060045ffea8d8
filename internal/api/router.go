// Package api exposes the orchestrator over REST and SSE.
package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/iondrive-co/chad/internal/accounts"
	"github.com/iondrive-co/chad/internal/common/httpmw"
	"github.com/iondrive-co/chad/internal/common/logger"
	"github.com/iondrive-co/chad/internal/executor"
	"github.com/iondrive-co/chad/internal/session"
	"github.com/iondrive-co/chad/internal/streaming"
)

// Server bundles the handler dependencies.
type Server struct {
	sessions  *session.Manager
	executor  *executor.Executor
	mux       *streaming.Multiplexer
	accounts  *accounts.Service
	worktrees session.WorktreeFactory
	logDir    string
	logger    *logger.Logger
}

// NewServer builds the API surface.
func NewServer(sessions *session.Manager, exec *executor.Executor, mux *streaming.Multiplexer,
	accountSvc *accounts.Service, worktrees session.WorktreeFactory, logDir string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		sessions:  sessions,
		executor:  exec,
		mux:       mux,
		accounts:  accountSvc,
		worktrees: worktrees,
		logDir:    logDir,
		logger:    log.WithFields(zap.String("component", "api")),
	}
}

// Router builds the gin engine with middleware and all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(s.logger, "chad"))
	r.Use(httpmw.OtelTracing("chad"))
	s.Register(r)
	return r
}

// Register mounts all REST routes on the router.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/health", s.health)

	r.POST("/sessions", s.createSession)
	r.GET("/sessions", s.listSessions)
	r.GET("/sessions/:id", s.getSession)
	r.DELETE("/sessions/:id", s.deleteSession)
	r.POST("/sessions/:id/cancel", s.cancelSession)

	r.POST("/sessions/:id/tasks", s.startTask)
	r.GET("/sessions/:id/tasks/:task_id", s.getTask)

	r.GET("/sessions/:id/stream", s.stream)
	r.POST("/sessions/:id/input", s.sendInput)
	r.POST("/sessions/:id/resize", s.resize)
	r.POST("/sessions/:id/messages", s.enqueueMessage)
	r.GET("/sessions/:id/milestones", s.listMilestones)
	r.GET("/sessions/:id/events", s.listEvents)

	r.POST("/sessions/:id/worktree", s.createWorktree)
	r.GET("/sessions/:id/worktree", s.worktreeStatus)
	r.DELETE("/sessions/:id/worktree", s.deleteWorktree)
	r.GET("/sessions/:id/worktree/diff", s.worktreeDiff)
	r.POST("/sessions/:id/worktree/merge", s.mergeWorktree)
	r.POST("/sessions/:id/worktree/merge/resolve", s.resolveConflict)
	r.POST("/sessions/:id/worktree/merge/complete", s.completeMerge)
	r.POST("/sessions/:id/worktree/merge/abort", s.abortMerge)
	r.POST("/sessions/:id/worktree/reset", s.resetWorktree)

	r.GET("/accounts", s.listAccounts)
	r.POST("/accounts", s.createAccount)
	r.PUT("/accounts/:name", s.updateAccount)
	r.DELETE("/accounts/:name", s.deleteAccount)
	r.GET("/providers", s.listProviders)

	r.GET("/config/execution", s.getExecutionConfig)
	r.PUT("/config/execution", s.putExecutionConfig)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}
