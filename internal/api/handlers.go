package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mediabot/internal/admission"
	"mediabot/internal/auth"
	"mediabot/internal/command"
	"mediabot/internal/models"
	"mediabot/internal/scheduler"
)

// Jobs is the part of the scheduler the HTTP API drives.
type Jobs interface {
	Submit(ctx context.Context, req models.JobRequest) (*models.JobRecord, error)
	Cancel(ctx context.Context, jobID string) error
	Lookup(ctx context.Context, jobID string) (*models.JobRecord, error)
	ListChat(ctx context.Context, chatID int64, limit int) ([]*models.JobRecord, error)
	Snapshot() scheduler.Stats
	Subscribe(fn func(models.JobEvent)) func()
}

// Handler wires HTTP routes to the scheduler and streams job events.
type Handler struct {
	jobs   Jobs
	auth   *auth.Service
	events *eventHub
	logger *slog.Logger
	stop   func()
}

// NewHandler constructs a Handler and subscribes it to job events.
func NewHandler(jobs Jobs, authService *auth.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		jobs:   jobs,
		auth:   authService,
		events: newEventHub(logger),
		logger: logger,
	}
	h.stop = jobs.Subscribe(h.events.broadcast)
	return h
}

// Close detaches the handler from the scheduler's event stream.
func (h *Handler) Close() {
	if h.stop != nil {
		h.stop()
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	api := router.Group("/api")
	api.Use(h.auth.Middleware())
	api.POST("/jobs", h.submitJob)
	api.GET("/jobs/:id", h.getJob)
	api.DELETE("/jobs/:id", h.cancelJob)
	api.GET("/chats/:chat_id/jobs", h.listChatJobs)
	api.POST("/tokens", h.issueToken)
	api.DELETE("/tokens", h.revokeToken)
	api.GET("/events", h.events.serve)
}

func (h *Handler) health(c *gin.Context) {
	st := h.jobs.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"running":       st.Running,
		"queued":        st.Queued,
		"workers":       st.Workers,
		"event_clients": h.events.count(),
	})
}

type submitRequest struct {
	ChatID    int64  `json:"chat_id"`
	Submitter string `json:"submitter"`
	Text      string `json:"text"`
}

func (h *Handler) submitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ChatID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chat_id is required"})
		return
	}
	cmd, err := command.Parse(req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	submit, ok := cmd.(command.Submit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text must be a submit command such as /audio <url>"})
		return
	}
	submitter := strings.TrimSpace(req.Submitter)
	if submitter == "" {
		operator, _ := auth.OperatorFromContext(c)
		submitter = "api:" + operator
	}

	rec, err := h.jobs.Submit(c.Request.Context(), command.NewRequest(submit, req.ChatID, submitter, time.Now()))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": rec})
}

func (h *Handler) getJob(c *gin.Context) {
	rec, err := h.jobs.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": rec})
}

func (h *Handler) cancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.jobs.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": "cancelling"})
}

func (h *Handler) listChatJobs(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
			return
		}
		limit = n
	}
	recs, err := h.jobs.ListChat(c.Request.Context(), chatID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []*models.JobRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": recs})
}

type tokenRequest struct {
	Operator string `json:"operator"`
}

func (h *Handler) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Operator) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator is required"})
		return
	}
	token, expires, err := h.auth.IssueToken(c.Request.Context(), strings.TrimSpace(req.Operator))
	if err != nil {
		h.logger.Error("issue token failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"operator":   req.Operator,
		"expires_at": expires,
	})
}

// revokeToken revokes the caller's own token, or every token of an operator
// when one is named in the body.
func (h *Handler) revokeToken(c *gin.Context) {
	var req tokenRequest
	_ = c.ShouldBindJSON(&req)
	if operator := strings.TrimSpace(req.Operator); operator != "" {
		if err := h.auth.RevokeOperatorTokens(c.Request.Context(), operator); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
		return
	}
	token, _ := auth.AuthTokenFromContext(c)
	if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var verr *command.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, command.ErrNotCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, admission.ErrBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	case errors.Is(err, admission.ErrDuplicate), errors.Is(err, scheduler.ErrJobFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, admission.ErrDiskSpaceExhausted):
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": "insufficient storage"})
	case errors.Is(err, scheduler.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, scheduler.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
