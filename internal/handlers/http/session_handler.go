package http

import (
	"context"
	"errors"
	"net/http"

	"codecast/internal/core/domain"
	apperrors "codecast/pkg/errors"

	"github.com/gin-gonic/gin"
)

// StreamerSession is the part of the streamer controller exposed over HTTP.
type StreamerSession interface {
	StartStream(ctx context.Context) error
	StopStream(ctx context.Context) error
	PauseStream(ctx context.Context) error
	ResumeStream(ctx context.Context) error
	Session(ctx context.Context) (*domain.StreamSession, error)
	ViewerCount(ctx context.Context) (int, error)
	Links(ctx context.Context) ([]domain.LinkSnapshot, error)
}

// ViewerSession is the part of the viewer controller exposed over HTTP.
type ViewerSession interface {
	JoinStream(ctx context.Context) error
	LeaveStream(ctx context.Context) error
	Retry(ctx context.Context) error
	Snapshot(ctx context.Context) (domain.ViewerSnapshot, error)
}

type StreamerHandler struct {
	streamer StreamerSession
}

func NewStreamerHandler(streamer StreamerSession) *StreamerHandler {
	return &StreamerHandler{streamer: streamer}
}

func (h *StreamerHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/stream")
	{
		api.GET("", h.GetStream)
		api.GET("/links", h.GetLinks)
		api.POST("/start", h.StartStream)
		api.POST("/stop", h.StopStream)
		api.POST("/pause", h.PauseStream)
		api.POST("/resume", h.ResumeStream)
	}
}

func (h *StreamerHandler) GetStream(c *gin.Context) {
	session, err := h.streamer.Session(c.Request.Context())
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	count, err := h.streamer.ViewerCount(c.Request.Context())
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":     session,
		"viewerCount": count,
	})
}

func (h *StreamerHandler) GetLinks(c *gin.Context) {
	links, err := h.streamer.Links(c.Request.Context())
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	if links == nil {
		links = []domain.LinkSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"links": links})
}

func (h *StreamerHandler) StartStream(c *gin.Context) {
	if err := h.streamer.StartStream(c.Request.Context()); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	h.GetStream(c)
}

func (h *StreamerHandler) StopStream(c *gin.Context) {
	if err := h.streamer.StopStream(c.Request.Context()); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StreamerHandler) PauseStream(c *gin.Context) {
	if err := h.streamer.PauseStream(c.Request.Context()); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	h.GetStream(c)
}

func (h *StreamerHandler) ResumeStream(c *gin.Context) {
	if err := h.streamer.ResumeStream(c.Request.Context()); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	h.GetStream(c)
}

type ViewerHandler struct {
	viewer ViewerSession
}

func NewViewerHandler(viewer ViewerSession) *ViewerHandler {
	return &ViewerHandler{viewer: viewer}
}

func (h *ViewerHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/viewer")
	{
		api.GET("", h.GetViewer)
		api.POST("/join", h.JoinStream)
		api.POST("/leave", h.LeaveStream)
		api.POST("/retry", h.Retry)
	}
}

func (h *ViewerHandler) GetViewer(c *gin.Context) {
	snap, err := h.viewer.Snapshot(c.Request.Context())
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *ViewerHandler) JoinStream(c *gin.Context) {
	h.run(c, h.viewer.JoinStream)
}

func (h *ViewerHandler) LeaveStream(c *gin.Context) {
	h.run(c, h.viewer.LeaveStream)
}

func (h *ViewerHandler) Retry(c *gin.Context) {
	h.run(c, h.viewer.Retry)
}

func (h *ViewerHandler) run(c *gin.Context, op func(context.Context) error) {
	if err := op(c.Request.Context()); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	h.GetViewer(c)
}

// toAppError maps coordinator errors onto HTTP error codes.
func toAppError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, domain.ErrAlreadyStarted), errors.Is(err, domain.ErrNotStreaming):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrCaptureDenied):
		return apperrors.WrapError(err, apperrors.ErrCodeForbidden, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrCaptureUnavailable),
		errors.Is(err, domain.ErrSignalingUnavailable),
		errors.Is(err, domain.ErrControllerClosed):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "request cancelled", http.StatusServiceUnavailable)
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, err.Error(), http.StatusInternalServerError)
}
