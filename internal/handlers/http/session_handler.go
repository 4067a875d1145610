package http

import (
	"net/http"
	"strconv"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"
	"mediasession/internal/core/services"
	"mediasession/pkg/errors"
	"mediasession/pkg/logger"
	"mediasession/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultBarHeight = 100

// StatsSource exposes in-memory capture counters.
type StatsSource interface {
	GetCaptureStats(kind domain.StreamKind) services.CaptureStats
}

type SessionHandler struct {
	controller ports.CaptureController
	stats      StatsSource
	logger     *zap.SugaredLogger
}

func NewSessionHandler(controller ports.CaptureController, stats StatsSource, logger *zap.SugaredLogger) *SessionHandler {
	return &SessionHandler{
		controller: controller,
		stats:      stats,
		logger:     logger,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/session")
	{
		api.GET("", h.GetState)
		api.POST("/open", h.Open)
		api.POST("/retry", h.Retry)
		api.POST("/close", h.Close)

		api.POST("/mic/toggle", h.ToggleMic)
		api.POST("/camera/toggle", h.ToggleCamera)

		api.GET("/devices", h.ListDevices)
		api.POST("/devices/:kind", h.ChangeDevice)

		api.POST("/screen-share", h.StartScreenShare)
		api.DELETE("/screen-share", h.StopScreenShare)
		api.POST("/tab-audio", h.StartTabAudio)
		api.DELETE("/tab-audio", h.StopTabAudio)
		api.GET("/tab-audio/bars", h.TabAudioBars)

		api.GET("/stats", h.GetStats)
	}
}

func (h *SessionHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": h.controller.State()})
}

// Open blocks until the platform grants or refuses camera/mic. A client
// that disconnects while waiting abandons the request.
func (h *SessionHandler) Open(c *gin.Context) {
	if err := h.controller.Open(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	state := h.controller.State()
	tagStream(c, state.LocalStreamID)
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (h *SessionHandler) Retry(c *gin.Context) {
	if err := h.controller.Retry(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	state := h.controller.State()
	tagStream(c, state.LocalStreamID)
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// Close is terminal: the session stays closed until the process restarts,
// and later open, retry and share requests answer 410 SESSION_CLOSED.
func (h *SessionHandler) Close(c *gin.Context) {
	h.controller.Close()
	h.logger.Infow("capture session closed via API", "remote_addr", c.ClientIP())
	h.GetState(c)
}

func (h *SessionHandler) ToggleMic(c *gin.Context) {
	on := h.controller.ToggleAudioEnabled()
	c.JSON(http.StatusOK, gin.H{"mic_on": on})
}

func (h *SessionHandler) ToggleCamera(c *gin.Context) {
	on := h.controller.ToggleVideoEnabled()
	c.JSON(http.StatusOK, gin.H{"camera_on": on})
}

func (h *SessionHandler) ListDevices(c *gin.Context) {
	cameras, microphones, err := h.controller.Devices(c.Request.Context())
	if err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeServiceUnavailable, "device enumeration failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cameras":     nonNil(cameras),
		"microphones": nonNil(microphones),
		"selection":   h.controller.State().Selection,
	})
}

func (h *SessionHandler) ChangeDevice(c *gin.Context) {
	kind, err := validation.NormalizeDeviceKind(c.Param("kind"))
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request body").WithContext("cause", err.Error()))
		return
	}
	if err := validation.ValidateDeviceID(req.DeviceID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.controller.ChangeDevice(c.Request.Context(), domain.DeviceKind(kind), req.DeviceID); err != nil {
		c.Error(err)
		return
	}
	h.GetState(c)
}

func (h *SessionHandler) StartScreenShare(c *gin.Context) {
	if err := h.controller.StartScreenShare(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	state := h.controller.State()
	tagStream(c, state.ScreenStreamID)
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (h *SessionHandler) StopScreenShare(c *gin.Context) {
	h.controller.StopScreenShare()
	h.GetState(c)
}

func (h *SessionHandler) StartTabAudio(c *gin.Context) {
	if err := h.controller.StartTabAudioShare(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	state := h.controller.State()
	tagStream(c, state.TabAudioStreamID)
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (h *SessionHandler) StopTabAudio(c *gin.Context) {
	h.controller.StopTabAudioShare()
	h.GetState(c)
}

func (h *SessionHandler) TabAudioBars(c *gin.Context) {
	height := float64(defaultBarHeight)
	if raw := c.Query("height"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.Error(errors.NewInvalidInputError("height must be a number"))
			return
		}
		height = v
	}
	if err := validation.ValidateBarHeight(height); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	state := h.controller.State()
	if !state.TabAudioShare {
		c.Error(errors.NewNotFoundError("tab audio share"))
		return
	}
	// pollers pin the share they started with so a newer share is not drawn
	if id := c.Query("stream_id"); id != "" {
		if err := validation.ValidateStreamID(id); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		tagStream(c, domain.StreamID(id))
		if domain.StreamID(id) != state.TabAudioStreamID {
			c.Error(errors.NewNotFoundError("tab audio share " + id))
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"title": state.TabAudioTitle,
		"bars":  nonNil(h.controller.TabAudioBars(height)),
	})
}

func (h *SessionHandler) GetStats(c *gin.Context) {
	kinds := []domain.StreamKind{
		domain.StreamKindCameraMic,
		domain.StreamKindScreenShare,
		domain.StreamKindTabAudioShare,
	}
	stats := make(map[domain.StreamKind]gin.H, len(kinds))
	for _, kind := range kinds {
		s := h.stats.GetCaptureStats(kind)
		stats[kind] = gin.H{
			"acquired":            s.Acquired,
			"released":            s.Released,
			"failed":              s.Failed,
			"active":              s.Active,
			"last_acquire_millis": s.LastAcquireDur.Milliseconds(),
		}
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// tagStream adds the stream id to the request context for the request log.
func tagStream(c *gin.Context, id domain.StreamID) {
	if id == "" {
		return
	}
	c.Request = c.Request.WithContext(logger.WithStreamID(c.Request.Context(), string(id)))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
