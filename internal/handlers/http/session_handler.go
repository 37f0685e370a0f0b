package http

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"sync"

	"mirrorcast/internal/core/domain"
	"mirrorcast/internal/core/ports"
	"mirrorcast/internal/infrastructure/streaming"
	"mirrorcast/pkg/errors"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	manager ports.SessionManager
	frames  ports.FrameSource
	sender  ports.SignalSender

	mu         sync.Mutex
	quality    domain.VideoQuality
	qualityGen domain.Generation
}

func NewSessionHandler(manager ports.SessionManager, frames ports.FrameSource, sender ports.SignalSender) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		frames:  frames,
		sender:  sender,
		quality: domain.QualityAuto,
	}
}

func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/pairing", h.BeginPairing)
		api.GET("/pairing", h.GetPairing)

		api.GET("/session", h.GetSession)
		api.DELETE("/session", h.Disconnect)

		api.GET("/stats", h.GetStats)
		api.GET("/frame", h.GetFrame)
		api.GET("/quality", h.GetQuality)
		api.PUT("/quality", h.SetQuality)
		api.GET("/display-size", h.GetDisplaySize)
	}
}

type PairingResponse struct {
	Connection   domain.ConnectionInfo `json:"connection"`
	Payload      string                `json:"payload"`
	WebSocketURL string                `json:"websocket_url"`
}

func (h *SessionHandler) BeginPairing(c *gin.Context) {
	info, err := h.manager.BeginPairing(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	resp, err := pairingResponse(info)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *SessionHandler) GetPairing(c *gin.Context) {
	snap := h.manager.Snapshot()
	if snap.Phase != domain.PhaseWaitingForConnection || snap.Connection == nil {
		c.Error(errors.NewNotFoundError("pairing").WithContext("state", snap.Phase.String()))
		return
	}

	resp, err := pairingResponse(*snap.Connection)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func pairingResponse(info domain.ConnectionInfo) (PairingResponse, error) {
	payload, err := domain.EncodePairingPayload(info)
	if err != nil {
		return PairingResponse{}, err
	}
	return PairingResponse{
		Connection:   info,
		Payload:      payload,
		WebSocketURL: info.WebSocketURL(),
	}, nil
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Snapshot())
}

func (h *SessionHandler) Disconnect(c *gin.Context) {
	h.manager.Disconnect("disconnected by user")
	c.JSON(http.StatusOK, h.manager.Snapshot())
}

func (h *SessionHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.frames.Statistics())
}

// GetFrame returns the most recent frame as a PNG.
func (h *SessionHandler) GetFrame(c *gin.Context) {
	frame, ok := h.frames.Latest()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}

	img := &image.RGBA{
		Pix:    frame.Pixels,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to encode frame", http.StatusInternalServerError))
		return
	}

	c.Header("X-Frame-Sequence", strconv.FormatUint(frame.Sequence, 10))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

type QualityRequest struct {
	Quality domain.VideoQuality `json:"quality" binding:"required,oneof=low medium high auto"`
}

// SetQuality records the preset and asks the connected sender to respect it.
func (h *SessionHandler) SetQuality(c *gin.Context) {
	var req QualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("quality must be one of low, medium, high, auto"))
		return
	}

	snap := h.manager.Snapshot()
	if snap.Phase != domain.PhaseConnected || snap.Device == nil {
		c.Error(errors.NewConflictError("no device connected"))
		return
	}

	res, framerate, err := streaming.QualityLimits(snap.Device.Resolution, req.Quality)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	update := domain.QualityUpdatePayload{Quality: req.Quality, Framerate: framerate}
	if req.Quality != domain.QualityAuto {
		update.MaxWidth = res.Width
		update.MaxHeight = res.Height
	}

	if err := h.sender.Send(snap.Generation, domain.MessageQualityUpdate, update); err != nil {
		c.Error(err)
		return
	}

	h.mu.Lock()
	h.quality = req.Quality
	h.qualityGen = snap.Generation
	h.mu.Unlock()
	c.JSON(http.StatusOK, update)
}

func (h *SessionHandler) GetQuality(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"quality": h.Quality()})
}

// Quality is the preset accepted by SetQuality for the current session.
// Every new session starts at auto.
func (h *SessionHandler) Quality() domain.VideoQuality {
	gen := h.manager.Snapshot().Generation

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.qualityGen != gen {
		return domain.QualityAuto
	}
	return h.quality
}

func (h *SessionHandler) GetDisplaySize(c *gin.Context) {
	width, errW := strconv.Atoi(c.Query("width"))
	height, errH := strconv.Atoi(c.Query("height"))
	if errW != nil || errH != nil {
		c.Error(errors.NewInvalidInputError("width and height must be integers").
			WithContext("width", c.Query("width")).
			WithContext("height", c.Query("height")))
		return
	}
	mode := domain.ScalingMode(c.DefaultQuery("mode", string(domain.ScaleFit)))

	video := h.frames.Statistics().Resolution
	if video.Width <= 0 || video.Height <= 0 {
		if snap := h.manager.Snapshot(); snap.Device != nil {
			video = snap.Device.Resolution
		}
	}
	if video.Width <= 0 || video.Height <= 0 {
		c.Error(domain.ErrNoFrame)
		return
	}

	size, err := streaming.DisplaySize(video, domain.Resolution{Width: width, Height: height}, mode)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"video":   video,
		"display": size,
		"mode":    mode,
	})
}
