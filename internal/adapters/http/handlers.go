package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/livecam/internal/adapters/signal"
	"github.com/dkeye/livecam/internal/app/broadcaster"
	"github.com/dkeye/livecam/internal/app/orch"
	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Orch    *orch.Orchestrator
	Limiter *signal.RateLimiter
}

type StartRequest struct {
	SessionID   string `json:"sessionId"`
	DeviceLabel string `json:"deviceLabel"`
	Video       *bool  `json:"video"`
	Audio       *bool  `json:"audio"`
}

type TrackRequest struct {
	Kind    string `json:"kind" binding:"required,oneof=audio video"`
	Enabled bool   `json:"enabled"`
}

type ConnectRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

type BroadcastResponse struct {
	SessionID domain.SessionID `json:"sessionId"`
	State     string           `json:"state"`
	Error     string           `json:"error,omitempty"`
}

type ViewerResponse struct {
	SessionID domain.SessionID `json:"sessionId,omitempty"`
	State     string           `json:"state"`
	Tracks    []core.TrackInfo `json:"tracks"`
	Error     string           `json:"error,omitempty"`
}

func owner(c *gin.Context) domain.OwnerID { return domain.OwnerID(c.GetString(ownerKey)) }

func client(c *gin.Context) orch.ClientID { return orch.ClientID(c.GetString(clientKey)) }

func (h *Handlers) WhoAmI(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"owner": owner(c), "client": client(c)})
}

func (h *Handlers) ListSessions(c *gin.Context) {
	sessions, err := h.Orch.ActiveSessions(c.Request.Context(), owner(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "at": time.Now()})
}

func (h *Handlers) StartBroadcast(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	constraints := core.Constraints{Video: true, Audio: true}
	if req.Video != nil {
		constraints.Video = *req.Video
	}
	if req.Audio != nil {
		constraints.Audio = *req.Audio
	}
	e, err := h.Orch.Start(c.Request.Context(), broadcaster.Config{
		SessionID:   domain.SessionID(req.SessionID),
		OwnerID:     owner(c),
		DeviceLabel: req.DeviceLabel,
		Constraints: constraints,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, BroadcastResponse{SessionID: e.SessionID(), State: e.State().String()})
}

func (h *Handlers) ListBroadcasts(c *gin.Context) {
	out := []BroadcastResponse{}
	for _, e := range h.Orch.BroadcastsOf(owner(c)) {
		resp := BroadcastResponse{SessionID: e.SessionID(), State: e.State().String()}
		if err := e.Err(); err != nil {
			resp.Error = err.Error()
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"broadcasts": out})
}

func (h *Handlers) StopBroadcast(c *gin.Context) {
	if err := h.Orch.Stop(c.Request.Context(), owner(c), domain.SessionID(c.Param("id"))); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) SetTrack(c *gin.Context) {
	var req TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be audio or video"})
		return
	}
	err := h.Orch.SetTrackEnabled(c.Request.Context(), owner(c), domain.SessionID(c.Param("id")), req.Kind, req.Enabled)
	if errors.Is(err, broadcaster.ErrNoTrack) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such track"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	if h.Limiter != nil && !h.Limiter.Allow(string(client(c))) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connect attempts"})
		return
	}
	v, err := h.Orch.Connect(c.Request.Context(), client(c), domain.SessionID(req.SessionID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ViewerResponse{SessionID: v.SessionID(), State: v.State().String(), Tracks: v.Tracks()})
}

func (h *Handlers) ViewerStatus(c *gin.Context) {
	v, ok := h.Orch.Viewer(client(c))
	if !ok {
		c.JSON(http.StatusOK, ViewerResponse{State: domain.ViewerIdle.String(), Tracks: []core.TrackInfo{}})
		return
	}
	resp := ViewerResponse{SessionID: v.SessionID(), State: v.State().String(), Tracks: v.Tracks()}
	if resp.Tracks == nil {
		resp.Tracks = []core.TrackInfo{}
	}
	if err := v.Err(); err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) Disconnect(c *gin.Context) {
	if err := h.Orch.Disconnect(c.Request.Context(), client(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		switch {
		case errors.Is(err, domain.ErrDeviceLabelEmpty), errors.Is(err, domain.ErrDeviceLabelTooLong):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	body := gin.H{"error": err.Error(), "kind": de.Kind.String(), "reason": de.Reason}
	switch de.Kind {
	case domain.KindNotFound:
		if de.Reason == domain.ReasonSessionBusy {
			body["error"] = "device is already being watched"
			c.JSON(http.StatusConflict, body)
			return
		}
		body["error"] = "device not found or offline"
		c.JSON(http.StatusNotFound, body)
	case domain.KindCapture:
		c.JSON(http.StatusServiceUnavailable, body)
	case domain.KindSignalingWrite:
		if errors.Is(err, core.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, body)
			return
		}
		c.JSON(http.StatusServiceUnavailable, body)
	default:
		c.JSON(http.StatusBadGateway, body)
	}
}
