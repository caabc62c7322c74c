package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"minbar-cast/internal/session"
)

// BroadcastHandler exposes out-of-band control of the live session: the
// presenter's dashboard uses these when the realtime channel is busy carrying
// audio.
type BroadcastHandler struct {
	arb *session.Arbiter
}

func NewBroadcastHandler(arb *session.Arbiter) *BroadcastHandler {
	return &BroadcastHandler{arb: arb}
}

func identityFrom(c *gin.Context) session.Identity {
	return session.Identity{
		ID:    c.GetString("user_id"),
		Email: c.GetString("user_email"),
		Role:  c.GetString("user_role"),
	}
}

// sessionError maps arbiter errors to the HTTP contract: no session -> 404,
// wrong owner -> 403.
func sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "No active broadcast session"})
	case errors.Is(err, session.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "You do not own the active session"})
	case errors.Is(err, session.ErrNoInjection):
		c.JSON(http.StatusNotFound, gin.H{"error": "No audio injection in progress"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *BroadcastHandler) Mute(c *gin.Context) {
	if _, err := h.arb.Mute(identityFrom(c)); err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Broadcast muted",
		"sessionId": h.arb.CurrentSessionID(),
		"timestamp": time.Now().UTC(),
	})
}

func (h *BroadcastHandler) Unmute(c *gin.Context) {
	if _, err := h.arb.Unmute(identityFrom(c)); err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Broadcast unmuted",
		"sessionId": h.arb.CurrentSessionID(),
		"timestamp": time.Now().UTC(),
	})
}

func (h *BroadcastHandler) Monitor(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	st, err := h.arb.ToggleMonitor(identityFrom(c), req.Enabled)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"isMonitoring": st.IsMonitoring,
		"timestamp":    time.Now().UTC(),
	})
}

func (h *BroadcastHandler) PlayAudio(c *gin.Context) {
	var req struct {
		FileID   string  `json:"fileId"`
		FileName string  `json:"fileName"`
		Duration float64 `json:"duration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.FileID == "" || req.FileName == "" || req.Duration <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileId, fileName and duration are required"})
		return
	}

	if _, err := h.arb.InjectAudio(identityFrom(c), req.FileID, req.FileName, req.Duration); err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"fileId":    req.FileID,
		"fileName":  req.FileName,
		"duration":  req.Duration,
		"timestamp": time.Now().UTC(),
	})
}

func (h *BroadcastHandler) StopAudio(c *gin.Context) {
	if _, err := h.arb.StopInjection(identityFrom(c)); err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "action": "stop", "timestamp": time.Now().UTC()})
}

func (h *BroadcastHandler) PauseAudio(c *gin.Context) {
	if _, err := h.arb.PauseInjection(identityFrom(c)); err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "action": "pause", "timestamp": time.Now().UTC()})
}

func (h *BroadcastHandler) ResumeAudio(c *gin.Context) {
	if _, err := h.arb.ResumeInjection(identityFrom(c)); err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "action": "resume", "timestamp": time.Now().UTC()})
}

func (h *BroadcastHandler) SeekAudio(c *gin.Context) {
	var req struct {
		Time *float64 `json:"time"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Time == nil || *req.Time < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "time must be a non-negative number"})
		return
	}

	if _, err := h.arb.SeekInjection(identityFrom(c), *req.Time); err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"action":    "seek",
		"time":      *req.Time,
		"timestamp": time.Now().UTC(),
	})
}

func (h *BroadcastHandler) SkipAudio(c *gin.Context) {
	var req struct {
		Seconds float64 `json:"seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if _, err := h.arb.SkipInjection(identityFrom(c), req.Seconds); err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"action":    "skip",
		"seconds":   req.Seconds,
		"timestamp": time.Now().UTC(),
	})
}

// EmergencyStop force-terminates the active session regardless of ownership.
// Always succeeds, even when nothing is live: pressing the panic button twice
// must not error.
func (h *BroadcastHandler) EmergencyStop(c *gin.Context) {
	var req struct {
		AdminID    string `json:"adminId"`
		AdminEmail string `json:"adminEmail"`
		Reason     string `json:"reason"`
	}
	c.ShouldBindJSON(&req)

	admin := identityFrom(c)
	if req.Reason == "" {
		req.Reason = "no reason given"
	}
	h.arb.EmergencyStop(admin, req.Reason)

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"stoppedBy": admin.Email,
		"timestamp": time.Now().UTC(),
	})
}
