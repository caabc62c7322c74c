package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"minbar-cast/internal/convert"
)

// ConvertHandler wraps the conversion queue behind thin request/response
// endpoints.
type ConvertHandler struct {
	queue *convert.Queue
}

func NewConvertHandler(queue *convert.Queue) *ConvertHandler {
	return &ConvertHandler{queue: queue}
}

// ConvertAudio enqueues a voice-memo recording for conversion to MP3.
func (h *ConvertHandler) ConvertAudio(c *gin.Context) {
	var req struct {
		RecordID    string `json:"recordId"`
		OriginalKey string `json:"originalKey"`
		Format      string `json:"format"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RecordID == "" || req.OriginalKey == "" || req.Format == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "recordId, originalKey and format are required",
		})
		return
	}

	if !convert.IsConvertible(req.Format) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_FORMAT",
			"message": "format " + req.Format + " is not eligible for conversion",
		})
		return
	}

	job, err := h.queue.Enqueue(req.RecordID, req.OriginalKey, req.Format)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "CONVERSION_FAILED",
			"message": err.Error(),
		})
		return
	}

	message := "Conversion queued"
	if job.Status == convert.StatusCompleted {
		message = "Recording already converted"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"jobId":       job.ID,
		"status":      job.Status,
		"message":     message,
		"playbackUrl": job.PlaybackURL,
	})
}

// ConvertStatus reports one job's progress.
func (h *ConvertHandler) ConvertStatus(c *gin.Context) {
	job, ok := h.queue.GetStatus(c.Param("jobId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "JOB_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":       job.ID,
		"status":      job.Status,
		"progress":    job.Progress,
		"error":       job.LastError,
		"playbackUrl": job.PlaybackURL,
	})
}
