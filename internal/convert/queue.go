package convert

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"minbar-cast/internal/models"
	"minbar-cast/internal/storage"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_conversion_jobs_total", Help: "Conversion job outcomes"},
		[]string{"status"},
	)
	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_conversion_duration_seconds",
			Help:    "Wall-clock time per conversion attempt",
			Buckets: []float64{1, 5, 15, 30, 60, 120},
		},
	)
)

func RegisterMetrics() {
	prometheus.MustRegister(jobsTotal, jobDuration)
}

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is the in-memory view of one conversion. It does not survive a restart;
// the authoritative conversion_status lives on the recording row.
type Job struct {
	ID           string    `json:"job_id"`
	RecordingID  string    `json:"recording_id"`
	SourceFormat string    `json:"source_format"`
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"error,omitempty"`
	PlaybackURL  string    `json:"playback_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// convertibleFormats is the allow-list of source containers eligible for
// conversion. Everything here is a voice-memo or legacy format that browsers
// cannot play natively; mp3 is deliberately absent.
var convertibleFormats = map[string]bool{
	"amr": true, "awb": true, "3gp": true, "3gpp": true,
	"m4a": true, "aac": true, "caf": true, "opus": true,
	"ogg": true, "wav": true, "webm": true, "flac": true,
}

func IsConvertible(format string) bool {
	return convertibleFormats[format]
}

// Transcoder turns one source file into a web-playable MP3.
type Transcoder interface {
	Transcode(src, dst, sourceFormat, fallbackTitle string) error
}

// ObjectStore is the slice of the storage client the queue needs.
type ObjectStore interface {
	DownloadRecording(key string) (*storage.FileObject, error)
	UploadPlayback(key string, body io.ReadSeeker, contentType string) error
	PlaybackExists(key string) (bool, error)
	PlaybackURL(key string) string
}

// Queue runs asynchronous format conversions with a hard concurrency ceiling
// so the external transcoder never starves the live encoder sharing the host.
type Queue struct {
	db      *gorm.DB
	store   ObjectStore
	trans   Transcoder
	tempDir string

	ceiling     int
	maxAttempts int
	tick        time.Duration
	backoffBase time.Duration // scaled down in tests

	mu          sync.Mutex
	jobs        map[string]*Job
	byRecording map[string]string // recording id -> active job id
	pending     []string          // FIFO of queued job ids
	processing  int
}

func NewQueue(db *gorm.DB, store ObjectStore, trans Transcoder, tempDir string, ceiling, maxAttempts int, tick time.Duration) *Queue {
	if ceiling <= 0 {
		ceiling = 2
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &Queue{
		db:          db,
		store:       store,
		trans:       trans,
		tempDir:     tempDir,
		ceiling:     ceiling,
		maxAttempts: maxAttempts,
		tick:        tick,
		backoffBase: time.Second,
		jobs:        make(map[string]*Job),
		byRecording: make(map[string]string),
	}
}

// Enqueue registers a conversion for a recording. Idempotent by recording:
// an already-ready recording returns completed immediately, and an in-flight
// job is returned instead of duplicated.
func (q *Queue) Enqueue(recordingID, originalKey, format string) (*Job, error) {
	var rec models.AudioRecording
	if err := q.db.First(&rec, "id = ?", recordingID).Error; err != nil {
		return nil, fmt.Errorf("recording %s not found: %w", recordingID, err)
	}

	if rec.ConversionStatus == models.ConversionReady && rec.PlaybackURL != "" && rec.PlaybackStorageKey != "" {
		// Trust the durable status only if the converted object is still
		// there; a lost object means the recording needs converting again.
		exists, err := q.store.PlaybackExists(rec.PlaybackStorageKey)
		if err != nil {
			log.Printf("⚠️ Playback existence check failed for %s: %v", rec.PlaybackStorageKey, err)
		}
		if exists {
			return q.completedJob(recordingID, format, rec.PlaybackURL), nil
		}
		log.Printf("🔁 Recording %s marked ready but playback object %s is missing, reconverting",
			recordingID, rec.PlaybackStorageKey)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if jobID, ok := q.byRecording[recordingID]; ok {
		if job := q.jobs[jobID]; job != nil &&
			(job.Status == StatusQueued || job.Status == StatusProcessing) {
			copied := *job
			return &copied, nil
		}
	}

	job := &Job{
		ID:           uuid.New().String(),
		RecordingID:  recordingID,
		SourceFormat: format,
		Status:       StatusQueued,
		CreatedAt:    time.Now(),
	}
	q.jobs[job.ID] = job
	q.byRecording[recordingID] = job.ID
	q.pending = append(q.pending, job.ID)

	updates := map[string]interface{}{
		"conversion_status": models.ConversionPending,
		"conversion_error":  "",
	}
	if originalKey != "" {
		updates["original_storage_key"] = originalKey
	}
	if format != "" {
		updates["format"] = format
	}
	if err := q.db.Model(&models.AudioRecording{}).Where("id = ?", recordingID).Updates(updates).Error; err != nil {
		log.Printf("⚠️ Failed to mark recording %s pending: %v", recordingID, err)
	}

	log.Printf("📥 Conversion queued: recording=%s format=%s job=%s", recordingID, format, job.ID)
	copied := *job
	return &copied, nil
}

// completedJob returns (and registers) the job representing an
// already-converted recording, so a follow-up status poll on its id works.
// The id is stable per recording; repeated enqueues share one entry.
func (q *Queue) completedJob(recordingID, format, playbackURL string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := "done-" + recordingID
	job, ok := q.jobs[id]
	if !ok {
		job = &Job{
			ID:           id,
			RecordingID:  recordingID,
			SourceFormat: format,
			Status:       StatusCompleted,
			Progress:     100,
			PlaybackURL:  playbackURL,
			CreatedAt:    time.Now(),
		}
		q.jobs[id] = job
	}
	copied := *job
	return &copied
}

// GetStatus returns a snapshot of one job.
func (q *Queue) GetStatus(jobID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	copied := *job
	return &copied, true
}

// Depth reports queued + processing counts (health endpoint).
func (q *Queue) Depth() (queued, processing int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), q.processing
}

// Run polls the queue on a fixed tick, filling free capacity. Blocks forever;
// call in a goroutine.
func (q *Queue) Run() {
	log.Printf("🎛️ Conversion worker started (ceiling=%d, tick=%s)", q.ceiling, q.tick)
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()

	for range ticker.C {
		q.dispatch()
	}
}

// dispatch pulls queued jobs up to the concurrency ceiling.
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.processing < q.ceiling && len(q.pending) > 0 {
		jobID := q.pending[0]
		q.pending = q.pending[1:]

		job, ok := q.jobs[jobID]
		if !ok || job.Status != StatusQueued {
			continue
		}
		job.Status = StatusProcessing
		q.processing++

		go q.processJob(job)
	}
}

func (q *Queue) processJob(job *Job) {
	timer := prometheus.NewTimer(jobDuration)
	err := q.runConversion(job)
	timer.ObserveDuration()

	q.mu.Lock()
	q.processing--
	q.mu.Unlock()

	if err == nil {
		jobsTotal.WithLabelValues("success").Inc()
		log.Printf("✅ Conversion done: recording=%s job=%s", job.RecordingID, job.ID)
		return
	}

	q.handleFailure(job, err)
}

// runConversion is one attempt: mark processing, download, transcode, upload,
// mark ready. Temp files are removed on every path out.
func (q *Queue) runConversion(job *Job) error {
	q.setProgress(job, 5)
	if err := q.db.Model(&models.AudioRecording{}).Where("id = ?", job.RecordingID).
		Update("conversion_status", models.ConversionProcessing).Error; err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	var rec models.AudioRecording
	if err := q.db.First(&rec, "id = ?", job.RecordingID).Error; err != nil {
		return fmt.Errorf("load recording: %w", err)
	}

	srcPath := filepath.Join(q.tempDir, fmt.Sprintf("convert-%s-src.%s", job.ID, job.SourceFormat))
	dstPath := filepath.Join(q.tempDir, fmt.Sprintf("convert-%s-out.mp3", job.ID))
	defer func() {
		// Cleanup must never fail the job
		for _, p := range []string{srcPath, dstPath} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Printf("⚠️ Temp cleanup failed for %s: %v", p, err)
			}
		}
	}()

	if err := q.downloadSource(rec.OriginalStorageKey, srcPath); err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	q.setProgress(job, 40)

	title := rec.Title
	if title == "" {
		title = rec.ID
	}
	if err := q.trans.Transcode(srcPath, dstPath, job.SourceFormat, title); err != nil {
		return fmt.Errorf("transcode: %w", err)
	}
	q.setProgress(job, 70)

	// Deterministic key: re-converting the same recording always lands on
	// the same object.
	playbackKey := fmt.Sprintf("%s.mp3", job.RecordingID)
	out, err := os.Open(dstPath)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer out.Close()

	if err := q.store.UploadPlayback(playbackKey, out, "audio/mpeg"); err != nil {
		return fmt.Errorf("upload playback: %w", err)
	}
	q.setProgress(job, 90)

	playbackURL := q.store.PlaybackURL(playbackKey)
	if err := q.db.Model(&models.AudioRecording{}).Where("id = ?", job.RecordingID).
		Updates(map[string]interface{}{
			"conversion_status":    models.ConversionReady,
			"playback_storage_key": playbackKey,
			"playback_url":         playbackURL,
			"conversion_error":     "",
		}).Error; err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}

	q.mu.Lock()
	job.Status = StatusCompleted
	job.Progress = 100
	job.PlaybackURL = playbackURL
	delete(q.byRecording, job.RecordingID)
	q.mu.Unlock()
	return nil
}

func (q *Queue) downloadSource(key, dst string) error {
	obj, err := q.store.DownloadRecording(key)
	if err != nil {
		return err
	}
	defer obj.Body.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, obj.Body)
	return err
}

// handleFailure re-enqueues with exponential backoff until attempts are
// exhausted, then parks the recording as failed.
func (q *Queue) handleFailure(job *Job, cause error) {
	q.mu.Lock()
	job.Attempts++
	job.LastError = cause.Error()
	attempts := job.Attempts
	q.mu.Unlock()

	if err := q.db.Model(&models.AudioRecording{}).Where("id = ?", job.RecordingID).
		Update("conversion_attempts", attempts).Error; err != nil {
		log.Printf("⚠️ Failed to record attempt count for %s: %v", job.RecordingID, err)
	}

	if attempts >= q.maxAttempts {
		q.mu.Lock()
		job.Status = StatusFailed
		delete(q.byRecording, job.RecordingID)
		q.mu.Unlock()

		if err := q.db.Model(&models.AudioRecording{}).Where("id = ?", job.RecordingID).
			Updates(map[string]interface{}{
				"conversion_status": models.ConversionFailed,
				"conversion_error":  cause.Error(),
			}).Error; err != nil {
			log.Printf("⚠️ Failed to mark recording %s failed: %v", job.RecordingID, err)
		}
		jobsTotal.WithLabelValues("failure").Inc()
		log.Printf("❌ Conversion failed permanently: recording=%s attempts=%d: %v",
			job.RecordingID, attempts, cause)
		return
	}

	backoff := time.Duration(math.Pow(2, float64(attempts))) * q.backoffBase
	if err := q.db.Model(&models.AudioRecording{}).Where("id = ?", job.RecordingID).
		Update("conversion_status", models.ConversionPending).Error; err != nil {
		log.Printf("⚠️ Failed to mark recording %s pending for retry: %v", job.RecordingID, err)
	}
	jobsTotal.WithLabelValues("retry").Inc()
	log.Printf("🔁 Conversion attempt %d failed for %s, retrying in %s: %v",
		attempts, job.RecordingID, backoff, cause)

	time.AfterFunc(backoff, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if job.Status != StatusProcessing {
			return
		}
		job.Status = StatusQueued
		job.Progress = 0
		q.pending = append(q.pending, job.ID)
	})
}

func (q *Queue) setProgress(job *Job, pct int) {
	q.mu.Lock()
	job.Progress = pct
	q.mu.Unlock()
}
