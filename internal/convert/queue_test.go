package convert

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"minbar-cast/internal/models"
	"minbar-cast/internal/storage"
)

type fakeTranscoder struct {
	mu            sync.Mutex
	fail          bool
	block         chan struct{} // when set, Transcode waits on it
	calls         int
	current       int
	maxConcurrent int
}

func (f *fakeTranscoder) Transcode(src, dst, sourceFormat, fallbackTitle string) error {
	f.mu.Lock()
	f.calls++
	f.current++
	if f.current > f.maxConcurrent {
		f.maxConcurrent = f.current
	}
	block := f.block
	fail := f.fail
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	f.current--
	f.mu.Unlock()

	if fail {
		return errors.New("transcode exploded")
	}
	return os.WriteFile(dst, []byte("fake mp3 bytes"), 0644)
}

func (f *fakeTranscoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setupQueueDB(t *testing.T) *gorm.DB {
	d, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	sqlDB, _ := d.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := d.AutoMigrate(&models.AudioRecording{}); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	return d
}

func setupQueue(t *testing.T, trans Transcoder, ceiling int) (*Queue, *gorm.DB, *storage.LocalProvider) {
	db := setupQueueDB(t)
	provider := storage.NewLocalProvider(t.TempDir())
	store := storage.NewClient(provider, "recordings", "playback", "https://cdn.example.org")

	q := NewQueue(db, store, trans, t.TempDir(), ceiling, 3, time.Second)
	q.backoffBase = time.Millisecond
	return q, db, provider
}

func seedRecording(t *testing.T, db *gorm.DB, provider *storage.LocalProvider, id, format string) models.AudioRecording {
	rec := models.AudioRecording{
		ID:                 id,
		Title:              "Morning Reminder",
		Format:             format,
		OriginalStorageKey: fmt.Sprintf("uploads/%s.%s", id, format),
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("seed recording: %v", err)
	}
	body := bytes.NewReader([]byte("raw voice memo bytes"))
	if err := provider.Put("recordings", rec.OriginalStorageKey, body, "application/octet-stream", ""); err != nil {
		t.Fatalf("seed object: %v", err)
	}
	return rec
}

func waitForStatus(t *testing.T, q *Queue, jobID string, want JobStatus) *Job {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		q.dispatch()
		if job, ok := q.GetStatus(jobID); ok && job.Status == want {
			return job
		}
		select {
		case <-deadline:
			job, _ := q.GetStatus(jobID)
			t.Fatalf("job %s never reached %s (last: %+v)", jobID, want, job)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConversionHappyPath(t *testing.T) {
	trans := &fakeTranscoder{}
	q, db, provider := setupQueue(t, trans, 2)
	seedRecording(t, db, provider, "rec-1", "amr")

	job, err := q.Enqueue("rec-1", "uploads/rec-1.amr", "amr")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if job.Status != StatusQueued {
		t.Errorf("expected queued, got %s", job.Status)
	}

	done := waitForStatus(t, q, job.ID, StatusCompleted)
	if done.PlaybackURL == "" {
		t.Error("completed job has no playback URL")
	}
	if !strings.Contains(done.PlaybackURL, "rec-1.mp3") {
		t.Errorf("playback URL not derived from recording id: %s", done.PlaybackURL)
	}

	var rec models.AudioRecording
	db.First(&rec, "id = ?", "rec-1")
	if rec.ConversionStatus != models.ConversionReady {
		t.Errorf("durable status = %s, want ready", rec.ConversionStatus)
	}
	if rec.PlaybackURL == "" || rec.PlaybackStorageKey != "rec-1.mp3" {
		t.Errorf("durable playback fields not set: %+v", rec)
	}
}

func TestEnqueueIdempotentWhenReady(t *testing.T) {
	trans := &fakeTranscoder{}
	q, db, provider := setupQueue(t, trans, 2)
	seedRecording(t, db, provider, "rec-1", "amr")

	job, _ := q.Enqueue("rec-1", "uploads/rec-1.amr", "amr")
	waitForStatus(t, q, job.ID, StatusCompleted)
	firstCalls := trans.callCount()

	for i := 0; i < 2; i++ {
		again, err := q.Enqueue("rec-1", "uploads/rec-1.amr", "amr")
		if err != nil {
			t.Fatalf("re-enqueue failed: %v", err)
		}
		if again.Status != StatusCompleted {
			t.Errorf("expected completed for ready recording, got %s", again.Status)
		}
		if again.PlaybackURL == "" {
			t.Error("ready recording returned no playback URL")
		}
		// The returned id must be pollable
		polled, ok := q.GetStatus(again.ID)
		if !ok {
			t.Fatalf("job id %s from enqueue is unknown to GetStatus", again.ID)
		}
		if polled.Status != StatusCompleted || polled.PlaybackURL == "" {
			t.Errorf("polled job mismatch: %+v", polled)
		}
	}

	queued, processing := q.Depth()
	if queued != 0 || processing != 0 {
		t.Errorf("re-enqueue created work: queued=%d processing=%d", queued, processing)
	}
	if trans.callCount() != firstCalls {
		t.Errorf("re-enqueue triggered transcoding: %d -> %d calls", firstCalls, trans.callCount())
	}
}

func TestEnqueueReconvertsWhenPlaybackObjectLost(t *testing.T) {
	trans := &fakeTranscoder{}
	q, db, provider := setupQueue(t, trans, 2)
	seedRecording(t, db, provider, "rec-1", "amr")

	// Durable row says ready but the converted object is gone
	db.Model(&models.AudioRecording{}).Where("id = ?", "rec-1").
		Updates(map[string]interface{}{
			"conversion_status":    models.ConversionReady,
			"playback_storage_key": "rec-1.mp3",
			"playback_url":         "https://cdn.example.org/playback/rec-1.mp3",
		})

	job, err := q.Enqueue("rec-1", "uploads/rec-1.amr", "amr")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("expected a fresh conversion for the lost object, got %s", job.Status)
	}

	done := waitForStatus(t, q, job.ID, StatusCompleted)
	if done.PlaybackURL == "" {
		t.Error("reconversion produced no playback URL")
	}
	if ok, _ := provider.Exists("playback", "rec-1.mp3"); !ok {
		t.Error("reconversion did not restore the playback object")
	}
}

func TestEnqueueDeduplicatesInFlight(t *testing.T) {
	trans := &fakeTranscoder{block: make(chan struct{})}
	q, db, provider := setupQueue(t, trans, 2)
	seedRecording(t, db, provider, "rec-1", "amr")

	first, _ := q.Enqueue("rec-1", "uploads/rec-1.amr", "amr")
	second, _ := q.Enqueue("rec-1", "uploads/rec-1.amr", "amr")
	if first.ID != second.ID {
		t.Errorf("duplicate job created: %s vs %s", first.ID, second.ID)
	}

	q.dispatch()
	third, _ := q.Enqueue("rec-1", "uploads/rec-1.amr", "amr")
	if third.ID != first.ID {
		t.Errorf("duplicate job created while processing: %s vs %s", first.ID, third.ID)
	}

	close(trans.block)
	waitForStatus(t, q, first.ID, StatusCompleted)
}

func TestRetryBound(t *testing.T) {
	trans := &fakeTranscoder{fail: true}
	q, db, provider := setupQueue(t, trans, 2)
	seedRecording(t, db, provider, "rec-1", "amr")

	job, _ := q.Enqueue("rec-1", "uploads/rec-1.amr", "amr")
	failed := waitForStatus(t, q, job.ID, StatusFailed)

	if failed.Attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", failed.Attempts)
	}
	if failed.LastError == "" {
		t.Error("failed job has no error recorded")
	}

	var rec models.AudioRecording
	db.First(&rec, "id = ?", "rec-1")
	if rec.ConversionStatus != models.ConversionFailed {
		t.Errorf("durable status = %s, want failed", rec.ConversionStatus)
	}
	if rec.ConversionAttempts != 3 {
		t.Errorf("durable attempts = %d, want 3", rec.ConversionAttempts)
	}
	if rec.ConversionError == "" {
		t.Error("durable error not recorded")
	}

	// No fourth attempt ever happens
	calls := trans.callCount()
	for i := 0; i < 10; i++ {
		q.dispatch()
		time.Sleep(2 * time.Millisecond)
	}
	if trans.callCount() != calls {
		t.Errorf("job was re-enqueued after exhausting retries: %d -> %d calls", calls, trans.callCount())
	}
}

func TestFailureHandlingSurvivesDurableWriteErrors(t *testing.T) {
	trans := &fakeTranscoder{fail: true}
	q, db, provider := setupQueue(t, trans, 2)
	seedRecording(t, db, provider, "rec-1", "amr")

	job, _ := q.Enqueue("rec-1", "uploads/rec-1.amr", "amr")

	// Durable store goes away mid-flight; the in-memory job must still run
	// its bounded retries instead of wedging on failed writes.
	if err := db.Migrator().DropTable(&models.AudioRecording{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	failed := waitForStatus(t, q, job.ID, StatusFailed)
	if failed.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", failed.Attempts)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	trans := &fakeTranscoder{block: make(chan struct{})}
	q, db, provider := setupQueue(t, trans, 2)

	var jobIDs []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("rec-%d", i)
		seedRecording(t, db, provider, id, "amr")
		job, err := q.Enqueue(id, fmt.Sprintf("uploads/%s.amr", id), "amr")
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		jobIDs = append(jobIDs, job.ID)
	}

	// Repeated dispatching must never exceed the ceiling
	for i := 0; i < 5; i++ {
		q.dispatch()
	}
	time.Sleep(20 * time.Millisecond)

	_, processing := q.Depth()
	if processing != 2 {
		t.Errorf("processing = %d, want 2 (the ceiling)", processing)
	}

	close(trans.block)
	for _, id := range jobIDs {
		waitForStatus(t, q, id, StatusCompleted)
	}

	trans.mu.Lock()
	maxSeen := trans.maxConcurrent
	trans.mu.Unlock()
	if maxSeen > 2 {
		t.Errorf("concurrency ceiling violated: %d simultaneous transcodes", maxSeen)
	}
}

func TestEnqueueUnknownRecording(t *testing.T) {
	q, _, _ := setupQueue(t, &fakeTranscoder{}, 2)
	if _, err := q.Enqueue("ghost", "uploads/ghost.amr", "amr"); err == nil {
		t.Error("expected error for unknown recording")
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	q, _, _ := setupQueue(t, &fakeTranscoder{}, 2)
	if _, ok := q.GetStatus("nope"); ok {
		t.Error("expected not-found for unknown job")
	}
}

func TestFormatAllowList(t *testing.T) {
	tests := []struct {
		format string
		want   bool
	}{
		{"amr", true},
		{"3gp", true},
		{"m4a", true},
		{"wav", true},
		{"flac", true},
		{"mp3", false}, // already web-playable
		{"mp4", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsConvertible(tt.format); got != tt.want {
			t.Errorf("IsConvertible(%q) = %v, want %v", tt.format, got, tt.want)
		}
	}
}
