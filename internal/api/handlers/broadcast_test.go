package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"minbar-cast/internal/encoder"
	"minbar-cast/internal/models"
	"minbar-cast/internal/session"
	"minbar-cast/internal/state"
)

type nopEncoder struct{}

func (nopEncoder) Start(encoder.AudioConfig) error { return nil }
func (nopEncoder) Stop()                           {}

type silentConn struct{}

func (silentConn) Notify(string, map[string]interface{}) {}

// asUser injects the claims the JWT middleware would have set.
func asUser(id, email, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("user_id", id)
		c.Set("user_email", email)
		c.Set("user_role", role)
		c.Next()
	}
}

func setupBroadcastRouter(t *testing.T, id, email, role string) (*gin.Engine, *session.Arbiter) {
	gin.SetMode(gin.TestMode)

	d, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	sqlDB, _ := d.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := d.AutoMigrate(&models.BroadcastState{}); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	arb := session.NewArbiter(state.NewManager(d), nopEncoder{}, time.Minute)
	h := NewBroadcastHandler(arb)

	r := gin.New()
	grp := r.Group("/api", asUser(id, email, role))
	grp.POST("/broadcast/mute", h.Mute)
	grp.POST("/broadcast/unmute", h.Unmute)
	grp.POST("/broadcast/monitor", h.Monitor)
	grp.POST("/broadcast/audio/play", h.PlayAudio)
	grp.POST("/broadcast/audio/stop", h.StopAudio)
	grp.POST("/broadcast/audio/seek", h.SeekAudio)
	grp.POST("/broadcast/audio/skip", h.SkipAudio)
	grp.POST("/emergency-stop", h.EmergencyStop)
	return r, arb
}

func postJSON(r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func startLive(t *testing.T, arb *session.Arbiter, who session.Identity) {
	t.Helper()
	_, err := arb.StartStream(who, silentConn{}, session.StartRequest{
		Title:         "Evening Program",
		PresenterName: "Sheikh X",
		Audio:         encoder.AudioConfig{SampleRate: 44100, Channels: 2, Bitrate: 128},
	})
	if err != nil {
		t.Fatalf("failed to start stream: %v", err)
	}
}

func TestMuteWithoutSession(t *testing.T) {
	r, _ := setupBroadcastRouter(t, "user-a", "a@example.org", "presenter")

	w := postJSON(r, "/api/broadcast/mute", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMuteAsOwner(t *testing.T) {
	r, arb := setupBroadcastRouter(t, "user-a", "a@example.org", "presenter")
	startLive(t, arb, session.Identity{ID: "user-a", Email: "a@example.org", Role: "presenter"})

	w := postJSON(r, "/api/broadcast/mute", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["success"] != true || resp["sessionId"] == "" {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestMuteAsNonOwner(t *testing.T) {
	r, arb := setupBroadcastRouter(t, "user-b", "b@example.org", "presenter")
	startLive(t, arb, session.Identity{ID: "user-a", Email: "a@example.org", Role: "presenter"})

	w := postJSON(r, "/api/broadcast/mute", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestMuteUnmuteRoundTrip(t *testing.T) {
	r, arb := setupBroadcastRouter(t, "user-a", "a@example.org", "presenter")
	startLive(t, arb, session.Identity{ID: "user-a", Email: "a@example.org", Role: "presenter"})

	if w := postJSON(r, "/api/broadcast/mute", nil); w.Code != http.StatusOK {
		t.Fatalf("mute: status = %d", w.Code)
	}
	if w := postJSON(r, "/api/broadcast/unmute", nil); w.Code != http.StatusOK {
		t.Fatalf("unmute: status = %d", w.Code)
	}
}

func TestMonitorToggle(t *testing.T) {
	r, arb := setupBroadcastRouter(t, "user-a", "a@example.org", "presenter")
	startLive(t, arb, session.Identity{ID: "user-a", Email: "a@example.org", Role: "presenter"})

	w := postJSON(r, "/api/broadcast/monitor", gin.H{"enabled": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["isMonitoring"] != true {
		t.Errorf("expected isMonitoring true, got %v", resp)
	}
}

func TestPlayAudioValidation(t *testing.T) {
	r, arb := setupBroadcastRouter(t, "user-a", "a@example.org", "presenter")
	startLive(t, arb, session.Identity{ID: "user-a", Email: "a@example.org", Role: "presenter"})

	tests := []struct {
		name string
		body gin.H
	}{
		{"missing fileId", gin.H{"fileName": "adhan.mp3", "duration": 30.0}},
		{"missing fileName", gin.H{"fileId": "f1", "duration": 30.0}},
		{"zero duration", gin.H{"fileId": "f1", "fileName": "adhan.mp3", "duration": 0}},
		{"negative duration", gin.H{"fileId": "f1", "fileName": "adhan.mp3", "duration": -3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := postJSON(r, "/api/broadcast/audio/play", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestPlayThenSeekAudio(t *testing.T) {
	r, arb := setupBroadcastRouter(t, "user-a", "a@example.org", "presenter")
	startLive(t, arb, session.Identity{ID: "user-a", Email: "a@example.org", Role: "presenter"})

	w := postJSON(r, "/api/broadcast/audio/play", gin.H{
		"fileId": "f1", "fileName": "adhan.mp3", "duration": 180.0,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("play: status = %d (body: %s)", w.Code, w.Body.String())
	}

	if w := postJSON(r, "/api/broadcast/audio/seek", gin.H{"time": 42.5}); w.Code != http.StatusOK {
		t.Errorf("seek: status = %d", w.Code)
	}
	if w := postJSON(r, "/api/broadcast/audio/seek", gin.H{"time": -1}); w.Code != http.StatusBadRequest {
		t.Errorf("negative seek: status = %d, want 400", w.Code)
	}
	if w := postJSON(r, "/api/broadcast/audio/seek", gin.H{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing time: status = %d, want 400", w.Code)
	}
}

func TestStopAudioWithoutInjection(t *testing.T) {
	r, arb := setupBroadcastRouter(t, "user-a", "a@example.org", "presenter")
	startLive(t, arb, session.Identity{ID: "user-a", Email: "a@example.org", Role: "presenter"})

	if w := postJSON(r, "/api/broadcast/audio/stop", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestEmergencyStopIdle(t *testing.T) {
	r, _ := setupBroadcastRouter(t, "admin-1", "admin@example.org", "admin")

	w := postJSON(r, "/api/emergency-stop", gin.H{"reason": "drill"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even with no session", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["success"] != true || resp["stoppedBy"] != "admin@example.org" {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestEmergencyStopLive(t *testing.T) {
	r, arb := setupBroadcastRouter(t, "admin-1", "admin@example.org", "admin")
	startLive(t, arb, session.Identity{ID: "user-a", Email: "a@example.org", Role: "presenter"})

	if w := postJSON(r, "/api/emergency-stop", gin.H{"reason": "inappropriate content"}); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if arb.HasSession() {
		t.Error("session survived emergency stop")
	}
	// Pressing the button again is still a success
	if w := postJSON(r, "/api/emergency-stop", nil); w.Code != http.StatusOK {
		t.Errorf("second stop: status = %d, want 200", w.Code)
	}
}
