package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"minbar-cast/internal/encoder"
	"minbar-cast/internal/models"
	"minbar-cast/internal/state"
)

// Identity is the authenticated presenter extracted from the JWT.
type Identity struct {
	ID    string
	Email string
	Role  string
}

// Conn is the presenter's live connection as the arbiter sees it. The
// dispatcher implements it over a websocket.
type Conn interface {
	Notify(event string, payload map[string]interface{})
}

// Session ties the single live connection to an identity. At most one exists
// process-wide; it is a cache of the durable BroadcastState row, not the
// source of truth.
type Session struct {
	ID             string
	Conn           Conn
	Identity       Identity
	StartedAt      time.Time
	AudioConfig    encoder.AudioConfig
	DisconnectedAt *time.Time
	cleanupTimer   *time.Timer
}

type Outcome int

const (
	OutcomeStarted Outcome = iota
	OutcomeRecovered
)

// ErrOccupied names the current presenter so the rejected client can show who
// is on air.
type ErrOccupied struct {
	PresenterName string
}

func (e ErrOccupied) Error() string {
	return fmt.Sprintf("another presenter is live: %s", e.PresenterName)
}

var (
	ErrNoSession = fmt.Errorf("no active broadcast session")
	ErrNotOwner  = fmt.Errorf("not the session owner")
)

// StartRequest is the payload of start_stream / reconnect_stream.
type StartRequest struct {
	Title         string
	PresenterName string
	Audio         encoder.AudioConfig
}

// Result of a successful StartStream.
type Result struct {
	Outcome   Outcome
	SessionID string
	State     *models.BroadcastState
}

// Encoder is the slice of the encoder manager the arbiter drives.
type Encoder interface {
	Start(cfg encoder.AudioConfig) error
	Stop()
}

// Arbiter enforces "at most one live broadcaster, globally". All transitions
// of the session slot happen under one mutex.
type Arbiter struct {
	state        *state.Manager
	enc          Encoder
	cleanupAfter time.Duration

	mu   sync.Mutex
	sess *Session
}

func NewArbiter(st *state.Manager, enc Encoder, cleanupAfter time.Duration) *Arbiter {
	if cleanupAfter <= 0 {
		cleanupAfter = 30 * time.Minute
	}
	return &Arbiter{state: st, enc: enc, cleanupAfter: cleanupAfter}
}

// RecoverStale resets a durable record left live by a crash that nobody
// reconnected after. Called once at startup.
func (a *Arbiter) RecoverStale() {
	st, err := a.state.Get()
	if err != nil {
		log.Printf("⚠️ Stale-state check failed: %v", err)
		return
	}
	if st.IsLive && time.Since(st.LastActivityAt) > a.cleanupAfter {
		log.Printf("🧹 Resetting stale live record (presenter=%s, last activity %s ago)",
			st.PresenterName, time.Since(st.LastActivityAt).Round(time.Second))
		a.state.ResetOffline()
	}
}

// StartStream handles all three connection scenarios: fresh start, same
// identity reconnect (in-memory or after a process restart), and rejection of
// a different identity while one presenter holds the slot. Rejections never
// mutate state.
func (a *Arbiter) StartStream(id Identity, conn Conn, req StartRequest) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess != nil {
		if a.sess.Identity.ID != id.ID {
			return nil, ErrOccupied{PresenterName: a.currentPresenterNameLocked()}
		}
		return a.recoverLocked(id, conn, req)
	}

	// No in-memory session. The durable record decides whether this is a
	// fresh start or a post-restart recovery.
	st, err := a.state.Get()
	if err != nil {
		return nil, err
	}
	if st.IsLive {
		if st.PresenterID != id.ID {
			return nil, ErrOccupied{PresenterName: st.PresenterName}
		}
		// Gateway restarted underneath a logically-live session; rebuild the
		// in-memory cache and resume.
		a.sess = &Session{
			ID:       uuid.New().String(),
			Identity: id,
		}
		return a.recoverLocked(id, conn, req)
	}

	// Fresh start
	if err := a.enc.Start(req.Audio); err != nil && err != encoder.ErrAlreadyStreaming {
		return nil, fmt.Errorf("encoder start: %w", err)
	}

	newState, err := a.state.MarkLive(req.Title, id.ID, req.PresenterName)
	if err != nil {
		a.enc.Stop()
		return nil, err
	}

	a.sess = &Session{
		ID:          uuid.New().String(),
		Conn:        conn,
		Identity:    id,
		StartedAt:   time.Now(),
		AudioConfig: req.Audio,
	}

	log.Printf("🎙️ Broadcast started: %q by %s (%s)", req.Title, req.PresenterName, id.Email)
	return &Result{Outcome: OutcomeStarted, SessionID: a.sess.ID, State: newState}, nil
}

// recoverLocked is the Disconnected -> Active (and Active -> Active swap)
// transition: cancel the cleanup timer, replace the connection, restart the
// encoder, and preserve the original started-at.
func (a *Arbiter) recoverLocked(id Identity, conn Conn, req StartRequest) (*Result, error) {
	sess := a.sess
	if sess.cleanupTimer != nil {
		sess.cleanupTimer.Stop()
		sess.cleanupTimer = nil
	}
	sess.Conn = conn
	sess.DisconnectedAt = nil
	sess.Identity = id
	if req.Audio.SampleRate > 0 {
		sess.AudioConfig = req.Audio
	}

	if err := a.enc.Start(sess.AudioConfig); err != nil && err != encoder.ErrAlreadyStreaming {
		return nil, fmt.Errorf("encoder restart: %w", err)
	}

	// MarkLive preserves StartedAt when already set
	st, err := a.state.MarkLive(req.Title, id.ID, req.PresenterName)
	if err != nil {
		return nil, err
	}

	log.Printf("🔄 Session recovered for %s (muted=%v)", id.Email, st.IsMuted)
	return &Result{Outcome: OutcomeRecovered, SessionID: sess.ID, State: st}, nil
}

// HandleDisconnect marks the session disconnected, auto-mutes the durable
// record, stops the encoder to free the subprocess, and arms the cleanup
// deadline. A stale connection handle (already swapped by a reconnect) is
// ignored.
func (a *Arbiter) HandleDisconnect(conn Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess == nil || a.sess.Conn != conn {
		return
	}

	now := time.Now()
	a.sess.DisconnectedAt = &now
	a.sess.Conn = nil
	a.enc.Stop()

	// Auto-mute so listeners checking the record during the grace window see
	// "live, muted" rather than silence with no explanation.
	if _, err := a.state.SetMuted(true); err != nil {
		log.Printf("⚠️ Auto-mute on disconnect failed: %v", err)
	}

	sessID := a.sess.ID
	a.sess.cleanupTimer = time.AfterFunc(a.cleanupAfter, func() {
		a.expireSession(sessID)
	})
	log.Printf("🔌 Presenter disconnected; holding session %s for %s", sessID, a.cleanupAfter)
}

// expireSession is the Disconnected -> Empty transition.
func (a *Arbiter) expireSession(sessID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess == nil || a.sess.ID != sessID || a.sess.DisconnectedAt == nil {
		return
	}

	log.Printf("⏲️ Cleanup deadline reached for session %s, resetting broadcast state", sessID)
	a.sess = nil
	a.state.ResetOffline()
}

// StopStream is an explicit, owner-initiated full stop.
func (a *Arbiter) StopStream(id Identity) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess == nil {
		return ErrNoSession
	}
	if a.sess.Identity.ID != id.ID {
		return ErrNotOwner
	}

	a.teardownLocked()
	log.Printf("🛑 Broadcast stopped by %s", id.Email)
	return nil
}

// EmergencyStop force-terminates whatever is active, regardless of ownership.
// Safe to call when nothing is live.
func (a *Arbiter) EmergencyStop(admin Identity, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess != nil && a.sess.Conn != nil {
		a.sess.Conn.Notify("stream_stopped", map[string]interface{}{
			"message": fmt.Sprintf("Broadcast terminated by administrator (%s)", reason),
		})
	}
	a.teardownLocked()
	log.Printf("🚨 Emergency stop by %s (%s): %s", admin.Email, admin.Role, reason)
}

func (a *Arbiter) teardownLocked() {
	if a.sess != nil && a.sess.cleanupTimer != nil {
		a.sess.cleanupTimer.Stop()
	}
	a.sess = nil
	a.enc.Stop()
	a.state.ResetOffline()
}

// requireOwner guards every state-mutating control command.
func (a *Arbiter) requireOwner(id Identity) (*Session, error) {
	if a.sess == nil {
		return nil, ErrNoSession
	}
	if a.sess.Identity.ID != id.ID {
		return nil, ErrNotOwner
	}
	return a.sess, nil
}

// CurrentSessionID returns the active session id, or "" when the slot is
// empty.
func (a *Arbiter) CurrentSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return ""
	}
	return a.sess.ID
}

// HasSession reports whether the slot is occupied (active or disconnected).
func (a *Arbiter) HasSession() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess != nil
}

func (a *Arbiter) currentPresenterNameLocked() string {
	if st, err := a.state.Get(); err == nil && st.PresenterName != "" {
		return st.PresenterName
	}
	return a.sess.Identity.Email
}

// Mute pauses the relay output without stopping frame ingestion.
func (a *Arbiter) Mute(id Identity) (*models.BroadcastState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireOwner(id); err != nil {
		return nil, err
	}
	return a.state.SetMuted(true)
}

func (a *Arbiter) Unmute(id Identity) (*models.BroadcastState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireOwner(id); err != nil {
		return nil, err
	}
	return a.state.SetMuted(false)
}

func (a *Arbiter) ToggleMonitor(id Identity, enabled bool) (*models.BroadcastState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireOwner(id); err != nil {
		return nil, err
	}
	return a.state.Mutate(func(st *models.BroadcastState) {
		st.IsMonitoring = enabled
	})
}
