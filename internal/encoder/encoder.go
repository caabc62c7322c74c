package encoder

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"minbar-cast/internal/config"
)

var (
	framesFed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "gateway_encoder_frames_total", Help: "PCM frames written to the encoder"},
	)
	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "gateway_encoder_frames_dropped_total", Help: "PCM frames dropped (input buffer full)"},
	)
	respawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "gateway_encoder_respawns_total", Help: "Automatic encoder respawns"},
	)
)

func RegisterMetrics() {
	prometheus.MustRegister(framesFed, framesDropped, respawnsTotal)
}

// AudioConfig is negotiated by the presenter in start_stream.
type AudioConfig struct {
	SampleRate int `json:"sampleRate"`
	Channels   int `json:"channels"`
	Bitrate    int `json:"bitrate"`
}

// Event types surfaced to whoever owns the session connection.
const (
	EventStarted   = "started"   // subprocess spawned, relay connection underway
	EventError     = "error"     // spawn failed or stream dropped, auto-recovery pending
	EventRestarted = "restarted" // one-shot auto-respawn succeeded
	EventFatal     = "fatal"     // respawn budget exhausted, explicit restart required
)

var ErrAlreadyStreaming = errors.New("encoder already streaming")

const (
	frameBuffer  = 64
	respawnDelay = 2 * time.Second
)

// Manager owns the single ffmpeg subprocess that turns raw PCM from the
// presenter into an MP3 stream pushed at the Icecast mount.
//
// Lifecycle is NotRunning -> Running -> Stopping; an unexpected exit while a
// session is logically active gets exactly one automatic respawn. The respawn
// budget is an explicit counter reset on Start, never recursion.
type Manager struct {
	cfg *config.Config

	notifyMu sync.Mutex
	notify   func(event, message string)

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	streaming   bool
	wanted      bool // true between Start and Stop; gates auto-respawn
	respawns    int
	gen         int // process generation; stale waiters are ignored
	frames      chan []byte
	stop        chan struct{}
	audioCfg    AudioConfig
	latencyMode string

	buildCmd     func(AudioConfig) *exec.Cmd // swapped out in tests
	respawnDelay time.Duration
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		cfg:          cfg,
		notify:       func(string, string) {},
		latencyMode:  cfg.Encoder.LatencyMode,
		respawnDelay: respawnDelay,
	}
	m.buildCmd = m.buildCommand
	return m
}

// SetNotifier installs the callback that forwards encoder events to the
// active presenter connection. Replaced on every session (re)start.
func (m *Manager) SetNotifier(fn func(event, message string)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if fn == nil {
		fn = func(string, string) {}
	}
	m.notify = fn
}

// emit delivers an event outside the state lock so a slow connection never
// stalls the encoder.
func (m *Manager) emit(event, message string) {
	m.notifyMu.Lock()
	fn := m.notify
	m.notifyMu.Unlock()
	fn(event, message)
}

// SetLatencyMode takes effect on the next spawn.
func (m *Manager) SetLatencyMode(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode == "ultra-low" || mode == "stable" {
		m.latencyMode = mode
	}
}

func (m *Manager) IsStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

// Start spawns the encoder subprocess. Refuses (without error to the session)
// if one is already running.
func (m *Manager) Start(audioCfg AudioConfig) error {
	m.mu.Lock()
	if m.streaming {
		m.mu.Unlock()
		return ErrAlreadyStreaming
	}

	m.wanted = true
	m.respawns = 0
	err := m.spawnLocked(audioCfg)
	if err != nil {
		m.wanted = false
	}
	m.mu.Unlock()

	// Notify after unlocking: the notifier writes to the presenter's socket
	// and a slow peer must not stall Feed or Stop.
	if err != nil {
		m.emit(EventError, fmt.Sprintf("Encoder failed to start: %v", err))
		return err
	}
	m.emit(EventStarted, "Encoder streaming to relay")
	return nil
}

// Feed queues one raw PCM frame for the subprocess stdin. Never blocks: a
// full buffer drops the frame (real-time audio favors recency over
// completeness). No-op when nothing is streaming.
func (m *Manager) Feed(frame []byte) {
	m.mu.Lock()
	streaming, frames := m.streaming, m.frames
	m.mu.Unlock()

	if !streaming || frames == nil {
		return
	}

	select {
	case frames <- frame:
		framesFed.Inc()
	default:
		framesDropped.Inc()
	}
}

// Stop terminates the subprocess gracefully. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	m.wanted = false
	if !m.streaming {
		return
	}
	m.streaming = false

	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	if m.stdin != nil {
		m.stdin.Close() // lets ffmpeg flush and exit on its own
	}
	if m.cmd != nil && m.cmd.Process != nil {
		go func(cmd *exec.Cmd) {
			// SIGTERM after a short grace window if closing stdin wasn't enough
			time.Sleep(500 * time.Millisecond)
			cmd.Process.Signal(os.Interrupt)
		}(m.cmd)
	}
	log.Println("🛑 Encoder stopped")
}

// spawnLocked starts a new process generation. Caller holds the lock.
func (m *Manager) spawnLocked(audioCfg AudioConfig) error {
	cmd := m.buildCmd(audioCfg)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return err
	}

	m.gen++
	m.cmd = cmd
	m.stdin = stdin
	m.streaming = true
	m.audioCfg = audioCfg
	m.frames = make(chan []byte, frameBuffer)
	m.stop = make(chan struct{})

	log.Printf("🚀 Encoder started (rate=%d ch=%d bitrate=%dk mode=%s)",
		audioCfg.SampleRate, audioCfg.Channels, audioCfg.Bitrate, m.latencyMode)

	go m.writeLoop(m.gen, stdin, m.frames, m.stop)
	go m.waitLoop(m.gen, cmd)
	return nil
}

func (m *Manager) writeLoop(gen int, stdin io.WriteCloser, frames <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case frame := <-frames:
			if _, err := stdin.Write(frame); err != nil {
				// The waiter picks the exit up and drives the restart sequence
				m.killGeneration(gen)
				return
			}
		case <-stop:
			return
		}
	}
}

func (m *Manager) killGeneration(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.cmd == nil || m.cmd.Process == nil {
		return
	}
	log.Println("⚠️ Encoder stdin write failed, killing process for restart")
	m.cmd.Process.Kill()
}

// waitLoop reaps the subprocess and decides whether its exit was expected.
func (m *Manager) waitLoop(gen int, cmd *exec.Cmd) {
	err := cmd.Wait()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return // superseded by a newer spawn
	}
	if !m.wanted {
		m.mu.Unlock()
		return // deliberate Stop
	}

	// Unexpected exit while the session is logically active
	m.streaming = false
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}

	if m.respawns >= 1 {
		m.wanted = false
		m.mu.Unlock()
		log.Printf("❌ Encoder exited again (%v), giving up", err)
		m.emit(EventFatal, "Encoder failed twice, manual restart required")
		return
	}

	m.respawns++
	audioCfg := m.audioCfg
	m.mu.Unlock()

	log.Printf("⚠️ Encoder exited unexpectedly (%v), respawning in %s", err, m.respawnDelay)
	m.emit(EventError, "Stream connection lost, reconnecting encoder")
	respawnsTotal.Inc()

	time.AfterFunc(m.respawnDelay, func() {
		m.mu.Lock()
		if !m.wanted || m.streaming {
			m.mu.Unlock()
			return
		}
		spawnErr := m.spawnLocked(audioCfg)
		if spawnErr != nil {
			m.wanted = false
		}
		m.mu.Unlock()

		if spawnErr != nil {
			m.emit(EventFatal, fmt.Sprintf("Encoder respawn failed: %v", spawnErr))
			return
		}
		m.emit(EventRestarted, "Encoder reconnected to relay")
	})
}

// buildCommand assembles the ffmpeg invocation: raw little-endian PCM on
// stdin, MP3 out to the Icecast mount.
func (m *Manager) buildCommand(audioCfg AudioConfig) *exec.Cmd {
	target := fmt.Sprintf("icecast://%s:%s@%s:%s%s",
		m.cfg.Icecast.User,
		m.cfg.Icecast.Password,
		m.cfg.Icecast.Host,
		m.cfg.Icecast.Port,
		m.cfg.Icecast.Mount,
	)

	args := []string{
		"-hide_banner",
		"-loglevel", m.cfg.Encoder.LogLevel,
	}

	if m.latencyMode == "ultra-low" {
		// No input probing or reorder buffering; frames go straight through
		args = append(args,
			"-fflags", "nobuffer",
			"-flags", "low_delay",
			"-probesize", "32",
			"-analyzeduration", "0",
		)
	}

	args = append(args,
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", audioCfg.SampleRate),
		"-ac", fmt.Sprintf("%d", audioCfg.Channels),
		"-i", "pipe:0",

		"-c:a", m.cfg.Encoder.Codec,
		"-b:a", fmt.Sprintf("%dk", audioCfg.Bitrate),

		"-f", "mp3",
		"-content_type", "audio/mpeg",
		target,
	)

	return exec.Command(m.cfg.Encoder.Binary, args...)
}
