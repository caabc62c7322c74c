package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"minbar-cast/internal/encoder"
	"minbar-cast/internal/session"
)

// Dispatcher demultiplexes the single bidirectional channel per session into
// structured control commands (text frames) and raw PCM audio (binary
// frames), and routes each to the arbiter or the encoder.
type Dispatcher struct {
	arb *session.Arbiter
	enc *encoder.Manager
}

func New(arb *session.Arbiter, enc *encoder.Manager) *Dispatcher {
	return &Dispatcher{arb: arb, enc: enc}
}

// wsConn adapts a websocket to session.Conn. Writes are serialized; a dead
// socket just drops notifications.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Notify(event string, payload map[string]interface{}) {
	msg := map[string]interface{}{"type": event}
	for k, v := range payload {
		msg[k] = v
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("⚠️ Notification dropped (%s): %v", event, err)
	}
}

func canBroadcast(role string) bool {
	return role == "presenter" || role == "admin"
}

// HandleConnection runs the read loop for one authenticated connection until
// it drops. Control messages are processed in arrival order; audio frames are
// forwarded without ordering guarantees relative to commands.
func (d *Dispatcher) HandleConnection(ctx context.Context, conn *websocket.Conn, id session.Identity) {
	wc := &wsConn{conn: conn}
	wc.Notify(EvtReady, map[string]interface{}{"message": "Connected to broadcast gateway"})

	defer d.arb.HandleDisconnect(wc)

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			log.Printf("🔌 Read loop ended for %s: %v", id.Email, err)
			return
		}

		switch msgType {
		case websocket.MessageText:
			d.handleCommand(wc, id, data)
		case websocket.MessageBinary:
			// Binary is audio, full stop. Never parsed, never an error.
			d.enc.Feed(data)
		}
	}
}

// decodeCommand parses one text frame. The text flag already rules the frame
// out as audio, so anything that fails to parse is a malformed command, never
// PCM.
func decodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func (d *Dispatcher) handleCommand(wc *wsConn, id session.Identity, data []byte) {
	cmd, err := decodeCommand(data)
	if err != nil {
		wc.Notify(EvtError, map[string]interface{}{"message": "Malformed command payload"})
		return
	}

	switch cmd.Type {
	case CmdStartStream, CmdReconnectStream:
		d.handleStart(wc, id, cmd)

	case CmdStopStream:
		if err := d.arb.StopStream(id); err != nil {
			d.notifyErr(wc, err)
			return
		}
		d.enc.SetNotifier(nil)
		wc.Notify(EvtStreamStopped, map[string]interface{}{"message": "Broadcast stopped"})

	case CmdMute:
		st, err := d.arb.Mute(id)
		if err != nil {
			d.notifyErr(wc, err)
			return
		}
		wc.Notify(EvtMuted, map[string]interface{}{"mutedAt": st.MutedAt})

	case CmdUnmute:
		if _, err := d.arb.Unmute(id); err != nil {
			d.notifyErr(wc, err)
			return
		}
		wc.Notify(EvtUnmuted, map[string]interface{}{})

	case CmdToggleMonitor:
		st, err := d.arb.ToggleMonitor(id, cmd.Enabled)
		if err != nil {
			d.notifyErr(wc, err)
			return
		}
		wc.Notify(EvtMonitorToggled, map[string]interface{}{"isMonitoring": st.IsMonitoring})

	case CmdInjectAudio:
		st, err := d.arb.InjectAudio(id, cmd.FileID, cmd.FileName, cmd.DurationSeconds)
		if err != nil {
			d.notifyErr(wc, err)
			return
		}
		wc.Notify(EvtInjection, map[string]interface{}{
			"action": "play", "fileId": st.InjectedFileID, "fileName": st.InjectedFileTitle,
		})

	case CmdStopInjection:
		if _, err := d.arb.StopInjection(id); err != nil {
			d.notifyErr(wc, err)
			return
		}
		wc.Notify(EvtInjection, map[string]interface{}{"action": "stop"})

	case CmdPauseInjection:
		if _, err := d.arb.PauseInjection(id); err != nil {
			d.notifyErr(wc, err)
			return
		}
		wc.Notify(EvtInjection, map[string]interface{}{"action": "pause"})

	case CmdResumeInjection:
		if _, err := d.arb.ResumeInjection(id); err != nil {
			d.notifyErr(wc, err)
			return
		}
		wc.Notify(EvtInjection, map[string]interface{}{"action": "resume"})

	case CmdSeekInjection:
		if cmd.Time == nil || *cmd.Time < 0 {
			wc.Notify(EvtError, map[string]interface{}{"message": "seek requires a non-negative time"})
			return
		}
		if _, err := d.arb.SeekInjection(id, *cmd.Time); err != nil {
			d.notifyErr(wc, err)
			return
		}
		wc.Notify(EvtInjection, map[string]interface{}{"action": "seek", "time": *cmd.Time})

	case CmdSkipInjection:
		if _, err := d.arb.SkipInjection(id, cmd.Seconds); err != nil {
			d.notifyErr(wc, err)
			return
		}
		wc.Notify(EvtInjection, map[string]interface{}{"action": "skip", "seconds": cmd.Seconds})

	case CmdPing:
		wc.Notify(EvtPong, map[string]interface{}{})

	case CmdConfigureLatency:
		if cmd.Mode != "ultra-low" && cmd.Mode != "stable" {
			wc.Notify(EvtError, map[string]interface{}{"message": "latency mode must be ultra-low or stable"})
			return
		}
		d.enc.SetLatencyMode(cmd.Mode)
		wc.Notify(EvtLatencyMode, map[string]interface{}{"mode": cmd.Mode})

	default:
		wc.Notify(EvtError, map[string]interface{}{"message": "Unknown command: " + cmd.Type})
	}
}

func (d *Dispatcher) handleStart(wc *wsConn, id session.Identity, cmd Command) {
	if !canBroadcast(id.Role) {
		wc.Notify(EvtError, map[string]interface{}{"message": "Your role is not authorized to broadcast"})
		return
	}

	res, err := d.arb.StartStream(id, wc, session.StartRequest{
		Title:         cmd.Title,
		PresenterName: cmd.PresenterName,
		Audio: encoder.AudioConfig{
			SampleRate: cmd.SampleRate,
			Channels:   cmd.Channels,
			Bitrate:    cmd.Bitrate,
		},
	})
	if err != nil {
		var occupied session.ErrOccupied
		if errors.As(err, &occupied) {
			wc.Notify(EvtError, map[string]interface{}{
				"message": "Broadcast slot is taken by " + occupied.PresenterName,
			})
			return
		}
		wc.Notify(EvtStreamError, map[string]interface{}{
			"message": "Failed to start stream",
			"error":   err.Error(),
		})
		return
	}

	// Route subsequent encoder lifecycle events to this connection
	d.enc.SetNotifier(func(event, message string) {
		switch event {
		case encoder.EventStarted, encoder.EventRestarted:
			wc.Notify(EvtIcecastConnected, map[string]interface{}{"message": message})
		case encoder.EventError, encoder.EventFatal:
			wc.Notify(EvtStreamError, map[string]interface{}{"message": message})
		}
	})

	if res.Outcome == session.OutcomeRecovered {
		wc.Notify(EvtSessionRecovered, map[string]interface{}{
			"message":   "Session recovered" + mutedSuffix(res.State.IsMuted),
			"isMuted":   res.State.IsMuted,
			"startedAt": res.State.StartedAt,
		})
		return
	}

	wc.Notify(EvtStreamStarted, map[string]interface{}{
		"config": map[string]interface{}{
			"title":         cmd.Title,
			"presenterName": cmd.PresenterName,
			"sampleRate":    cmd.SampleRate,
			"channels":      cmd.Channels,
			"bitrate":       cmd.Bitrate,
		},
		"sessionId": res.SessionID,
		"startedAt": res.State.StartedAt,
	})
	wc.Notify(EvtIcecastConnected, map[string]interface{}{"message": "Encoder connected to relay"})
}

func mutedSuffix(muted bool) string {
	if muted {
		return ", broadcast is still muted"
	}
	return ""
}

func (d *Dispatcher) notifyErr(wc *wsConn, err error) {
	switch {
	case errors.Is(err, session.ErrNoSession):
		wc.Notify(EvtError, map[string]interface{}{"message": "No active broadcast session"})
	case errors.Is(err, session.ErrNotOwner):
		wc.Notify(EvtError, map[string]interface{}{"message": "Permission denied: not the session owner"})
	case errors.Is(err, session.ErrNoInjection):
		wc.Notify(EvtError, map[string]interface{}{"message": "No audio injection in progress"})
	default:
		wc.Notify(EvtError, map[string]interface{}{"message": err.Error()})
	}
}
