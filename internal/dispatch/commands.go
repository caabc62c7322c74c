package dispatch

// Inbound control command types. The wire format is a JSON object with a
// "type" tag; anything non-textual on the channel is raw PCM audio.
const (
	CmdStartStream      = "start_stream"
	CmdReconnectStream  = "reconnect_stream"
	CmdStopStream       = "stop_stream"
	CmdMute             = "mute_broadcast"
	CmdUnmute           = "unmute_broadcast"
	CmdToggleMonitor    = "toggle_monitor"
	CmdInjectAudio      = "inject_audio"
	CmdStopInjection    = "stop_audio_injection"
	CmdPauseInjection   = "pause_audio_injection"
	CmdResumeInjection  = "resume_audio_injection"
	CmdSeekInjection    = "seek_audio_injection"
	CmdSkipInjection    = "skip_audio_injection"
	CmdPing             = "ping"
	CmdConfigureLatency = "configure_latency"
)

// Outbound notification types.
const (
	EvtReady            = "ready"
	EvtStreamStarted    = "stream_started"
	EvtStreamStopped    = "stream_stopped"
	EvtStreamError      = "stream_error"
	EvtIcecastConnected = "icecast_connected"
	EvtSessionRecovered = "session_recovered"
	EvtError            = "error"
	EvtPong             = "pong"
	EvtMuted            = "broadcast_muted"
	EvtUnmuted          = "broadcast_unmuted"
	EvtMonitorToggled   = "monitor_toggled"
	EvtInjection        = "injection_update"
	EvtLatencyMode      = "latency_mode_set"
)

// Command is the decoded union of every inbound control message. Fields are
// populated per type; the dispatcher switches on Type exhaustively and turns
// unknown tags into an explicit error notification.
type Command struct {
	Type string `json:"type"`

	// start_stream / reconnect_stream
	Title         string `json:"title"`
	PresenterName string `json:"presenterName"`
	SampleRate    int    `json:"sampleRate"`
	Channels      int    `json:"channels"`
	Bitrate       int    `json:"bitrate"`

	// toggle_monitor
	Enabled bool `json:"enabled"`

	// inject_audio
	FileID          string  `json:"fileId"`
	FileName        string  `json:"fileName"`
	DurationSeconds float64 `json:"durationSeconds"`

	// seek / skip
	Time    *float64 `json:"time"`
	Seconds float64  `json:"seconds"`

	// configure_latency
	Mode string `json:"mode"`
}
