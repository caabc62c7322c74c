package models

import "time"

// BroadcastState is the live status of the station.
// There is ONE row in this table (ID=1). The gateway process treats this row
// as the source of truth: the in-memory session is only a cache of it, which
// is what lets a restarted gateway pick a live broadcast back up.
type BroadcastState struct {
	ID            uint       `gorm:"primaryKey" json:"-"`
	IsLive        bool       `json:"is_live"`
	IsMuted       bool       `json:"is_muted"`
	MutedAt       *time.Time `json:"muted_at"`
	IsMonitoring  bool       `json:"is_monitoring"`
	Title         string     `json:"title"`
	PresenterID   string     `json:"presenter_id"`
	PresenterName string     `json:"presenter_name"`
	StartedAt     *time.Time `json:"started_at"` // Set once per broadcast; survives mute + reconnect

	// Injected audio file playing into the live mix (independent of IsLive)
	InjectedFileID    string     `json:"injected_file_id"`
	InjectedFileTitle string     `json:"injected_file_title"`
	InjectedDuration  float64    `json:"injected_duration_seconds"`
	InjectedStartedAt *time.Time `json:"injected_started_at"`
	InjectedOffset    float64    `json:"injected_offset_seconds"` // Accumulated position for pause/seek/skip
	InjectedPaused    bool       `json:"injected_paused"`

	LastActivityAt time.Time `json:"last_activity_at"` // Bumped on every mutation; stale-record detection
}

// TableName overrides the default pluralization
func (BroadcastState) TableName() string {
	return "broadcast_state"
}
