package models

import "time"

type ConversionStatus string

const (
	ConversionPending    ConversionStatus = "pending"
	ConversionProcessing ConversionStatus = "processing"
	ConversionReady      ConversionStatus = "ready"
	ConversionFailed     ConversionStatus = "failed"
)

// AudioRecording is a stored recording (voice memo, lecture upload).
// The gateway only owns the conversion-related columns; the upload path that
// creates these rows lives outside this service.
type AudioRecording struct {
	ID                 string           `gorm:"primaryKey" json:"id"`
	Title              string           `json:"title"`
	Format             string           `json:"format"` // Source container: amr, 3gp, m4a...
	OriginalStorageKey string           `json:"original_storage_key"`
	PlaybackStorageKey string           `json:"playback_storage_key"`
	PlaybackURL        string           `json:"playback_url"`
	ConversionStatus   ConversionStatus `gorm:"default:pending" json:"conversion_status"`
	ConversionAttempts int              `json:"conversion_attempts"`
	ConversionError    string           `json:"conversion_error"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

func (AudioRecording) TableName() string {
	return "audio_recordings"
}
