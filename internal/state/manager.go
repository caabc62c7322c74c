package state

import (
	"sync"
	"time"

	"gorm.io/gorm"

	"minbar-cast/internal/models"
)

// Manager serializes every read-modify-write of the singleton BroadcastState
// row. Concurrent mute/unmute (HTTP handler vs websocket command) must not
// interleave partial updates, so all mutations funnel through one mutex.
type Manager struct {
	db *gorm.DB
	mu sync.Mutex
}

func NewManager(db *gorm.DB) *Manager {
	// Ensure the singleton row exists on startup
	db.Where(models.BroadcastState{ID: 1}).
		Attrs(models.BroadcastState{LastActivityAt: time.Now()}).
		FirstOrCreate(&models.BroadcastState{})
	return &Manager{db: db}
}

// Get returns a snapshot of the current broadcast state.
func (m *Manager) Get() (*models.BroadcastState, error) {
	var st models.BroadcastState
	err := m.db.First(&st, 1).Error
	return &st, err
}

// Mutate loads the row, applies fn, bumps LastActivityAt and saves, all under
// the lock. fn sees the freshest durable state and its changes win or fail
// atomically.
func (m *Manager) Mutate(fn func(*models.BroadcastState)) (*models.BroadcastState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st models.BroadcastState
	if err := m.db.First(&st, 1).Error; err != nil {
		return nil, err
	}

	fn(&st)
	st.LastActivityAt = time.Now()

	// Save with Select("*") so false/zero values are persisted too
	if err := m.db.Model(&models.BroadcastState{ID: 1}).Select("*").Updates(&st).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// SetMuted flips the mute flag keeping the IsMuted <=> MutedAt invariant.
func (m *Manager) SetMuted(muted bool) (*models.BroadcastState, error) {
	return m.Mutate(func(st *models.BroadcastState) {
		st.IsMuted = muted
		if muted {
			now := time.Now()
			st.MutedAt = &now
		} else {
			st.MutedAt = nil
		}
	})
}

// MarkLive records the start of a broadcast. StartedAt is set only if not
// already set, so a reconnect never resets the original start time. Empty
// title/name are treated the same way: a reconnect payload without them must
// not blank the record mid-broadcast.
func (m *Manager) MarkLive(title, presenterID, presenterName string) (*models.BroadcastState, error) {
	return m.Mutate(func(st *models.BroadcastState) {
		st.IsLive = true
		if title != "" {
			st.Title = title
		}
		st.PresenterID = presenterID
		if presenterName != "" {
			st.PresenterName = presenterName
		}
		if st.StartedAt == nil {
			now := time.Now()
			st.StartedAt = &now
		}
	})
}

// ResetOffline returns the row to its offline defaults. The row is never
// deleted, only zeroed.
func (m *Manager) ResetOffline() (*models.BroadcastState, error) {
	return m.Mutate(func(st *models.BroadcastState) {
		*st = models.BroadcastState{ID: st.ID}
	})
}
