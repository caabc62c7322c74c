package session

import (
	"fmt"
	"time"

	"minbar-cast/internal/models"
)

// Injection: playing a pre-recorded file into the live mix. Position is
// tracked as accumulated offset + wall clock since the last resume, so
// pause/seek/skip survive without a playback clock of their own.

var ErrNoInjection = fmt.Errorf("no audio injection in progress")

func injectedPosition(st *models.BroadcastState) float64 {
	if st.InjectedFileID == "" {
		return 0
	}
	if st.InjectedPaused || st.InjectedStartedAt == nil {
		return st.InjectedOffset
	}
	return st.InjectedOffset + time.Since(*st.InjectedStartedAt).Seconds()
}

func (a *Arbiter) InjectAudio(id Identity, fileID, title string, durationSeconds float64) (*models.BroadcastState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireOwner(id); err != nil {
		return nil, err
	}
	return a.state.Mutate(func(st *models.BroadcastState) {
		now := time.Now()
		st.InjectedFileID = fileID
		st.InjectedFileTitle = title
		st.InjectedDuration = durationSeconds
		st.InjectedStartedAt = &now
		st.InjectedOffset = 0
		st.InjectedPaused = false
	})
}

func (a *Arbiter) StopInjection(id Identity) (*models.BroadcastState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireOwner(id); err != nil {
		return nil, err
	}
	return a.state.Mutate(func(st *models.BroadcastState) {
		st.InjectedFileID = ""
		st.InjectedFileTitle = ""
		st.InjectedDuration = 0
		st.InjectedStartedAt = nil
		st.InjectedOffset = 0
		st.InjectedPaused = false
	})
}

func (a *Arbiter) PauseInjection(id Identity) (*models.BroadcastState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireOwner(id); err != nil {
		return nil, err
	}
	return a.mutateInjectionLocked(func(st *models.BroadcastState) {
		st.InjectedOffset = injectedPosition(st)
		st.InjectedPaused = true
	})
}

func (a *Arbiter) ResumeInjection(id Identity) (*models.BroadcastState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireOwner(id); err != nil {
		return nil, err
	}
	return a.mutateInjectionLocked(func(st *models.BroadcastState) {
		now := time.Now()
		st.InjectedStartedAt = &now
		st.InjectedPaused = false
	})
}

func (a *Arbiter) SeekInjection(id Identity, seconds float64) (*models.BroadcastState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireOwner(id); err != nil {
		return nil, err
	}
	return a.mutateInjectionLocked(func(st *models.BroadcastState) {
		now := time.Now()
		st.InjectedOffset = seconds
		st.InjectedStartedAt = &now
	})
}

func (a *Arbiter) SkipInjection(id Identity, seconds float64) (*models.BroadcastState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireOwner(id); err != nil {
		return nil, err
	}
	return a.mutateInjectionLocked(func(st *models.BroadcastState) {
		now := time.Now()
		pos := injectedPosition(st) + seconds
		if pos < 0 {
			pos = 0
		}
		st.InjectedOffset = pos
		st.InjectedStartedAt = &now
	})
}

// InjectedPosition reports the current playback position in seconds.
func (a *Arbiter) InjectedPosition() (float64, error) {
	st, err := a.state.Get()
	if err != nil {
		return 0, err
	}
	if st.InjectedFileID == "" {
		return 0, ErrNoInjection
	}
	return injectedPosition(st), nil
}

func (a *Arbiter) mutateInjectionLocked(fn func(*models.BroadcastState)) (*models.BroadcastState, error) {
	st, err := a.state.Get()
	if err != nil {
		return nil, err
	}
	if st.InjectedFileID == "" {
		return nil, ErrNoInjection
	}
	return a.state.Mutate(fn)
}
