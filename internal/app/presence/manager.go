// Package presence tracks who is connected, from which device, and how they appear to others.
package presence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type deviceKey struct {
	identity domain.UserID
	device   domain.DeviceID
}

type sessionEntry struct {
	session domain.Session
	cancel  context.CancelFunc
}

type Manager struct {
	now func() time.Time

	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionEntry
	byDevice map[deviceKey]domain.SessionID
}

// NewManager builds a manager reading time from now; nil means time.Now.
func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		now:      now,
		sessions: make(map[domain.SessionID]*sessionEntry),
		byDevice: make(map[deviceKey]domain.SessionID),
	}
}

// OpenSession starts a session for identity on device. A session already open for the
// same pair is replaced and returned so the caller can drop its connection.
func (m *Manager) OpenSession(identity domain.UserID, device domain.DeviceID) (domain.Session, *domain.Session, error) {
	if !domain.ValidUserID(identity) {
		return domain.Session{}, nil, fmt.Errorf("%w: invalid identity", domain.ErrValidation)
	}
	now := m.now()
	s := domain.Session{
		ID:           domain.SessionID(uuid.NewString()),
		Identity:     identity,
		Device:       device,
		Status:       domain.StatusOnline,
		ConnectedAt:  now,
		LastActivity: now,
	}
	key := deviceKey{identity, device}

	m.mu.Lock()
	var replaced *domain.Session
	if old, ok := m.byDevice[key]; ok {
		if e, ok := m.sessions[old]; ok {
			prev := e.session
			replaced = &prev
			delete(m.sessions, old)
		}
	}
	m.sessions[s.ID] = &sessionEntry{session: s}
	m.byDevice[key] = s.ID
	m.mu.Unlock()

	log.Info().Str("module", "presence").Str("sid", string(s.ID)).Str("identity", string(identity)).Str("device", string(device)).Bool("replaced", replaced != nil).Msg("session opened")
	return s, replaced, nil
}

// BindCancel attaches the function that tears down the session's connection.
func (m *Manager) BindCancel(sid domain.SessionID, cancel context.CancelFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sid]
	if !ok {
		return false
	}
	e.cancel = cancel
	return true
}

// Touch records activity on the session.
func (m *Manager) Touch(sid domain.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sid]
	if !ok {
		return domain.ErrSessionNotFound
	}
	e.session.LastActivity = m.now()
	return nil
}

func (m *Manager) SetStatus(sid domain.SessionID, status domain.Status) (domain.Session, error) {
	if !status.Valid() {
		return domain.Session{}, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sid]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	e.session.Status = status
	e.session.LastActivity = m.now()
	return e.session, nil
}

func (m *Manager) CloseSession(sid domain.SessionID) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sid]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	m.remove(e)
	log.Info().Str("module", "presence").Str("sid", string(sid)).Msg("session closed")
	return e.session, nil
}

// remove expects m.mu held.
func (m *Manager) remove(e *sessionEntry) {
	delete(m.sessions, e.session.ID)
	key := deviceKey{e.session.Identity, e.session.Device}
	if m.byDevice[key] == e.session.ID {
		delete(m.byDevice, key)
	}
}

func (m *Manager) Get(sid domain.SessionID) (domain.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sid]
	if !ok {
		return domain.Session{}, false
	}
	return e.session, true
}

// SessionsOf lists the identity's sessions, oldest first.
func (m *Manager) SessionsOf(identity domain.UserID) []domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Session
	for _, e := range m.sessions {
		if e.session.Identity == identity {
			out = append(out, e.session)
		}
	}
	slices.SortFunc(out, func(a, b domain.Session) int { return a.ConnectedAt.Compare(b.ConnectedAt) })
	return out
}

// VisibleStatus is the status others see for identity: the most present status over
// its sessions, offline when it has none or hides.
func (m *Manager) VisibleStatus(identity domain.UserID) domain.Status {
	best := domain.StatusOffline
	for _, s := range m.SessionsOf(identity) {
		if rank(s.Status.Visible()) > rank(best) {
			best = s.Status.Visible()
		}
	}
	return best
}

func rank(s domain.Status) int {
	switch s {
	case domain.StatusOnline:
		return 3
	case domain.StatusDND:
		return 2
	case domain.StatusIdle:
		return 1
	}
	return 0
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SweepExpired removes sessions idle for longer than threshold and cancels their
// connections. Sessions idle for exactly threshold survive.
func (m *Manager) SweepExpired(threshold time.Duration) []domain.Session {
	now := m.now()
	var (
		expired []domain.Session
		cancels []context.CancelFunc
	)
	m.mu.Lock()
	for _, e := range m.sessions {
		if now.Sub(e.session.LastActivity) > threshold {
			expired = append(expired, e.session)
			if e.cancel != nil {
				cancels = append(cancels, e.cancel)
			}
			m.remove(e)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(expired) > 0 {
		log.Info().Str("module", "presence").Int("expired", len(expired)).Dur("threshold", threshold).Msg("swept idle sessions")
	}
	return expired
}

// CloseAll drops every session, cancelling bound connections. Used on shutdown.
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	clear(m.sessions)
	clear(m.byDevice)
	m.mu.Unlock()

	for _, e := range entries {
		if e.cancel != nil {
			e.cancel()
		}
	}
	return len(entries)
}
