package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g960059/glasscloud/internal/model"
)

// Manager indexes live sessions by id and by user. Each user has at most
// one live session; reconnecting glasses reattach to it.
type Manager struct {
	deps Deps
	log  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]string
}

func NewManager(deps Deps) *Manager {
	deps = deps.withDefaults()
	return &Manager{
		deps:     deps,
		log:      deps.Logger.With().Str("component", "sessions").Logger(),
		sessions: map[string]*Session{},
		byUser:   map[string]string{},
	}
}

// Connect attaches glasses for userID, creating a session when the user has
// none. A new session restores the user's persisted running apps.
func (m *Manager) Connect(ctx context.Context, userID string, glasses Conn) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id required: %w", model.ErrInvalidRequest)
	}
	for {
		s, created := m.getOrCreate(userID)
		if err := s.AttachGlasses(glasses); err != nil {
			if created || !errors.Is(err, model.ErrSessionEnded) {
				return nil, err
			}
			continue
		}
		if created {
			m.restore(ctx, s)
		}
		return s, nil
	}
}

func (m *Manager) getOrCreate(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byUser[userID]; ok {
		if s := m.sessions[id]; s != nil && !s.Ended() {
			return s, false
		}
	}
	s := newSession(uuid.NewString(), userID, m.deps, m.remove)
	m.sessions[s.id] = s
	m.byUser[userID] = s.id
	m.deps.Metrics.SessionOpened()
	m.log.Info().Str("session_id", s.id).Str("user_id", userID).Msg("session created")
	return s, true
}

func (m *Manager) restore(ctx context.Context, s *Session) {
	store := m.deps.UserState
	if store == nil {
		return
	}
	apps, err := store.RunningApps(ctx, s.userID)
	if err != nil {
		m.log.Error().Err(err).Str("user_id", s.userID).Msg("load running apps")
		return
	}
	for _, pkg := range apps {
		err := s.StartApp(ctx, pkg)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrUnknownApp):
			m.log.Warn().Str("package", pkg).Msg("dropping unknown app from running set")
			if err := store.RemoveRunningApp(ctx, s.userID, pkg); err != nil {
				m.log.Error().Err(err).Str("package", pkg).Msg("persist running apps")
			}
		default:
			m.log.Warn().Err(err).Str("package", pkg).Msg("restore app")
		}
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
		m.deps.Metrics.SessionClosed()
	}
	if m.byUser[s.userID] == s.id {
		delete(m.byUser, s.userID)
	}
	m.mu.Unlock()
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, model.ErrSessionNotFound)
	}
	return s, nil
}

func (m *Manager) GlassesDisconnected(sessionID string, conn Conn) {
	s, err := m.Get(sessionID)
	if err != nil {
		return
	}
	s.GlassesDisconnected(conn)
}

func (m *Manager) EndSession(sessionID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	s.End(model.StopSystem)
	return nil
}

func (m *Manager) List() []model.SessionSnapshot {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]model.SessionSnapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SessionsWithActiveApp lists sessions where pkg is in the running set,
// whatever the state of its Connection.
func (m *Manager) SessionsWithActiveApp(pkg string) []string {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	var ids []string
	for _, s := range list {
		if s.HasActiveApp(pkg) {
			ids = append(ids, s.id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) RecoverApp(ctx context.Context, sessionID, pkg string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return s.RecoverApp(ctx, pkg)
}

// Shutdown ends every session. Persisted running apps are kept.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()
	for _, s := range list {
		s.End(model.StopSystem)
	}
	m.log.Info().Int("sessions", len(list)).Msg("session manager stopped")
}
