package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/corvid/pkg/models"
)

// MemoryStore is an in-memory Store with the same semantics as the SQLite
// implementation. Intended for tests and ephemeral deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	turns    map[string][]*models.Turn
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		turns:    make(map[string][]*models.Turn),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	session.UpdatedAt = time.Now().UTC()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.turns, id)
	return nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, turn *models.Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	turn.SessionID = sessionID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	turn.Seq = int64(len(s.turns[sessionID]) + 1)
	cp := *turn
	s.turns[sessionID] = append(s.turns[sessionID], &cp)
	if sess, ok := s.sessions[sessionID]; ok {
		sess.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) LoadSession(_ context.Context, sessionID string, limit int) ([]*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.turns[sessionID]
	start := 0
	if limit > 0 && len(log) > limit {
		start = len(log) - limit
	}
	out := make([]*models.Turn, 0, len(log)-start)
	for _, t := range log[start:] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, filter ListFilter) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, sess := range s.sessions {
		if filter.Channel != "" && sess.Channel != filter.Channel {
			continue
		}
		if filter.UserID != "" && sess.UserID != filter.UserID {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SearchMessages(_ context.Context, query string, opts SearchOptions) ([]*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var out []*models.Turn
	for sessionID, log := range s.turns {
		if opts.SessionID != "" && sessionID != opts.SessionID {
			continue
		}
		for _, t := range log {
			if opts.Channel != "" && t.Channel != opts.Channel {
				continue
			}
			if strings.Contains(t.Content, query) {
				cp := *t
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
