package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corvid-labs/corvid/internal/bus"
	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/hooks"
	"github.com/corvid-labs/corvid/internal/store"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Sender delivers an outbound message on a channel. Adapters register one
// per channel; the core invokes it after each non-empty response.
type Sender func(ctx context.Context, conversationID, text string) error

// Manager owns the session-id → actor registry and the adapter-facing
// Deliver contract. Session ids are derived here; adapters never construct
// them.
type Manager struct {
	deps Deps
	cfg  config.SessionConfig

	mu      sync.Mutex
	actors  map[string]*Actor
	senders map[models.ChannelType]Sender

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewManager creates the session manager and starts its idle reaper.
func NewManager(deps Deps, cfg config.SessionConfig) *Manager {
	deps.fill()
	m := &Manager{
		deps:       deps,
		cfg:        cfg,
		actors:     make(map[string]*Actor),
		senders:    make(map[models.ChannelType]Sender),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go m.reap()
	return m
}

// RegisterSender installs the outbound callback for a channel.
func (m *Manager) RegisterSender(channel models.ChannelType, send Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[channel] = send
}

// Deliver is the inbound contract for channel adapters. It derives the
// session id, routes the message to the owning actor, and pushes the
// response out through the channel's sender if one is registered.
func (m *Manager) Deliver(ctx context.Context, channel models.ChannelType, userID, conversationID, text string, opts Options) (*Response, error) {
	actor, err := m.actorFor(ctx, channel, userID, conversationID)
	if err != nil {
		return nil, err
	}

	resp, err := actor.Process(ctx, text, opts)
	if err != nil {
		return nil, err
	}

	if resp.Text != "" {
		m.mu.Lock()
		send := m.senders[channel]
		m.mu.Unlock()
		if send != nil {
			if sendErr := send(ctx, conversationID, resp.Text); sendErr != nil {
				m.deps.Logger.Warn("outbound send failed",
					"channel", channel, "conversation", conversationID, "error", sendErr)
			}
		}
	}
	return resp, nil
}

// Cancel aborts the in-flight work of a session, if any.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	actor := m.actors[sessionID]
	m.mu.Unlock()
	if actor == nil {
		return false
	}
	actor.Cancel()
	return true
}

// EndSession stops a session's actor and emits session_end. The stored log
// is untouched; a later Deliver resumes it with a fresh actor.
func (m *Manager) EndSession(sessionID string) bool {
	m.mu.Lock()
	actor := m.actors[sessionID]
	delete(m.actors, sessionID)
	m.mu.Unlock()
	if actor == nil {
		return false
	}
	m.endActor(actor)
	return true
}

// ActiveSessions returns the number of live actors.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// Close stops the reaper and all actors.
func (m *Manager) Close() {
	close(m.stopReaper)
	<-m.reaperDone

	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[string]*Actor)
	m.mu.Unlock()

	for _, a := range actors {
		m.endActor(a)
	}
}

// actorFor returns the live actor for the triple, resuming or creating the
// session as needed.
func (m *Manager) actorFor(ctx context.Context, channel models.ChannelType, userID, conversationID string) (*Actor, error) {
	id := models.SessionKey(channel, conversationID, userID)

	m.mu.Lock()
	if actor, ok := m.actors[id]; ok {
		m.mu.Unlock()
		return actor, nil
	}
	m.mu.Unlock()

	session, err := m.deps.Store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		session = &models.Session{
			ID:             id,
			Channel:        channel,
			UserID:         userID,
			ConversationID: conversationID,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		if err := m.deps.Store.CreateSession(ctx, session); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	stored, err := m.deps.Store.LoadSession(ctx, id, m.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]models.Turn, 0, len(stored))
	for _, t := range stored {
		history = append(history, *t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if actor, ok := m.actors[id]; ok {
		return actor, nil
	}
	actor := newActor(m.deps, session, history)
	m.actors[id] = actor
	return actor, nil
}

// reap shuts down actors idle past the configured timeout.
func (m *Manager) reap() {
	defer close(m.reaperDone)
	interval := m.cfg.IdleTimeout / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.IdleTimeout)
			m.mu.Lock()
			var idle []*Actor
			for id, a := range m.actors {
				if a.idleSince().Before(cutoff) {
					idle = append(idle, a)
					delete(m.actors, id)
				}
			}
			m.mu.Unlock()
			for _, a := range idle {
				m.endActor(a)
			}
		case <-m.stopReaper:
			return
		}
	}
}

func (m *Manager) endActor(a *Actor) {
	a.shutdown()
	m.deps.Events.Emit(bus.KindSessionEnd, bus.SessionLifecyclePayload{
		SessionID: a.session.ID,
		Channel:   a.session.Channel,
		UserID:    a.session.UserID,
	})
	m.deps.Hooks.RunAsync(context.Background(), hooks.EventSessionEnd, hooks.Payload{
		"session_id": a.session.ID,
	})
}
