// Package store persists sessions and their append-only turn logs.
package store

import (
	"context"
	"errors"

	"github.com/corvid-labs/corvid/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// ListFilter narrows ListSessions results.
type ListFilter struct {
	Channel models.ChannelType
	UserID  string
	Limit   int
	Offset  int
}

// SearchOptions bounds a message search.
type SearchOptions struct {
	SessionID string
	Channel   models.ChannelType
	Limit     int
}

// Store is the interface for session persistence. Writes to a given session
// are serialized by its owning loop actor; concurrent readers are permitted.
type Store interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error

	// Append adds a turn to a session's log, assigning the next sequence
	// number. Turn order always matches append order.
	Append(ctx context.Context, sessionID string, turn *models.Turn) error

	// LoadSession returns a session's turns in append order. limit <= 0
	// returns the full log.
	LoadSession(ctx context.Context, sessionID string, limit int) ([]*models.Turn, error)

	ListSessions(ctx context.Context, filter ListFilter) ([]*models.Session, error)
	SearchMessages(ctx context.Context, query string, opts SearchOptions) ([]*models.Turn, error)

	Close() error
}
