// Package swarm fans a decomposable task out to role-specialized transient
// workers coordinating through a shared append-only mailbox.
package swarm

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is one immutable mailbox record. Entries are never rewritten.
type Entry struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// Mailbox is the swarm's shared transcript: single-writer-per-worker,
// many-reader, destroyed with the swarm. Entries within a wave carry
// wall-clock timestamps but workers must not depend on peer ordering.
type Mailbox struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Post appends one entry authored by role.
func (m *Mailbox) Post(role, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

// Entries returns a snapshot copy of the log.
func (m *Mailbox) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}

// Len returns the number of entries.
func (m *Mailbox) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Transcript renders the log for inclusion in a worker's system prompt.
func (m *Mailbox) Transcript() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, e := range m.entries {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", e.Timestamp.Format(time.RFC3339), e.Role, e.Text)
	}
	return sb.String()
}
