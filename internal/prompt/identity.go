package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/corvid-labs/corvid/internal/config"
)

// Identity holds the persistent identity and personality layer. The
// assembled text is published through an atomic pointer so loop actors read
// a consistent snapshot without locking; Reload swaps the snapshot in place.
type Identity struct {
	paths    []string
	snapshot atomic.Pointer[string]
	logger   *slog.Logger
}

// NewIdentity loads the identity files and returns the snapshot holder.
// Missing files are skipped with a warning; an empty path list yields an
// empty identity layer.
func NewIdentity(cfg config.IdentityConfig, logger *slog.Logger) *Identity {
	if logger == nil {
		logger = slog.Default()
	}
	id := &Identity{paths: cfg.Paths, logger: logger.With("component", "identity")}
	if err := id.Reload(); err != nil {
		logger.Warn("identity load failed", "error", err)
		empty := ""
		id.snapshot.Store(&empty)
	}
	return id
}

// Reload re-reads the identity files and atomically publishes the new
// snapshot. In-flight prompt builds keep the snapshot they started with.
func (id *Identity) Reload() error {
	var parts []string
	for _, path := range id.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				id.logger.Warn("identity file missing, skipped", "path", path)
				continue
			}
			return fmt.Errorf("read identity %s: %w", path, err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			parts = append(parts, text)
		}
	}
	joined := strings.Join(parts, "\n\n")
	id.snapshot.Store(&joined)
	return nil
}

// Snapshot returns the current identity text.
func (id *Identity) Snapshot() string {
	if p := id.snapshot.Load(); p != nil {
		return *p
	}
	return ""
}
