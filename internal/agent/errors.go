package agent

import "fmt"

// TerminalKind classifies loop outcomes that end processing and surface to
// the caller. Session state is preserved across all of them.
type TerminalKind string

const (
	KindMaxIterations TerminalKind = "max_iterations"
	KindDoomLoop      TerminalKind = "doom_loop"
	KindProviderAuth  TerminalKind = "provider_auth"
	KindStore         TerminalKind = "store"
	KindCancelled     TerminalKind = "cancelled"
)

// TerminalError is a machine-readable terminal outcome with a single-line
// human diagnostic.
type TerminalError struct {
	Kind   TerminalKind
	Detail string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}
