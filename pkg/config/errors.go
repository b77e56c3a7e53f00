package config

import "strings"

// ValidationError aggregates every reason configuration was rejected. The
// orchestrator surfaces it as exit code 2.
type ValidationError struct {
	Reasons []string
}

// Error returns all reasons joined, one per line.
func (e *ValidationError) Error() string {
	return "invalid configuration:\n  - " + strings.Join(e.Reasons, "\n  - ")
}
