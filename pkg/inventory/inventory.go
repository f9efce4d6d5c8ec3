// Package inventory probes the host for pending mandatory updates. The probe
// runs on every agent invocation: updates may be resolved out-of-band or
// reappear between runs, so nothing here is cached.
package inventory

import (
	"context"
	"strings"
)

// Scope classifies a pending update set for enforcement.
type Scope int

const (
	// ScopeRecommended applies recommended-only updates; no restart clauses
	// in messaging.
	ScopeRecommended Scope = iota
	// ScopeAll applies every pending update because at least one requires a
	// restart.
	ScopeAll
)

func (s Scope) String() string {
	if s == ScopeAll {
		return "all"
	}
	return "recommended"
}

type Update struct {
	Label           string
	Mandatory       bool
	RestartRequired bool
	ShutdownOnly    bool
}

// Snapshot is one probe result. It is recomputed per invocation; the cached
// UpdateList string in the store is what keeps messaging stable mid-cycle.
type Snapshot struct {
	Updates []Update
}

// Pending reports whether any mandatory update is outstanding.
func (s Snapshot) Pending() bool {
	for _, u := range s.Updates {
		if u.Mandatory {
			return true
		}
	}
	return false
}

// Scope returns ScopeAll when any pending mandatory update needs a restart.
// A reclassification mid-cycle changes scope but never the deadline.
func (s Snapshot) Scope() Scope {
	for _, u := range s.Updates {
		if u.Mandatory && u.RestartRequired {
			return ScopeAll
		}
	}
	return ScopeRecommended
}

// ShutdownOnly reports whether completing the set requires a halt rather
// than a restart.
func (s Snapshot) ShutdownOnly() bool {
	for _, u := range s.Updates {
		if u.Mandatory && u.ShutdownOnly {
			return true
		}
	}
	return false
}

// Description renders the mandatory update labels for prompt messaging.
func (s Snapshot) Description() string {
	var labels []string
	for _, u := range s.Updates {
		if u.Mandatory {
			labels = append(labels, u.Label)
		}
	}
	return strings.Join(labels, ", ")
}

// Probe lists pending updates. Implementations shell out to the platform's
// update tooling; tests substitute fixed snapshots.
type Probe interface {
	List(ctx context.Context) (Snapshot, error)
}
