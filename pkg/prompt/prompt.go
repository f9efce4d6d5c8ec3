// Package prompt defines the gateway contract between the agent and the
// on-screen renderer. The agent never draws UI itself; it sends a bounded
// request and receives a discrete outcome.
package prompt

import (
	"context"
	"errors"
	"time"
)

// Outcome is the renderer's answer for one modal prompt.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeInstall
	OutcomeDefer
	// OutcomeTimedOut means the modal expired unanswered; callers treat it
	// as a deferral.
	OutcomeTimedOut
	// OutcomeDismissed means the modal was torn down by logout or renderer
	// failure; fatal for the invocation.
	OutcomeDismissed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInstall:
		return "install"
	case OutcomeDefer:
		return "defer"
	case OutcomeTimedOut:
		return "timeout"
	case OutcomeDismissed:
		return "dismissed"
	default:
		return "unknown"
	}
}

// Request describes one modal: two buttons and a timeout.
type Request struct {
	Title        string
	Body         string
	InstallLabel string
	DeferLabel   string
	LogoPath     string
	Timeout      time.Duration
}

// Response carries the outcome plus the wall-clock time the renderer
// observed between display and answer.
type Response struct {
	Outcome Outcome
	Elapsed time.Duration
}

var (
	// ErrUnrecognizedOutcome marks a malformed or unknown renderer answer.
	ErrUnrecognizedOutcome = errors.New("prompt: unrecognized renderer outcome")
	// ErrImplausibleResponse marks an answer returned too fast to be a
	// human decision; treated as a renderer failure.
	ErrImplausibleResponse = errors.New("prompt: response faster than a human could answer")
	// ErrDismissed marks a prompt lost to logout or renderer error.
	ErrDismissed = errors.New("prompt: dismissed by logout or renderer error")
)

// Gateway renders prompts and persistent indicators. Implementations block
// in Show for up to the request timeout.
type Gateway interface {
	Show(ctx context.Context, req Request) (Response, error)
	// ShowIndicator displays a persistent, non-dismissible status line.
	ShowIndicator(ctx context.Context, text string) error
	ClearIndicator(ctx context.Context) error
	// Notify posts a transient informational notice.
	Notify(ctx context.Context, text string) error
}
