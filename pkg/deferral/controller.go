// Package deferral implements the decision core of the agent. The process is
// invoked anew by an external scheduler, so each Run advances the cycle by at
// most one transition: every decision is a function of the persisted record,
// the live inventory probe, and the current time, never of in-memory history.
package deferral

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/compel/pkg/config"
	"github.com/haasonsaas/compel/pkg/inventory"
	"github.com/haasonsaas/compel/pkg/message"
	"github.com/haasonsaas/compel/pkg/prompt"
	"github.com/haasonsaas/compel/pkg/store"
)

// State is the classification of one invocation.
type State int

const (
	// StateNoUpdates means nothing mandatory is pending; the cycle (if any)
	// concludes and the agent tears itself down.
	StateNoUpdates State = iota
	// StateSuppressed means a prior deferral grant is still in effect; the
	// invocation is a no-op, which is what makes frequent scheduling safe.
	StateSuppressed
	// StateAwaitingDecision means the prompt must be shown.
	StateAwaitingDecision
	// StateDeadlineReached hands off to the enforcement executor with no
	// further prompting.
	StateDeadlineReached
)

func (s State) String() string {
	switch s {
	case StateNoUpdates:
		return "no-updates"
	case StateSuppressed:
		return "suppressed"
	case StateAwaitingDecision:
		return "awaiting-decision"
	case StateDeadlineReached:
		return "deadline-reached"
	default:
		return "invalid"
	}
}

// Enforcer is the slice of the enforcement executor the controller drives.
type Enforcer interface {
	ManualMode() bool
	Apply(ctx context.Context, snap inventory.Snapshot) error
	EnforceDeadline(ctx context.Context, snap inventory.Snapshot) error
	Teardown(ctx context.Context, refreshInventory bool) error
}

type Controller struct {
	cfg      *config.Config
	store    *store.Store
	probe    inventory.Probe
	gateway  prompt.Gateway
	enforcer Enforcer

	// now is injected so transitions are testable at fixed instants.
	now func() time.Time
	// owner identifies this invocation as an enforcement lease holder.
	owner string
}

func NewController(cfg *config.Config, st *store.Store, probe inventory.Probe, gw prompt.Gateway, enf Enforcer) *Controller {
	return &Controller{
		cfg:      cfg,
		store:    st,
		probe:    probe,
		gateway:  gw,
		enforcer: enf,
		now:      time.Now,
		owner:    xid.New().String(),
	}
}

// Run performs one controller pass and returns the state it classified.
func (c *Controller) Run(ctx context.Context) (State, error) {
	// The pending check happens on every invocation, not only the first:
	// updates may be resolved out-of-band or reappear between runs.
	snap, err := c.probe.List(ctx)
	if err != nil {
		return StateNoUpdates, fmt.Errorf("inventory probe: %w", err)
	}
	if !snap.Pending() {
		log.Info().Msg("No mandatory updates pending")
		return StateNoUpdates, c.enforcer.Teardown(ctx, true)
	}

	now := c.now()
	rec, err := c.store.Load()
	if err != nil {
		return StateNoUpdates, fmt.Errorf("load deferral record: %w", err)
	}

	// Capture the update description once per cycle so messaging stays
	// stable even if the catalog changes mid-cycle.
	if rec.UpdateList == "" {
		rec.UpdateList = snap.Description()
		if err := c.store.SetUpdateList(rec.UpdateList); err != nil {
			return StateNoUpdates, fmt.Errorf("cache update list: %w", err)
		}
	}

	deadline, err := c.refreshDeadline(rec, now)
	if err != nil {
		return StateNoUpdates, err
	}

	remaining := deadline.Sub(now)
	if c.cfg.Deferral.SkipDeferral {
		remaining = 0
	}

	scope := snap.Scope()
	log.Info().
		Stringer("scope", scope).
		Time("deadline", deadline).
		Dur("remaining", remaining).
		Msg("Enforcement cycle evaluated")

	// skip_deferral overrides an active grant: flipping it mid-cycle must
	// enforce on the next pass, not after the grant runs out.
	if deferredUntil := rec.UpdatesDeferredUntil; !c.cfg.Deferral.SkipDeferral && deferredUntil != 0 &&
		now.Unix() < deferredUntil && deferredUntil < deadline.Unix() {
		log.Info().Time("until", time.Unix(deferredUntil, 0)).Msg("Deferral in effect, exiting")
		return StateSuppressed, nil
	}

	if remaining > 0 {
		return StateAwaitingDecision, c.runPrompt(ctx, snap, rec, now, deadline, remaining)
	}
	return StateDeadlineReached, c.runEnforcement(ctx, snap)
}

// refreshDeadline sets or pulls in the enforcement deadline. A deadline is
// never pushed later within a cycle, but a shortened maximum window on a
// later invocation pulls it in.
func (c *Controller) refreshDeadline(rec *store.DeferralRecord, now time.Time) (time.Time, error) {
	candidate := shiftOutOfWorkday(now.Add(c.cfg.MaxDeferralWindow()), c.cfg.Workday)
	if rec.UpdatesForcedAfter != 0 && rec.UpdatesForcedAfter <= candidate.Unix() {
		return time.Unix(rec.UpdatesForcedAfter, 0), nil
	}
	if err := c.store.SetDeadline(candidate.Unix()); err != nil {
		return time.Time{}, fmt.Errorf("persist deadline: %w", err)
	}
	rec.UpdatesForcedAfter = candidate.Unix()
	log.Info().Time("deadline", candidate).Msg("Enforcement deadline set")
	return candidate, nil
}

// shiftOutOfWorkday moves a deadline that lands inside the configured
// working hours forward to the workday end on the same day.
func shiftOutOfWorkday(t time.Time, w config.WorkdayConfig) time.Time {
	if !w.Enabled() {
		return t
	}
	local := t.Local()
	h := local.Hour()
	if h < w.StartHour || h >= w.EndHour {
		return t
	}
	return time.Date(local.Year(), local.Month(), local.Day(), w.EndHour, 0, 0, 0, local.Location())
}

func (c *Controller) runPrompt(ctx context.Context, snap inventory.Snapshot, rec *store.DeferralRecord, now, deadline time.Time, remaining time.Duration) error {
	acquired, err := c.store.AcquireLease(c.owner, time.Duration(c.cfg.State.LeaseTTLS)*time.Second, now)
	if err != nil {
		return fmt.Errorf("acquire enforcement lease: %w", err)
	}
	if !acquired {
		log.Info().Msg("Another invocation holds the enforcement lease, exiting")
		return nil
	}
	defer func() {
		if err := c.store.ReleaseLease(c.owner); err != nil {
			log.Warn().Err(err).Msg("Releasing enforcement lease failed")
		}
	}()

	mayDefer := c.cfg.DeferralPeriod() < remaining
	body, err := message.Render(message.DefaultBody, message.PromptData{
		UpdateList:      rec.UpdateList,
		Remaining:       message.RemainingPhrase(remaining),
		Deadline:        message.FormatDeadline(deadline),
		SupportContact:  c.cfg.Prompt.SupportContact,
		RestartRequired: snap.Scope() == inventory.ScopeAll,
		MayDefer:        mayDefer,
	})
	if err != nil {
		return err
	}

	resp, err := c.gateway.Show(ctx, prompt.Request{
		Title:        "Required software updates",
		Body:         body,
		InstallLabel: c.cfg.Prompt.InstallLabel,
		DeferLabel:   c.cfg.Prompt.DeferLabel,
		LogoPath:     c.cfg.Prompt.LogoPath,
		Timeout:      c.cfg.PromptTimeout(),
	})
	if err != nil {
		// Fatal for this invocation; nothing was written, so the next
		// scheduled run re-evaluates from the last good state.
		return fmt.Errorf("prompt gateway: %w", err)
	}

	switch resp.Outcome {
	case prompt.OutcomeInstall:
		if err := c.store.ClearDeferredUntil(); err != nil {
			return err
		}
		if c.enforcer.ManualMode() {
			// Fallback grant: if the user never actually applies updates
			// through the platform UI, the cycle still re-prompts and
			// enforces on schedule.
			if err := c.store.Defer(now.Add(c.cfg.DeferralPeriod()).Unix(), deadline.Unix()); err != nil {
				return err
			}
		}
		log.Info().Msg("User chose to install now")
		return c.enforcer.Apply(ctx, snap)
	case prompt.OutcomeDefer, prompt.OutcomeTimedOut:
		until := now.Add(c.cfg.DeferralPeriod()).Unix()
		if err := c.store.Defer(until, deadline.Unix()); err != nil {
			return err
		}
		log.Info().Stringer("outcome", resp.Outcome).Time("until", time.Unix(until, 0)).Msg("Deferral granted")
		return nil
	default:
		return fmt.Errorf("prompt gateway: %w: %s", prompt.ErrUnrecognizedOutcome, resp.Outcome)
	}
}

func (c *Controller) runEnforcement(ctx context.Context, snap inventory.Snapshot) error {
	acquired, err := c.store.AcquireLease(c.owner, time.Duration(c.cfg.State.LeaseTTLS)*time.Second, c.now())
	if err != nil {
		return fmt.Errorf("acquire enforcement lease: %w", err)
	}
	if !acquired {
		log.Info().Msg("Another invocation holds the enforcement lease, exiting")
		return nil
	}
	defer func() {
		if err := c.store.ReleaseLease(c.owner); err != nil {
			log.Warn().Err(err).Msg("Releasing enforcement lease failed")
		}
	}()

	log.Info().Msg("Deadline reached, enforcing without prompting")
	return c.enforcer.EnforceDeadline(ctx, snap)
}
