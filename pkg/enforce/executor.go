// Package enforce drives the post-decision half of an enforcement cycle:
// applying updates, the manual-mode holding pattern, restart escalation, and
// cycle teardown. Unlike the controller, an executor run may take minutes.
package enforce

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/compel/pkg/config"
	"github.com/haasonsaas/compel/pkg/inventory"
	"github.com/haasonsaas/compel/pkg/message"
	"github.com/haasonsaas/compel/pkg/mgmt"
	"github.com/haasonsaas/compel/pkg/platform"
	"github.com/haasonsaas/compel/pkg/prompt"
	"github.com/haasonsaas/compel/pkg/store"
)

// HostOps is the slice of platform.Host the executor needs; tests fake it.
type HostOps interface {
	CanScriptUpdates() bool
	ApplyUpdates(ctx context.Context, all bool) (platform.ApplyResult, error)
	OpenUpdateUI(ctx context.Context) error
	RequestRestart(ctx context.Context) error
	RequestShutdown(ctx context.Context) error
	ForceRestart(ctx context.Context) error
	ForceShutdown(ctx context.Context) error
	KillUserSessionProcesses(ctx context.Context) error
	Unregister(ctx context.Context, resources []string) error
}

type Executor struct {
	cfg     *config.Config
	store   *store.Store
	probe   inventory.Probe
	gateway prompt.Gateway
	host    HostOps
	mgmt    *mgmt.Client

	// sleep is swapped out in tests; delays here run minutes long.
	sleep func(time.Duration)
	// resources are the agent's own on-disk paths removed at teardown.
	resources []string
}

func New(cfg *config.Config, st *store.Store, probe inventory.Probe, gw prompt.Gateway, host HostOps, mc *mgmt.Client) *Executor {
	return &Executor{
		cfg:       cfg,
		store:     st,
		probe:     probe,
		gateway:   gw,
		host:      host,
		mgmt:      mc,
		sleep:     time.Sleep,
		resources: []string{"/var/lib/compel", "/etc/compel"},
	}
}

// ManualMode reports whether enforcement must go through the user. True when
// configured, and unconditionally on platforms that cannot script updates.
func (e *Executor) ManualMode() bool {
	return e.cfg.Enforce.ManualUpdates || !e.host.CanScriptUpdates()
}

// EnforceDeadline handles a cycle whose deadline has passed: a non-dismissible
// countdown for the configured grace delay, then the same path an install
// click takes. No further prompting happens past this point.
func (e *Executor) EnforceDeadline(ctx context.Context, snap inventory.Snapshot) error {
	delay := time.Duration(e.cfg.Enforce.ApplyDelayS) * time.Second
	if delay > 0 {
		text := fmt.Sprintf("Required updates will install in %s.", message.RemainingPhrase(delay))
		if err := e.gateway.ShowIndicator(ctx, text); err != nil {
			log.Warn().Err(err).Msg("Countdown indicator failed")
		}
		e.sleep(delay)
	}
	return e.Apply(ctx, snap)
}

// Apply runs the enforcement mode chosen by configuration and platform
// capability.
func (e *Executor) Apply(ctx context.Context, snap inventory.Snapshot) error {
	if e.ManualMode() {
		return e.applyManual(ctx)
	}
	return e.applyScripted(ctx, snap)
}

func (e *Executor) applyScripted(ctx context.Context, snap inventory.Snapshot) error {
	scope := snap.Scope()
	log.Info().Stringer("scope", scope).Msg("Applying updates")
	if err := e.gateway.ShowIndicator(ctx, "Installing required updates. Do not power off."); err != nil {
		log.Warn().Err(err).Msg("Status indicator failed")
	}

	res, err := e.host.ApplyUpdates(ctx, scope == inventory.ScopeAll)
	if err != nil {
		// Not fatal: the re-probe below decides whether anything remains,
		// and a later invocation picks the cycle back up.
		log.Error().Err(err).Msg("Update application reported an error")
	}

	remaining, probeErr := e.probe.List(ctx)
	if probeErr != nil {
		return fmt.Errorf("post-apply inventory probe: %w", probeErr)
	}
	if remaining.Pending() {
		// Partial failure or follow-on updates. Leave the deferral record
		// in place; the next scheduled invocation continues the cycle.
		log.Warn().Str("remaining", remaining.Description()).Msg("Mandatory updates still pending after apply")
		e.clearIndicator(ctx)
		return nil
	}

	shutdown := res.ShutdownRequired || snap.ShutdownOnly()
	if scope == inventory.ScopeAll || shutdown {
		return e.escalateRestart(ctx, shutdown)
	}

	e.clearIndicator(ctx)
	if err := e.Teardown(ctx, true); err != nil {
		return err
	}
	if !e.cfg.Prompt.SuppressPostInstallAlert {
		if err := e.gateway.Notify(ctx, "Required updates were installed."); err != nil {
			log.Warn().Err(err).Msg("Post-install notice failed")
		}
	}
	return nil
}

// applyManual is the terminal behavior for platforms or deployments that
// cannot script update application: keep the user pointed at the platform
// update UI until nothing mandatory remains. The loop has no timeout.
func (e *Executor) applyManual(ctx context.Context) error {
	interval := time.Duration(e.cfg.Enforce.ManualPollIntervalS) * time.Second
	log.Info().Dur("poll", interval).Msg("Entering manual update mode")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Re-display every iteration to counteract the user dismissing it.
		if err := e.gateway.ShowIndicator(ctx, "Updates are required. Install them now via system update settings."); err != nil {
			log.Warn().Err(err).Msg("Manual-mode indicator failed")
		}
		if err := e.host.OpenUpdateUI(ctx); err != nil {
			log.Warn().Err(err).Msg("Opening update UI failed")
		}

		e.sleep(interval)

		snap, err := e.probe.List(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Inventory probe failed, continuing to poll")
			continue
		}
		if !snap.Pending() {
			break
		}
	}

	e.clearIndicator(ctx)
	if err := e.Teardown(ctx, true); err != nil {
		return err
	}
	if !e.cfg.Prompt.SuppressPostInstallAlert {
		if err := e.gateway.Notify(ctx, "All required updates are installed."); err != nil {
			log.Warn().Err(err).Msg("Post-install notice failed")
		}
	}
	return nil
}

// escalateRestart walks the graceful-then-forced restart ladder. Teardown
// runs first, minus the inventory refresh: this process will not survive the
// restart and cannot clean up afterward.
func (e *Executor) escalateRestart(ctx context.Context, shutdown bool) error {
	verb := "restart"
	if shutdown {
		verb = "shut down"
	}
	log.Info().Str("action", verb).Msg("Beginning restart escalation")

	if err := e.Teardown(ctx, false); err != nil {
		log.Warn().Err(err).Msg("Pre-restart teardown incomplete")
	}
	if err := e.gateway.ShowIndicator(ctx, fmt.Sprintf("Updates installed. Your computer will %s now.", verb)); err != nil {
		log.Warn().Err(err).Msg("Restart indicator failed")
	}

	graceful := e.host.RequestRestart
	forced := e.host.ForceRestart
	if shutdown {
		graceful = e.host.RequestShutdown
		forced = e.host.ForceShutdown
	}

	if err := graceful(ctx); err != nil {
		log.Warn().Err(err).Str("action", verb).Msg("Graceful request failed")
	}

	e.sleep(time.Duration(e.cfg.Enforce.HardRestartDelayS) * time.Second)

	// Still running: something blocked the graceful path. Clear the session
	// and reissue without asking.
	if err := e.host.KillUserSessionProcesses(ctx); err != nil {
		log.Warn().Err(err).Msg("Killing session processes failed")
	}
	if err := forced(ctx); err != nil {
		return fmt.Errorf("forced %s: %w", verb, err)
	}
	return nil
}

// Teardown concludes the cycle: optional management inventory refresh, state
// reset, and removal of the agent's scheduler registration and resources.
// Every step tolerates already-absent resources.
func (e *Executor) Teardown(ctx context.Context, refreshInventory bool) error {
	if refreshInventory && e.mgmt != nil {
		if err := e.mgmt.TriggerInventoryRefresh(ctx); err != nil {
			log.Warn().Err(err).Msg("Management inventory refresh failed")
		}
	}
	if err := e.store.Clear(); err != nil {
		return fmt.Errorf("clear deferral state: %w", err)
	}
	if err := e.host.Unregister(ctx, e.resources); err != nil {
		return fmt.Errorf("unregister agent: %w", err)
	}
	log.Info().Msg("Enforcement cycle concluded, agent resources removed")
	return nil
}

func (e *Executor) clearIndicator(ctx context.Context) {
	if err := e.gateway.ClearIndicator(ctx); err != nil {
		log.Debug().Err(err).Msg("Clearing indicator failed")
	}
}
