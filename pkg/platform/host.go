// Package platform binds the agent to the host's update and session tooling.
// Everything here shells out; the Runner seam keeps the bindings testable.
package platform

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"
)

// ApplyResult reports what the platform update tool did.
type ApplyResult struct {
	// ShutdownRequired is set when the tool's output signals a
	// shutdown-only completion instead of a restart.
	ShutdownRequired bool
}

type Host struct {
	run  Runner
	goos string
}

func NewHost(r Runner) *Host {
	return &Host{run: r, goos: runtime.GOOS}
}

// NewHostFor is used by tests to pin the platform branch.
func NewHostFor(r Runner, goos string) *Host {
	return &Host{run: r, goos: goos}
}

// CanScriptUpdates reports whether this platform can apply updates
// unattended. Platforms that cannot fall back to manual mode unconditionally.
func (h *Host) CanScriptUpdates() bool {
	switch h.goos {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

// ApplyUpdates invokes the platform's install-pending-updates capability.
// With all set it applies every pending update; otherwise recommended-only.
func (h *Host) ApplyUpdates(ctx context.Context, all bool) (ApplyResult, error) {
	switch h.goos {
	case "darwin":
		args := []string{"-i", "-r"}
		if all {
			args = []string{"-i", "-a"}
		}
		out, err := h.run.Output(ctx, "softwareupdate", args...)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("softwareupdate: %w", err)
		}
		return ApplyResult{ShutdownRequired: signalsShutdown(string(out))}, nil
	case "linux":
		if err := h.run.Run(ctx, "apt-get", "-y", "upgrade"); err != nil {
			return ApplyResult{}, fmt.Errorf("apt-get upgrade: %w", err)
		}
		return ApplyResult{}, nil
	default:
		return ApplyResult{}, fmt.Errorf("unattended update application unsupported on %s", h.goos)
	}
}

// signalsShutdown detects the update tool asking for a halt instead of a
// restart (firmware updates on some hardware do this).
func signalsShutdown(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "shut down") || strings.Contains(lower, "halt")
}

// OpenUpdateUI opens the platform's interactive software-update surface for
// manual mode.
func (h *Host) OpenUpdateUI(ctx context.Context) error {
	switch h.goos {
	case "darwin":
		return h.run.Run(ctx, "open", "/System/Library/PreferencePanes/SoftwareUpdate.prefPane")
	case "linux":
		return h.run.Run(ctx, "gnome-software", "--mode", "updates")
	case "windows":
		return h.run.Run(ctx, "cmd", "/c", "start", "ms-settings:windowsupdate")
	default:
		return fmt.Errorf("no update UI on %s", h.goos)
	}
}

// RequestRestart asks the active user session to restart gracefully, giving
// applications a chance to save and quit.
func (h *Host) RequestRestart(ctx context.Context) error {
	switch h.goos {
	case "darwin":
		return h.run.Run(ctx, "osascript", "-e", `tell app "System Events" to restart`)
	case "linux":
		return h.run.Run(ctx, "systemctl", "reboot")
	default:
		return fmt.Errorf("restart unsupported on %s", h.goos)
	}
}

// RequestShutdown is the halt variant of RequestRestart.
func (h *Host) RequestShutdown(ctx context.Context) error {
	switch h.goos {
	case "darwin":
		return h.run.Run(ctx, "osascript", "-e", `tell app "System Events" to shut down`)
	case "linux":
		return h.run.Run(ctx, "systemctl", "poweroff")
	default:
		return fmt.Errorf("shutdown unsupported on %s", h.goos)
	}
}

// ForceRestart restarts without waiting for the session.
func (h *Host) ForceRestart(ctx context.Context) error {
	switch h.goos {
	case "darwin":
		return h.run.Run(ctx, "shutdown", "-r", "now")
	case "linux":
		return h.run.Run(ctx, "systemctl", "reboot", "--force")
	default:
		return fmt.Errorf("forced restart unsupported on %s", h.goos)
	}
}

// ForceShutdown halts without waiting for the session.
func (h *Host) ForceShutdown(ctx context.Context) error {
	switch h.goos {
	case "darwin":
		return h.run.Run(ctx, "shutdown", "-h", "now")
	case "linux":
		return h.run.Run(ctx, "systemctl", "poweroff", "--force")
	default:
		return fmt.Errorf("forced shutdown unsupported on %s", h.goos)
	}
}

// KillUserSessionProcesses terminates the console user's processes so a
// reissued restart request cannot be blocked by unsaved-changes dialogs. The
// session manager itself is excluded.
func (h *Host) KillUserSessionProcesses(ctx context.Context) error {
	switch h.goos {
	case "darwin":
		out, err := h.run.Output(ctx, "stat", "-f", "%Su", "/dev/console")
		if err != nil {
			return fmt.Errorf("resolve console user: %w", err)
		}
		user := strings.TrimSpace(string(out))
		if user == "" || user == "root" {
			return nil
		}
		// loginwindow stays alive so the restart request still lands.
		return h.run.Run(ctx, "pkill", "-9", "-u", user, "-v", "-f", "loginwindow")
	case "linux":
		out, err := h.run.Output(ctx, "who")
		if err != nil {
			return fmt.Errorf("resolve session user: %w", err)
		}
		fields := strings.Fields(string(out))
		if len(fields) == 0 {
			return nil
		}
		return h.run.Run(ctx, "loginctl", "terminate-user", fields[0])
	default:
		return fmt.Errorf("session process kill unsupported on %s", h.goos)
	}
}

// Unregister removes the agent's scheduled-invocation registration and its
// on-disk resources. Every step is delete-if-present; a missing resource is
// success, so repeated teardown is harmless.
func (h *Host) Unregister(ctx context.Context, resources []string) error {
	switch h.goos {
	case "darwin":
		if err := h.run.Run(ctx, "launchctl", "remove", "com.haasonsaas.compel.agent"); err != nil {
			log.Debug().Err(err).Msg("launchd job already absent")
		}
	case "linux":
		if err := h.run.Run(ctx, "systemctl", "disable", "--now", "compel-agent.timer"); err != nil {
			log.Debug().Err(err).Msg("systemd timer already absent")
		}
	}
	for _, path := range resources {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}
