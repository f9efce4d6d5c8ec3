package inventory

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/haasonsaas/compel/pkg/platform"
)

// HostProbe queries the host's native update tool.
type HostProbe struct {
	run  platform.Runner
	goos string
	// rebootMarker lets linux tests point at a fake reboot-required file.
	rebootMarker string
}

func NewHostProbe(r platform.Runner) *HostProbe {
	return &HostProbe{run: r, goos: runtime.GOOS, rebootMarker: "/var/run/reboot-required"}
}

func (p *HostProbe) List(ctx context.Context) (Snapshot, error) {
	switch p.goos {
	case "darwin":
		out, err := p.run.Output(ctx, "softwareupdate", "-l")
		if err != nil {
			return Snapshot{}, fmt.Errorf("softwareupdate -l: %w", err)
		}
		return Snapshot{Updates: parseSoftwareUpdateList(string(out))}, nil
	case "linux":
		out, err := p.run.Output(ctx, "apt", "list", "--upgradable")
		if err != nil {
			return Snapshot{}, fmt.Errorf("apt list: %w", err)
		}
		updates := parseAptUpgradable(string(out))
		if len(updates) > 0 {
			if _, err := os.Stat(p.rebootMarker); err == nil {
				for i := range updates {
					updates[i].RestartRequired = true
				}
			}
		}
		return Snapshot{Updates: updates}, nil
	default:
		return Snapshot{}, fmt.Errorf("no update probe for %s", p.goos)
	}
}

// parseSoftwareUpdateList handles the label/detail pair format:
//
//	* Label: macOS Sonoma 14.5-23F79
//		Title: macOS Sonoma, Version: 14.5, Size: 3GB, Recommended: YES, Action: restart
func parseSoftwareUpdateList(out string) []Update {
	var updates []Update
	var current *Update
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if label, ok := strings.CutPrefix(trimmed, "* Label: "); ok {
			updates = append(updates, Update{Label: strings.TrimSpace(label)})
			current = &updates[len(updates)-1]
			continue
		}
		if current == nil || !strings.Contains(trimmed, "Title:") {
			continue
		}
		if strings.Contains(trimmed, "Recommended: YES") {
			current.Mandatory = true
		}
		if strings.Contains(trimmed, "Action: restart") {
			current.RestartRequired = true
		}
		if strings.Contains(trimmed, "Action: shut down") {
			current.RestartRequired = true
			current.ShutdownOnly = true
		}
	}
	return updates
}

// parseAptUpgradable reads `apt list --upgradable` output. Every upgradable
// package is treated as mandatory; recommended-vs-optional is a macOS notion.
func parseAptUpgradable(out string) []Update {
	var updates []Update
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Listing") || strings.HasPrefix(line, "WARNING") {
			continue
		}
		name, _, ok := strings.Cut(line, "/")
		if !ok {
			continue
		}
		updates = append(updates, Update{Label: name, Mandatory: true})
	}
	return updates
}
