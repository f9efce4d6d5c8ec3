// Package health runs the preflight checks that gate a controller pass.
// Failures here are fatal but retryable: the invocation exits 1 without
// touching state, and the next scheduled run tries again.
package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/haasonsaas/compel/pkg/platform"
)

type Status struct {
	RendererReachable bool     `json:"renderer_reachable"`
	CatalogReachable  bool     `json:"catalog_reachable"`
	EncryptionBusy    bool     `json:"encryption_busy"`
	Healthy           bool     `json:"healthy"`
	Issues            []string `json:"issues,omitempty"`
}

type Checker struct {
	run  platform.Runner
	goos string
	http *http.Client
}

func NewChecker(r platform.Runner) *Checker {
	return &Checker{
		run:  r,
		goos: runtime.GOOS,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// NewCheckerFor pins the platform branch and HTTP client for tests.
func NewCheckerFor(r platform.Runner, goos string, httpClient *http.Client) *Checker {
	return &Checker{run: r, goos: goos, http: httpClient}
}

// Check verifies the environment supports a controller pass. catalogURL may
// be empty when the platform tool resolves its own catalog endpoint.
func (c *Checker) Check(ctx context.Context, promptdURL, catalogURL string) *Status {
	status := &Status{Healthy: true}

	status.RendererReachable = c.reachable(ctx, strings.TrimRight(promptdURL, "/")+"/v1/health")
	if !status.RendererReachable {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("prompt renderer unreachable at %s", promptdURL))
	}

	if catalogURL != "" {
		status.CatalogReachable = c.reachable(ctx, catalogURL)
		if !status.CatalogReachable {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("update catalog unreachable at %s", catalogURL))
		}
	} else {
		status.CatalogReachable = true
	}

	status.EncryptionBusy = c.encryptionConversionInProgress(ctx)
	if status.EncryptionBusy {
		// Applying OS updates mid-conversion risks an unbootable volume.
		status.Healthy = false
		status.Issues = append(status.Issues, "disk encryption conversion in progress")
	}

	return status
}

func (c *Checker) reachable(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (c *Checker) encryptionConversionInProgress(ctx context.Context) bool {
	switch c.goos {
	case "darwin":
		out, err := c.run.Output(ctx, "fdesetup", "status")
		if err != nil {
			return false
		}
		lower := strings.ToLower(string(out))
		return strings.Contains(lower, "encryption in progress") ||
			strings.Contains(lower, "decryption in progress")
	case "linux":
		out, err := c.run.Output(ctx, "dmsetup", "status")
		if err != nil {
			return false
		}
		return strings.Contains(string(out), "reencrypt")
	default:
		return false
	}
}
