// Package mgmt is the thin client for the enterprise management layer. The
// agent only ever pushes one signal upstream: "re-inventory this machine",
// sent during teardown so the pending-update record clears promptly.
package mgmt

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Client struct {
	baseURL string
	http    *http.Client
	retry   *retrier
}

// NewClient returns a management client, or nil when no management URL is
// configured (standalone deployments).
func NewClient(baseURL string, requestTimeout time.Duration, retryInitialMs, retryMaxMs, retryMaxAttempts int) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		retry:   newRetrier(retryInitialMs, retryMaxMs, retryMaxAttempts),
	}
}

// TriggerInventoryRefresh asks the management layer to recollect this
// machine's software inventory.
func (c *Client) TriggerInventoryRefresh(ctx context.Context) error {
	return c.retry.do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/inventory/refresh", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if isRetryableStatus(resp) {
			return retryableStatusError{status: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("inventory refresh rejected: status %d", resp.StatusCode)
		}
		log.Info().Msg("Management inventory refresh triggered")
		return nil
	}, isRetryableHTTP)
}
