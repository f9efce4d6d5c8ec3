package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// minPlausibleResponse is the floor for a human answer to a modal. Anything
// faster means the renderer returned without ever displaying it.
const minPlausibleResponse = 2 * time.Second

// Client talks to the local promptd renderer over HTTP.
type Client struct {
	baseURL        string
	http           *http.Client
	requestTimeout time.Duration
	// minPlausible is overridable so tests need not wait two seconds.
	minPlausible time.Duration
}

func NewClient(baseURL string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// The prompt blocks until the user answers or the modal times out,
		// so the client timeout stays unset. Per-request deadlines are set
		// in Show and post instead.
		http:           &http.Client{Timeout: 0},
		requestTimeout: requestTimeout,
		minPlausible:   minPlausibleResponse,
	}
}

type promptRequest struct {
	Title        string `json:"title"`
	Body         string `json:"body"`
	InstallLabel string `json:"install_label"`
	DeferLabel   string `json:"defer_label"`
	LogoPath     string `json:"logo_path,omitempty"`
	TimeoutS     int    `json:"timeout_s"`
}

type promptResponse struct {
	Outcome   string `json:"outcome"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func (c *Client) Show(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(promptRequest{
		Title:        req.Title,
		Body:         req.Body,
		InstallLabel: req.InstallLabel,
		DeferLabel:   req.DeferLabel,
		LogoPath:     req.LogoPath,
		TimeoutS:     int(req.Timeout.Seconds()),
	})
	if err != nil {
		return Response{}, err
	}

	// Allow slack past the modal timeout for renderer startup and teardown.
	ctx, cancel := context.WithTimeout(ctx, req.Timeout+30*time.Second)
	defer cancel()

	started := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/prompt", bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("prompt renderer unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("%w: renderer status %d", ErrUnrecognizedOutcome, resp.StatusCode)
	}

	var decoded promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUnrecognizedOutcome, err)
	}

	elapsed := time.Since(started)
	if decoded.ElapsedMs > 0 {
		elapsed = time.Duration(decoded.ElapsedMs) * time.Millisecond
	}

	outcome, err := parseOutcome(decoded.Outcome)
	if err != nil {
		return Response{}, err
	}
	if outcome == OutcomeDismissed {
		return Response{}, ErrDismissed
	}
	if elapsed < c.minPlausible {
		return Response{}, fmt.Errorf("%w: %s after %v", ErrImplausibleResponse, outcome, elapsed)
	}

	log.Debug().Stringer("outcome", outcome).Dur("elapsed", elapsed).Msg("prompt answered")
	return Response{Outcome: outcome, Elapsed: elapsed}, nil
}

func parseOutcome(raw string) (Outcome, error) {
	switch raw {
	case "install":
		return OutcomeInstall, nil
	case "defer":
		return OutcomeDefer, nil
	case "timeout":
		return OutcomeTimedOut, nil
	case "dismissed":
		return OutcomeDismissed, nil
	default:
		return OutcomeUnknown, fmt.Errorf("%w: %q", ErrUnrecognizedOutcome, raw)
	}
}

func (c *Client) ShowIndicator(ctx context.Context, text string) error {
	return c.post(ctx, "/v1/indicator", map[string]string{"text": text})
}

func (c *Client) ClearIndicator(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/indicator", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) Notify(ctx context.Context, text string) error {
	return c.post(ctx, "/v1/notify", map[string]string{"text": text})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("renderer status %d for %s", resp.StatusCode, path)
	}
	return nil
}

var _ Gateway = (*Client)(nil)
