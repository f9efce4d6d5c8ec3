package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/compel/pkg/platform"
)

// promptSpec is everything the renderer needs to draw one modal.
type promptSpec struct {
	Title        string
	Body         string
	InstallLabel string
	DeferLabel   string
	LogoPath     string
	Timeout      time.Duration
}

// Renderer draws prompts and indicators on the local session. Outcomes use
// the wire vocabulary: install, defer, timeout, dismissed.
type Renderer interface {
	Prompt(ctx context.Context, spec promptSpec) (outcome string, elapsed time.Duration, err error)
	ShowIndicator(text string) error
	ClearIndicator() error
	Notify(text string) error
}

func newRenderer() Renderer {
	if forced := os.Getenv("COMPEL_PROMPTD_STUB_OUTCOME"); forced != "" {
		log.Warn().Str("outcome", forced).Msg("Stub renderer active, every prompt resolves immediately")
		return &stubRenderer{outcome: forced}
	}
	return &execRenderer{run: platform.ExecRunner{}, goos: runtime.GOOS}
}

// execRenderer shells out to the platform dialog tooling: osascript on
// macOS, zenity on Linux.
type execRenderer struct {
	run  platform.Runner
	goos string

	mu        sync.Mutex
	indicator string
}

func (r *execRenderer) Prompt(ctx context.Context, spec promptSpec) (string, time.Duration, error) {
	started := time.Now()
	var outcome string
	var err error
	switch r.goos {
	case "darwin":
		outcome, err = r.promptDarwin(ctx, spec)
	case "linux":
		outcome, err = r.promptLinux(ctx, spec)
	default:
		return "", 0, fmt.Errorf("no dialog tooling for %s", r.goos)
	}
	return outcome, time.Since(started), err
}

func (r *execRenderer) promptDarwin(ctx context.Context, spec promptSpec) (string, error) {
	script := fmt.Sprintf(
		`display dialog %s with title %s buttons {%s, %s} default button %s giving up after %d`,
		appleQuote(spec.Body), appleQuote(spec.Title),
		appleQuote(spec.DeferLabel), appleQuote(spec.InstallLabel),
		appleQuote(spec.InstallLabel), int(spec.Timeout.Seconds()))
	if spec.LogoPath != "" {
		script += fmt.Sprintf(` with icon POSIX file %s`, appleQuote(spec.LogoPath))
	}

	out, err := r.run.Output(ctx, "osascript", "-e", script)
	if err != nil {
		// osascript exits 1 when the dialog is closed without a button.
		if _, ok := err.(*exec.ExitError); ok {
			return "dismissed", nil
		}
		return "", err
	}

	text := string(out)
	if strings.Contains(text, "gave up:true") {
		return "timeout", nil
	}
	if strings.Contains(text, "button returned:"+spec.InstallLabel) {
		return "install", nil
	}
	if strings.Contains(text, "button returned:"+spec.DeferLabel) {
		return "defer", nil
	}
	return "", fmt.Errorf("unparseable osascript result: %q", strings.TrimSpace(text))
}

func (r *execRenderer) promptLinux(ctx context.Context, spec promptSpec) (string, error) {
	// --switch replaces the stock OK/Cancel pair with the labeled buttons.
	// Every button exits 1 and prints its label; a closed window exits 1
	// printing nothing, which keeps dismissal distinguishable from a click.
	args := []string{
		"--question", "--switch",
		"--title", spec.Title,
		"--text", spec.Body,
		"--extra-button", spec.InstallLabel,
		"--extra-button", spec.DeferLabel,
		"--timeout", fmt.Sprintf("%d", int(spec.Timeout.Seconds())),
	}
	out, err := r.run.Output(ctx, "zenity", args...)
	code := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return "", err
		}
		code = exitErr.ExitCode()
	}
	return parseZenityResult(spec, strings.TrimSpace(string(out)), code)
}

func parseZenityResult(spec promptSpec, label string, code int) (string, error) {
	switch code {
	case 0, 1:
		switch label {
		case spec.InstallLabel:
			return "install", nil
		case spec.DeferLabel:
			return "defer", nil
		case "":
			if code == 1 {
				return "dismissed", nil
			}
			return "", fmt.Errorf("zenity exit 0 with no button label")
		default:
			return "", fmt.Errorf("unrecognized zenity button %q", label)
		}
	case 5:
		return "timeout", nil
	default:
		return "", fmt.Errorf("zenity exit %d", code)
	}
}

func (r *execRenderer) ShowIndicator(text string) error {
	r.mu.Lock()
	changed := r.indicator != text
	r.indicator = text
	r.mu.Unlock()
	// Re-posting the same text every agent cycle would spam the session.
	if !changed {
		return nil
	}
	return r.notify(text)
}

func (r *execRenderer) ClearIndicator() error {
	r.mu.Lock()
	r.indicator = ""
	r.mu.Unlock()
	return nil
}

func (r *execRenderer) Notify(text string) error {
	return r.notify(text)
}

func (r *execRenderer) notify(text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch r.goos {
	case "darwin":
		script := fmt.Sprintf(`display notification %s with title "Software Update"`, appleQuote(text))
		return r.run.Run(ctx, "osascript", "-e", script)
	case "linux":
		return r.run.Run(ctx, "notify-send", "Software Update", text)
	default:
		return fmt.Errorf("no notification tooling for %s", r.goos)
	}
}

func appleQuote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// stubRenderer answers every prompt with a fixed outcome. Development only.
type stubRenderer struct {
	outcome string
}

func (s *stubRenderer) Prompt(ctx context.Context, spec promptSpec) (string, time.Duration, error) {
	return s.outcome, spec.Timeout, nil
}

func (s *stubRenderer) ShowIndicator(text string) error { return nil }
func (s *stubRenderer) ClearIndicator() error           { return nil }
func (s *stubRenderer) Notify(text string) error        { return nil }
