package deferral

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/compel/pkg/config"
	"github.com/haasonsaas/compel/pkg/inventory"
	"github.com/haasonsaas/compel/pkg/prompt"
	"github.com/haasonsaas/compel/pkg/store"
)

type fixedProbe struct {
	snap inventory.Snapshot
	err  error
}

func (f fixedProbe) List(ctx context.Context) (inventory.Snapshot, error) {
	return f.snap, f.err
}

type scriptedGateway struct {
	outcome  prompt.Outcome
	err      error
	requests []prompt.Request
}

func (g *scriptedGateway) Show(ctx context.Context, req prompt.Request) (prompt.Response, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return prompt.Response{}, g.err
	}
	return prompt.Response{Outcome: g.outcome, Elapsed: 10 * time.Second}, nil
}

func (g *scriptedGateway) ShowIndicator(ctx context.Context, text string) error { return nil }
func (g *scriptedGateway) ClearIndicator(ctx context.Context) error             { return nil }
func (g *scriptedGateway) Notify(ctx context.Context, text string) error        { return nil }

type recordingEnforcer struct {
	manual    bool
	calls     []string
	teardowns int
}

func (r *recordingEnforcer) ManualMode() bool { return r.manual }

func (r *recordingEnforcer) Apply(ctx context.Context, snap inventory.Snapshot) error {
	r.calls = append(r.calls, "apply")
	return nil
}

func (r *recordingEnforcer) EnforceDeadline(ctx context.Context, snap inventory.Snapshot) error {
	r.calls = append(r.calls, "enforce-deadline")
	return nil
}

func (r *recordingEnforcer) Teardown(ctx context.Context, refreshInventory bool) error {
	r.calls = append(r.calls, "teardown")
	r.teardowns++
	return nil
}

func restartPending() inventory.Snapshot {
	return inventory.Snapshot{Updates: []inventory.Update{
		{Label: "macOS Sonoma 14.5", Mandatory: true, RestartRequired: true},
		{Label: "Safari 17.5", Mandatory: true},
	}}
}

func recommendedPending() inventory.Snapshot {
	return inventory.Snapshot{Updates: []inventory.Update{
		{Label: "Safari 17.5", Mandatory: true},
	}}
}

type harness struct {
	ctrl     *Controller
	cfg      *config.Config
	store    *store.Store
	gateway  *scriptedGateway
	enforcer *recordingEnforcer
	now      time.Time
}

func newHarness(t *testing.T, snap inventory.Snapshot) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.State.DBPath = filepath.Join(t.TempDir(), "state.db")
	st, err := store.Open(cfg.State.DBPath, "test")
	if err != nil {
		t.Fatal(err)
	}
	gw := &scriptedGateway{outcome: prompt.OutcomeDefer}
	enf := &recordingEnforcer{}
	h := &harness{
		cfg:      cfg,
		store:    st,
		gateway:  gw,
		enforcer: enf,
		now:      time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC),
	}
	h.ctrl = NewController(cfg, st, fixedProbe{snap: snap}, gw, enf)
	h.ctrl.now = func() time.Time { return h.now }
	return h
}

func (h *harness) record(t *testing.T) *store.DeferralRecord {
	t.Helper()
	rec, err := h.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

// Nothing pending tears down and leaves no state.
func TestRunNoUpdatesTearsDown(t *testing.T) {
	h := newHarness(t, inventory.Snapshot{})
	state, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateNoUpdates {
		t.Errorf("state = %v, want StateNoUpdates", state)
	}
	if h.enforcer.teardowns != 1 {
		t.Errorf("teardowns = %d, want 1", h.enforcer.teardowns)
	}
}

// The first invocation sets the deadline, prompts with restart clauses,
// and a defer click persists the grant.
func TestRunFirstInvocationDeferClicked(t *testing.T) {
	h := newHarness(t, restartPending())
	state, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateAwaitingDecision {
		t.Fatalf("state = %v, want StateAwaitingDecision", state)
	}

	rec := h.record(t)
	wantDeadline := h.now.Add(259200 * time.Second).Unix()
	if rec.UpdatesForcedAfter != wantDeadline {
		t.Errorf("enforceAfter = %d, want now+259200 = %d", rec.UpdatesForcedAfter, wantDeadline)
	}
	if rec.UpdatesDeferredUntil != h.now.Add(14400*time.Second).Unix() {
		t.Errorf("deferredUntil = %d, want now+14400", rec.UpdatesDeferredUntil)
	}
	if rec.UpdateList != "macOS Sonoma 14.5, Safari 17.5" {
		t.Errorf("cached update list = %q", rec.UpdateList)
	}

	if len(h.gateway.requests) != 1 {
		t.Fatalf("prompts shown = %d, want 1", len(h.gateway.requests))
	}
	body := h.gateway.requests[0].Body
	if !strings.Contains(body, "restart") {
		t.Error("restart clause missing for restart-required scope")
	}
	if !strings.Contains(body, "defer") {
		t.Error("defer clause missing when the grant fits before the deadline")
	}
}

// An invocation inside the suppressed window is a silent no-op.
func TestRunSuppressedWindowIsNoOp(t *testing.T) {
	h := newHarness(t, recommendedPending())
	deadline := h.now.Add(72 * time.Hour).Unix()
	if err := h.store.SetDeadline(deadline); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetUpdateList("Safari 17.5"); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Defer(h.now.Add(4*time.Hour).Unix(), deadline); err != nil {
		t.Fatal(err)
	}
	before := h.record(t)

	state, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateSuppressed {
		t.Errorf("state = %v, want StateSuppressed", state)
	}
	if len(h.gateway.requests) != 0 {
		t.Error("prompt shown during suppressed window")
	}
	after := h.record(t)
	if *after != *before {
		t.Errorf("state changed during no-op: before=%+v after=%+v", before, after)
	}
}

// Idempotence: two immediate runs with no interaction leave identical state.
func TestRunIdempotentAcrossImmediateInvocations(t *testing.T) {
	h := newHarness(t, recommendedPending())
	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	afterFirst := h.record(t)

	state, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateSuppressed {
		t.Fatalf("second run state = %v, want StateSuppressed", state)
	}
	afterSecond := h.record(t)
	if afterFirst.UpdatesForcedAfter != afterSecond.UpdatesForcedAfter ||
		afterFirst.UpdatesDeferredUntil != afterSecond.UpdatesDeferredUntil ||
		afterFirst.UpdateList != afterSecond.UpdateList {
		t.Errorf("state drifted: first=%+v second=%+v", afterFirst, afterSecond)
	}
}

// Past the deadline the executor runs with no prompt.
func TestRunDeadlineReachedEnforces(t *testing.T) {
	h := newHarness(t, restartPending())
	if err := h.store.SetDeadline(h.now.Add(-time.Hour).Unix()); err != nil {
		t.Fatal(err)
	}

	state, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateDeadlineReached {
		t.Errorf("state = %v, want StateDeadlineReached", state)
	}
	if len(h.gateway.requests) != 0 {
		t.Error("prompt shown past the deadline")
	}
	if len(h.enforcer.calls) != 1 || h.enforcer.calls[0] != "enforce-deadline" {
		t.Errorf("enforcer calls = %v", h.enforcer.calls)
	}
}

// A deferral period larger than the remaining time strips the defer
// clause from the body.
func TestRunFinalPromptDropsDeferClause(t *testing.T) {
	h := newHarness(t, recommendedPending())
	if err := h.store.SetDeadline(h.now.Add(2 * time.Hour).Unix()); err != nil {
		t.Fatal(err)
	}
	// period 4h > remaining 2h

	state, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateAwaitingDecision {
		t.Fatalf("state = %v", state)
	}
	if body := h.gateway.requests[0].Body; strings.Contains(body, "defer") {
		t.Errorf("defer clause offered past fitting window:\n%s", body)
	}
}

func TestRunInstallClicked(t *testing.T) {
	h := newHarness(t, recommendedPending())
	h.gateway.outcome = prompt.OutcomeInstall

	state, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateAwaitingDecision {
		t.Fatalf("state = %v", state)
	}
	if len(h.enforcer.calls) != 1 || h.enforcer.calls[0] != "apply" {
		t.Errorf("enforcer calls = %v, want [apply]", h.enforcer.calls)
	}
	if rec := h.record(t); rec.UpdatesDeferredUntil != 0 {
		t.Error("install click must clear the deferral grant in scripted mode")
	}
}

func TestRunInstallClickedManualModeFallbackGrant(t *testing.T) {
	h := newHarness(t, recommendedPending())
	h.gateway.outcome = prompt.OutcomeInstall
	h.enforcer.manual = true

	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// If the user never self-applies, the fallback grant re-prompts and
	// enforces on schedule.
	rec := h.record(t)
	if rec.UpdatesDeferredUntil != h.now.Add(4*time.Hour).Unix() {
		t.Errorf("fallback grant = %d, want now+period", rec.UpdatesDeferredUntil)
	}
	if len(h.enforcer.calls) != 1 || h.enforcer.calls[0] != "apply" {
		t.Errorf("enforcer calls = %v", h.enforcer.calls)
	}
}

func TestRunTimeoutTreatedAsDefer(t *testing.T) {
	h := newHarness(t, recommendedPending())
	h.gateway.outcome = prompt.OutcomeTimedOut

	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec := h.record(t); rec.UpdatesDeferredUntil == 0 {
		t.Error("timeout must grant a deferral")
	}
	if len(h.enforcer.calls) != 0 {
		t.Errorf("no enforcement expected on timeout, got %v", h.enforcer.calls)
	}
}

func TestRunGatewayFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, recommendedPending())
	h.gateway.err = prompt.ErrDismissed

	_, err := h.ctrl.Run(context.Background())
	if !errors.Is(err, prompt.ErrDismissed) {
		t.Fatalf("err = %v, want ErrDismissed", err)
	}
	if rec := h.record(t); rec.UpdatesDeferredUntil != 0 {
		t.Error("fatal prompt outcome must not write deferral state")
	}
}

func TestRunDeferGrantClampedToDeadline(t *testing.T) {
	h := newHarness(t, recommendedPending())
	deadline := h.now.Add(time.Hour).Unix()
	if err := h.store.SetDeadline(deadline); err != nil {
		t.Fatal(err)
	}

	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := h.record(t)
	if rec.UpdatesDeferredUntil != deadline {
		t.Errorf("grant = %d, want clamped to deadline %d", rec.UpdatesDeferredUntil, deadline)
	}
	if rec.UpdatesDeferredUntil > rec.UpdatesForcedAfter {
		t.Error("invariant violated: deferredUntil > enforceAfter")
	}
}

// Monotonicity: absent a config change, the deadline never moves.
func TestRunDeadlineStableAcrossInvocations(t *testing.T) {
	h := newHarness(t, recommendedPending())
	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := h.record(t).UpdatesForcedAfter

	h.now = h.now.Add(6 * time.Hour)
	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.record(t).UpdatesForcedAfter; got != first {
		t.Errorf("deadline moved from %d to %d with unchanged config", first, got)
	}
}

func TestRunShortenedWindowPullsDeadlineIn(t *testing.T) {
	h := newHarness(t, recommendedPending())
	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := h.record(t).UpdatesForcedAfter

	// Administrator shortens the window between invocations.
	h.cfg.Deferral.MaxWindowS = 3600
	h.now = h.now.Add(5 * time.Hour) // past the prior grant
	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := h.record(t).UpdatesForcedAfter
	want := h.now.Add(time.Hour).Unix()
	if got != want {
		t.Errorf("deadline = %d, want pulled in to %d", got, want)
	}
	if got >= first {
		t.Error("shortened window failed to pull the deadline in")
	}
}

func TestRunSkipDeferralForcesEnforcement(t *testing.T) {
	h := newHarness(t, recommendedPending())
	h.cfg.Deferral.SkipDeferral = true

	state, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateDeadlineReached {
		t.Errorf("state = %v, want StateDeadlineReached", state)
	}
	if len(h.gateway.requests) != 0 {
		t.Error("prompt shown despite skip_deferral")
	}
}

// Flipping skip_deferral mid-cycle must override an active grant on the
// very next pass, not after the grant runs out.
func TestRunSkipDeferralOverridesActiveGrant(t *testing.T) {
	h := newHarness(t, recommendedPending())
	deadline := h.now.Add(72 * time.Hour).Unix()
	if err := h.store.SetDeadline(deadline); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Defer(h.now.Add(4*time.Hour).Unix(), deadline); err != nil {
		t.Fatal(err)
	}

	h.cfg.Deferral.SkipDeferral = true

	state, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateDeadlineReached {
		t.Errorf("state = %v, want StateDeadlineReached", state)
	}
	if len(h.gateway.requests) != 0 {
		t.Error("prompt shown despite skip_deferral")
	}
	if len(h.enforcer.calls) != 1 || h.enforcer.calls[0] != "enforce-deadline" {
		t.Errorf("enforcer calls = %v, want [enforce-deadline]", h.enforcer.calls)
	}
}

func TestRunLiveLeaseBlocksPrompt(t *testing.T) {
	h := newHarness(t, recommendedPending())
	if ok, _ := h.store.AcquireLease("other-invocation", time.Hour, h.now); !ok {
		t.Fatal("seed lease failed")
	}

	state, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateAwaitingDecision {
		t.Fatalf("state = %v", state)
	}
	if len(h.gateway.requests) != 0 {
		t.Error("prompt shown while another invocation holds the lease")
	}
}

func TestShiftOutOfWorkday(t *testing.T) {
	workday := config.WorkdayConfig{StartHour: 9, EndHour: 17}
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "inside workday shifts to end",
			in:   time.Date(2024, 6, 3, 11, 30, 0, 0, time.Local),
			want: time.Date(2024, 6, 3, 17, 0, 0, 0, time.Local),
		},
		{
			name: "before workday unchanged",
			in:   time.Date(2024, 6, 3, 7, 0, 0, 0, time.Local),
			want: time.Date(2024, 6, 3, 7, 0, 0, 0, time.Local),
		},
		{
			name: "after workday unchanged",
			in:   time.Date(2024, 6, 3, 18, 0, 0, 0, time.Local),
			want: time.Date(2024, 6, 3, 18, 0, 0, 0, time.Local),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shiftOutOfWorkday(tt.in, workday); !got.Equal(tt.want) {
				t.Errorf("shiftOutOfWorkday(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	t.Run("unset window is identity", func(t *testing.T) {
		in := time.Date(2024, 6, 3, 11, 30, 0, 0, time.Local)
		if got := shiftOutOfWorkday(in, config.WorkdayConfig{StartHour: -1, EndHour: -1}); !got.Equal(in) {
			t.Errorf("unset workday altered deadline: %v", got)
		}
	})
}
