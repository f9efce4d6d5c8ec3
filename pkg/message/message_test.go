package message

import (
	"strings"
	"testing"
	"time"
)

func TestRemainingPhrase(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		want      string
	}{
		{"several days", 200000 * time.Second, "2 days"},
		{"single day boundary", 49 * time.Hour, "2 days"},
		{"under two days stays in hours", 50000 * time.Second, "13 hours"},
		{"single hour", 5000 * time.Second, "1 hour"},
		{"plural hours", 3 * time.Hour, "3 hours"},
		{"minutes", 45 * time.Minute, "45 minutes"},
		{"single minute", 90 * time.Second, "1 minute"},
		{"seconds", 30 * time.Second, "very soon"},
		{"expired", -time.Minute, "very soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RemainingPhrase(tt.remaining); got != tt.want {
				t.Errorf("RemainingPhrase(%v) = %q, want %q", tt.remaining, got, tt.want)
			}
		})
	}
}

func TestRemainingPhraseNeverRendersZeroUnits(t *testing.T) {
	for _, d := range []time.Duration{time.Second, time.Minute, time.Hour, 47 * time.Hour} {
		got := RemainingPhrase(d)
		if strings.HasPrefix(got, "0 ") {
			t.Errorf("RemainingPhrase(%v) = %q renders a zero quantity", d, got)
		}
	}
}

func baseData() PromptData {
	return PromptData{
		UpdateList:     "macOS Sonoma 14.5, Safari 17.5",
		Remaining:      "2 days",
		Deadline:       "Mon Jun 3 17:00",
		SupportContact: "IT",
	}
}

func TestRenderIncludesPlaceholders(t *testing.T) {
	data := baseData()
	data.MayDefer = true
	body, err := Render(DefaultBody, data)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{data.UpdateList, data.Remaining, data.Deadline, data.SupportContact} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestRenderRestartClause(t *testing.T) {
	data := baseData()
	data.RestartRequired = true
	withRestart, err := Render(DefaultBody, data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(withRestart, "restart") {
		t.Error("restart clause missing for restart-required scope")
	}

	data.RestartRequired = false
	withoutRestart, err := Render(DefaultBody, data)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(withoutRestart, "restart") {
		t.Error("restart clause present for recommended-only scope")
	}
}

func TestRenderDeferClauseStrippedOnFinalPrompt(t *testing.T) {
	data := baseData()
	data.MayDefer = false
	body, err := Render(DefaultBody, data)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(body, "defer") {
		t.Errorf("defer clause present on final prompt:\n%s", body)
	}
}

func TestRenderBadTemplate(t *testing.T) {
	if _, err := Render("{{.Unclosed", baseData()); err == nil {
		t.Error("expected parse error")
	}
}
