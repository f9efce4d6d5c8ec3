// Package message renders the text an end user sees: the remaining-time
// phrase and the prompt body. Rendering is a pure function of the remaining
// duration and configuration, so repeated invocations produce stable text.
package message

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// RemainingPhrase converts the time left before enforcement into the phrase
// embedded in prompt bodies. Thresholds step down from days through hours to
// minutes; anything under a minute is no longer worth quantifying.
func RemainingPhrase(remaining time.Duration) string {
	switch {
	case remaining > 48*time.Hour:
		return pluralize(int(remaining.Hours())/24, "day")
	case remaining > time.Hour:
		return pluralize(int(remaining.Hours()), "hour")
	case remaining > time.Minute:
		return pluralize(int(remaining.Minutes()), "minute")
	default:
		return "very soon"
	}
}

func pluralize(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// FormatDeadline renders the absolute deadline for prompt bodies.
func FormatDeadline(t time.Time) string {
	return t.Local().Format("Mon Jan 2 15:04")
}

// PromptData feeds the body template. RestartRequired and MayDefer control
// the two conditional regions; MayDefer is false on the final prompt before
// the deadline, when a granted deferral could not fit ahead of it anyway.
type PromptData struct {
	UpdateList      string
	Remaining       string
	Deadline        string
	SupportContact  string
	RestartRequired bool
	MayDefer        bool
}

// DefaultBody is the stock prompt body. Administrators may override it with
// any template over the PromptData fields.
const DefaultBody = `The following required updates are pending: {{.UpdateList}}.

They will be installed automatically in {{.Remaining}} (by {{.Deadline}}).
{{- if .RestartRequired}}
Your computer will restart to complete the installation.
{{- end}}
{{- if .MayDefer}}
You may defer the installation until then.
{{- end}}

Questions? Contact {{.SupportContact}}.`

// Render executes a body template against the prompt data.
func Render(body string, data PromptData) (string, error) {
	tmpl, err := template.New("prompt").Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return sb.String(), nil
}
