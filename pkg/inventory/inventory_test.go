package inventory

import (
	"testing"
)

const softwareUpdateSample = `Software Update Tool

Finding available software
Software Update found the following new or updated software:
* Label: macOS Sonoma 14.5-23F79
	Title: macOS Sonoma, Version: 14.5, Size: 3261340K, Recommended: YES, Action: restart,
* Label: Safari17.5VenturaAuto-17.5
	Title: Safari, Version: 17.5, Size: 151501K, Recommended: YES,
* Label: Example Beta Tool-1.0
	Title: Example Beta Tool, Version: 1.0, Size: 1024K,
`

func TestParseSoftwareUpdateList(t *testing.T) {
	updates := parseSoftwareUpdateList(softwareUpdateSample)
	if len(updates) != 3 {
		t.Fatalf("parsed %d updates, want 3", len(updates))
	}

	sonoma := updates[0]
	if sonoma.Label != "macOS Sonoma 14.5-23F79" {
		t.Errorf("label = %q", sonoma.Label)
	}
	if !sonoma.Mandatory || !sonoma.RestartRequired {
		t.Errorf("sonoma flags = %+v, want mandatory+restart", sonoma)
	}

	safari := updates[1]
	if !safari.Mandatory || safari.RestartRequired {
		t.Errorf("safari flags = %+v, want mandatory, no restart", safari)
	}

	beta := updates[2]
	if beta.Mandatory {
		t.Errorf("non-recommended update marked mandatory: %+v", beta)
	}
}

func TestParseSoftwareUpdateShutdownAction(t *testing.T) {
	out := `* Label: Firmware Update 2.1
	Title: Firmware Update, Version: 2.1, Size: 4K, Recommended: YES, Action: shut down,
`
	updates := parseSoftwareUpdateList(out)
	if len(updates) != 1 {
		t.Fatalf("parsed %d updates, want 1", len(updates))
	}
	if !updates[0].ShutdownOnly || !updates[0].RestartRequired {
		t.Errorf("shutdown action not classified: %+v", updates[0])
	}
}

func TestParseAptUpgradable(t *testing.T) {
	out := `Listing... Done
openssl/jammy-updates 3.0.2-0ubuntu1.15 amd64 [upgradable from: 3.0.2-0ubuntu1.14]
libssl3/jammy-updates 3.0.2-0ubuntu1.15 amd64 [upgradable from: 3.0.2-0ubuntu1.14]
`
	updates := parseAptUpgradable(out)
	if len(updates) != 2 {
		t.Fatalf("parsed %d updates, want 2", len(updates))
	}
	if updates[0].Label != "openssl" || !updates[0].Mandatory {
		t.Errorf("first update = %+v", updates[0])
	}
}

func TestParseAptUpgradableEmpty(t *testing.T) {
	if updates := parseAptUpgradable("Listing... Done\n"); len(updates) != 0 {
		t.Errorf("expected no updates, got %v", updates)
	}
}

func TestSnapshotClassification(t *testing.T) {
	tests := []struct {
		name      string
		updates   []Update
		pending   bool
		scope     Scope
		shutdown  bool
		described string
	}{
		{
			name:    "nothing pending",
			updates: []Update{{Label: "Beta", Mandatory: false}},
		},
		{
			name:      "recommended only",
			updates:   []Update{{Label: "Safari 17.5", Mandatory: true}},
			pending:   true,
			scope:     ScopeRecommended,
			described: "Safari 17.5",
		},
		{
			name: "restart promotes scope to all",
			updates: []Update{
				{Label: "Safari 17.5", Mandatory: true},
				{Label: "macOS 14.5", Mandatory: true, RestartRequired: true},
			},
			pending:   true,
			scope:     ScopeAll,
			described: "Safari 17.5, macOS 14.5",
		},
		{
			name: "non-mandatory restart does not promote",
			updates: []Update{
				{Label: "Safari 17.5", Mandatory: true},
				{Label: "Beta OS", RestartRequired: true},
			},
			pending:   true,
			scope:     ScopeRecommended,
			described: "Safari 17.5",
		},
		{
			name: "shutdown-only firmware",
			updates: []Update{
				{Label: "Firmware 2.1", Mandatory: true, RestartRequired: true, ShutdownOnly: true},
			},
			pending:   true,
			scope:     ScopeAll,
			shutdown:  true,
			described: "Firmware 2.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Snapshot{Updates: tt.updates}
			if s.Pending() != tt.pending {
				t.Errorf("Pending() = %v, want %v", s.Pending(), tt.pending)
			}
			if tt.pending && s.Scope() != tt.scope {
				t.Errorf("Scope() = %v, want %v", s.Scope(), tt.scope)
			}
			if s.ShutdownOnly() != tt.shutdown {
				t.Errorf("ShutdownOnly() = %v, want %v", s.ShutdownOnly(), tt.shutdown)
			}
			if s.Description() != tt.described {
				t.Errorf("Description() = %q, want %q", s.Description(), tt.described)
			}
		})
	}
}
