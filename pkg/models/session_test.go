package models

import (
	"encoding/json"
	"testing"
)

func TestBashPolicy_UnmarshalShapes(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantMode BashMode
		wantCmds int
	}{
		{"legacy true", `true`, BashUnrestricted, 0},
		{"legacy false", `false`, BashDenied, 0},
		{"legacy list", `["ls","git status"]`, BashList, 2},
		{"legacy empty list", `[]`, BashDenied, 0},
		{"object", `{"mode":"list","commands":["ls"]}`, BashList, 1},
		{"object no mode", `{"commands":null}`, BashDenied, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p BashPolicy
			if err := json.Unmarshal([]byte(tt.raw), &p); err != nil {
				t.Fatalf("unmarshal %q: %v", tt.raw, err)
			}
			if p.Mode != tt.wantMode {
				t.Errorf("mode = %q, want %q", p.Mode, tt.wantMode)
			}
			if len(p.Commands) != tt.wantCmds {
				t.Errorf("commands = %d, want %d", len(p.Commands), tt.wantCmds)
			}
		})
	}
}

func TestBashPolicy_Allows(t *testing.T) {
	tests := []struct {
		name    string
		policy  BashPolicy
		command string
		want    bool
	}{
		{"unrestricted", BashPolicy{Mode: BashUnrestricted}, "rm -r build", true},
		{"denied", BashPolicy{Mode: BashDenied}, "ls", false},
		{"list exact", BashPolicy{Mode: BashList, Commands: []string{"git status"}}, "git status", true},
		{"list base word", BashPolicy{Mode: BashList, Commands: []string{"ls"}}, "ls -la", true},
		{"list miss", BashPolicy{Mode: BashList, Commands: []string{"ls"}}, "cat /etc/passwd", false},
		{"empty mode", BashPolicy{}, "ls", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Allows(tt.command); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func TestSessionPermissions_LegacyTrustMode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want TrustLevel
	}{
		{"modern sandboxed", `{"trust_level":"sandboxed"}`, TrustSandboxed},
		{"modern direct", `{"trust_level":"direct"}`, TrustDirect},
		{"legacy true only", `{"trust_mode":true}`, TrustDirect},
		{"legacy false only", `{"trust_mode":false}`, TrustSandboxed},
		// trust_level is canonical: a stale trust_mode never promotes it.
		{"conflict stays sandboxed", `{"trust_level":"sandboxed","trust_mode":true}`, TrustSandboxed},
		{"neither defaults sandboxed", `{}`, TrustSandboxed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p SessionPermissions
			if err := json.Unmarshal([]byte(tt.raw), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if p.Trust != tt.want {
				t.Errorf("trust = %q, want %q", p.Trust, tt.want)
			}
		})
	}
}

func TestPermissionsOf_Defaults(t *testing.T) {
	s := &Session{ID: "s1", Source: SourceTelegram}
	p := PermissionsOf(s)
	if p.Trust != TrustSandboxed {
		t.Errorf("default trust = %q, want sandboxed", p.Trust)
	}
	if p.Bash.Mode != BashDenied {
		t.Errorf("default bash mode = %q, want denied", p.Bash.Mode)
	}
}

func TestPermissionsOf_RoundTrip(t *testing.T) {
	s := &Session{ID: "s1", Source: SourceWeb}
	in := SessionPermissions{
		Trust:      TrustDirect,
		ReadGlobs:  []string{"Notes/**"},
		WriteGlobs: []string{"Blogs/**"},
		Bash:       BashPolicy{Mode: BashList, Commands: []string{"ls"}},
	}
	StorePermissions(s, in)

	if s.Trust != TrustDirect {
		t.Errorf("session trust not synced: %q", s.Trust)
	}

	// Round-trip through JSON the way the store does.
	blob, err := json.Marshal(s.Metadata)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(blob, &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	out := PermissionsOf(&Session{ID: "s1", Metadata: meta})

	if out.Trust != in.Trust {
		t.Errorf("trust = %q, want %q", out.Trust, in.Trust)
	}
	if len(out.ReadGlobs) != 1 || out.ReadGlobs[0] != "Notes/**" {
		t.Errorf("read globs = %v", out.ReadGlobs)
	}
	if !out.Bash.Allows("ls -la") {
		t.Error("bash list lost in round-trip")
	}
}

func TestShortSessionID(t *testing.T) {
	if got := ShortSessionID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("ShortSessionID = %q", got)
	}
	if got := ShortSessionID("short"); got != "short" {
		t.Errorf("ShortSessionID short input = %q", got)
	}
}

func TestSessionSource_Trusted(t *testing.T) {
	trusted := []SessionSource{SourceWeb, SourceCLI}
	for _, s := range trusted {
		if !s.Trusted() {
			t.Errorf("%s should be trusted", s)
		}
	}
	untrusted := []SessionSource{SourceTelegram, SourceDiscord, SourceMatrix, SourceScheduler, SourceUnknown, SessionSource("")}
	for _, s := range untrusted {
		if s.Trusted() {
			t.Errorf("%s must not be trusted", s)
		}
	}
}
