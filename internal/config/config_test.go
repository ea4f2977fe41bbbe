package config

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	in := &Config{ListenPort: 9000, DBPath: "/tmp/x.db", LogFormat: "text", LogLevel: "debug"}

	if err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero value", Config{}, false},
		{"valid", Config{ListenPort: 8080, LogFormat: "json", LogLevel: "warn"}, false},
		{"bad port", Config{ListenPort: 70000}, true},
		{"bad format", Config{LogFormat: "xml"}, true},
		{"bad level", Config{LogLevel: "verbose"}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestEffectiveDefaults(t *testing.T) {
	var c *Config
	if got := c.EffectiveListenPort(); got != 24110 {
		t.Errorf("nil config port = %d", got)
	}
	if got := c.EffectiveLogFormat(); got != "json" {
		t.Errorf("nil config format = %q", got)
	}
	if got := c.EffectiveLogLevel(); got != "info" {
		t.Errorf("nil config level = %q", got)
	}

	c = &Config{}
	if got := c.EffectiveListenPort(); got != 24110 {
		t.Errorf("empty config port = %d", got)
	}
}

func TestEffectiveDBPath(t *testing.T) {
	c := &Config{DBPath: "/data/store.db"}
	if got := c.EffectiveDBPath("/home/u/.agent-console/config.json"); got != "/data/store.db" {
		t.Errorf("explicit path = %q", got)
	}

	c = &Config{}
	want := filepath.Join("/home/u/.agent-console", "sessions.db")
	if got := c.EffectiveDBPath("/home/u/.agent-console/config.json"); got != want {
		t.Errorf("derived path = %q, want %q", got, want)
	}
}
