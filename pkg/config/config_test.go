package config

import (
	"encoding/json"
	"testing"
)

func TestParseLaunch(t *testing.T) {
	cfg, err := ParseLaunch(json.RawMessage(`{"request":"launch","program":"/tmp/a.out","cwd":"/tmp","debugserverPort":4321}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Program != "/tmp/a.out" {
		t.Errorf("wrong program: %q", cfg.Program)
	}
	if cfg.DebugserverPort != 4321 {
		t.Errorf("wrong port: %d", cfg.DebugserverPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestParseLaunchBadType(t *testing.T) {
	_, err := ParseLaunch(json.RawMessage(`{"program":12}`))
	if err == nil {
		t.Fatal("expected unmarshal error")
	}
	if got := err.Error(); got != `cannot unmarshal number into "program" of type string` {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestValidateMissingProgram(t *testing.T) {
	cfg := &LaunchConfig{DebugserverPort: 1234}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing program")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(ConfigEnvVar, `{"program":"/tmp/x","debugserverPort":0}`)
	cfg, ok, err := FromEnv()
	if err != nil || !ok {
		t.Fatalf("FromEnv: ok=%v err=%v", ok, err)
	}
	if cfg.Program != "/tmp/x" || cfg.DebugserverPort != 0 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	t.Setenv(ConfigEnvVar, "")
	if _, ok, _ := FromEnv(); ok {
		t.Error("expected ok=false for empty env var")
	}
}
