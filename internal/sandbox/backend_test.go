package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"csv-chat-sandbox/internal/config"
	"csv-chat-sandbox/internal/policy"
)

func TestNewBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	b, err := NewBackend(cfg)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer b.Close(context.Background())

	if b.Policy().Mode() != policy.ModeNoImports {
		t.Errorf("Mode = %s, want no_imports", b.Policy().Mode())
	}
	runner, ok := b.(*Runner)
	if !ok {
		t.Fatalf("backend = %T, want *Runner", b)
	}
	if runner.Limits().MaxConcurrent != cfg.Sandbox.MaxConcurrent {
		t.Errorf("MaxConcurrent = %d, want %d", runner.Limits().MaxConcurrent, cfg.Sandbox.MaxConcurrent)
	}

	cfg.Sandbox.Backend = "docker"
	if _, err := NewBackend(cfg); err == nil {
		t.Error("NewBackend(docker) succeeded, want error")
	}
}

func TestPolicyFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "mode: allowlist\nallowed_modules: [np]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := PolicyFromConfig(config.PolicyConfig{File: path})
	if err != nil {
		t.Fatalf("PolicyFromConfig: %v", err)
	}
	if !p.AllowsModule("np") || p.AllowsModule("pd") {
		t.Errorf("AllowedModules = %v, want [np]", p.AllowedModules())
	}

	p, err = PolicyFromConfig(config.PolicyConfig{File: path, Mode: "no_imports"})
	if err != nil {
		t.Fatalf("PolicyFromConfig: %v", err)
	}
	if p.ImportsAllowed() {
		t.Error("mode override ignored")
	}

	if _, err := PolicyFromConfig(config.PolicyConfig{Mode: "everything"}); err == nil {
		t.Error("unknown mode accepted")
	}
}
