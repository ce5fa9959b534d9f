package sandbox

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"csv-chat-sandbox/internal/config"
	"csv-chat-sandbox/internal/policy"
)

// Backend executes candidate code. Runner is the in-process implementation;
// the interface lets the pipeline and API be tested against fakes.
type Backend interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Policy() *policy.Policy
	ActiveCount() int64
	Close(ctx context.Context) error
}

// LimitsFromConfig maps the sandbox config section onto Limits.
func LimitsFromConfig(cfg config.SandboxConfig) Limits {
	return Limits{
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxTimeout:       cfg.MaxTimeout,
		MaxCallStackSize: cfg.MaxCallStackSize,
		MaxCodeBytes:     cfg.MaxCodeBytes,
		MaxConcurrent:    cfg.MaxConcurrent,
		MaxLogBytes:      cfg.MaxLogBytes,
	}
}

// PolicyFromConfig loads the configured policy file, if any, and applies the
// mode override.
func PolicyFromConfig(cfg config.PolicyConfig) (*policy.Policy, error) {
	spec := policy.DefaultSpec()
	if cfg.File != "" {
		p, err := policy.Load(cfg.File)
		if err != nil {
			return nil, err
		}
		spec = p.Spec()
	}
	if cfg.Mode != "" {
		spec.Mode = policy.Mode(cfg.Mode)
	}
	return policy.New(spec)
}

// NewBackend builds the configured backend.
func NewBackend(cfg *config.Config) (Backend, error) {
	p, err := PolicyFromConfig(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	switch cfg.Sandbox.Backend {
	case "", "goja":
		runner, err := NewRunner(p, LimitsFromConfig(cfg.Sandbox))
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("policy_mode", string(p.Mode())).
			Int("max_concurrent", cfg.Sandbox.MaxConcurrent).
			Dur("default_timeout", cfg.Sandbox.DefaultTimeout).
			Msg("using in-process goja backend")
		return runner, nil
	default:
		return nil, fmt.Errorf("unknown backend %q: must be goja", cfg.Sandbox.Backend)
	}
}
