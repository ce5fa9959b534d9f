package sandbox

import (
	"fmt"
	"time"
)

type Limits struct {
	DefaultTimeout   time.Duration `json:"default_timeout" yaml:"default_timeout"`
	MaxTimeout       time.Duration `json:"max_timeout" yaml:"max_timeout"`
	MaxCallStackSize int           `json:"max_call_stack_size" yaml:"max_call_stack_size"` // JS frames, recursion guard
	MaxCodeBytes     int           `json:"max_code_bytes" yaml:"max_code_bytes"`
	MaxConcurrent    int           `json:"max_concurrent" yaml:"max_concurrent"` // Live workers, abandoned ones included
	MaxLogBytes      int           `json:"max_log_bytes" yaml:"max_log_bytes"`   // Captured print output
}

func DefaultLimits() Limits {
	return Limits{
		DefaultTimeout:   6 * time.Second,
		MaxTimeout:       30 * time.Second,
		MaxCallStackSize: 500,
		MaxCodeBytes:     64 * 1024,
		MaxConcurrent:    16,
		MaxLogBytes:      64 * 1024,
	}
}

// DevLimits relaxes the ceilings for local experiments.
func DevLimits() Limits {
	return Limits{
		DefaultTimeout:   10 * time.Second,
		MaxTimeout:       60 * time.Second,
		MaxCallStackSize: 2000,
		MaxCodeBytes:     256 * 1024,
		MaxConcurrent:    4,
		MaxLogBytes:      1 << 20,
	}
}

func (l Limits) Validate() error {
	if l.DefaultTimeout < 100*time.Millisecond || l.DefaultTimeout > l.MaxTimeout {
		return fmt.Errorf("%w: default_timeout must be 100ms-%s, got %s", ErrInvalidRequest, l.MaxTimeout, l.DefaultTimeout)
	}
	if l.MaxTimeout > 5*time.Minute {
		return fmt.Errorf("%w: max_timeout must be at most 5m, got %s", ErrInvalidRequest, l.MaxTimeout)
	}
	if l.MaxCallStackSize < 50 || l.MaxCallStackSize > 10000 {
		return fmt.Errorf("%w: max_call_stack_size must be 50-10000, got %d", ErrInvalidRequest, l.MaxCallStackSize)
	}
	if l.MaxCodeBytes < 1024 || l.MaxCodeBytes > 1<<20 {
		return fmt.Errorf("%w: max_code_bytes must be 1KiB-1MiB, got %d", ErrInvalidRequest, l.MaxCodeBytes)
	}
	if l.MaxConcurrent < 1 || l.MaxConcurrent > 1024 {
		return fmt.Errorf("%w: max_concurrent must be 1-1024, got %d", ErrInvalidRequest, l.MaxConcurrent)
	}
	if l.MaxLogBytes < 0 || l.MaxLogBytes > 16<<20 {
		return fmt.Errorf("%w: max_log_bytes must be 0-16MiB, got %d", ErrInvalidRequest, l.MaxLogBytes)
	}
	return nil
}

// timeout resolves a requested budget: zero means the default, anything
// above the ceiling is an invalid request.
func (l Limits) timeout(requested time.Duration) (time.Duration, error) {
	switch {
	case requested == 0:
		return l.DefaultTimeout, nil
	case requested < 0:
		return 0, fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidRequest, requested)
	case requested > l.MaxTimeout:
		return 0, fmt.Errorf("%w: timeout exceeds %s maximum", ErrInvalidRequest, l.MaxTimeout)
	}
	return requested, nil
}
