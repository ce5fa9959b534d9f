package sandbox

import (
	"errors"
	"testing"
	"time"
)

func TestDevLimits(t *testing.T) {
	l := DevLimits()
	if l.DefaultTimeout != 10*time.Second {
		t.Errorf("DefaultTimeout = %s, want 10s", l.DefaultTimeout)
	}
	if l.MaxCallStackSize != 2000 {
		t.Errorf("MaxCallStackSize = %d, want 2000", l.MaxCallStackSize)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("DevLimits().Validate() = %v, want nil", err)
	}
}

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.DefaultTimeout != 6*time.Second {
		t.Errorf("DefaultTimeout = %s, want 6s", l.DefaultTimeout)
	}
	if l.MaxConcurrent != 16 {
		t.Errorf("MaxConcurrent = %d, want 16", l.MaxConcurrent)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v, want nil", err)
	}
}

func TestValidate_Ceilings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Limits)
	}{
		{"timeout too small", func(l *Limits) { l.DefaultTimeout = time.Millisecond }},
		{"default over max", func(l *Limits) { l.DefaultTimeout = l.MaxTimeout + time.Second }},
		{"max timeout over", func(l *Limits) { l.MaxTimeout = 10 * time.Minute }},
		{"stack too small", func(l *Limits) { l.MaxCallStackSize = 10 }},
		{"code too large", func(l *Limits) { l.MaxCodeBytes = 2 << 20 }},
		{"no workers", func(l *Limits) { l.MaxConcurrent = 0 }},
		{"negative logs", func(l *Limits) { l.MaxLogBytes = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DefaultLimits()
			tt.mutate(&l)
			err := l.Validate()
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Validate() = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestLimits_Timeout(t *testing.T) {
	l := DefaultLimits()
	if got, err := l.timeout(0); err != nil || got != l.DefaultTimeout {
		t.Errorf("timeout(0) = %s, %v, want %s", got, err, l.DefaultTimeout)
	}
	if got, err := l.timeout(time.Second); err != nil || got != time.Second {
		t.Errorf("timeout(1s) = %s, %v, want 1s", got, err)
	}
	if _, err := l.timeout(l.MaxTimeout + time.Second); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("timeout(over max) = %v, want ErrInvalidRequest", err)
	}
	if _, err := l.timeout(-time.Second); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("timeout(negative) = %v, want ErrInvalidRequest", err)
	}
}
