package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSink struct {
	mu       sync.Mutex
	runs     []string
	failures int
	calls    atomic.Int64
	block    chan struct{}
}

func (f *fakeSink) LogRun(_ context.Context, run *Run) error {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	f.runs = append(f.runs, run.ID)
	return nil
}

func (f *fakeSink) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

func TestAuditWriter_FlushDrains(t *testing.T) {
	sink := &fakeSink{}
	w := NewAuditWriter(sink, 16)
	w.Start()

	for _, id := range []string{"a", "b", "c"} {
		if !w.Log(&Run{ID: id}) {
			t.Fatalf("Log(%s) rejected", id)
		}
	}
	w.Flush(2 * time.Second)

	got := sink.ids()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("persisted = %v, want [a b c]", got)
	}
}

func TestAuditWriter_Retries(t *testing.T) {
	sink := &fakeSink{failures: 2}
	w := NewAuditWriter(sink, 4)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&Run{ID: "retry"})
	w.Flush(2 * time.Second)

	if got := sink.ids(); len(got) != 1 {
		t.Errorf("persisted = %v, want one run", got)
	}
	if got := sink.calls.Load(); got != 3 {
		t.Errorf("LogRun calls = %d, want 3", got)
	}
}

func TestAuditWriter_GivesUpAfterRetries(t *testing.T) {
	sink := &fakeSink{failures: 10}
	w := NewAuditWriter(sink, 4)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&Run{ID: "lost"})
	w.Flush(2 * time.Second)

	if got := sink.calls.Load(); got != 4 {
		t.Errorf("LogRun calls = %d, want 4", got)
	}
	if got := sink.ids(); len(got) != 0 {
		t.Errorf("persisted = %v, want none", got)
	}
}

func TestAuditWriter_DropsWhenFull(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{})}
	w := NewAuditWriter(sink, 1)
	var dropped atomic.Int64
	w.OnDrop(func() { dropped.Add(1) })
	w.Start()

	w.Log(&Run{ID: "in-flight"})
	// Wait for the loop to pick up the first record so the buffer is empty.
	deadline := time.Now().Add(time.Second)
	for sink.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if !w.Log(&Run{ID: "buffered"}) {
		t.Fatal("second Log should fit in the buffer")
	}
	if w.Log(&Run{ID: "overflow"}) {
		t.Error("third Log should be dropped")
	}
	if got := dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}

	close(sink.block)
	w.Flush(2 * time.Second)
}

func TestAuditWriter_LogAfterFlush(t *testing.T) {
	w := NewAuditWriter(&fakeSink{}, 4)
	w.Start()
	w.Flush(time.Second)
	w.Flush(time.Second)

	if w.Log(&Run{ID: "late"}) {
		t.Error("Log after Flush should be rejected")
	}
}
