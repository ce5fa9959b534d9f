package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RunLogger persists a finished run. *DB implements it.
type RunLogger interface {
	LogRun(ctx context.Context, run *Run) error
}

// AuditWriter persists runs off the request path through a bounded buffer.
// Records are dropped, never blocked on, when the buffer is full.
type AuditWriter struct {
	sink      RunLogger
	ch        chan *Run
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	backoff   time.Duration
	onDrop    func()
}

func NewAuditWriter(sink RunLogger, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		sink:    sink,
		ch:      make(chan *Run, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

// OnDrop registers a hook called for every dropped record.
func (w *AuditWriter) OnDrop(fn func()) {
	w.onDrop = fn
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log enqueues a run and reports whether it was accepted.
func (w *AuditWriter) Log(run *Run) bool {
	select {
	case <-w.done:
		log.Warn().Str("run_id", run.ID).Msg("audit writer closed, dropping log entry")
	default:
		select {
		case w.ch <- run:
			return true
		default:
			log.Warn().Str("run_id", run.ID).Msg("audit buffer full, dropping log entry")
		}
	}
	if w.onDrop != nil {
		w.onDrop()
	}
	return false
}

func (w *AuditWriter) Flush(timeout time.Duration) {
	w.closeOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case run := <-w.ch:
			w.writeWithRetry(run)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case run := <-w.ch:
					w.writeWithRetry(run)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(run *Run) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.sink.LogRun(ctx, run)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("run_id", run.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("run_id", run.ID).
				Msg("audit write failed permanently after retries")
		}
	}
}
