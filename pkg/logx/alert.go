package logx

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// alertWriter is a zerolog sink for records an operator has to look at
// (failing scheduled actions, lost run-state). Records below min are ignored.
// Bursts beyond the limiter are dropped and counted, never blocking callers.
type alertWriter struct {
	mu      sync.Mutex
	f       *os.File
	min     zerolog.Level
	limiter *rate.Limiter
	dropped atomic.Uint64
}

func (w *alertWriter) Write(p []byte) (int, error) {
	// Default to info when WriteLevel isn't used.
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.min {
		return len(p), nil
	}
	if !w.limiter.Allow() {
		w.dropped.Add(1)
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(p); err != nil {
		// Alerts are best-effort; the primary sinks still carry the record.
		w.dropped.Add(1)
	}
	return len(p), nil
}
