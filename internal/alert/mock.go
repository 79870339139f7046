package alert

import (
	"context"
	"sync"
)

// Recorder is a Notifier that keeps every alert in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

// NewRecorder creates a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify records a. It returns the error set by FailWith.
func (r *Recorder) Notify(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, a)
	return nil
}

// FailWith makes later Notify calls return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
