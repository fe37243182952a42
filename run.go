package casc

import (
	"context"
	"sync/atomic"
)

// Run is a pipeline running in the background.
//
// Progress is delivered latest-value-wins: a slow consumer misses
// intermediate events but always observes the terminal one.
type Run struct {
	id       string
	cancel   context.CancelFunc
	progress chan ProgressEvent
	done     chan struct{}
	state    atomic.Uint32

	// Set before done is closed.
	result *Result
	err    error
}

func newRun(id string, cancel context.CancelFunc) *Run {
	return &Run{
		id:       id,
		cancel:   cancel,
		progress: make(chan ProgressEvent, 1),
		done:     make(chan struct{}),
	}
}

// ID returns the run id attached to its log records.
func (r *Run) ID() string {
	return r.id
}

// Progress returns the event channel. It is closed after the terminal event.
func (r *Run) Progress() <-chan ProgressEvent {
	return r.progress
}

// State returns the current state.
func (r *Run) State() State {
	return State(r.state.Load())
}

// Cancel requests cancellation. The run stops at the next stage boundary.
// Safe to call from any goroutine, any number of times.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its outcome.
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

// publish records the state and hands ev to the consumer, replacing an
// event the consumer has not taken yet. It never blocks.
func (r *Run) publish(ev ProgressEvent) {
	r.state.Store(uint32(ev.State))
	for {
		select {
		case r.progress <- ev:
			return
		default:
		}
		select {
		case <-r.progress:
		default:
		}
	}
}

func (r *Run) finish(res *Result, err error) {
	r.result, r.err = res, err
	close(r.progress)
	close(r.done)
}
