// Package testutil provides helpers shared by the package tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/switchyard/internal/event"
)

// WaitTimeout bounds WaitFor.
const WaitTimeout = 2 * time.Second

// WaitFor polls cond until it holds, failing the test after WaitTimeout.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Recorder captures events delivered to it. Its zero value is ready to use.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
}

// Record subscribes a new recorder to every event on bus.
func Record(t *testing.T, bus *event.Bus) *Recorder {
	t.Helper()
	r := &Recorder{}
	if _, err := bus.SubscribeAll(r.Handle); err != nil {
		t.Fatalf("SubscribeAll() error = %v", err)
	}
	return r
}

// Handle is an event.Handler.
func (r *Recorder) Handle(_ context.Context, e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// All returns every recorded event in delivery order.
func (r *Recorder) All() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the type of every recorded event in delivery order.
func (r *Recorder) Types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
