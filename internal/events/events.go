// Package events publishes case lifecycle events to interested listeners
// after the engine commits them.
package events

import (
	"context"
	"sync"
	"time"
)

// Event describes one committed transition.
type Event struct {
	CaseNumber   string    `json:"case_number"`
	TransitionID string    `json:"transition_id"`
	Kind         string    `json:"kind"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to"`
	Actor        string    `json:"actor"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	BackupID     string    `json:"backup_id,omitempty"`
	Version      int       `json:"version"`
	At           time.Time `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
