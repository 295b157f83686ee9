// Package event broadcasts pipeline lifecycle notifications.
//
// Events are purely observational: they let the CLI render progress, but
// carry no control-flow responsibility. Removing every subscriber must not
// change pipeline behavior, which is why Publish never blocks - a slow
// subscriber misses events rather than stalling the pipeline.
package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the lifecycle transition an event describes.
type Type string

// Event types emitted by the pipeline.
const (
	TypePipelineStarted  Type = "pipeline_started"
	TypePipelineFinished Type = "pipeline_finished"
	TypeDownloadStarted  Type = "download_started"
	TypeDownloadFinished Type = "download_finished"
	TypeDownloadFailed   Type = "download_failed"
	TypeJobStarted       Type = "job_started"
	TypeJobSucceeded     Type = "job_succeeded"
	TypeJobFailed        Type = "job_failed"
	TypeJobSkipped       Type = "job_skipped"
)

// Event is one pipeline lifecycle notification.
type Event struct {
	// ID uniquely identifies this event.
	ID uuid.UUID
	// RunID groups all events of one pipeline run.
	RunID uuid.UUID
	// Type is the lifecycle transition.
	Type Type
	// Target is the formula name or cask token, when applicable.
	Target string
	// PackageKind is "formula" or "cask", when applicable.
	PackageKind string
	// Action is "install", "upgrade" or "reinstall", when applicable.
	Action string
	// Bytes is the downloaded size for download events.
	Bytes int64
	// Err is the failure message for *_failed events.
	Err string
	// Time is when the event was published.
	Time time.Time
}

// Bus is a broadcast-only event channel. Multiple subscribers each receive
// every event published after they subscribed. The zero value is not usable;
// use NewBus.
type Bus struct {
	mu     sync.Mutex
	runID  uuid.UUID
	subs   map[int]chan Event
	nextID int
	closed bool
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls further behind than this loses events instead of blocking
// the publisher.
const subscriberBuffer = 256

// NewBus creates a Bus for one pipeline run.
func NewBus() *Bus {
	return &Bus{
		runID: uuid.New(),
		subs:  make(map[int]chan Event),
	}
}

// RunID returns the identifier shared by all events on this bus.
func (b *Bus) RunID() uuid.UUID { return b.runID }

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes its channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish broadcasts an event to all current subscribers. The event's ID,
// RunID and Time are filled in if unset. Publish never blocks.
func (b *Bus) Publish(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RunID == uuid.Nil {
		e.RunID = b.runID
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- e:
		default:
			// Subscriber is behind; events are advisory, drop.
		}
	}
}

// Close closes all subscriber channels. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
