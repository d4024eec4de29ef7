package catalog

import (
	"sync"
	"time"
)

// ChangeKind identifies which entity a change feed event describes.
type ChangeKind string

// Feed-carrying entities.
const (
	ChangeModel ChangeKind = "model"
	ChangeAlert ChangeKind = "alert"
	ChangeJob   ChangeKind = "job"
)

// Change is one typed change feed event. For a single model, events are
// published in promotion order; subscribers must process them in arrival
// order.
type Change struct {
	Kind  ChangeKind
	ID    string
	State string
	At    time.Time
}

// Feed is a many-subscriber broadcast channel for catalog changes. Stores
// publish after their transaction commits, never before, so a subscriber
// always observes committed state when it re-reads the catalog.
//
// Each subscriber owns a buffered channel. A subscriber that stops draining
// loses events once its buffer fills rather than blocking publishers. The
// catalog remains the source of truth, the feed is only an invalidation
// signal.
type Feed struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Change
	bufSize int
}

const defaultFeedBuffer = 256

// NewFeed creates an empty change feed.
func NewFeed() *Feed {
	return &Feed{
		subs:    make(map[int]chan Change),
		bufSize: defaultFeedBuffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel.
func (f *Feed) Subscribe() (<-chan Change, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++

	ch := make(chan Change, f.bufSize)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()

		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish delivers the change to every subscriber. Publish never blocks: a
// full subscriber buffer drops the event for that subscriber only.
func (f *Feed) Publish(c Change) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
