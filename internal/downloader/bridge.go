package downloader

import (
	"sync"
	"time"

	"github.com/italolelis/recitation_downloader/internal/storage"
)

type EventKind string

const (
	EventProgress EventKind = "progress"
	EventStatus   EventKind = "status"
)

// Event is a progress or status change of one download record.
type Event struct {
	Kind      EventKind       `json:"kind"`
	ID        string          `json:"id"`
	GroupID   string          `json:"groupId"`
	ItemID    int             `json:"itemId"`
	Quality   storage.Quality `json:"quality"`
	Status    storage.Status  `json:"status"`
	Progress  int             `json:"progress"`
	FileSize  int64           `json:"fileSize,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func newEvent(kind EventKind, r *storage.Record) Event {
	return Event{
		Kind:      kind,
		ID:        r.ID,
		GroupID:   r.GroupID,
		ItemID:    r.ItemID,
		Quality:   r.Quality,
		Status:    r.Status,
		Progress:  r.Progress,
		FileSize:  r.FileSize,
		Error:     r.LastError,
		Timestamp: time.Now(),
	}
}

type subscription struct {
	id   uint64
	kind EventKind
	fn   func(Event)
}

// Bridge delivers manager events to subscribers from a single dispatcher
// goroutine, in emit order. Emit never blocks, so handlers may call back into
// the manager.
type Bridge struct {
	mu      sync.Mutex
	queue   []Event
	subs    []subscription
	nextID  uint64
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func NewBridge() *Bridge {
	b := &Bridge{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}

	go b.dispatch()

	return b
}

// OnProgress subscribes fn to progress events. The returned func unsubscribes.
func (b *Bridge) OnProgress(fn func(Event)) func() {
	return b.subscribe(EventProgress, fn)
}

// OnStatus subscribes fn to status events. The returned func unsubscribes.
func (b *Bridge) OnStatus(fn func(Event)) func() {
	return b.subscribe(EventStatus, fn)
}

func (b *Bridge) subscribe(kind EventKind, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: kind, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)

				return
			}
		}
	}
}

// Emit queues an event for delivery.
func (b *Bridge) Emit(e Event) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return
	}

	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close delivers the events already queued and stops the dispatcher.
func (b *Bridge) Close() {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		<-b.stopped

		return
	}

	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}

	<-b.stopped
}

func (b *Bridge) dispatch() {
	defer close(b.stopped)

	for range b.wake {
		for {
			b.mu.Lock()

			if len(b.queue) == 0 {
				closed := b.closed
				b.mu.Unlock()

				if closed {
					return
				}

				break
			}

			e := b.queue[0]
			b.queue = b.queue[1:]
			subs := append([]subscription(nil), b.subs...)
			b.mu.Unlock()

			for _, s := range subs {
				if s.kind == e.Kind {
					s.fn(e)
				}
			}
		}
	}
}
