package downloader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/recitation_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_DeliversInOrder(t *testing.T) {
	b := NewBridge()

	var (
		mu  sync.Mutex
		got []int
	)

	b.OnProgress(func(e Event) {
		mu.Lock()
		defer mu.Unlock()

		got = append(got, e.Progress)
	})

	for i := 0; i <= 100; i++ {
		b.Emit(Event{Kind: EventProgress, ID: "afs_1_low", Progress: i})
	}

	b.Close()

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, got, 101)

	for i, p := range got {
		assert.Equal(t, i, p)
	}
}

func TestBridge_RoutesByKind(t *testing.T) {
	b := NewBridge()

	var progress, status int

	b.OnProgress(func(Event) { progress++ })
	b.OnStatus(func(Event) { status++ })

	b.Emit(Event{Kind: EventProgress})
	b.Emit(Event{Kind: EventStatus})
	b.Emit(Event{Kind: EventStatus})
	b.Close()

	assert.Equal(t, 1, progress)
	assert.Equal(t, 2, status)
}

func TestBridge_Unsubscribe(t *testing.T) {
	b := NewBridge()
	defer b.Close()

	received := make(chan Event, 4)
	unsubscribe := b.OnStatus(func(e Event) { received <- e })

	b.Emit(Event{Kind: EventStatus, ID: "first"})

	select {
	case e := <-received:
		assert.Equal(t, "first", e.ID)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}

	unsubscribe()
	b.Emit(Event{Kind: EventStatus, ID: "second"})

	assert.Never(t, func() bool { return len(received) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBridge_HandlersMayEmit(t *testing.T) {
	b := NewBridge()

	done := make(chan struct{})

	b.OnStatus(func(e Event) {
		if e.Status == storage.StatusQueued {
			b.Emit(Event{Kind: EventStatus, ID: e.ID, Status: storage.StatusDownloading})

			return
		}

		close(done)
	})

	b.Emit(Event{Kind: EventStatus, ID: "afs_1_low", Status: storage.StatusQueued})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reentrant emit was not delivered")
	}

	b.Close()
}

func TestBridge_HandlersMayCallManager(t *testing.T) {
	h := newHarness(t, 5)

	seen := make(chan storage.Status, 8)

	h.manager.OnStatus(func(e Event) {
		rec, err := h.manager.Get(context.Background(), e.ID)
		if err == nil {
			seen <- rec.Status
		}
	})

	_, err := h.manager.Download(context.Background(), testItem(1), storage.QualityMedium)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(seen) >= 2 }, time.Second, 5*time.Millisecond)
}

func TestBridge_EmitAfterCloseIsDropped(t *testing.T) {
	b := NewBridge()

	called := false
	b.OnStatus(func(Event) { called = true })

	b.Close()
	b.Emit(Event{Kind: EventStatus})
	b.Close()

	assert.False(t, called)
}
