package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWatcher struct {
	id     string
	mu     sync.Mutex
	events []Event
	closed bool
	slow   time.Duration
	ctx    context.Context
	cancel context.CancelFunc
}

func newMockWatcher(id string) *mockWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &mockWatcher{id: id, ctx: ctx, cancel: cancel}
}

func (m *mockWatcher) ID() string { return m.id }

func (m *mockWatcher) Deliver(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrWatcherClosed
	}
	if m.slow > 0 {
		time.Sleep(m.slow)
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockWatcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cancel()
	return nil
}

func (m *mockWatcher) Context() context.Context { return m.ctx }

func (m *mockWatcher) received() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = bus.Stop(context.Background())
	})
	return bus
}

func TestBus_AttachDetach(t *testing.T) {
	bus := newTestBus(t)

	w := newMockWatcher("w1")
	require.NoError(t, bus.Attach(w))
	assert.Equal(t, 1, bus.Watchers())

	require.NoError(t, bus.Detach(w))
	assert.Equal(t, 0, bus.Watchers())
	assert.True(t, w.closed)

	// Detaching again is a no-op.
	require.NoError(t, bus.Detach(w))
}

func TestBus_PublishReachesEveryWatcher(t *testing.T) {
	bus := newTestBus(t)

	w1 := newMockWatcher("w1")
	w2 := newMockWatcher("w2")
	require.NoError(t, bus.Attach(w1))
	require.NoError(t, bus.Attach(w2))

	event := NewEvent(EventTypeSnapshotChanged, map[string]interface{}{"pendingOps": 3}, EventSourceFacade)
	require.NoError(t, bus.Publish(*event))

	require.Eventually(t, func() bool {
		return len(w1.received()) == 1 && len(w2.received()) == 1
	}, time.Second, 5*time.Millisecond)

	got := w1.received()[0]
	assert.Equal(t, EventTypeSnapshotChanged, got.Type)
	assert.Equal(t, 3, got.Data["pendingOps"])
}

func TestBus_SequenceIsMonotonic(t *testing.T) {
	bus := newTestBus(t)

	w := newMockWatcher("w1")
	require.NoError(t, bus.Attach(w))

	for i := 0; i < 5; i++ {
		event := NewEvent(EventTypeSyncCompleted, map[string]interface{}{"index": i}, EventSourceSyncEngine)
		require.NoError(t, bus.Publish(*event))
	}

	require.Eventually(t, func() bool { return len(w.received()) == 5 }, time.Second, 5*time.Millisecond)

	events := w.received()
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func TestBus_FullBacklogDropsInsteadOfBlocking(t *testing.T) {
	bus := newTestBus(t)

	slow := newMockWatcher("slow")
	slow.slow = 10 * time.Millisecond
	require.NoError(t, bus.Attach(slow))

	var dropped bool
	for i := 0; i < 2*backlogSize; i++ {
		event := NewEvent(EventTypeSnapshotChanged, nil, EventSourceFacade)
		if err := bus.Publish(*event); err != nil {
			require.ErrorIs(t, err, ErrBacklogFull)
			dropped = true
			break
		}
	}
	assert.True(t, dropped, "publishing past the backlog capacity must drop, not block")
}

func TestBus_FailingWatcherIsDetached(t *testing.T) {
	bus := newTestBus(t)

	w := newMockWatcher("doomed")
	require.NoError(t, bus.Attach(w))
	_ = w.Close() // Deliver now fails with ErrWatcherClosed

	event := NewEvent(EventTypeSnapshotChanged, nil, EventSourceFacade)
	require.NoError(t, bus.Publish(*event))

	require.Eventually(t, func() bool { return bus.Watchers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBus_ConcurrentAttachAndPublish(t *testing.T) {
	bus := newTestBus(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = bus.Attach(newMockWatcher("w"))
		}()
		go func() {
			defer wg.Done()
			event := NewEvent(EventTypeNetworkChanged, nil, EventSourceNetwork)
			_ = bus.Publish(*event)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, bus.Watchers())
}
