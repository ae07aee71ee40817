package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// recorder collects delivered events for assertions
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.snapshot()
}

func TestBus_PublishFansOut(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())
	defer bus.Close()

	a, b := &recorder{}, &recorder{}
	_, err := bus.Subscribe(a.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(b.handle)
	require.NoError(t, err)

	bus.Publish(Event{Kind: ExecutionStarted, AutomationID: "a1"})

	got := a.waitFor(t, 1)
	assert.Equal(t, ExecutionStarted, got[0].Kind)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	b.waitFor(t, 1)
}

func TestBus_KindFilter(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	rec := &recorder{}
	_, err := bus.Subscribe(rec.handle, ExecutionCompleted)
	require.NoError(t, err)

	bus.Publish(Event{Kind: ExecutionStarted, AutomationID: "a1"})
	bus.Publish(Event{Kind: ExecutionCompleted, AutomationID: "a1"})
	bus.Close()

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, ExecutionCompleted, got[0].Kind)
}

func TestBus_PerAutomationOrdering(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	_, err := bus.Subscribe(rec.handle)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for a := 0; a < 5; a++ {
		wg.Add(1)
		go func(a int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(Event{Kind: ExecutionStarted, AutomationID: fmt.Sprintf("auto-%d", a), Payload: map[string]any{"seq": i}})
			}
		}(a)
	}
	wg.Wait()
	bus.Close()

	last := map[string]int{}
	for _, ev := range rec.snapshot() {
		seq := ev.Payload["seq"].(int)
		prev, seen := last[ev.AutomationID]
		if seen {
			assert.Equal(t, prev+1, seq, "events for %s out of order", ev.AutomationID)
		}
		last[ev.AutomationID] = seq
	}
	assert.Len(t, last, 5)
}

func TestBus_FailingSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	block := make(chan struct{})
	_, err := bus.Subscribe(func(Event) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(func(Event) error { panic("subscriber bug") })
	require.NoError(t, err)
	_, err = bus.Subscribe(func(Event) error { return errors.New("webhook down") })
	require.NoError(t, err)

	healthy := &recorder{}
	_, err = bus.Subscribe(healthy.handle)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: ExecutionFailed, AutomationID: "a1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a subscriber")
	}

	healthy.waitFor(t, 10)
	require.Eventually(t, func() bool { return bus.Stats().Failed >= 20 }, 2*time.Second, 5*time.Millisecond)
	close(block)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	rec := &recorder{}
	unsubscribe, err := bus.Subscribe(rec.handle)
	require.NoError(t, err)

	bus.Publish(Event{Kind: PluginInstalled})
	rec.waitFor(t, 1)

	unsubscribe()
	bus.Publish(Event{Kind: PluginUninstalled})
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, rec.snapshot(), 1)
	assert.Equal(t, 0, bus.Stats().Subscribers)
}

func TestBus_HandlerMayUnsubscribeItself(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var unsubscribe func()
	called := make(chan struct{}, 1)
	var err error
	unsubscribe, err = bus.Subscribe(func(Event) error {
		unsubscribe()
		called <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	bus.Publish(Event{Kind: ConfigUpdated})
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestBus_MailboxOverflowDropsOldest(t *testing.T) {
	bus := NewBus(nil, WithMailboxSize(2))
	defer bus.Close()

	block := make(chan struct{})
	rec := &recorder{}
	_, err := bus.Subscribe(func(ev Event) error {
		<-block
		return rec.handle(ev)
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Kind: ExecutionStarted, Payload: map[string]any{"seq": i}})
	}
	close(block)

	require.Eventually(t, func() bool { return bus.Stats().Dropped > 0 }, time.Second, 5*time.Millisecond)
	got := rec.waitFor(t, 2)
	require.Eventually(t, func() bool {
		got = rec.snapshot()
		return got[len(got)-1].Payload["seq"] == 9
	}, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, len(got), 4)
}

func TestBus_ClosedRejectsSubscribers(t *testing.T) {
	bus := NewBus(nil)
	bus.Close()
	bus.Close()

	_, err := bus.Subscribe(func(Event) error { return nil })
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))

	// Publishing after close is a no-op
	bus.Publish(Event{Kind: ExecutionStarted})
	assert.Equal(t, uint64(0), bus.Stats().Published)
}

func TestBus_NilHandler(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	_, err := bus.Subscribe(nil)
	assert.Error(t, err)
}
