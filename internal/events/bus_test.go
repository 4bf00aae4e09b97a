package events

import (
	"sync"
	"testing"
)

func TestPublish_DeliversInOrder(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe(MachineStateChanged, func(ev Event) {
		got = append(got, ev.Data["state"].(string))
	})

	bus.Publish(MachineStateChanged, "test", map[string]any{"state": "on"})
	bus.Publish(MachineStateChanged, "test", map[string]any{"state": "off"})
	bus.Publish(RecordingStarted, "test", nil) // different type, not delivered

	if len(got) != 2 || got[0] != "on" || got[1] != "off" {
		t.Errorf("delivered = %v, want [on off]", got)
	}
}

func TestPublish_SynchronousDelivery(t *testing.T) {
	bus := NewBus()

	delivered := false
	bus.Subscribe(RecordingStarted, func(ev Event) {
		delivered = true
	})

	bus.Publish(RecordingStarted, "test", nil)
	// No synchronization needed: delivery happens on the publisher's goroutine.
	if !delivered {
		t.Error("delivery must complete before Publish returns")
	}
}

func TestPublish_PanicIsolation(t *testing.T) {
	bus := NewBus()

	var reached bool
	bus.Subscribe(RecordingError, func(ev Event) {
		panic("subscriber bug")
	})
	bus.Subscribe(RecordingError, func(ev Event) {
		reached = true
	})

	bus.Publish(RecordingError, "test", nil)
	if !reached {
		t.Error("a panicking subscriber must not affect its peers")
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()

	var count int
	bus.SubscribeAll(func(ev Event) { count++ })

	bus.Publish(MachineStateChanged, "test", nil)
	bus.Publish(BusConnected, "test", nil)
	bus.Publish(SystemShutdown, "test", nil)

	if count != 3 {
		t.Errorf("catch-all handler saw %d events, want 3", count)
	}
}

func TestHistory_Bounded(t *testing.T) {
	bus := NewBus()

	for i := 0; i < historySize+50; i++ {
		bus.Publish(CameraStatusChanged, "test", nil)
	}

	if got := len(bus.History(0)); got != historySize {
		t.Errorf("history length = %d, want %d", got, historySize)
	}
	if got := len(bus.History(10)); got != 10 {
		t.Errorf("limited history length = %d, want 10", got)
	}
}

func TestPublish_ConcurrentPublishers(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(RecordingStopped, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(RecordingStopped, "test", nil)
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("delivered %d events, want 1000", count)
	}
}
