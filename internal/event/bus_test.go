package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/cadence/internal/logging"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	id := bus.Subscribe(TypeIterationStarted, func(e Event) { received = e })
	if id == "" {
		t.Fatal("Subscribe should return a non-empty ID")
	}

	bus.Publish(NewIterationStarted(t0, 3, "sess", "building", "T1"))

	started, ok := received.(IterationStarted)
	if !ok {
		t.Fatalf("received %T", received)
	}
	if started.Iteration != 3 || started.TaskID != "T1" || !started.Timestamp().Equal(t0) {
		t.Errorf("received %+v", started)
	}
}

func TestBus_OrderSpecificThenWildcard(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(TypeLoopHalted, func(Event) { order = append(order, "first") })
	bus.Subscribe(TypeLoopHalted, func(Event) { order = append(order, "second") })
	bus.Subscribe(TypePhaseChanged, func(Event) { order = append(order, "other") })

	bus.Publish(NewLoopHalted(t0, "stagnation:5"))

	if got := strings.Join(order, ","); got != "first,second,all" {
		t.Errorf("order = %s", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	id := bus.Subscribe(TypeLoopFinished, func(Event) { calls++ })
	keep := bus.Subscribe(TypeLoopFinished, func(Event) { calls += 10 })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe() = false for a live id")
	}
	if bus.Unsubscribe(id) {
		t.Error("Unsubscribe() = true for a removed id")
	}
	bus.Publish(NewLoopFinished(t0, "completed", 1, 1, 0.1, "validation"))

	if calls != 10 {
		t.Errorf("calls = %d, want only the remaining handler", calls)
	}
	if bus.SubscriptionCount() != 1 || !bus.Unsubscribe(keep) {
		t.Error("remaining subscription lost")
	}
}

func TestBus_PanicIsLoggedAndSkipped(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.NewWriterLogger(&buf, logging.LevelDebug))

	reached := false
	bus.Subscribe(TypePhaseChanged, func(Event) { panic("boom") })
	bus.Subscribe(TypePhaseChanged, func(Event) { reached = true })

	bus.Publish(NewPhaseChanged(t0, "discovery", "planning"))

	if !reached {
		t.Error("handler after the panicking one was not called")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(NewLoopHalted(t0, "x"))
}

func TestBus_Concurrent(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus.Publish(NewIterationStarted(t0, i, "s", "building", ""))
			id := bus.Subscribe("noise", func(Event) {})
			bus.Unsubscribe(id)
		}(i)
	}
	wg.Wait()

	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
}
