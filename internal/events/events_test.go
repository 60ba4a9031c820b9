package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Ning0612/xferd/internal/domain"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []int

	bus.OnProgress(func(ProgressEvent) { order = append(order, 1) })
	bus.OnProgress(func(ProgressEvent) { order = append(order, 2) })
	bus.OnProgress(func(ProgressEvent) { order = append(order, 3) })

	bus.PublishProgress(ProgressEvent{ID: "t1", Progress: 50})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("unexpected delivery order: %v", order)
	}
}

func TestBus_TypedPayloads(t *testing.T) {
	bus := NewBus(nil)
	session := domain.TransferSession{ID: "t1", Status: domain.StatusActive}

	var gotStart StartEvent
	var gotEnd EndEvent
	var gotErr ErrorEvent
	var gotProgress ProgressEvent

	bus.OnStart(func(e StartEvent) { gotStart = e })
	bus.OnEnd(func(e EndEvent) { gotEnd = e })
	bus.OnError(func(e ErrorEvent) { gotErr = e })
	bus.OnProgress(func(e ProgressEvent) { gotProgress = e })

	cause := errors.New("connection reset")
	bus.PublishStart(StartEvent{Session: session})
	bus.PublishProgress(ProgressEvent{ID: "t1", Progress: 20, Transferred: 20, Total: 100})
	bus.PublishEnd(EndEvent{Session: session})
	bus.PublishError(ErrorEvent{Session: session, Err: cause})

	if gotStart.Session.ID != "t1" || gotEnd.Session.ID != "t1" {
		t.Error("start/end payload mismatch")
	}
	if gotProgress.Transferred != 20 || gotProgress.Total != 100 || gotProgress.Progress != 20 {
		t.Errorf("unexpected progress payload: %+v", gotProgress)
	}
	if !errors.Is(gotErr.Err, cause) {
		t.Errorf("unexpected error payload: %+v", gotErr)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0

	unsub := bus.OnEnd(func(EndEvent) { calls++ })
	bus.PublishEnd(EndEvent{})
	unsub()
	unsub() // second call is harmless
	bus.PublishEnd(EndEvent{})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestBus_HasErrorListeners(t *testing.T) {
	bus := NewBus(nil)
	if bus.HasErrorListeners() {
		t.Error("new bus should have no error listeners")
	}

	unsub := bus.OnError(func(ErrorEvent) {})
	if !bus.HasErrorListeners() {
		t.Error("expected error listener after subscribe")
	}

	unsub()
	if bus.HasErrorListeners() {
		t.Error("expected no error listeners after unsubscribe")
	}
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus(nil)
	reached := false

	bus.OnStart(func(StartEvent) { panic("listener bug") })
	bus.OnStart(func(StartEvent) { reached = true })

	bus.PublishStart(StartEvent{})

	if !reached {
		t.Error("handler after a panicking handler was not called")
	}
}

func TestBus_ReentrantSubscribe(t *testing.T) {
	bus := NewBus(nil)
	done := make(chan struct{})

	go func() {
		defer close(done)
		var unsub Unsubscribe
		unsub = bus.OnEnd(func(EndEvent) {
			// Would deadlock if handlers ran under the topic lock
			unsub()
			bus.OnEnd(func(EndEvent) {})
		})
		bus.PublishEnd(EndEvent{})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock detected - handler was called while holding lock")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	var mu sync.Mutex
	count := 0
	bus.OnProgress(func(ProgressEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.PublishProgress(ProgressEvent{})
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("expected 1000 deliveries, got %d", count)
	}
}
