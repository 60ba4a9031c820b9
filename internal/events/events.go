package events

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/logger"
)

// StartEvent is published when a transfer becomes active
type StartEvent struct {
	Session domain.TransferSession
}

// ProgressEvent is published after every progress tick
type ProgressEvent struct {
	ID          string
	Progress    float64
	Transferred int64
	Total       int64
}

// EndEvent is published when a transfer completes or is cancelled
type EndEvent struct {
	Session domain.TransferSession
}

// ErrorEvent is published when a transfer fails
type ErrorEvent struct {
	Session domain.TransferSession
	Err     error
}

// Unsubscribe removes the handler it was returned for. Calling it more
// than once is harmless.
type Unsubscribe func()

// topic is the observer list for one event kind
type topic[T any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]func(T)
}

func (t *topic[T]) subscribe(fn func(T)) Unsubscribe {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handlers == nil {
		t.handlers = make(map[uint64]func(T))
	}
	id := t.next
	t.next++
	t.handlers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.handlers, id)
			t.mu.Unlock()
		})
	}
}

// snapshot returns handlers in subscription order
func (t *topic[T]) snapshot() []func(T) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]uint64, 0, len(t.handlers))
	for id := range t.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = t.handlers[id]
	}
	return fns
}

func (t *topic[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Bus delivers transfer lifecycle events to subscribers.
// Handlers run synchronously on the publishing goroutine, outside any
// lock, so events of one transfer arrive in order. A handler may
// subscribe or unsubscribe from inside a callback.
type Bus struct {
	start    topic[StartEvent]
	progress topic[ProgressEvent]
	end      topic[EndEvent]
	errs     topic[ErrorEvent]
	log      logger.Logger
}

// NewBus creates a new event bus. log may be nil.
func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.Get()
	}
	return &Bus{log: log.With("component", "events")}
}

// OnStart subscribes to start events
func (b *Bus) OnStart(fn func(StartEvent)) Unsubscribe { return b.start.subscribe(fn) }

// OnProgress subscribes to progress events
func (b *Bus) OnProgress(fn func(ProgressEvent)) Unsubscribe { return b.progress.subscribe(fn) }

// OnEnd subscribes to end events
func (b *Bus) OnEnd(fn func(EndEvent)) Unsubscribe { return b.end.subscribe(fn) }

// OnError subscribes to error events
func (b *Bus) OnError(fn func(ErrorEvent)) Unsubscribe { return b.errs.subscribe(fn) }

// HasErrorListeners reports whether anyone is subscribed to error events
func (b *Bus) HasErrorListeners() bool { return b.errs.len() > 0 }

// PublishStart delivers a start event
func (b *Bus) PublishStart(e StartEvent) { deliver(b, "start", b.start.snapshot(), e) }

// PublishProgress delivers a progress event
func (b *Bus) PublishProgress(e ProgressEvent) { deliver(b, "progress", b.progress.snapshot(), e) }

// PublishEnd delivers an end event
func (b *Bus) PublishEnd(e EndEvent) { deliver(b, "end", b.end.snapshot(), e) }

// PublishError delivers an error event
func (b *Bus) PublishError(e ErrorEvent) { deliver(b, "error", b.errs.snapshot(), e) }

func deliver[T any](b *Bus, kind string, handlers []func(T), e T) {
	for _, fn := range handlers {
		call(b, kind, fn, e)
	}
}

// call runs one handler; a panicking handler must not take down the transfer
func call[T any](b *Bus, kind string, fn func(T), e T) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event handler panicked", "event", kind, "panic", fmt.Sprint(r))
		}
	}()
	fn(e)
}
