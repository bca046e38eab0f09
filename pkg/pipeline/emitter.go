package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind is the type of an outcome event
type Kind string

const (
	// KindProcess reports the counts of a processed batch
	KindProcess Kind = "process"
	// KindError reports a batch that could not be processed
	KindError Kind = "error"
)

// Event is published once per processed batch
type Event struct {
	Kind    Kind
	Source  Origin
	Success int
	Fail    int
	// Anomaly marks a batch whose failure count had to be clamped to zero
	Anomaly bool
	Err     error
	// Duration covers translation and the bulk write
	Duration time.Duration
}

// Handler receives events of the kind it subscribed to
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Emitter delivers events to subscribers. Emit never blocks: events are
// queued and handed to subscribers in order by a single dispatch goroutine.
// A panicking subscriber is recovered and does not affect other subscribers.
type Emitter struct {
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[Kind][]subscription
	nextID        uint64
	queue         []Event
	closed        bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// NewEmitter creates an emitter and starts its dispatch goroutine
func NewEmitter(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Emitter{
		logger:        logger,
		subscriptions: make(map[Kind][]subscription),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// Subscribe registers handler for events of the given kind. The returned
// function removes the subscription; calling it more than once is harmless.
func (e *Emitter) Subscribe(kind Kind, handler Handler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subscriptions[kind] = append(e.subscriptions[kind], subscription{id: id, handler: handler})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.unsubscribe(kind, id) })
	}
}

func (e *Emitter) unsubscribe(kind Kind, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscriptions[kind]
	for i, sub := range subs {
		if sub.id == id {
			e.subscriptions[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit queues an event for delivery. Events emitted after Close are dropped.
func (e *Emitter) Emit(event Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, event)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Close delivers every queued event and stops the dispatch goroutine
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	e.mu.Unlock()
	<-e.stopped
}

func (e *Emitter) dispatch() {
	defer close(e.stopped)
	for {
		select {
		case <-e.wake:
			e.drain()
		case <-e.done:
			e.drain()
			return
		}
	}
}

func (e *Emitter) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		event := e.queue[0]
		e.queue[0] = Event{}
		e.queue = e.queue[1:]
		subs := append([]subscription(nil), e.subscriptions[event.Kind]...)
		e.mu.Unlock()

		for _, sub := range subs {
			e.deliver(sub.handler, event)
		}
	}
}

func (e *Emitter) deliver(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("event subscriber panicked",
				zap.String("kind", string(event.Kind)),
				zap.String("source", string(event.Source)),
				zap.Any("panic", r))
		}
	}()
	handler(event)
}
