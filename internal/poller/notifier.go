package poller

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"dashpoll/internal/metrics"
)

// EventKind distinguishes the payload carried by an Event.
type EventKind string

const (
	EventResult EventKind = "result"
	EventReport EventKind = "report"
)

// Event is delivered to subscribers once per applied cache update or
// completed reconciliation.
type Event struct {
	Seq    uint64             `json:"seq"`
	Kind   EventKind          `json:"kind"`
	Source string             `json:"source"`
	Result *PollResult        `json:"result,omitempty"`
	Report *ConsistencyReport `json:"report,omitempty"`
	At     time.Time          `json:"at"`
}

// clone gives each subscriber its own copy of the payload.
func (e Event) clone() Event {
	if e.Result != nil {
		r := e.Result.Clone()
		e.Result = &r
	}
	if e.Report != nil {
		rep := e.Report.Clone()
		e.Report = &rep
	}
	return e
}

// Listener receives events on the subscriber's own goroutine.
type Listener func(Event)

type subscription struct {
	id       uint64
	listener Listener

	mu      sync.Mutex
	queue   []Event
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an event is queued or the subscription stops.
func (s *subscription) pop() (Event, bool) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return Event{}, false
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
		}
	}
}

func (s *subscription) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	s.queue = nil
	close(s.done)
	return true
}

// Notifier fans events out to subscribers. Each subscriber has an unbounded
// FIFO and its own delivery goroutine, so a slow listener never blocks
// publishers or other listeners.
type Notifier struct {
	logger  *zap.Logger
	metrics metrics.Collector

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	seq    uint64
	closed bool
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewNotifier creates a notifier. A nil collector disables metrics.
func NewNotifier(logger *zap.Logger, collector metrics.Collector) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.Noop()
	}
	return &Notifier{
		logger:  logger,
		metrics: collector,
		subs:    make(map[uint64]*subscription),
		now:     time.Now,
	}
}

// Subscribe registers a listener and returns the function that removes it.
// Events published after unsubscribe returns are never queued for the
// listener, and pending ones are dropped. It is safe to call more than once
// and from inside the listener.
func (n *Notifier) Subscribe(listener Listener) func() {
	n.mu.Lock()
	if n.closed || listener == nil {
		n.mu.Unlock()
		return func() {}
	}
	n.nextID++
	sub := &subscription{
		id:       n.nextID,
		listener: listener,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	n.subs[sub.id] = sub
	count := len(n.subs)
	n.wg.Add(1)
	n.mu.Unlock()

	n.metrics.SetSubscribers(count)
	go n.deliver(sub)

	return func() {
		n.mu.Lock()
		_, ok := n.subs[sub.id]
		delete(n.subs, sub.id)
		count := len(n.subs)
		n.mu.Unlock()

		sub.stop()
		if ok {
			n.metrics.SetSubscribers(count)
		}
	}
}

func (n *Notifier) deliver(sub *subscription) {
	defer n.wg.Done()
	for {
		ev, ok := sub.pop()
		if !ok {
			return
		}
		n.invoke(sub, ev)
	}
}

func (n *Notifier) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("subscriber panicked",
				zap.Uint64("subscriber", sub.id),
				zap.Uint64("event_seq", ev.Seq),
				zap.Any("panic", r))
		}
	}()
	// Unsubscribe may race with a popped event; re-check so nothing is
	// delivered after it returns.
	sub.mu.Lock()
	stopped := sub.stopped
	sub.mu.Unlock()
	if stopped {
		return
	}
	sub.listener(ev)
}

// Publish stamps ev with the next event sequence number and enqueues it for
// every current subscriber. Callers that need a global order must serialize
// their Publish calls.
func (n *Notifier) Publish(ev Event) Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ev
	}
	n.seq++
	ev.Seq = n.seq
	if ev.At.IsZero() {
		ev.At = n.now()
	}
	for _, sub := range n.subs {
		sub.push(ev.clone())
	}
	return ev
}

// Subscribers returns the current subscriber count.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Close stops every subscriber and waits for delivery goroutines to exit.
// Pending events are dropped. Close must not be called from a listener.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	n.subs = make(map[uint64]*subscription)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	n.wg.Wait()
	n.metrics.SetSubscribers(0)
}
