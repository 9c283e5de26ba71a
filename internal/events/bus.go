package events

import (
	"container/heap"
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"bracket/internal/logger"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Publish when the bounded queue is at
	// capacity. The event is dropped; producers are never blocked.
	ErrQueueFull = errors.New("event queue full")
	// ErrBusClosed is returned by Publish after Close has been called.
	ErrBusClosed = errors.New("event bus closed")
)

const (
	DefaultQueueSize   = 10000
	DefaultHistorySize = 1000
)

// Handler consumes a single event. Handlers run on the dispatch goroutine
// (or the caller's goroutine for PublishImmediate) and must be idempotent:
// reconciliation can re-derive and re-publish events the handler already saw.
type Handler func(Event)

// Subscription is the token returned by Subscribe, used to unsubscribe.
// Go functions are not comparable, so removal is by token rather than by
// handler identity.
type Subscription struct {
	kind     Kind
	priority int
	seq      uint64
	fn       Handler
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published uint64          `json:"published"`
	Processed uint64          `json:"processed"`
	Dropped   uint64          `json:"dropped"`
	QueueLen  int             `json:"queue_len"`
	ByKind    map[Kind]uint64 `json:"by_kind"`
}

// Bus is the central dispatcher: a subscription registry keyed by event kind,
// a bounded priority queue and a single dispatch goroutine. Delivery order is
// priority (higher first), then timestamp (earlier first), then publish order.
type Bus struct {
	mu      sync.Mutex
	subs    map[Kind][]*Subscription
	subSeq  uint64
	queue   eventHeap
	cap     int
	pubSeq  uint64
	history []Event
	histLen int
	histAt  int

	published uint64
	processed uint64
	dropped   uint64
	byKind    map[Kind]uint64

	notify  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	closed  bool
}

type BusOption func(*Bus)

func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.cap = n
		}
	}
}

func WithHistorySize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.history = make([]Event, n)
		}
	}
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:    make(map[Kind][]*Subscription),
		cap:     DefaultQueueSize,
		history: make([]Event, DefaultHistorySize),
		byKind:  make(map[Kind]uint64),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Start launches the dispatch loop. Safe to call once.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.dispatchLoop()
	logger.Infof("eventbus: started (queue=%d history=%d)", b.cap, len(b.history))
}

// Close stops intake and drains the queue until empty or ctx expires.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	close(b.stopCh)
	if !started {
		return nil
	}
	select {
	case <-b.doneCh:
		logger.Infof("eventbus: stopped")
		return nil
	case <-ctx.Done():
		logger.Warnf("eventbus: drain abandoned: %v", ctx.Err())
		return ctx.Err()
	}
}

// Subscribe registers fn for events of the given kind. Handlers for one kind
// run in descending priority order; ties run in registration order.
func (b *Bus) Subscribe(kind Kind, fn Handler, priority int) *Subscription {
	if fn == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subSeq++
	sub := &Subscription{kind: kind, priority: priority, seq: b.subSeq, fn: fn}
	list := append(b.subs[kind], sub)
	// Stable: priority desc, then registration order.
	for i := len(list) - 1; i > 0; i-- {
		if list[i-1].priority >= list[i].priority {
			break
		}
		list[i-1], list[i] = list[i], list[i-1]
	}
	b.subs[kind] = list
	return sub
}

// Unsubscribe removes a previously registered subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.kind]
	for i, s := range list {
		if s == sub {
			b.subs[sub.kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish enqueues an event for asynchronous delivery and returns
// immediately. When the queue is full the event is dropped and the dropped
// counter incremented; Publish never blocks.
func (b *Bus) Publish(evt Event) error {
	b.normalize(&evt)
	b.mu.Lock()
	if b.closed {
		b.dropped++
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.queue.Len() >= b.cap {
		b.dropped++
		b.mu.Unlock()
		logger.Errorf("eventbus: queue full, dropping kind=%s id=%s", evt.Kind, evt.ID)
		return ErrQueueFull
	}
	b.pubSeq++
	heap.Push(&b.queue, queuedEvent{evt: evt, seq: b.pubSeq})
	b.published++
	b.byKind[evt.Kind]++
	b.record(evt)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// PublishImmediate invokes all handlers synchronously on the calling
// goroutine, bypassing the queue. Reserved for events whose ordering relative
// to the caller's own next actions must hold, such as a risk-limit breach.
func (b *Bus) PublishImmediate(evt Event) {
	b.normalize(&evt)
	b.mu.Lock()
	b.published++
	b.byKind[evt.Kind]++
	b.record(evt)
	b.mu.Unlock()
	b.deliver(evt)
}

// Recent returns up to limit events from the rolling history, newest last.
// kind == "" matches every kind.
func (b *Bus) Recent(kind Kind, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > b.histLen {
		limit = b.histLen
	}
	out := make([]Event, 0, limit)
	for i := 0; i < b.histLen; i++ {
		idx := (b.histAt + len(b.history) - b.histLen + i) % len(b.history)
		evt := b.history[idx]
		if kind != "" && evt.Kind != kind {
			continue
		}
		out = append(out, evt)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	byKind := make(map[Kind]uint64, len(b.byKind))
	for k, v := range b.byKind {
		byKind[k] = v
	}
	return Stats{
		Published: b.published,
		Processed: b.processed,
		Dropped:   b.dropped,
		QueueLen:  b.queue.Len(),
		ByKind:    byKind,
	}
}

func (b *Bus) normalize(evt *Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	if evt.Priority < PriorityMin {
		evt.Priority = PriorityDefault
	}
	if evt.Priority > PriorityMax {
		evt.Priority = PriorityMax
	}
	if evt.Source == "" {
		evt.Source = "system"
	}
}

// record appends to the ring history. Caller holds b.mu.
func (b *Bus) record(evt Event) {
	b.history[b.histAt] = evt
	b.histAt = (b.histAt + 1) % len(b.history)
	if b.histLen < len(b.history) {
		b.histLen++
	}
}

func (b *Bus) dispatchLoop() {
	defer close(b.doneCh)
	for {
		if evt, ok := b.pop(); ok {
			b.deliver(evt)
			continue
		}
		select {
		case <-b.notify:
		case <-b.stopCh:
			for {
				evt, ok := b.pop()
				if !ok {
					return
				}
				b.deliver(evt)
			}
		}
	}
}

func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue.Len() == 0 {
		return Event{}, false
	}
	qe := heap.Pop(&b.queue).(queuedEvent)
	return qe.evt, true
}

// deliver invokes every subscriber of evt.Kind. A panicking handler is
// logged and does not stop delivery to the remaining handlers.
func (b *Bus) deliver(evt Event) {
	b.mu.Lock()
	list := b.subs[evt.Kind]
	handlers := make([]*Subscription, len(list))
	copy(handlers, list)
	b.mu.Unlock()

	for _, sub := range handlers {
		b.invoke(sub, evt)
	}

	b.mu.Lock()
	b.processed++
	b.mu.Unlock()
}

func (b *Bus) invoke(sub *Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("eventbus: handler panic on %s: %v\n%s", evt.Kind, r, debug.Stack())
		}
	}()
	sub.fn(evt)
}

// queuedEvent carries the publish sequence so equal-priority, equal-time
// events keep FIFO order.
type queuedEvent struct {
	evt Event
	seq uint64
}

type eventHeap []queuedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].evt.Priority != h[j].evt.Priority {
		return h[i].evt.Priority > h[j].evt.Priority
	}
	if !h[i].evt.Time.Equal(h[j].evt.Time) {
		return h[i].evt.Time.Before(h[j].evt.Time)
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(queuedEvent)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
