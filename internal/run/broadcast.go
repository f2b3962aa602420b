package run

import (
	"sync"

	logx "testdeck/pkg/logx"
)

const defaultSubscriberBuffer = 64

// Broadcaster fans out a run's status/output changes to any number of
// live subscribers. It holds no run state of its own; the tracker calls
// Publish/Complete under its write lock, which gives every subscriber a
// totally ordered stream with the complete event last.
//
// A subscriber that stops draining its channel is disconnected rather
// than allowed to stall or reorder delivery; the client recovers by
// re-subscribing and resynchronizing from a snapshot.
type Broadcaster struct {
	log    logx.Logger
	buffer int

	mu   sync.Mutex
	seq  uint64
	subs map[string]map[uint64]chan Event
}

func NewBroadcaster(buffer int, log logx.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broadcaster{
		log:    log,
		buffer: buffer,
		subs:   map[string]map[uint64]chan Event{},
	}
}

// Publish delivers one event to every subscriber of the run.
func (b *Broadcaster) Publish(runID string, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs[runID] {
		select {
		case ch <- e:
		default:
			// Slow subscriber: disconnect instead of blocking the
			// single-writer path or delivering out of order.
			delete(b.subs[runID], id)
			close(ch)
			b.log.Debug("subscriber dropped (slow)", logx.String("run", runID))
		}
	}
}

// Complete delivers the terminal event and ends every stream for the
// run. Later Publish/Complete calls for the same run are no-ops.
func (b *Broadcaster) Complete(runID string, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[runID] {
		select {
		case ch <- e:
		default:
		}
		close(ch)
	}
	delete(b.subs, runID)
}

// SubscriberCount reports the live subscribers for a run.
func (b *Broadcaster) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

// subscribeLocked registers a subscriber, replaying the accumulated
// backlog first. Called by the tracker while it holds its own lock, so
// the replay and live tail cannot interleave. If terminal is non-nil
// the run is already over: the stream is the backlog plus the terminal
// event, already closed.
func (b *Broadcaster) subscribeLocked(runID string, backlog []string, terminal *Event) (<-chan Event, func()) {
	size := len(backlog) + b.buffer + 1
	ch := make(chan Event, size)
	for _, line := range backlog {
		ch <- Event{Kind: EventConsole, Line: line}
	}

	if terminal != nil {
		ch <- *terminal
		close(ch)
		return ch, func() {}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	if b.subs[runID] == nil {
		b.subs[runID] = map[uint64]chan Event{}
	}
	b.subs[runID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m, ok := b.subs[runID]; ok {
			if c, ok := m[id]; ok {
				delete(m, id)
				close(c)
			}
		}
	}
	return ch, cancel
}
