package attemptlog

import (
	"sync"
	"time"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

const DefaultCapacity = 200

// Log is a capped ring of orchestration events. It is an observability aid,
// not authoritative state.
type Log struct {
	mu     sync.RWMutex
	buf    []domain.AttemptEvent
	next   int
	full   bool
	now    func() time.Time
	subsMu sync.RWMutex
	subs   map[int]func(domain.AttemptEvent)
	nextID int
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf:  make([]domain.AttemptEvent, capacity),
		now:  time.Now,
		subs: make(map[int]func(domain.AttemptEvent)),
	}
}

// Append stores ev, overwriting the oldest entry once the ring is full.
func (l *Log) Append(ev domain.AttemptEvent) {
	if l == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = l.now().UTC()
	}
	l.mu.Lock()
	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	l.subsMu.RLock()
	defer l.subsMu.RUnlock()
	for _, fn := range l.subs {
		fn(ev)
	}
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []domain.AttemptEvent {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	size := l.next
	if l.full {
		size = len(l.buf)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]domain.AttemptEvent, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Subscribe registers fn for every future event and returns its cancel func.
// fn runs on the appending goroutine and must not block.
func (l *Log) Subscribe(fn func(domain.AttemptEvent)) func() {
	l.subsMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	l.subsMu.Unlock()
	return func() {
		l.subsMu.Lock()
		delete(l.subs, id)
		l.subsMu.Unlock()
	}
}
