package store

import (
	"context"
	"sync"

	"github.com/practicehall/lessonroom/internal/classroom"
)

const feedBufferSize = 16

// Feed fans durable-store row-change events out to per-subject subscribers.
// Delivery is buffered and non-blocking; a subscriber that falls behind loses
// events rather than stalling writers. Cancelling the subscription context or
// calling the cleanup func stops delivery immediately.
type Feed struct {
	notes    *dispatcher[classroom.NotesChange]
	sessions *dispatcher[classroom.SessionChange]
}

// NewFeed returns an empty change feed.
func NewFeed() *Feed {
	return &Feed{
		notes:    newDispatcher[classroom.NotesChange](feedBufferSize),
		sessions: newDispatcher[classroom.SessionChange](feedBufferSize),
	}
}

// SubscribeNotes delivers notes_documents row changes for one subject.
func (f *Feed) SubscribeNotes(ctx context.Context, subject classroom.Subject) (<-chan classroom.NotesChange, func()) {
	return f.notes.subscribe(ctx, subject.String())
}

// SubscribeSessions delivers class_sessions row changes for one subject.
func (f *Feed) SubscribeSessions(ctx context.Context, subject classroom.Subject) (<-chan classroom.SessionChange, func()) {
	return f.sessions.subscribe(ctx, subject.String())
}

func (f *Feed) publishNotes(subject string, change classroom.NotesChange) {
	f.notes.publish(subject, change)
}

func (f *Feed) publishSessions(subject string, change classroom.SessionChange) {
	f.sessions.publish(subject, change)
}

type dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
}

type subscriber[T any] struct {
	id     int64
	stream chan T
}

func newDispatcher[T any](bufferSize int) *dispatcher[T] {
	return &dispatcher[T]{
		subscribers: make(map[string]map[int64]*subscriber[T]),
		bufferSize:  bufferSize,
	}
}

func (d *dispatcher[T]) subscribe(ctx context.Context, key string) (<-chan T, func()) {
	if key == "" {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber[T]{
		id:     d.nextSequence(),
		stream: make(chan T, d.bufferSize),
	}
	d.register(key, sub)
	cleanup := func() {
		d.unregister(key, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (d *dispatcher[T]) publish(key string, event T) {
	d.mu.RLock()
	subs := d.subscribers[key]
	if len(subs) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber[T], 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *dispatcher[T]) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *dispatcher[T]) register(key string, sub *subscriber[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*subscriber[T])
	}
	d.subscribers[key][sub.id] = sub
}

func (d *dispatcher[T]) unregister(key string, subscriberID int64) {
	d.mu.Lock()
	subs := d.subscribers[key]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
