package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/bridge"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSource         = "marginalia"
)

// RealtimeMessage is one change event queued for stream subscribers of a document.
type RealtimeMessage struct {
	ID        string
	Path      annotations.DocumentPath
	EventType string
	Revision  uint64
	CommentID *annotations.CommentID
	Timestamp time.Time
}

// RealtimeDispatcher fans bridge events out to the streams subscribed to each document path.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[annotations.DocumentPath]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[annotations.DocumentPath]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for path until ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, path annotations.DocumentPath) (<-chan RealtimeMessage, func()) {
	if path == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(path, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(path, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Notify implements bridge.Notifier.
func (d *RealtimeDispatcher) Notify(event bridge.Event) {
	d.Publish(RealtimeMessage{
		ID:        newEventID(),
		Path:      event.Path,
		EventType: string(event.Type),
		Revision:  event.Revision,
		CommentID: event.CommentID,
		Timestamp: d.clock().UTC(),
	})
}

// Publish delivers message to every subscriber of its path. Slow subscribers drop messages
// instead of blocking the publisher.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Path == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Path]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many streams follow path.
func (d *RealtimeDispatcher) SubscriberCount(path annotations.DocumentPath) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[path])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(path annotations.DocumentPath, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[path]; !ok {
		d.subscribers[path] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[path][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(path annotations.DocumentPath, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[path]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, path)
		}
	}
	d.mu.Unlock()
}

// newEventID issues a time-ordered UUIDv7, falling back to a random UUID.
func newEventID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}
