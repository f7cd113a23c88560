package server

import (
	"context"
	"sync"
	"time"
)

const (
	ChangeEventDocumentChanged = "document-changed"
	changeEventHeartbeat       = "heartbeat"
)

// ChangeMessage tells watchers that a document's log or snapshot moved.
type ChangeMessage struct {
	Event      string    `json:"event"`
	DocumentID string    `json:"documentId"`
	Timestamp  time.Time `json:"ts"`
}

// ChangeDispatcher fans change messages out to the watchers of each document.
// Slow watchers miss messages instead of blocking publishers.
type ChangeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan ChangeMessage
	nextID      int64
	bufferSize  int
	forward     func(ChangeMessage)
}

func NewChangeDispatcher() *ChangeDispatcher {
	return &ChangeDispatcher{
		subscribers: make(map[string]map[int64]chan ChangeMessage),
		bufferSize:  16,
	}
}

// Subscribe registers a watcher until ctx ends or the returned cancel func is called.
func (d *ChangeDispatcher) Subscribe(ctx context.Context, documentID string) (<-chan ChangeMessage, func()) {
	if documentID == "" {
		stream := make(chan ChangeMessage)
		close(stream)
		return stream, func() {}
	}
	stream := make(chan ChangeMessage, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if _, ok := d.subscribers[documentID]; !ok {
		d.subscribers[documentID] = make(map[int64]chan ChangeMessage)
	}
	d.subscribers[documentID][id] = stream
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			watchers := d.subscribers[documentID]
			delete(watchers, id)
			if len(watchers) == 0 {
				delete(d.subscribers, documentID)
			}
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

// NotifyDocumentChanged publishes locally and, when a relay is attached, to other replicas.
func (d *ChangeDispatcher) NotifyDocumentChanged(documentID string, at time.Time) {
	message := ChangeMessage{Event: ChangeEventDocumentChanged, DocumentID: documentID, Timestamp: at}
	d.Publish(message)
	d.mu.RLock()
	forward := d.forward
	d.mu.RUnlock()
	if forward != nil {
		forward(message)
	}
}

// Publish delivers a message to local watchers only.
func (d *ChangeDispatcher) Publish(message ChangeMessage) {
	if message.DocumentID == "" || message.Event == "" {
		return
	}
	d.mu.RLock()
	watchers := make([]chan ChangeMessage, 0, len(d.subscribers[message.DocumentID]))
	for _, stream := range d.subscribers[message.DocumentID] {
		watchers = append(watchers, stream)
	}
	d.mu.RUnlock()
	for _, stream := range watchers {
		select {
		case stream <- message:
		default:
		}
	}
}

// WatcherCount reports how many watchers a document has.
func (d *ChangeDispatcher) WatcherCount(documentID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[documentID])
}

func (d *ChangeDispatcher) setForwarder(forward func(ChangeMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forward = forward
}
