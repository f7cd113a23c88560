package server

import (
	"context"
	"testing"
	"time"
)

func TestChangeDispatcherDeliversOnlyToDocumentWatchers(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watched, cancelWatched := dispatcher.Subscribe(ctx, "doc-a")
	defer cancelWatched()
	other, cancelOther := dispatcher.Subscribe(ctx, "doc-b")
	defer cancelOther()

	at := time.Unix(1760000000, 0).UTC()
	dispatcher.NotifyDocumentChanged("doc-a", at)

	select {
	case message := <-watched:
		if message.Event != ChangeEventDocumentChanged || message.DocumentID != "doc-a" || !message.Timestamp.Equal(at) {
			t.Fatalf("unexpected message %+v", message)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for change message")
	}

	select {
	case message := <-other:
		t.Fatalf("unexpected message for unrelated document: %+v", message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChangeDispatcherCancelRemovesWatcher(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	_, cancel := dispatcher.Subscribe(context.Background(), "doc-a")
	if count := dispatcher.WatcherCount("doc-a"); count != 1 {
		t.Fatalf("expected one watcher, got %d", count)
	}
	cancel()
	cancel()
	if count := dispatcher.WatcherCount("doc-a"); count != 0 {
		t.Fatalf("expected no watchers after cancel, got %d", count)
	}
}

func TestChangeDispatcherContextEndRemovesWatcher(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Subscribe(ctx, "doc-a")
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.WatcherCount("doc-a") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher was not removed after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChangeDispatcherDropsWhenWatcherIsSlow(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	stream, cancel := dispatcher.Subscribe(context.Background(), "doc-a")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for index := 0; index < 100; index++ {
			dispatcher.NotifyDocumentChanged("doc-a", time.Now())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publisher blocked on a slow watcher")
	}
	if len(stream) != cap(stream) {
		t.Fatalf("expected buffer to fill to %d, got %d", cap(stream), len(stream))
	}
}

func TestChangeDispatcherForwardsNotifications(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	forwarded := make(chan ChangeMessage, 1)
	dispatcher.setForwarder(func(message ChangeMessage) { forwarded <- message })

	dispatcher.NotifyDocumentChanged("doc-a", time.Now())
	select {
	case message := <-forwarded:
		if message.DocumentID != "doc-a" {
			t.Fatalf("unexpected forwarded message %+v", message)
		}
	default:
		t.Fatalf("expected notification to be forwarded")
	}

	dispatcher.Publish(ChangeMessage{Event: ChangeEventDocumentChanged, DocumentID: "doc-a"})
	select {
	case message := <-forwarded:
		t.Fatalf("Publish must stay local, forwarded %+v", message)
	default:
	}
}
