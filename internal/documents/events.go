package documents

import "time"

const (
	EventPush   = "crdt.push"
	EventPull   = "crdt.pull"
	EventPatch  = "document.patch"
	EventCreate = "document.create"
)

// Event is a fire-and-forget observation of a reconciliation call.
type Event struct {
	Name       string
	DocumentID string
	Actor      string
	Bytes      int
	At         time.Time
}

// MetricsSink receives events. Implementations must not block.
type MetricsSink interface {
	Record(event Event)
}

// ChangeNotifier is told whenever a document's replicated log or snapshot changes.
type ChangeNotifier interface {
	NotifyDocumentChanged(documentID string, at time.Time)
}

type discardSink struct{}

func (discardSink) Record(Event) {}

type discardNotifier struct{}

func (discardNotifier) NotifyDocumentChanged(string, time.Time) {}
