package documents

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/crdt"
	"github.com/automerge/automerge-go"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	databaseSequence atomic.Int64
	fixedNow         = time.Unix(1760000000, 0).UTC()
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Event
	for _, event := range r.events {
		if event.Name == name {
			matched = append(matched, event)
		}
	}
	return matched
}

type recordingNotifier struct {
	mu      sync.Mutex
	changed []string
}

func (r *recordingNotifier) NotifyDocumentChanged(documentID string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, documentID)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changed)
}

type serviceFixture struct {
	service  *Service
	database *gorm.DB
	sink     *recordingSink
	notifier *recordingNotifier
}

func mustDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	dsn := fmt.Sprintf("file:documents_%d?mode=memory&cache=shared", databaseSequence.Add(1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&Document{}, &Revision{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustServiceFixture(testContext *testing.T, policy PayloadPolicy) serviceFixture {
	testContext.Helper()
	return mustServiceFixtureWithDatabase(testContext, mustDatabase(testContext), policy)
}

func mustServiceFixtureWithDatabase(testContext *testing.T, database *gorm.DB, policy PayloadPolicy) serviceFixture {
	testContext.Helper()
	sink := &recordingSink{}
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Database:   database,
		Clock:      func() time.Time { return fixedNow },
		IDProvider: UUIDv7,
		Payload:    policy,
		Metrics:    sink,
		Notifier:   notifier,
	})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return serviceFixture{service: service, database: database, sink: sink, notifier: notifier}
}

func mustUserID(testContext *testing.T, value string) UserID {
	testContext.Helper()
	id, err := NewUserID(value)
	if err != nil {
		testContext.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustCreate(testContext *testing.T, service *Service, title string) DocumentView {
	testContext.Helper()
	view, err := service.Create(context.Background(), CreateRequest{Title: title}, mustUserID(testContext, "author"))
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	return view
}

func mustClientLog(testContext *testing.T, view DocumentView) *crdt.Log {
	testContext.Helper()
	raw, err := crdt.Decode(view.CrdtB64)
	if err != nil {
		testContext.Fatalf("decode crdt state: %v", err)
	}
	log, err := crdt.LoadLog(raw)
	if err != nil {
		testContext.Fatalf("load crdt state: %v", err)
	}
	return log
}

func mustLocalEdit(testContext *testing.T, log *crdt.Log, key, value string) []byte {
	testContext.Helper()
	delta, err := log.Mutate("edit", func(doc *automerge.Doc) error {
		return doc.Path(key).Set(value)
	})
	if err != nil {
		testContext.Fatalf("local edit failed: %v", err)
	}
	return delta
}

func mustStoredDocument(testContext *testing.T, database *gorm.DB, documentID string) Document {
	testContext.Helper()
	var document Document
	if err := database.Where("document_id = ?", documentID).Take(&document).Error; err != nil {
		testContext.Fatalf("load stored document: %v", err)
	}
	return document
}

func mustRevisionCount(testContext *testing.T, service *Service, documentID string) int64 {
	testContext.Helper()
	count, err := service.RevisionCount(context.Background(), DocumentID(documentID))
	if err != nil {
		testContext.Fatalf("count revisions: %v", err)
	}
	return count
}

func stringPointer(value string) *string {
	return &value
}
