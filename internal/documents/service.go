package documents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "documents.service.new"
	opCreate         = "documents.create"
	opGet            = "documents.get"
	opPatch          = "documents.patch"
	opPush           = "documents.crdt_push"
	opPull           = "documents.crdt_pull"
	opListRevisions  = "documents.list_revisions"
	fieldDocumentID  = "document_id"
	fieldActor       = "actor"
	fieldBytes       = "bytes"
	queryDocumentID  = fieldDocumentID + " = ?"
	orderRevisionsBy = "created_at_s DESC, revision_id DESC"

	reasonMissingDatabase     = "missing_database"
	reasonMissingIDProvider   = "missing_id_provider"
	reasonQueryFailed         = "query_failed"
	reasonSaveFailed          = "save_failed"
	reasonRevisionInsert      = "revision_insert_failed"
	reasonIDGenerationFailed  = "id_generation_failed"
	reasonSnapshotEncode      = "snapshot_encode_failed"
	reasonLogDeriveFailed     = "log_derive_failed"
	reasonDiffFailed          = "diff_failed"
	reasonCorruptLogDiscarded = "corrupt_log_discarded"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Payload    PayloadPolicy
	MaxTags    int
	Metrics    MetricsSink
	Notifier   ChangeNotifier
}

// Service reconciles replicated-log traffic and structured saves against the canonical store.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	payload    PayloadPolicy
	maxTags    int
	metrics    MetricsSink
	notifier   ChangeNotifier
	locks      documentLocks
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxTags := cfg.MaxTags
	if maxTags <= 0 {
		maxTags = DefaultMaxTags
	}
	var metrics MetricsSink = discardSink{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}
	var notifier ChangeNotifier = discardNotifier{}
	if cfg.Notifier != nil {
		notifier = cfg.Notifier
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		payload:    cfg.Payload.withDefaults(),
		maxTags:    maxTags,
		metrics:    metrics,
		notifier:   notifier,
	}, nil
}

// Policy reports the effective payload ceilings.
func (s *Service) Policy() PayloadPolicy {
	return s.payload
}

// withDocument runs fn on the locked document row inside one transaction, holding the
// per-document critical section for the whole read-modify-write.
func (s *Service) withDocument(ctx context.Context, operation string, documentID DocumentID, fn func(tx *gorm.DB, document *Document) error) error {
	unlock := s.locks.lock(documentID.String())
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var document Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocumentID, documentID.String()).
			Take(&document).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
		}
		if err != nil {
			s.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(operation, reasonQueryFailed, err)
		}
		return fn(tx, &document)
	})
}

func (s *Service) loadDocument(ctx context.Context, operation string, documentID DocumentID) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).Where(queryDocumentID, documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, newServiceError(operation, reasonQueryFailed, err)
	}
	return document, nil
}

// canonicalLog loads the stored log. Absent or corrupt bytes yield an empty log.
func (s *Service) canonicalLog(operation string, document *Document) *crdt.Log {
	log, err := crdt.LoadLog(document.CrdtState)
	if err != nil {
		s.loggerOrDefault().Warn("discarding corrupt replicated log",
			zap.String("operation", operation),
			zap.String("reason", reasonCorruptLogDiscarded),
			zap.String(fieldDocumentID, document.DocumentID),
			zap.Error(err))
		return crdt.NewLog()
	}
	return log
}

func (s *Service) record(name string, documentID DocumentID, actor string, size int, at time.Time) {
	s.metrics.Record(Event{Name: name, DocumentID: documentID.String(), Actor: actor, Bytes: size, At: at})
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}

type documentLocks struct {
	mu      sync.Mutex
	entries map[string]*documentLock
}

type documentLock struct {
	mu      sync.Mutex
	holders int
}

func (l *documentLocks) lock(key string) func() {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[string]*documentLock)
	}
	entry, ok := l.entries[key]
	if !ok {
		entry = &documentLock{}
		l.entries[key] = entry
	}
	entry.holders++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.holders--
		if entry.holders == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
