package documents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/richtext"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DocumentView is the full read model of a document.
type DocumentView struct {
	ID        string
	Title     string
	Tags      []string
	Snapshot  richtext.Node
	HTML      string
	CrdtB64   string
	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
	UpdatedBy string
}

// RevisionView is one entry of a document's save history.
type RevisionView struct {
	ID        string
	Note      string
	AuthorID  string
	CreatedAt time.Time
}

// CreateRequest describes a new document. A nil snapshot starts from the empty document.
type CreateRequest struct {
	Title    string
	Tags     []string
	Snapshot *richtext.Node
}

// PatchRequest describes a structured save. Nil fields keep their current values.
type PatchRequest struct {
	Title    *string
	Tags     *[]string
	Snapshot *richtext.Node
	Note     *string
}

// Create stores a new document and seeds its replicated log from the initial snapshot.
func (s *Service) Create(ctx context.Context, request CreateRequest, actor UserID) (DocumentView, error) {
	violations := &ValidationError{}
	title := validateTitle(request.Title, violations)
	tags := validateTags(request.Tags, s.maxTags, violations)
	snapshot := richtext.Empty()
	if request.Snapshot != nil {
		if err := request.Snapshot.Validate(); err != nil {
			violations.add("snapshot", err.Error())
		}
		snapshot = *request.Snapshot
	}
	if err := violations.orNil(); err != nil {
		return DocumentView{}, err
	}

	documentID, err := s.idProvider()
	if err != nil {
		s.logError(opCreate, reasonIDGenerationFailed, err)
		return DocumentView{}, newServiceError(opCreate, reasonIDGenerationFailed, err)
	}

	now := s.clock().UTC()
	document := Document{
		DocumentID:       documentID,
		Title:            title,
		CreatedBy:        actor.String(),
		UpdatedBy:        actor.String(),
		CreatedAtSeconds: now.Unix(),
		UpdatedAtSeconds: now.Unix(),
	}
	if err := s.applyStructured(opCreate, &document, snapshot, tags, crdt.NewLog(), now); err != nil {
		return DocumentView{}, err
	}

	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreate, reasonSaveFailed, err, zap.String(fieldDocumentID, documentID))
		return DocumentView{}, newServiceError(opCreate, reasonSaveFailed, err)
	}

	s.record(EventCreate, DocumentID(documentID), actor.String(), len(document.CrdtState), now)
	return s.view(document), nil
}

// Get returns the current view of a document.
func (s *Service) Get(ctx context.Context, documentID DocumentID) (DocumentView, error) {
	document, err := s.loadDocument(ctx, opGet, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	return s.view(document), nil
}

// Patch applies a structured save. Every successful call appends exactly one revision,
// and all of its writes commit together or not at all.
func (s *Service) Patch(ctx context.Context, documentID DocumentID, request PatchRequest, actor UserID) (DocumentView, error) {
	var saved Document
	err := s.withDocument(ctx, opPatch, documentID, func(tx *gorm.DB, document *Document) error {
		violations := &ValidationError{}
		title := document.Title
		if request.Title != nil {
			title = validateTitle(*request.Title, violations)
		}
		tags := decodeTags(document.TagsJSON)
		if request.Tags != nil {
			tags = validateTags(*request.Tags, s.maxTags, violations)
		}
		note := ""
		if request.Note != nil {
			note = validateNote(*request.Note, violations)
		}
		if request.Snapshot != nil {
			if err := request.Snapshot.Validate(); err != nil {
				violations.add("snapshot", err.Error())
			}
		}
		if err := violations.orNil(); err != nil {
			return err
		}

		log, logErr := crdt.LoadLog(document.CrdtState)
		logUsable := logErr == nil && len(document.CrdtState) > 0
		if logErr != nil {
			s.loggerOrDefault().Warn("replacing corrupt replicated log",
				zap.String("operation", opPatch),
				zap.String(fieldDocumentID, document.DocumentID),
				zap.Error(logErr))
			log = crdt.NewLog()
		}

		snapshot := s.currentSnapshot(*document)
		rederive := request.Snapshot != nil || !logUsable
		if request.Snapshot != nil {
			snapshot = *request.Snapshot
		}

		now := s.clock().UTC()
		document.Title = title
		document.UpdatedBy = actor.String()
		document.UpdatedAtSeconds = now.Unix()
		if rederive {
			if err := s.applyStructured(opPatch, document, snapshot, tags, log, now); err != nil {
				return err
			}
		} else if err := s.applyMetadata(opPatch, document, snapshot, tags); err != nil {
			return err
		}

		if err := tx.Save(document).Error; err != nil {
			s.logError(opPatch, reasonSaveFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opPatch, reasonSaveFailed, err)
		}

		revisionID, err := s.idProvider()
		if err != nil {
			s.logError(opPatch, reasonIDGenerationFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opPatch, reasonIDGenerationFailed, err)
		}
		revision := Revision{
			RevisionID:       revisionID,
			DocumentID:       document.DocumentID,
			Note:             note,
			AuthorID:         actor.String(),
			CreatedAtSeconds: now.Unix(),
		}
		if err := tx.Create(&revision).Error; err != nil {
			s.logError(opPatch, reasonRevisionInsert, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opPatch, reasonRevisionInsert, err)
		}
		saved = *document
		return nil
	})
	if err != nil {
		return DocumentView{}, err
	}

	at := time.Unix(saved.UpdatedAtSeconds, 0).UTC()
	s.record(EventPatch, documentID, actor.String(), len(saved.CrdtState), at)
	s.notifier.NotifyDocumentChanged(documentID.String(), at)
	return s.view(saved), nil
}

// ListRevisions returns a document's revisions, newest first.
func (s *Service) ListRevisions(ctx context.Context, documentID DocumentID) ([]RevisionView, error) {
	if _, err := s.loadDocument(ctx, opListRevisions, documentID); err != nil {
		return nil, err
	}
	var revisions []Revision
	if err := s.db.WithContext(ctx).
		Where(queryDocumentID, documentID.String()).
		Order(orderRevisionsBy).
		Find(&revisions).Error; err != nil {
		s.logError(opListRevisions, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opListRevisions, reasonQueryFailed, err)
	}
	views := make([]RevisionView, 0, len(revisions))
	for _, revision := range revisions {
		views = append(views, RevisionView{
			ID:        revision.RevisionID,
			Note:      revision.Note,
			AuthorID:  revision.AuthorID,
			CreatedAt: time.Unix(revision.CreatedAtSeconds, 0).UTC(),
		})
	}
	return views, nil
}

// applyStructured writes the snapshot, its derived fields and a log that carries it.
func (s *Service) applyStructured(operation string, document *Document, snapshot richtext.Node, tags []string, log *crdt.Log, now time.Time) error {
	if _, err := crdt.ApplySnapshot(log, snapshot, now); err != nil {
		s.logError(operation, reasonLogDeriveFailed, err, zap.String(fieldDocumentID, document.DocumentID))
		return newServiceError(operation, reasonLogDeriveFailed, err)
	}
	if err := s.applyMetadata(operation, document, snapshot, tags); err != nil {
		return err
	}
	document.CrdtState = log.Bytes()
	return nil
}

func (s *Service) applyMetadata(operation string, document *Document, snapshot richtext.Node, tags []string) error {
	snapshotJSON, err := snapshot.JSON()
	if err != nil {
		s.logError(operation, reasonSnapshotEncode, err, zap.String(fieldDocumentID, document.DocumentID))
		return newServiceError(operation, reasonSnapshotEncode, err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		s.logError(operation, reasonSnapshotEncode, err, zap.String(fieldDocumentID, document.DocumentID))
		return newServiceError(operation, reasonSnapshotEncode, err)
	}
	document.SnapshotJSON = string(snapshotJSON)
	document.SearchText = richtext.PlainText(snapshot)
	document.TagsJSON = string(tagsJSON)
	return nil
}

// currentSnapshot reads the stored structured snapshot, recovering it from the log when
// the stored JSON is unusable.
func (s *Service) currentSnapshot(document Document) richtext.Node {
	if snapshot, err := richtext.Parse([]byte(document.SnapshotJSON)); err == nil {
		return snapshot
	}
	return crdt.Materialize(document.CrdtState, nil).Snapshot
}

func (s *Service) view(document Document) DocumentView {
	snapshot := s.currentSnapshot(document)
	crdtB64 := ""
	if len(document.CrdtState) > 0 {
		crdtB64 = crdt.Encode(document.CrdtState)
	}
	return DocumentView{
		ID:        document.DocumentID,
		Title:     document.Title,
		Tags:      decodeTags(document.TagsJSON),
		Snapshot:  snapshot,
		HTML:      richtext.RenderHTML(snapshot),
		CrdtB64:   crdtB64,
		CreatedAt: time.Unix(document.CreatedAtSeconds, 0).UTC(),
		UpdatedAt: time.Unix(document.UpdatedAtSeconds, 0).UTC(),
		CreatedBy: document.CreatedBy,
		UpdatedBy: document.UpdatedBy,
	}
}

func decodeTags(raw string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return []string{}
	}
	if tags == nil {
		return []string{}
	}
	return tags
}

// RevisionCount returns how many revisions a document has accumulated.
func (s *Service) RevisionCount(ctx context.Context, documentID DocumentID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Revision{}).Where(queryDocumentID, documentID.String()).Count(&count).Error; err != nil {
		s.logError(opListRevisions, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return 0, newServiceError(opListRevisions, reasonQueryFailed, err)
	}
	return count, nil
}
