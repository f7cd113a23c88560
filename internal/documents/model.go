package documents

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("documents: invalid user id")
	// ErrDocumentNotFound indicates that no document exists for the identifier.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrInvalidPayload indicates an undecodable push or pull payload.
	ErrInvalidPayload = errors.New("documents: invalid payload")
	// ErrPayloadTooLarge indicates a payload above the configured ceiling.
	ErrPayloadTooLarge = errors.New("documents: payload too large")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Document is the canonical stored record of a document.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:160;not null"`
	TagsJSON         string `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	SnapshotJSON     string `gorm:"column:snapshot_json;type:text;not null"`
	SearchText       string `gorm:"column:search_text;type:text;not null;default:''"`
	CrdtState        []byte `gorm:"column:crdt_state"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	UpdatedBy        string `gorm:"column:updated_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Revision records one structured save. Rows are never updated or deleted.
type Revision struct {
	RevisionID       string `gorm:"column:revision_id;primaryKey;size:190;not null"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_revisions_document,priority:1"`
	Note             string `gorm:"column:note;size:500;not null;default:''"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_revisions_document,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "document_revisions"
}
