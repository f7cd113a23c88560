package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PushResult acknowledges a merged update.
type PushResult struct {
	Timestamp   time.Time
	MergedBytes int
}

// PullResult carries the update a client is missing. UpdateB64 is nil when the client is current.
type PullResult struct {
	UpdateB64 *string
	Timestamp time.Time
}

// Push merges a client update into the canonical log. It never creates a revision.
// Rejected calls leave the stored document untouched.
func (s *Service) Push(ctx context.Context, documentID DocumentID, updateB64 string, actor UserID) (PushResult, error) {
	var result PushResult
	err := s.withDocument(ctx, opPush, documentID, func(tx *gorm.DB, document *Document) error {
		update, err := decodePayload(updateB64)
		if err != nil {
			return err
		}
		if len(update) == 0 {
			return fmt.Errorf("%w: empty update", ErrInvalidPayload)
		}
		if err := checkSize(len(update), s.payload.MaxPushBytes, "push"); err != nil {
			return err
		}

		log := s.canonicalLog(opPush, document)
		if err := log.ApplyUpdate(update); err != nil {
			return translateCrdtError(err)
		}

		now := s.clock().UTC()
		document.CrdtState = log.Bytes()
		document.UpdatedBy = actor.String()
		document.UpdatedAtSeconds = now.Unix()
		if err := tx.Save(document).Error; err != nil {
			s.logError(opPush, reasonSaveFailed, err,
				zap.String(fieldDocumentID, documentID.String()),
				zap.String(fieldActor, actor.String()))
			return newServiceError(opPush, reasonSaveFailed, err)
		}
		result = PushResult{Timestamp: now, MergedBytes: len(update)}
		return nil
	})
	if err != nil {
		return PushResult{}, err
	}

	s.record(EventPush, documentID, actor.String(), result.MergedBytes, result.Timestamp)
	s.notifier.NotifyDocumentChanged(documentID.String(), result.Timestamp)
	return result, nil
}

// Pull computes what a replica with the given state vector lacks.
// Oversized responses are rejected rather than truncated.
func (s *Service) Pull(ctx context.Context, documentID DocumentID, stateVectorB64 string, actor UserID) (PullResult, error) {
	document, err := s.loadDocument(ctx, opPull, documentID)
	if err != nil {
		return PullResult{}, err
	}
	stateVector, err := decodePayload(stateVectorB64)
	if err != nil {
		return PullResult{}, err
	}
	if err := checkSize(len(stateVector), s.payload.MaxPullBytes, "state vector"); err != nil {
		return PullResult{}, err
	}

	log := s.canonicalLog(opPull, &document)
	update, err := log.Diff(stateVector)
	if err != nil {
		if errors.Is(err, crdt.ErrInvalidPayload) {
			return PullResult{}, translateCrdtError(err)
		}
		s.logError(opPull, reasonDiffFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return PullResult{}, newServiceError(opPull, reasonDiffFailed, err)
	}
	if err := checkSize(len(update), s.payload.MaxPullBytes, "pull"); err != nil {
		s.loggerOrDefault().Warn("pull response exceeds ceiling",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Int(fieldBytes, len(update)))
		return PullResult{}, err
	}

	now := s.clock().UTC()
	s.record(EventPull, documentID, actor.String(), len(update), now)
	if len(update) == 0 {
		return PullResult{Timestamp: now}, nil
	}
	encoded := crdt.Encode(update)
	return PullResult{UpdateB64: &encoded, Timestamp: now}, nil
}

func decodePayload(encoded string) ([]byte, error) {
	decoded, err := crdt.Decode(encoded)
	if err != nil {
		return nil, translateCrdtError(err)
	}
	return decoded, nil
}

func translateCrdtError(err error) error {
	if errors.Is(err, crdt.ErrInvalidPayload) {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return err
}
