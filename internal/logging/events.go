package logging

import (
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/documents"
	"go.uber.org/zap"
)

// EventSink writes reconciliation events as structured log entries.
type EventSink struct {
	logger *zap.Logger
}

// NewEventSink returns a documents.MetricsSink backed by logger.
func NewEventSink(logger *zap.Logger) *EventSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventSink{logger: logger.Named("metrics")}
}

func (s *EventSink) Record(event documents.Event) {
	s.logger.Info("metrics event",
		zap.String("event", event.Name),
		zap.String("docId", event.DocumentID),
		zap.String("actor", event.Actor),
		zap.Int("bytes", event.Bytes),
		zap.Time("at", event.At))
}
