package crdt

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/richtext"
	"github.com/automerge/automerge-go"
)

const (
	// SnapshotSlot is the reserved root key holding the structured snapshot inside the log.
	SnapshotSlot = "__workspace_snapshot"
	slotJSONKey  = "json"
	slotTimeKey  = "ts"
	snapshotNote = "snapshot"
)

// Source names where a materialized snapshot came from.
type Source string

const (
	SourceLog      Source = "log"
	SourceFallback Source = "fallback"
	SourceEmpty    Source = "empty"
)

// Materialized is the outcome of Materialize.
type Materialized struct {
	Snapshot richtext.Node
	Source   Source
}

// ApplySnapshot records a structured snapshot inside the log and returns the delta it produced.
// Only the reserved slot is written.
func ApplySnapshot(log *Log, snapshot richtext.Node, at time.Time) ([]byte, error) {
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	encoded, err := snapshot.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return log.Mutate(snapshotNote, func(doc *automerge.Doc) error {
		if err := doc.Path(SnapshotSlot, slotJSONKey).Set(string(encoded)); err != nil {
			return err
		}
		return doc.Path(SnapshotSlot, slotTimeKey).Set(at.UnixMilli())
	})
}

// RecoverSnapshot reads the structured snapshot back out of the log.
// It reports false when the slot is absent or does not hold a valid document.
func RecoverSnapshot(log *Log) (snapshot richtext.Node, ok bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			snapshot, ok = richtext.Node{}, false
		}
	}()
	value, err := log.doc.Path(SnapshotSlot, slotJSONKey).Get()
	if err != nil || value == nil || value.Kind() != automerge.KindStr {
		return richtext.Node{}, false
	}
	parsed, err := richtext.Parse([]byte(value.Str()))
	if err != nil {
		return richtext.Node{}, false
	}
	return parsed, true
}

// Materialize turns raw log bytes into a snapshot. It never fails: undecodable
// bytes or a missing slot resolve to the fallback, or to the empty document.
func Materialize(raw []byte, fallback *richtext.Node) Materialized {
	if len(raw) > 0 {
		if log, err := LoadLog(raw); err == nil {
			if snapshot, ok := RecoverSnapshot(log); ok {
				return Materialized{Snapshot: snapshot, Source: SourceLog}
			}
		}
	}
	return fallbackSnapshot(fallback)
}

// MaterializeLog is Materialize for an already loaded log.
func MaterializeLog(log *Log, fallback *richtext.Node) Materialized {
	if log != nil {
		if snapshot, ok := RecoverSnapshot(log); ok {
			return Materialized{Snapshot: snapshot, Source: SourceLog}
		}
	}
	return fallbackSnapshot(fallback)
}

func fallbackSnapshot(fallback *richtext.Node) Materialized {
	if fallback != nil && fallback.Validate() == nil {
		return Materialized{Snapshot: *fallback, Source: SourceFallback}
	}
	return Materialized{Snapshot: richtext.Empty(), Source: SourceEmpty}
}
