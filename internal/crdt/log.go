package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/automerge/automerge-go"
)

const hashSize = len(automerge.ChangeHash{})

var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkTypeDocument byte = iota
	chunkTypeChange
	chunkTypeCompressedChange
)

// chunk header: magic, 4-byte checksum, type byte, then a uLEB128 length.
const chunkPrefixSize = 4 + 4 + 1

// Log is a replicated document log. It is not safe for concurrent use.
type Log struct {
	doc *automerge.Doc
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{doc: automerge.New()}
}

// LoadLog restores a log from its persisted form. Empty input yields an empty log.
func LoadLog(raw []byte) (*Log, error) {
	if len(raw) == 0 {
		return NewLog(), nil
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptLog, err)
	}
	return &Log{doc: doc}, nil
}

// Bytes returns the persisted form of the full log.
func (l *Log) Bytes() []byte {
	return l.doc.Save()
}

// Doc exposes the underlying document for read access.
func (l *Log) Doc() *automerge.Doc {
	return l.doc
}

// Heads returns the change hashes at the tip of this log.
func (l *Log) Heads() []automerge.ChangeHash {
	return l.doc.Heads()
}

// StateVector summarizes what this replica has seen: its heads, concatenated.
func (l *Log) StateVector() []byte {
	return EncodeStateVector(l.doc.Heads())
}

// EncodeStateVector concatenates heads into the wire form DecodeStateVector reads.
func EncodeStateVector(heads []automerge.ChangeHash) []byte {
	vector := make([]byte, 0, len(heads)*hashSize)
	for _, head := range heads {
		vector = append(vector, head[:]...)
	}
	return vector
}

// DecodeStateVector splits a state vector into change hashes.
func DecodeStateVector(vector []byte) ([]automerge.ChangeHash, error) {
	if len(vector)%hashSize != 0 {
		return nil, fmt.Errorf("%w: state vector length %d", ErrInvalidPayload, len(vector))
	}
	hashes := make([]automerge.ChangeHash, 0, len(vector)/hashSize)
	for offset := 0; offset < len(vector); offset += hashSize {
		var hash automerge.ChangeHash
		copy(hash[:], vector[offset:offset+hashSize])
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// Diff returns exactly the changes a replica with the given state vector is missing.
// Empty means nothing is missing. Hashes this log has never seen carry no information
// about the caller's history and are skipped; with none left the whole log is returned.
func (l *Log) Diff(stateVector []byte) ([]byte, error) {
	remoteHeads, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	since := make([]automerge.ChangeHash, 0, len(remoteHeads))
	for _, head := range remoteHeads {
		if l.has(head) {
			since = append(since, head)
		}
	}
	changes, err := l.doc.Changes(since...)
	if err != nil {
		return nil, fmt.Errorf("diff changes: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(changes), nil
}

// FullUpdate encodes every change in the log as a single update.
func (l *Log) FullUpdate() ([]byte, error) {
	changes, err := l.doc.Changes()
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(changes), nil
}

// ApplyUpdate merges an update produced by another replica. Applying the same
// update twice, or updates in any order, converges on the same state.
// Malformed updates are rejected before the log is touched.
func (l *Log) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	if _, err := splitChunks(update); err != nil {
		return err
	}
	if err := l.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Mutate runs a local edit and returns exactly the delta it produced.
// An edit that changes nothing yields an empty delta.
// Updates merged through ApplyUpdate never surface here.
func (l *Log) Mutate(message string, edit func(doc *automerge.Doc) error) ([]byte, error) {
	before := l.doc.Heads()
	if err := edit(l.doc); err != nil {
		return nil, err
	}
	if _, err := l.doc.Commit(message); err != nil {
		// Commit refuses when there is nothing to record.
		if sameHashes(before, l.doc.Heads()) {
			return nil, nil
		}
	}
	changes, err := l.doc.Changes(before...)
	if err != nil {
		return nil, fmt.Errorf("collect local edit: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(changes), nil
}

// Frontier returns the heads of a replica that holds the history up to base plus
// everything in update. Every hash in base must belong to this log.
func (l *Log) Frontier(base []automerge.ChangeHash, update []byte) ([]automerge.ChangeHash, error) {
	view := automerge.New()
	if len(base) > 0 {
		forked, err := l.doc.Fork(base...)
		if err != nil {
			return nil, fmt.Errorf("fork at heads: %w", err)
		}
		view = forked
	}
	if len(update) > 0 {
		if _, err := splitChunks(update); err != nil {
			return nil, err
		}
		if err := view.LoadIncremental(update); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return view.Heads(), nil
}

// SameHeads reports whether two logs have observed exactly the same changes.
func (l *Log) SameHeads(other *Log) bool {
	return sameHashes(l.doc.Heads(), other.doc.Heads())
}

func (l *Log) has(hash automerge.ChangeHash) bool {
	change, err := l.doc.Change(hash)
	return err == nil && change != nil
}

func sameHashes(left, right []automerge.ChangeHash) bool {
	if len(left) != len(right) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(left))
	for _, head := range left {
		seen[head] = struct{}{}
	}
	for _, head := range right {
		if _, ok := seen[head]; !ok {
			return false
		}
	}
	return true
}

// MergeUpdates combines queued updates into one, dropping repeated changes.
// Order is kept, so causally ordered input stays causally ordered.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	seen := make(map[string]struct{})
	var merged []byte
	for _, update := range updates {
		if len(update) == 0 {
			continue
		}
		chunks, err := splitChunks(update)
		if err != nil {
			return nil, err
		}
		for _, chunk := range chunks {
			key := string(chunk)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, chunk...)
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return merged, nil
}

// splitChunks cuts an update into its framed chunks. It checks framing only;
// the chunk contents are left to automerge.
func splitChunks(update []byte) ([][]byte, error) {
	var chunks [][]byte
	for offset := 0; offset < len(update); {
		rest := update[offset:]
		if len(rest) < chunkPrefixSize || !bytes.Equal(rest[:len(chunkMagic)], chunkMagic) {
			return nil, fmt.Errorf("%w: no chunk header at offset %d", ErrInvalidPayload, offset)
		}
		switch rest[chunkPrefixSize-1] {
		case chunkTypeDocument, chunkTypeChange, chunkTypeCompressedChange:
		default:
			return nil, fmt.Errorf("%w: unknown chunk type %d", ErrInvalidPayload, rest[chunkPrefixSize-1])
		}
		length, width := binary.Uvarint(rest[chunkPrefixSize:])
		if width <= 0 {
			return nil, fmt.Errorf("%w: bad chunk length at offset %d", ErrInvalidPayload, offset)
		}
		end := uint64(chunkPrefixSize+width) + length
		if end > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: truncated chunk at offset %d", ErrInvalidPayload, offset)
		}
		chunks = append(chunks, rest[:end])
		offset += int(end)
	}
	return chunks, nil
}
