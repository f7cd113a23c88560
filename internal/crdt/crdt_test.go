package crdt

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/richtext"
	"github.com/automerge/automerge-go"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCodecRoundTrip(testContext *testing.T) {
	payloads := [][]byte{
		{},
		{0x00},
		{0xff, 0xfe, 0x00, 0x01},
		bytes.Repeat([]byte{0x85, 0x6f, 0x4a, 0x83}, 257),
	}
	for _, payload := range payloads {
		decoded, err := Decode(Encode(payload))
		if err != nil {
			testContext.Fatalf("decode failed: %v", err)
		}
		if !bytes.Equal(decoded, payload) {
			testContext.Fatalf("round trip mismatch for %d bytes", len(payload))
		}
	}
}

func TestDecodeRejectsMalformedInput(testContext *testing.T) {
	for _, encoded := range []string{"%%%", "abc", "AQID!"} {
		if _, err := Decode(encoded); !errors.Is(err, ErrInvalidPayload) {
			testContext.Fatalf("expected ErrInvalidPayload for %q, got %v", encoded, err)
		}
	}
}

func TestRecoverSnapshotReturnsAppliedSnapshot(testContext *testing.T) {
	log := NewLog()
	snapshot := richtext.AppendParagraph(richtext.Empty(), "hello")

	if _, err := ApplySnapshot(log, snapshot, fixedTime); err != nil {
		testContext.Fatalf("apply snapshot failed: %v", err)
	}
	recovered, ok := RecoverSnapshot(log)
	if !ok {
		testContext.Fatalf("expected snapshot to be recoverable")
	}
	if !recovered.Equal(snapshot) {
		testContext.Fatalf("recovered snapshot differs from applied snapshot")
	}

	reloaded := mustLoadLog(testContext, log.Bytes())
	recovered, ok = RecoverSnapshot(reloaded)
	if !ok || !recovered.Equal(snapshot) {
		testContext.Fatalf("expected snapshot to survive persistence")
	}
}

func TestApplySnapshotLeavesOtherKeysAlone(testContext *testing.T) {
	log := NewLog()
	if _, err := log.Mutate("title", func(doc *automerge.Doc) error {
		return doc.Path("title").Set("draft")
	}); err != nil {
		testContext.Fatalf("mutate failed: %v", err)
	}
	if _, err := ApplySnapshot(log, richtext.Empty(), fixedTime); err != nil {
		testContext.Fatalf("apply snapshot failed: %v", err)
	}
	value, err := log.Doc().Path("title").Get()
	if err != nil {
		testContext.Fatalf("get title failed: %v", err)
	}
	if value.Kind() != automerge.KindStr || value.Str() != "draft" {
		testContext.Fatalf("expected unrelated key to be preserved")
	}
}

func TestRecoverSnapshotAbsentOnFreshLog(testContext *testing.T) {
	if _, ok := RecoverSnapshot(NewLog()); ok {
		testContext.Fatalf("expected no snapshot in fresh log")
	}
}

func TestRecoverSnapshotRejectsInvalidSlot(testContext *testing.T) {
	log := NewLog()
	if _, err := log.Mutate("bad slot", func(doc *automerge.Doc) error {
		return doc.Path(SnapshotSlot, slotJSONKey).Set(`{"type":"paragraph"}`)
	}); err != nil {
		testContext.Fatalf("mutate failed: %v", err)
	}
	if _, ok := RecoverSnapshot(log); ok {
		testContext.Fatalf("expected invalid slot to be reported absent")
	}
}

func TestMaterializeFallsBackOnCorruptBytes(testContext *testing.T) {
	fallback := richtext.AppendParagraph(richtext.Empty(), "stored")
	garbage := []byte("definitely not a log")

	materialized := Materialize(garbage, &fallback)
	if materialized.Source != SourceFallback || !materialized.Snapshot.Equal(fallback) {
		testContext.Fatalf("expected fallback snapshot, got source %s", materialized.Source)
	}

	materialized = Materialize(garbage, nil)
	if materialized.Source != SourceEmpty || !materialized.Snapshot.Equal(richtext.Empty()) {
		testContext.Fatalf("expected empty document, got source %s", materialized.Source)
	}

	if _, err := LoadLog(garbage); !errors.Is(err, ErrCorruptLog) {
		testContext.Fatalf("expected ErrCorruptLog, got %v", err)
	}
}

func TestMaterializePrefersLog(testContext *testing.T) {
	log := NewLog()
	snapshot := richtext.AppendParagraph(richtext.Empty(), "from log")
	if _, err := ApplySnapshot(log, snapshot, fixedTime); err != nil {
		testContext.Fatalf("apply snapshot failed: %v", err)
	}
	fallback := richtext.Empty()
	materialized := Materialize(log.Bytes(), &fallback)
	if materialized.Source != SourceLog || !materialized.Snapshot.Equal(snapshot) {
		testContext.Fatalf("expected snapshot from log, got source %s", materialized.Source)
	}
}

func TestUpdatesConvergeInAnyOrder(testContext *testing.T) {
	base := NewLog()
	seed := mustMutate(testContext, base, "seed", "seed", "value")

	first := mustLoadLog(testContext, base.Bytes())
	second := mustLoadLog(testContext, base.Bytes())
	firstDelta := mustMutate(testContext, first, "a", "left", "one")
	secondDelta := mustMutate(testContext, second, "b", "right", "two")

	forward := NewLog()
	backward := NewLog()
	for _, update := range [][]byte{seed, firstDelta, secondDelta} {
		mustApply(testContext, forward, update)
	}
	for _, update := range [][]byte{secondDelta, firstDelta, seed, firstDelta} {
		mustApply(testContext, backward, update)
	}

	if !forward.SameHeads(backward) {
		testContext.Fatalf("expected replicas to converge on the same heads")
	}
	for _, key := range []string{"left", "right", "seed"} {
		if readString(testContext, forward, key) != readString(testContext, backward, key) {
			testContext.Fatalf("replicas disagree on %s", key)
		}
	}
}

func TestMutateExcludesRemoteChanges(testContext *testing.T) {
	remote := NewLog()
	remoteDelta := mustMutate(testContext, remote, "remote", "remote", "x")

	local := NewLog()
	mustApply(testContext, local, remoteDelta)
	localDelta := mustMutate(testContext, local, "local", "local", "y")

	if count := countChunks(testContext, localDelta); count != 1 {
		testContext.Fatalf("expected exactly the local change, got %d changes", count)
	}
}

func TestMutateWithoutChangesYieldsEmptyDelta(testContext *testing.T) {
	log := NewLog()
	mustMutate(testContext, log, "one", "k", "v")
	before := log.StateVector()

	delta, err := log.Mutate("noop", func(doc *automerge.Doc) error { return nil })
	if err != nil {
		testContext.Fatalf("expected a no-op edit to succeed, got %v", err)
	}
	if len(delta) != 0 {
		testContext.Fatalf("expected empty delta, got %d bytes", len(delta))
	}
	if !bytes.Equal(before, log.StateVector()) {
		testContext.Fatalf("expected log to be unchanged")
	}
}

func TestApplySnapshotTwiceWithSameTimestamp(testContext *testing.T) {
	log := NewLog()
	snapshot := richtext.AppendParagraph(richtext.Empty(), "steady")

	first, err := ApplySnapshot(log, snapshot, fixedTime)
	if err != nil || len(first) == 0 {
		testContext.Fatalf("first apply failed: delta=%d err=%v", len(first), err)
	}
	second, err := ApplySnapshot(log, snapshot, fixedTime)
	if err != nil {
		testContext.Fatalf("repeat apply failed: %v", err)
	}
	if len(second) != 0 {
		testContext.Fatalf("expected repeat apply to produce no delta, got %d bytes", len(second))
	}
	recovered, ok := RecoverSnapshot(log)
	if !ok || !recovered.Equal(snapshot) {
		testContext.Fatalf("expected snapshot to stay recoverable")
	}
}

func TestDiffIsEmptyWhenUpToDate(testContext *testing.T) {
	server := NewLog()
	mustMutate(testContext, server, "one", "k", "v")

	client := NewLog()
	update, err := server.Diff(client.StateVector())
	if err != nil {
		testContext.Fatalf("diff failed: %v", err)
	}
	if len(update) == 0 {
		testContext.Fatalf("expected diff for empty client")
	}
	mustApply(testContext, client, update)

	update, err = server.Diff(client.StateVector())
	if err != nil {
		testContext.Fatalf("diff failed: %v", err)
	}
	if len(update) != 0 {
		testContext.Fatalf("expected empty diff, got %d bytes", len(update))
	}
}

func TestDiffIgnoresUnknownHeads(testContext *testing.T) {
	server := NewLog()
	mustMutate(testContext, server, "one", "k", "v")
	client := mustLoadLog(testContext, server.Bytes())
	mustMutate(testContext, client, "ahead", "k2", "v2")

	update, err := server.Diff(client.StateVector())
	if err != nil {
		testContext.Fatalf("diff failed: %v", err)
	}
	mustApply(testContext, client, update)
	if readString(testContext, client, "k2") != "v2" {
		testContext.Fatalf("expected client state to survive applying superset diff")
	}
}

func TestDiffFromAcknowledgedHeadsIsMinimal(testContext *testing.T) {
	server := NewLog()
	for index := 0; index < 50; index++ {
		mustMutate(testContext, server, "history", "k", string(rune('a'+index%26)))
	}
	client := mustLoadLog(testContext, server.Bytes())
	acknowledged := client.Heads()

	mustMutate(testContext, client, "pending", "draft", "unsent")
	mustMutate(testContext, server, "remote", "remote", "new")

	update, err := server.Diff(EncodeStateVector(acknowledged))
	if err != nil {
		testContext.Fatalf("diff failed: %v", err)
	}
	if count := countChunks(testContext, update); count != 1 {
		testContext.Fatalf("expected only the remote change, got %d changes", count)
	}
	mustApply(testContext, client, update)
	if readString(testContext, client, "remote") != "new" || readString(testContext, client, "draft") != "unsent" {
		testContext.Fatalf("expected client to hold both the remote and pending edits")
	}

	next, err := client.Frontier(acknowledged, update)
	if err != nil {
		testContext.Fatalf("frontier failed: %v", err)
	}
	if !sameHashes(next, server.Heads()) {
		testContext.Fatalf("expected frontier to match the server heads")
	}
	update, err = server.Diff(EncodeStateVector(next))
	if err != nil {
		testContext.Fatalf("diff failed: %v", err)
	}
	if len(update) != 0 {
		testContext.Fatalf("expected nothing missing after catching up, got %d bytes", len(update))
	}
}

func TestFrontierFromEmptyBase(testContext *testing.T) {
	server := NewLog()
	mustMutate(testContext, server, "one", "k", "v")
	full, err := server.FullUpdate()
	if err != nil {
		testContext.Fatalf("full update failed: %v", err)
	}
	client := NewLog()
	mustApply(testContext, client, full)
	mustMutate(testContext, client, "local", "mine", "x")

	heads, err := client.Frontier(nil, full)
	if err != nil {
		testContext.Fatalf("frontier failed: %v", err)
	}
	if !sameHashes(heads, server.Heads()) {
		testContext.Fatalf("expected frontier to exclude the local edit")
	}
}

func TestDecodeStateVectorRejectsPartialHash(testContext *testing.T) {
	if _, err := DecodeStateVector(make([]byte, hashSize+1)); !errors.Is(err, ErrInvalidPayload) {
		testContext.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestApplyUpdateRejectsGarbage(testContext *testing.T) {
	log := NewLog()
	mustMutate(testContext, log, "one", "k", "v")
	before := log.StateVector()
	if err := log.ApplyUpdate([]byte{0x01, 0x02, 0x03}); !errors.Is(err, ErrInvalidPayload) {
		testContext.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if !bytes.Equal(before, log.StateVector()) {
		testContext.Fatalf("expected log to be unchanged")
	}
}

func TestApplyUpdateRejectsTruncatedChunk(testContext *testing.T) {
	source := NewLog()
	delta := mustMutate(testContext, source, "one", "k", "v")

	target := NewLog()
	if err := target.ApplyUpdate(delta[:len(delta)-1]); !errors.Is(err, ErrInvalidPayload) {
		testContext.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if len(target.Heads()) != 0 {
		testContext.Fatalf("expected target to stay empty")
	}
}

func TestMergeUpdatesDeduplicates(testContext *testing.T) {
	log := NewLog()
	first := mustMutate(testContext, log, "one", "a", "1")
	second := mustMutate(testContext, log, "two", "b", "2")

	merged, err := MergeUpdates(first, second, first)
	if err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}
	if count := countChunks(testContext, merged); count != 2 {
		testContext.Fatalf("expected 2 distinct changes, got %d", count)
	}

	replica := NewLog()
	mustApply(testContext, replica, merged)
	if !replica.SameHeads(log) {
		testContext.Fatalf("expected merged update to reproduce the source log")
	}
}

func countChunks(testContext *testing.T, update []byte) int {
	testContext.Helper()
	chunks, err := splitChunks(update)
	if err != nil {
		testContext.Fatalf("split update failed: %v", err)
	}
	return len(chunks)
}

func mustLoadLog(testContext *testing.T, raw []byte) *Log {
	testContext.Helper()
	log, err := LoadLog(raw)
	if err != nil {
		testContext.Fatalf("load log failed: %v", err)
	}
	return log
}

func mustMutate(testContext *testing.T, log *Log, message, key, value string) []byte {
	testContext.Helper()
	delta, err := log.Mutate(message, func(doc *automerge.Doc) error {
		return doc.Path(key).Set(value)
	})
	if err != nil {
		testContext.Fatalf("mutate failed: %v", err)
	}
	if len(delta) == 0 {
		testContext.Fatalf("expected non-empty delta")
	}
	return delta
}

func mustApply(testContext *testing.T, log *Log, update []byte) {
	testContext.Helper()
	if err := log.ApplyUpdate(update); err != nil {
		testContext.Fatalf("apply update failed: %v", err)
	}
}

func readString(testContext *testing.T, log *Log, key string) string {
	testContext.Helper()
	value, err := log.Doc().Path(key).Get()
	if err != nil {
		testContext.Fatalf("get %s failed: %v", key, err)
	}
	if value.Kind() != automerge.KindStr {
		return ""
	}
	return value.Str()
}
