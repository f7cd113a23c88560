// Package syncclient keeps one local replica of a document in step with the server.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/richtext"
	"github.com/automerge/automerge-go"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultDebounceWindow = 400 * time.Millisecond
	DefaultPollInterval   = 8 * time.Second
)

var (
	ErrSessionClosed     = errors.New("syncclient: session closed")
	ErrMissingDocumentID = errors.New("syncclient: document id is required")
	ErrMissingTransport  = errors.New("syncclient: transport is required")
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhasePushing Phase = "pushing"
	PhasePulling Phase = "pulling"
	PhaseOffline Phase = "offline"
	PhaseError   Phase = "error"
)

// Status is the observable sync state of a session.
type Status struct {
	Online       bool
	Phase        Phase
	LastSyncedAt time.Time
	LastError    string
	Pending      int
	Peers        []presence.Peer
}

// PresenceState is what this session shows other collaborators.
type PresenceState struct {
	Name   string
	Color  string
	Cursor *presence.Cursor
}

type Config struct {
	DocumentID       string
	ClientID         string
	Transport        Transport
	Clock            Clock
	DebounceWindow   time.Duration
	PollInterval     time.Duration
	StartOffline     bool
	InitialState     []byte
	FallbackSnapshot *richtext.Node
	Cache            Cache
	Logger           *zap.Logger
}

// Engine owns a local replica and schedules pushes and pulls for it.
// All replica state lives on a single loop goroutine; exported methods post work to it.
type Engine struct {
	documentID string
	clientID   string
	transport  Transport
	clock      Clock
	debounce   time.Duration
	poll       time.Duration
	fallback   *richtext.Node
	cache      Cache
	logger     *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	actions chan func()
	done    chan struct{}

	statusMu  sync.Mutex
	published Status
	observers map[*observer]struct{}

	// loop-owned
	log              *crdt.Log
	acked            []automerge.ChangeHash // heads the server is known to hold
	queue            [][]byte
	status           Status
	online           bool
	closed           bool
	pushInFlight     bool
	pullInFlight     bool
	presenceInFlight bool
	awareness        *PresenceState
	retry            *backoff.ExponentialBackOff
	debounceTimer    Timer
	retryTimer       Timer
	pollTimer        Timer
	debounceGen      int
	retryGen         int
}

// Open starts a session for one document. The session ends with Close or when ctx ends.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.DocumentID) == "" {
		return nil, ErrMissingDocumentID
	}
	if cfg.Transport == nil {
		return nil, ErrMissingTransport
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("document_id", cfg.DocumentID), zap.String("client_id", cfg.ClientID))

	log, err := crdt.LoadLog(cfg.InitialState)
	if err != nil {
		logger.Warn("initial state unreadable, starting from an empty replica", zap.Error(err))
		log = crdt.NewLog()
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.DebounceWindow
	retry.MaxInterval = cfg.PollInterval
	retry.MaxElapsedTime = 0
	retry.Clock = cfg.Clock
	retry.Reset()

	engineCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	engine := &Engine{
		documentID: cfg.DocumentID,
		clientID:   cfg.ClientID,
		transport:  cfg.Transport,
		clock:      cfg.Clock,
		debounce:   cfg.DebounceWindow,
		poll:       cfg.PollInterval,
		fallback:   cfg.FallbackSnapshot,
		cache:      cfg.Cache,
		logger:     logger,
		ctx:        engineCtx,
		cancel:     cancel,
		actions:    make(chan func()),
		done:       make(chan struct{}),
		observers:  make(map[*observer]struct{}),
		log:        log,
		acked:      log.Heads(),
		online:     !cfg.StartOffline,
		retry:      retry,
	}
	engine.restoreCache()
	engine.status = Status{Online: engine.online, Phase: PhaseIdle, Pending: len(engine.queue)}
	if !engine.online {
		engine.status.Phase = PhaseOffline
	}
	engine.published = engine.status

	go engine.run()
	go func() {
		select {
		case <-ctx.Done():
			_ = engine.Close()
		case <-engine.done:
		}
	}()

	err = engine.call(func() error {
		engine.schedulePoll()
		if engine.online {
			engine.startPush()
			engine.startPull()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// restoreCache queues whatever a previous session left unacknowledged. Pushing it again is
// harmless since merges are idempotent.
func (e *Engine) restoreCache() {
	if e.cache == nil {
		return
	}
	raw, ok, err := e.cache.Load(e.documentID)
	if err != nil {
		e.logger.Warn("read replica cache failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	cached, err := crdt.LoadLog(raw)
	if err != nil {
		e.logger.Warn("cached replica unreadable, ignoring", zap.Error(err))
		return
	}
	missing, err := cached.Diff(e.log.StateVector())
	if err != nil || len(missing) == 0 {
		return
	}
	if err := e.log.ApplyUpdate(missing); err != nil {
		e.logger.Warn("apply cached replica failed", zap.Error(err))
		return
	}
	e.queue = append(e.queue, missing)
}

func (e *Engine) run() {
	defer close(e.done)
	for action := range e.actions {
		action()
		if e.closed {
			return
		}
	}
}

// post hands fn to the loop. It reports false once the session has ended.
func (e *Engine) post(fn func()) bool {
	select {
	case e.actions <- fn:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) call(fn func() error) error {
	reply := make(chan error, 1)
	if !e.post(func() { reply <- fn() }) {
		return ErrSessionClosed
	}
	return <-reply
}

// Edit changes the local replica and queues the resulting delta.
func (e *Engine) Edit(edit func(doc *automerge.Doc) error) error {
	return e.call(func() error {
		delta, err := e.log.Mutate("edit", edit)
		if err != nil {
			return err
		}
		e.enqueue(delta)
		return nil
	})
}

// ApplyLocalSnapshot records a structured snapshot produced by the editing surface.
func (e *Engine) ApplyLocalSnapshot(snapshot richtext.Node) error {
	return e.call(func() error {
		delta, err := crdt.ApplySnapshot(e.log, snapshot, e.clock.Now())
		if err != nil {
			return err
		}
		e.enqueue(delta)
		return nil
	})
}

// ApplyLocalUpdate merges a delta produced by another local replica and queues it for the server.
func (e *Engine) ApplyLocalUpdate(delta []byte) error {
	return e.call(func() error {
		if err := e.log.ApplyUpdate(delta); err != nil {
			return err
		}
		e.enqueue(delta)
		return nil
	})
}

// View runs read on the local replica. read must not retain doc.
func (e *Engine) View(read func(doc *automerge.Doc) error) error {
	return e.call(func() error {
		return read(e.log.Doc())
	})
}

// Snapshot returns the structured view of the local replica.
func (e *Engine) Snapshot() (richtext.Node, error) {
	var snapshot richtext.Node
	err := e.call(func() error {
		snapshot = crdt.MaterializeLog(e.log, e.fallback).Snapshot
		return nil
	})
	return snapshot, err
}

// FlushNow pushes pending edits without waiting for the debounce window.
func (e *Engine) FlushNow() error {
	return e.call(func() error {
		e.stopDebounce()
		e.startPush()
		return nil
	})
}

// PullNow fetches remote changes ahead of the next poll.
func (e *Engine) PullNow() error {
	return e.call(func() error {
		e.startPull()
		return nil
	})
}

func (e *Engine) SetOnline(online bool) error {
	return e.call(func() error {
		if online == e.online {
			return nil
		}
		e.online = online
		if !online {
			e.stopDebounce()
			e.stopRetry()
			e.transition(func(status *Status) {
				status.Online = false
				status.Phase = PhaseOffline
			})
			return nil
		}
		e.transition(func(status *Status) {
			status.Online = true
			status.Phase = PhaseIdle
		})
		e.retry.Reset()
		e.startPush()
		e.startPull()
		e.exchangePresence()
		return nil
	})
}

func (e *Engine) SetPresence(state PresenceState) error {
	return e.call(func() error {
		e.awareness = &state
		e.exchangePresence()
		return nil
	})
}

// Status returns the most recent status. It keeps working after Close.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.published
}

// Subscribe delivers every status transition, in order. The channel closes after the
// session ends and every queued transition has been delivered, or when cancel is called.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	watcher := newObserver()
	e.statusMu.Lock()
	select {
	case <-e.done:
		e.statusMu.Unlock()
		watcher.finish()
		go watcher.run()
		return watcher.out, watcher.cancel
	default:
	}
	e.observers[watcher] = struct{}{}
	e.statusMu.Unlock()
	go watcher.run()

	return watcher.out, func() {
		e.statusMu.Lock()
		delete(e.observers, watcher)
		e.statusMu.Unlock()
		watcher.cancel()
	}
}

// Close ends the session. The local replica and its cache entry are discarded; pending edits
// that were never acknowledged are lost with them.
func (e *Engine) Close() error {
	reply := make(chan struct{})
	posted := e.post(func() {
		e.closed = true
		e.cancel()
		e.stopDebounce()
		e.stopRetry()
		if e.pollTimer != nil {
			e.pollTimer.Stop()
		}
		e.log = nil
		e.queue = nil
		if e.cache != nil {
			if err := e.cache.Destroy(e.documentID); err != nil {
				e.logger.Warn("destroy replica cache failed", zap.Error(err))
			}
		}
		close(reply)
	})
	if !posted {
		return nil
	}
	<-reply
	<-e.done

	e.statusMu.Lock()
	observers := e.observers
	e.observers = make(map[*observer]struct{})
	e.statusMu.Unlock()
	for watcher := range observers {
		watcher.finish()
	}
	return nil
}

func (e *Engine) enqueue(delta []byte) {
	if len(delta) == 0 {
		return
	}
	e.queue = append(e.queue, delta)
	e.persist()
	e.transition(func(status *Status) { status.Pending = len(e.queue) })
	if e.online && !e.pushInFlight {
		e.scheduleDebounce()
	}
}

func (e *Engine) scheduleDebounce() {
	e.stopDebounce()
	e.debounceGen++
	generation := e.debounceGen
	e.debounceTimer = e.clock.AfterFunc(e.debounce, func() {
		e.post(func() {
			if generation == e.debounceGen {
				e.debounceTimer = nil
				e.startPush()
			}
		})
	})
}

func (e *Engine) stopDebounce() {
	e.debounceGen++
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
}

func (e *Engine) scheduleRetry() {
	e.stopRetry()
	delay := e.retry.NextBackOff()
	if delay == backoff.Stop {
		delay = e.poll
	}
	e.retryGen++
	generation := e.retryGen
	e.retryTimer = e.clock.AfterFunc(delay, func() {
		e.post(func() {
			if generation == e.retryGen {
				e.retryTimer = nil
				e.startPush()
			}
		})
	})
}

func (e *Engine) stopRetry() {
	e.retryGen++
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// schedulePoll re-arms itself on every tick, whatever the outcome of the pull.
func (e *Engine) schedulePoll() {
	e.pollTimer = e.clock.AfterFunc(e.poll, func() {
		e.post(func() {
			e.schedulePoll()
			e.startPull()
			e.exchangePresence()
		})
	})
}

// startPush sends every queued delta as one merged update.
func (e *Engine) startPush() {
	if !e.online || e.pushInFlight || len(e.queue) == 0 {
		return
	}
	e.stopDebounce()
	e.stopRetry()

	merged, err := crdt.MergeUpdates(e.queue...)
	if err != nil {
		e.logger.Error("merge pending updates failed", zap.Error(err))
		e.fail(fmt.Sprintf("merge pending updates: %v", err))
		return
	}
	e.queue = nil
	e.pushInFlight = true
	e.transition(func(status *Status) {
		status.Phase = PhasePushing
		status.Pending = 0
	})

	ctx, documentID, transport := e.ctx, e.documentID, e.transport
	go func() {
		_, err := transport.Push(ctx, documentID, crdt.Encode(merged))
		e.post(func() { e.finishPush(merged, err) })
	}()
}

func (e *Engine) finishPush(merged []byte, err error) {
	e.pushInFlight = false
	if err != nil {
		e.queue = append([][]byte{merged}, e.queue...)
		e.logger.Warn("push failed", zap.Int("bytes", len(merged)), zap.Error(err))
		e.transition(func(status *Status) { status.Pending = len(e.queue) })
		if e.online {
			e.fail(fmt.Sprintf("push failed: %v", err))
			e.scheduleRetry()
		}
		return
	}

	e.retry.Reset()
	e.acknowledge(merged)
	e.persist()
	now := e.clock.Now().UTC()
	e.transition(func(status *Status) {
		status.LastSyncedAt = now
		status.LastError = ""
		status.Pending = len(e.queue)
		if e.online {
			status.Phase = PhaseIdle
		}
	})
	if !e.online {
		return
	}
	if len(e.queue) > 0 {
		e.scheduleDebounce()
	}
	e.startPull()
}

func (e *Engine) startPull() {
	if !e.online || e.pullInFlight {
		return
	}
	e.pullInFlight = true
	if !e.pushInFlight {
		e.transition(func(status *Status) { status.Phase = PhasePulling })
	}

	ctx, documentID, transport := e.ctx, e.documentID, e.transport
	// Only acknowledged heads go out: local edits the server has not seen would hide
	// the shared history from its diff.
	stateVector := crdt.Encode(crdt.EncodeStateVector(e.acked))
	go func() {
		reply, err := transport.Pull(ctx, documentID, stateVector)
		e.post(func() { e.finishPull(reply, err) })
	}()
}

func (e *Engine) finishPull(reply PullReply, err error) {
	e.pullInFlight = false
	if err == nil && reply.UpdateB64 != nil {
		err = e.applyRemote(*reply.UpdateB64)
	}
	if err != nil {
		e.logger.Warn("pull failed", zap.Error(err))
		if e.online {
			e.fail(fmt.Sprintf("pull failed: %v", err))
		}
		return
	}
	if !e.online {
		return
	}
	if e.pushInFlight {
		return
	}
	if len(e.queue) > 0 {
		e.startPush()
		return
	}
	now := e.clock.Now().UTC()
	e.transition(func(status *Status) {
		status.Phase = PhaseIdle
		status.LastError = ""
		status.LastSyncedAt = now
	})
}

// applyRemote merges a server update. It is not queued, so it never travels back as a local edit.
func (e *Engine) applyRemote(updateB64 string) error {
	update, err := crdt.Decode(updateB64)
	if err != nil {
		return err
	}
	if err := e.log.ApplyUpdate(update); err != nil {
		return err
	}
	e.acknowledge(update)
	e.persist()
	return nil
}

// acknowledge records that the server holds everything in update.
func (e *Engine) acknowledge(update []byte) {
	heads, err := e.log.Frontier(e.acked, update)
	if err != nil {
		e.logger.Warn("track acknowledged heads failed", zap.Error(err))
		return
	}
	e.acked = heads
}

func (e *Engine) exchangePresence() {
	if !e.online || e.awareness == nil || e.presenceInFlight {
		return
	}
	e.presenceInFlight = true
	heartbeat := Heartbeat{
		ClientID: e.clientID,
		Name:     e.awareness.Name,
		Color:    e.awareness.Color,
		Cursor:   e.awareness.Cursor,
	}
	ctx, documentID, transport := e.ctx, e.documentID, e.transport
	go func() {
		peers, err := transport.Presence(ctx, documentID, heartbeat)
		e.post(func() {
			e.presenceInFlight = false
			if err != nil {
				e.logger.Warn("presence exchange failed", zap.Error(err))
				return
			}
			others := make([]presence.Peer, 0, len(peers))
			for _, peer := range peers {
				if peer.ClientID != e.clientID {
					others = append(others, peer)
				}
			}
			e.transition(func(status *Status) { status.Peers = others })
		})
	}()
}

func (e *Engine) fail(message string) {
	e.transition(func(status *Status) {
		status.Phase = PhaseError
		status.LastError = message
	})
}

func (e *Engine) persist() {
	if e.cache == nil || e.log == nil {
		return
	}
	if err := e.cache.Save(e.documentID, e.log.Bytes()); err != nil {
		e.logger.Warn("write replica cache failed", zap.Error(err))
	}
}

// transition applies change and notifies observers when the status actually moved.
func (e *Engine) transition(change func(status *Status)) {
	next := e.status
	next.Peers = append([]presence.Peer(nil), e.status.Peers...)
	change(&next)
	if sameStatus(e.status, next) {
		return
	}
	e.status = next

	e.statusMu.Lock()
	e.published = next
	for watcher := range e.observers {
		watcher.push(next)
	}
	e.statusMu.Unlock()
}

func sameStatus(left, right Status) bool {
	if left.Online != right.Online || left.Phase != right.Phase || left.LastError != right.LastError ||
		left.Pending != right.Pending || !left.LastSyncedAt.Equal(right.LastSyncedAt) ||
		len(left.Peers) != len(right.Peers) {
		return false
	}
	for index := range left.Peers {
		a, b := left.Peers[index], right.Peers[index]
		if a.ClientID != b.ClientID || a.Name != b.Name || a.Color != b.Color || !a.LastSeen.Equal(b.LastSeen) {
			return false
		}
		if (a.Cursor == nil) != (b.Cursor == nil) || (a.Cursor != nil && *a.Cursor != *b.Cursor) {
			return false
		}
	}
	return true
}

// observer buffers transitions for one subscriber so the loop never blocks on a slow reader.
type observer struct {
	mu       sync.Mutex
	pending  []Status
	closing  bool
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	out      chan Status
}

func newObserver() *observer {
	return &observer{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		out:  make(chan Status),
	}
}

func (o *observer) push(status Status) {
	o.mu.Lock()
	o.pending = append(o.pending, status)
	o.mu.Unlock()
	o.signal()
}

func (o *observer) finish() {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.signal()
}

func (o *observer) cancel() {
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *observer) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) run() {
	defer close(o.out)
	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			closing := o.closing
			o.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-o.wake:
				continue
			case <-o.stop:
				return
			}
		}
		next := o.pending[0]
		o.pending = o.pending[1:]
		o.mu.Unlock()

		select {
		case o.out <- next:
		case <-o.stop:
			return
		}
	}
}
