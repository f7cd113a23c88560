// Package presence tracks which collaborators are currently viewing a document.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a peer stays listed after its last heartbeat.
const DefaultTTL = 30 * time.Second

var (
	// ErrInvalidPeer indicates a heartbeat without a client identifier.
	ErrInvalidPeer = errors.New("presence: invalid peer")
)

// Cursor is a collaborator's selection in the editor.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Peer is the ephemeral awareness state of one client session.
type Peer struct {
	ClientID string    `json:"clientId"`
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// Store keeps peers per document and forgets them once their heartbeat is older than the TTL.
type Store interface {
	Touch(ctx context.Context, documentID string, peer Peer) error
	List(ctx context.Context, documentID string) ([]Peer, error)
}

// Exchange records the caller's heartbeat and returns every other live peer.
func Exchange(ctx context.Context, store Store, documentID string, peer Peer) ([]Peer, error) {
	if strings.TrimSpace(peer.ClientID) == "" {
		return nil, fmt.Errorf("%w: client id required", ErrInvalidPeer)
	}
	if err := store.Touch(ctx, documentID, peer); err != nil {
		return nil, err
	}
	peers, err := store.List(ctx, documentID)
	if err != nil {
		return nil, err
	}
	others := make([]Peer, 0, len(peers))
	for _, candidate := range peers {
		if candidate.ClientID != peer.ClientID {
			others = append(others, candidate)
		}
	}
	return others, nil
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ClientID < peers[j].ClientID
	})
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	peers map[string]map[string]Peer
}

// NewMemoryStore builds a MemoryStore. A zero ttl uses DefaultTTL and a nil clock uses time.Now.
func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{ttl: ttl, now: now, peers: make(map[string]map[string]Peer)}
}

func (s *MemoryStore) Touch(_ context.Context, documentID string, peer Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer.LastSeen = s.now().UTC()
	if _, ok := s.peers[documentID]; !ok {
		s.peers[documentID] = make(map[string]Peer)
	}
	s.peers[documentID][peer.ClientID] = peer
	return nil
}

func (s *MemoryStore) List(_ context.Context, documentID string) ([]Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	live := make([]Peer, 0, len(s.peers[documentID]))
	for clientID, peer := range s.peers[documentID] {
		if peer.LastSeen.Before(cutoff) {
			delete(s.peers[documentID], clientID)
			continue
		}
		live = append(live, peer)
	}
	if len(s.peers[documentID]) == 0 {
		delete(s.peers, documentID)
	}
	sortPeers(live)
	return live, nil
}
