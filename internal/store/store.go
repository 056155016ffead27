// Package store implements the conversation tree: an id-keyed (ULID),
// append-only store of messages with branching, path reconstruction, and
// atomic segment replacement (the primitive compaction is built on).
//
// A Store is single-writer per session: the owning Agent Loop serializes
// all appends and branches through its own goroutine. Reads (Path, Get,
// Tree) are safe to call concurrently with writes; the mutex only
// protects the in-memory maps, never a blocking operation.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/matteing/opal/pkg/types"
)

// Store is the conversation tree for one session.
type Store struct {
	mu sync.Mutex

	sessionID string
	currentID *string
	metadata  map[string]any

	messages map[string]*types.Message // id -> message
	order    []string                  // insertion order, for deterministic Save/Tree iteration
	entropy  *ulid.MonotonicEntropy
}

// New creates an empty Store for the given session id.
func New(sessionID string) *Store {
	return &Store{
		sessionID: sessionID,
		messages:  make(map[string]*types.Message),
		entropy:   ulid.Monotonic(ulid.DefaultEntropy(), 0),
	}
}

// SessionID returns the session this store belongs to.
func (s *Store) SessionID() string {
	return s.sessionID
}

// CurrentID returns the store's current cursor, or nil if empty.
func (s *Store) CurrentID() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePtr(s.currentID)
}

// Metadata returns a copy of the store's header metadata.
func (s *Store) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata merges keys into the store's header metadata.
func (s *Store) SetMetadata(kv map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	for k, v := range kv {
		s.metadata[k] = v
	}
}

func (s *Store) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Append sets msg.ParentID to the current cursor, inserts the message,
// and advances the cursor. Returns the stored (cloned) message.
func (s *Store) Append(msg *types.Message) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

func (s *Store) appendLocked(msg *types.Message) (*types.Message, error) {
	stored := msg.Clone()
	if stored.ID == "" {
		stored.ID = s.newID()
	}
	if _, exists := s.messages[stored.ID]; exists {
		return nil, fmt.Errorf("store: duplicate message id %q", stored.ID)
	}
	stored.ParentID = clonePtr(s.currentID)
	if stored.CreatedAt == 0 {
		stored.CreatedAt = time.Now().UnixMilli()
	}

	s.messages[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	id := stored.ID
	s.currentID = &id

	return stored.Clone(), nil
}

// AppendMany appends every message under one lock, chaining each one's
// parent to the id immediately preceding it. If an append fails, the
// messages appended before it stay in the store and nil is returned.
func (s *Store) AppendMany(msgs []*types.Message) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Message, 0, len(msgs))
	for _, m := range msgs {
		stored, err := s.appendLocked(m)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// Get returns a clone of the message with the given id, if present.
func (s *Store) Get(id string) (*types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return msg.Clone(), true
}

// Path returns the root-to-current chain.
func (s *Store) Path() []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentID == nil {
		return nil
	}
	path, _ := s.pathToLocked(*s.currentID)
	return path
}

// PathTo walks parent pointers from id back to the root, returning
// root-first. Fails with ErrNotFound if id is absent.
func (s *Store) PathTo(id string) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pathToLocked(id)
}

func (s *Store) pathToLocked(id string) ([]*types.Message, error) {
	if _, ok := s.messages[id]; !ok {
		return nil, ErrNotFound
	}

	var chain []*types.Message
	cur := id
	seen := make(map[string]bool)
	for {
		msg, ok := s.messages[cur]
		if !ok {
			break
		}
		if seen[cur] {
			// Defensive: parent_id assignment at append time makes
			// cycles impossible, but never loop forever on corrupt data.
			break
		}
		seen[cur] = true
		chain = append(chain, msg.Clone())
		if msg.ParentID == nil {
			break
		}
		cur = *msg.ParentID
	}

	// chain is leaf-first; reverse to root-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Tree returns every message grouped by parent id. Roots are keyed
// under the empty string.
func (s *Store) Tree() map[string][]*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]*types.Message)
	for _, id := range s.order {
		msg := s.messages[id]
		key := ""
		if msg.ParentID != nil {
			key = *msg.ParentID
		}
		out[key] = append(out[key], msg.Clone())
	}
	return out
}

// Branch repoints the cursor at an existing message. Subsequent appends
// form a new subtree rooted there.
func (s *Store) Branch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	branched := id
	s.currentID = &branched
	return nil
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
