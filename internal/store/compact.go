package store

import (
	"fmt"

	"github.com/matteing/opal/pkg/types"
)

// ReplacePathSegment atomically removes a contiguous run of ids and
// splices summary in at their place: the summary is anchored to the
// parent of the first removed id, any surviving children of the last
// removed id are re-parented to the summary, and the cursor is moved to
// the summary if it pointed inside the removed range. This is the only
// mutation compaction is allowed to perform.
func (s *Store) ReplacePathSegment(idsToRemove []string, summary *types.Message) (*types.Message, error) {
	if len(idsToRemove) == 0 {
		return nil, fmt.Errorf("store: replace_path_segment requires at least one id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first, ok := s.messages[idsToRemove[0]]
	if !ok {
		return nil, ErrNotFound
	}
	last, ok := s.messages[idsToRemove[len(idsToRemove)-1]]
	if !ok {
		return nil, ErrNotFound
	}

	removed := make(map[string]bool, len(idsToRemove))
	for _, id := range idsToRemove {
		if _, ok := s.messages[id]; !ok {
			return nil, ErrNotFound
		}
		removed[id] = true
	}

	stored := summary.Clone()
	if stored.ID == "" {
		stored.ID = s.newID()
	}
	stored.ParentID = clonePtr(first.ParentID)

	// Re-parent surviving children of the last removed message.
	for _, id := range s.order {
		msg := s.messages[id]
		if removed[id] {
			continue
		}
		if msg.ParentID != nil && *msg.ParentID == last.ID {
			reparented := stored.ID
			msg.ParentID = &reparented
		}
	}

	// Delete the removed range from the map and from insertion order.
	newOrder := make([]string, 0, len(s.order)-len(idsToRemove)+1)
	inserted := false
	for _, id := range s.order {
		if removed[id] {
			delete(s.messages, id)
			if !inserted {
				newOrder = append(newOrder, stored.ID)
				inserted = true
			}
			continue
		}
		newOrder = append(newOrder, id)
	}
	if !inserted {
		newOrder = append(newOrder, stored.ID)
	}
	s.order = newOrder
	s.messages[stored.ID] = stored

	if s.currentID != nil && removed[*s.currentID] {
		id := stored.ID
		s.currentID = &id
	}

	return stored.Clone(), nil
}
