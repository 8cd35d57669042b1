package foreman

import (
	"sort"
	"sync"
	"time"

	"github.com/dragnet-project/dragnet/internal/rules"
	"github.com/dragnet-project/dragnet/internal/telemetry"
)

// RuleStore holds the active rule table the foreman evaluates on every
// check-in. Only running hunts have entries; pausing or stopping a hunt
// withdraws its groups.
type RuleStore interface {
	// Publish replaces the hunt's rule groups. Publishing an identical
	// set again is a no-op, publishing an empty set withdraws the hunt.
	Publish(huntID string, groups []rules.RuleGroup)
	// Remove withdraws all of the hunt's rule groups.
	Remove(huntID string)
	// Snapshot returns a consistent view of the active table. Callers
	// must not modify the returned slice.
	Snapshot() []rules.RuleGroup
	// Prune drops groups whose expiry has passed and reports how many
	// were removed.
	Prune(now time.Time) int
}

// MemoryRuleStore keeps the rule table in memory. Mutations rebuild an
// immutable flattened snapshot so concurrent check-ins read without
// copying or holding the write lock.
type MemoryRuleStore struct {
	mu       sync.RWMutex
	byHunt   map[string][]rules.RuleGroup
	snapshot []rules.RuleGroup
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		byHunt: make(map[string][]rules.RuleGroup),
	}
}

func (s *MemoryRuleStore) Publish(huntID string, groups []rules.RuleGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(groups) == 0 {
		delete(s.byHunt, huntID)
	} else {
		s.byHunt[huntID] = append([]rules.RuleGroup(nil), groups...)
	}
	s.rebuildLocked()
}

func (s *MemoryRuleStore) Remove(huntID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHunt[huntID]; !ok {
		return
	}
	delete(s.byHunt, huntID)
	s.rebuildLocked()
}

func (s *MemoryRuleStore) Snapshot() []rules.RuleGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *MemoryRuleStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for huntID, groups := range s.byHunt {
		kept := groups[:0]
		for _, group := range groups {
			if group.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, group)
		}
		if len(kept) == 0 {
			delete(s.byHunt, huntID)
		} else {
			s.byHunt[huntID] = kept
		}
	}
	if removed > 0 {
		s.rebuildLocked()
	}
	return removed
}

// rebuildLocked flattens byHunt into a fresh snapshot slice. Ordering is
// stable so matching and logs are deterministic.
func (s *MemoryRuleStore) rebuildLocked() {
	flat := make([]rules.RuleGroup, 0, len(s.snapshot))
	for _, groups := range s.byHunt {
		flat = append(flat, groups...)
	}
	sort.Slice(flat, func(i, j int) bool {
		if flat[i].HuntID != flat[j].HuntID {
			return flat[i].HuntID < flat[j].HuntID
		}
		return flat[i].ID < flat[j].ID
	})
	s.snapshot = flat
	telemetry.ActiveRuleGroups.Set(float64(len(flat)))
}
