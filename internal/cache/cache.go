// Package cache holds the local mirror of the remote outline.
//
// Concurrency model: the hierarchy lives in an arena (nodes by id plus a
// sorted children index) guarded by an RWMutex. ReplaceAll builds a fresh
// arena off-lock and swaps it in, so a reader sees either the old or the new
// hierarchy and never a mix. Every mutation takes the persistence lock before
// releasing the state lock, which keeps the Persister's write order identical
// to the in-memory order without holding readers up during I/O.
package cache

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/starford/flowboard/internal/models"
)

// Persister stores the mirror durably. Errors are logged, never surfaced.
type Persister interface {
	SaveAll(nodes []models.Node) error
	Save(n models.Node) error
	Delete(ids []string) error
	LoadAll() ([]models.Node, error)
}

// Store is the in-memory node mirror.
type Store struct {
	mu    sync.RWMutex
	arena *arena

	persistMu sync.Mutex
	persister Persister
	logger    *slog.Logger
}

type arena struct {
	nodes    map[string]models.Node
	children map[string][]string // parent id -> child ids in (priority, id) order
}

// New returns an empty store without persistence.
func New() *Store {
	return &Store{arena: newArena(nil), logger: slog.Default()}
}

// Open returns a store backed by p, warm-loaded with whatever p holds.
func Open(p Persister, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{persister: p, logger: logger}
	nodes, err := p.LoadAll()
	if err != nil {
		return nil, err
	}
	s.arena = newArena(nodes)
	logger.Info("cache: warm loaded", slog.Int("nodes", len(nodes)))
	return s, nil
}

func newArena(nodes []models.Node) *arena {
	a := &arena{
		nodes:    make(map[string]models.Node, len(nodes)),
		children: make(map[string][]string),
	}
	for _, n := range nodes {
		if old, ok := a.nodes[n.ID]; ok {
			a.unlink(old)
		}
		a.nodes[n.ID] = n.Clone()
		a.children[n.ParentID] = append(a.children[n.ParentID], n.ID)
	}
	for parent := range a.children {
		a.sortChildren(parent)
	}
	return a
}

func (a *arena) sortChildren(parent string) {
	ids := a.children[parent]
	sort.Slice(ids, func(i, j int) bool {
		return models.Less(a.nodes[ids[i]], a.nodes[ids[j]])
	})
}

func (a *arena) link(n models.Node) {
	ids := a.children[n.ParentID]
	i := sort.Search(len(ids), func(i int) bool {
		return !models.Less(a.nodes[ids[i]], n)
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = n.ID
	a.children[n.ParentID] = ids
}

func (a *arena) unlink(n models.Node) {
	ids := a.children[n.ParentID]
	for i, id := range ids {
		if id == n.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(a.children, n.ParentID)
		return
	}
	a.children[n.ParentID] = ids
}

func (a *arena) put(n models.Node) {
	if old, ok := a.nodes[n.ID]; ok {
		a.unlink(old)
	}
	n = n.Clone()
	a.nodes[n.ID] = n
	a.link(n)
}

// subtree returns id and its descendants, parents before children.
func (a *arena) subtree(id string) []models.Node {
	root, ok := a.nodes[id]
	if !ok {
		return nil
	}
	out := []models.Node{root.Clone()}
	seen := map[string]bool{id: true}
	for i := 0; i < len(out); i++ {
		for _, cid := range a.children[out[i].ID] {
			if seen[cid] {
				continue
			}
			seen[cid] = true
			out = append(out, a.nodes[cid].Clone())
		}
	}
	return out
}

func (a *arena) remove(id string) []models.Node {
	removed := a.subtree(id)
	for i := len(removed) - 1; i >= 0; i-- {
		n := removed[i]
		a.unlink(a.nodes[n.ID])
		delete(a.nodes, n.ID)
		delete(a.children, n.ID)
	}
	return removed
}

// attached reports whether n hangs off a top-level node through cached parents.
func (a *arena) attached(n models.Node) bool {
	seen := map[string]bool{}
	for n.ParentID != "" {
		if seen[n.ID] {
			return false
		}
		seen[n.ID] = true
		p, ok := a.nodes[n.ParentID]
		if !ok {
			return false
		}
		n = p
	}
	return true
}

// Get returns the node with the given id.
func (s *Store) Get(id string) (models.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.arena.nodes[id]
	if !ok {
		return models.Node{}, false
	}
	return n.Clone(), true
}

// Children returns the children of parentID ordered by priority, then id.
// An empty parentID lists top-level nodes. A parent that is not cached has no
// visible children, which keeps orphans out of every traversal.
func (s *Store) Children(parentID string) []models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.childrenLocked(parentID)
}

func (s *Store) childrenLocked(parentID string) []models.Node {
	if parentID != "" {
		if _, ok := s.arena.nodes[parentID]; !ok {
			return nil
		}
	}
	ids := s.arena.children[parentID]
	out := make([]models.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.arena.nodes[id].Clone())
	}
	return out
}

// Roots returns the top-level nodes in order.
func (s *Store) Roots() []models.Node {
	return s.Children("")
}

// Ancestors returns the chain of cached parents of id, nearest first.
// At most max entries are returned when max > 0.
func (s *Store) Ancestors(id string, max int) []models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.arena.nodes[id]
	if !ok {
		return nil
	}
	var out []models.Node
	seen := map[string]bool{id: true}
	for n.ParentID != "" && (max <= 0 || len(out) < max) {
		p, ok := s.arena.nodes[n.ParentID]
		if !ok || seen[p.ID] {
			break
		}
		seen[p.ID] = true
		out = append(out, p.Clone())
		n = p
	}
	return out
}

// Subtree returns id and all of its descendants, parents first.
func (s *Store) Subtree(id string) []models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.arena.subtree(id)
}

// IsOrphan reports whether id is cached but unreachable from any top-level node.
func (s *Store) IsOrphan(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.arena.nodes[id]
	return ok && !s.arena.attached(n)
}

// Orphans returns the ids of every cached node that is unreachable from the roots.
func (s *Store) Orphans() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, n := range s.arena.nodes {
		if !s.arena.attached(n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of cached nodes, orphans included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.arena.nodes)
}

// Upsert inserts n or replaces the cached record with the same id. n must be
// a full record; partial updates are merged by the caller.
func (s *Store) Upsert(n models.Node) {
	s.mu.Lock()
	s.arena.put(n)
	if s.arena.attached(n) {
		s.logger.Debug("cache: upsert", slog.String("id", n.ID))
	} else {
		s.logger.Debug("cache: upsert orphan", slog.String("id", n.ID), slog.String("parent_id", n.ParentID))
	}
	s.persistLocked(func(p Persister) error { return p.Save(n) })
}

// Remove deletes id and its whole subtree and returns what was removed.
func (s *Store) Remove(id string) []models.Node {
	s.mu.Lock()
	removed := s.arena.remove(id)
	if len(removed) == 0 {
		s.mu.Unlock()
		return nil
	}
	ids := make([]string, len(removed))
	for i, n := range removed {
		ids[i] = n.ID
	}
	s.persistLocked(func(p Persister) error { return p.Delete(ids) })
	return removed
}

// ReplaceAll swaps the whole mirror for nodes in one step.
func (s *Store) ReplaceAll(nodes []models.Node) {
	next := newArena(nodes)

	s.mu.Lock()
	s.arena = next
	s.persistLocked(func(p Persister) error { return p.SaveAll(nodes) })
	s.logger.Debug("cache: replaced", slog.Int("nodes", len(nodes)))
}

// CompareAndSwap replaces the cached node with next only if it still equals
// expected. It reports whether the swap happened.
func (s *Store) CompareAndSwap(expected, next models.Node) bool {
	s.mu.Lock()
	cur, ok := s.arena.nodes[expected.ID]
	if !ok || !cur.Equal(expected) {
		s.mu.Unlock()
		return false
	}
	if next.ID != expected.ID {
		s.arena.remove(expected.ID)
	}
	s.arena.put(next)
	s.persistLocked(func(p Persister) error {
		if next.ID != expected.ID {
			if err := p.Delete([]string{expected.ID}); err != nil {
				return err
			}
		}
		return p.Save(next)
	})
	return true
}

// CompareAndRemove removes expected's subtree only if the cached node still
// equals expected.
func (s *Store) CompareAndRemove(expected models.Node) bool {
	s.mu.Lock()
	cur, ok := s.arena.nodes[expected.ID]
	if !ok || !cur.Equal(expected) {
		s.mu.Unlock()
		return false
	}
	removed := s.arena.remove(expected.ID)
	ids := make([]string, len(removed))
	for i, n := range removed {
		ids[i] = n.ID
	}
	s.persistLocked(func(p Persister) error { return p.Delete(ids) })
	return true
}

// RestoreIfAbsent re-inserts a removed subtree (parents first) when its root
// is not cached any more. It reports whether anything was restored.
func (s *Store) RestoreIfAbsent(nodes []models.Node) bool {
	if len(nodes) == 0 {
		return false
	}
	s.mu.Lock()
	if _, ok := s.arena.nodes[nodes[0].ID]; ok {
		s.mu.Unlock()
		return false
	}
	var restored []models.Node
	for _, n := range nodes {
		if _, ok := s.arena.nodes[n.ID]; ok {
			continue
		}
		s.arena.put(n)
		restored = append(restored, n)
	}
	s.persistLocked(func(p Persister) error {
		for _, n := range restored {
			if err := p.Save(n); err != nil {
				return err
			}
		}
		return nil
	})
	return true
}

// persistLocked is called with s.mu held for writing. It hands over to the
// persistence lock, releases s.mu and runs fn.
func (s *Store) persistLocked(fn func(Persister) error) {
	if s.persister == nil {
		s.mu.Unlock()
		return
	}
	s.persistMu.Lock()
	s.mu.Unlock()
	defer s.persistMu.Unlock()
	if err := fn(s.persister); err != nil {
		s.logger.Warn("cache: persist failed", slog.String("error", err.Error()))
	}
}
