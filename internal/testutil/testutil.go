// Package testutil provides shared test helpers: a temporary SQLite mirror and
// an in-memory remote store with failure injection.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/starford/flowboard/internal/apperr"
	"github.com/starford/flowboard/internal/index"
	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/remote"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "flowboard-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Eventually polls cond until it holds or the deadline passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// Operation names used by FakeRemote for failure injection, gates and counters.
const (
	OpExport     = "export"
	OpGet        = "get"
	OpCreate     = "create"
	OpUpdate     = "update"
	OpMove       = "move"
	OpComplete   = "complete"
	OpUncomplete = "uncomplete"
	OpDelete     = "delete"
	OpTargets    = "targets"
)

// Gate holds calls to one operation until released.
type Gate struct {
	// Entered receives once per call that reaches the gate.
	Entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Release lets every held and future call through.
func (g *Gate) Release() {
	g.once.Do(func() { close(g.release) })
}

// FakeRemote is an in-memory remote.NodeStore.
type FakeRemote struct {
	mu      sync.Mutex
	nodes   map[string]models.Node
	targets []models.Target
	fail    map[string]error
	gates   map[string]*Gate
	calls   map[string]int
	seq     int
	now     time.Time
}

var _ remote.NodeStore = (*FakeRemote)(nil)

// NewFakeRemote returns a store seeded with nodes.
func NewFakeRemote(nodes ...models.Node) *FakeRemote {
	f := &FakeRemote{
		nodes: make(map[string]models.Node),
		fail:  make(map[string]error),
		gates: make(map[string]*Gate),
		calls: make(map[string]int),
		now:   time.Unix(1700000000, 0).UTC(),
	}
	f.Seed(nodes...)
	return f
}

// Seed inserts or replaces nodes.
func (f *FakeRemote) Seed(nodes ...models.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range nodes {
		if n.LayoutMode == "" {
			n.LayoutMode = models.LayoutBullets
		}
		f.nodes[n.ID] = n.Clone()
	}
}

// SetTargets replaces the target list.
func (f *FakeRemote) SetTargets(targets ...models.Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append([]models.Target(nil), targets...)
}

// Fail makes every later call to op return err until cleared with a nil err.
func (f *FakeRemote) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

// Hold installs a gate in front of op. Calls block until the gate is released
// or their context ends.
func (f *FakeRemote) Hold(op string) *Gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &Gate{Entered: make(chan struct{}, 64), release: make(chan struct{})}
	f.gates[op] = g
	return g
}

// Calls returns how many times op was invoked.
func (f *FakeRemote) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Node returns the remote copy of id.
func (f *FakeRemote) Node(id string) (models.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	return n.Clone(), ok
}

func (f *FakeRemote) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	g := f.gates[op]
	f.mu.Unlock()

	if g != nil {
		select {
		case g.Entered <- struct{}{}:
		default:
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return fmt.Errorf("fake: %s: %v: %w", op, ctx.Err(), apperr.ErrTransient)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[op]; err != nil {
		return fmt.Errorf("fake: %s: %w", op, err)
	}
	return nil
}

func (f *FakeRemote) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

func (f *FakeRemote) lookup(id string) (models.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return models.Node{}, fmt.Errorf("fake: node %s: %w", id, apperr.ErrNotFound)
	}
	return n, nil
}

// resolveParent maps a target key onto its node id.
func (f *FakeRemote) resolveParent(parent string) (string, error) {
	if parent == "" {
		return "", nil
	}
	if _, ok := f.nodes[parent]; ok {
		return parent, nil
	}
	for _, t := range f.targets {
		if t.Key == parent && t.NodeID != "" {
			return t.NodeID, nil
		}
	}
	return "", fmt.Errorf("fake: parent %s: %w", parent, apperr.ErrNotFound)
}

func (f *FakeRemote) edgePriority(parent, skip string, pos remote.Position) int64 {
	var (
		found    bool
		min, max int64
	)
	for _, n := range f.nodes {
		if n.ParentID != parent || n.ID == skip {
			continue
		}
		if !found || n.Priority < min {
			min = n.Priority
		}
		if !found || n.Priority > max {
			max = n.Priority
		}
		found = true
	}
	switch {
	case !found:
		return 0
	case pos == remote.PositionBottom:
		return max + 1
	default:
		return min - 1
	}
}

func (f *FakeRemote) Export(ctx context.Context) ([]models.Node, error) {
	if err := f.enter(ctx, OpExport); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeRemote) Get(ctx context.Context, id string) (models.Node, error) {
	if err := f.enter(ctx, OpGet); err != nil {
		return models.Node{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookup(id)
	return n.Clone(), err
}

func (f *FakeRemote) Create(ctx context.Context, req remote.CreateRequest) (models.Node, error) {
	if err := f.enter(ctx, OpCreate); err != nil {
		return models.Node{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	parent, err := f.resolveParent(req.ParentID)
	if err != nil {
		return models.Node{}, err
	}
	f.seq++
	now := f.tick()
	layout := req.LayoutMode
	if layout == "" {
		layout = models.LayoutBullets
	}
	n := models.Node{
		ID:         fmt.Sprintf("R%d", f.seq),
		ParentID:   parent,
		Text:       req.Text,
		Note:       req.Note,
		Priority:   f.edgePriority(parent, "", req.Position),
		LayoutMode: layout,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	f.nodes[n.ID] = n
	return n.Clone(), nil
}

func (f *FakeRemote) Update(ctx context.Context, id string, req remote.UpdateRequest) (models.Node, error) {
	if err := f.enter(ctx, OpUpdate); err != nil {
		return models.Node{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookup(id)
	if err != nil {
		return models.Node{}, err
	}
	if req.Text != nil {
		n.Text = *req.Text
	}
	if req.Note != nil {
		n.Note = *req.Note
	}
	if req.LayoutMode != nil {
		n.LayoutMode = *req.LayoutMode
	}
	n.ModifiedAt = f.tick()
	f.nodes[id] = n
	return n.Clone(), nil
}

func (f *FakeRemote) Move(ctx context.Context, id string, req remote.MoveRequest) (models.Node, error) {
	if err := f.enter(ctx, OpMove); err != nil {
		return models.Node{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookup(id)
	if err != nil {
		return models.Node{}, err
	}
	parent, err := f.resolveParent(req.ParentID)
	if err != nil {
		return models.Node{}, err
	}
	n.Priority = f.edgePriority(parent, id, req.Position)
	n.ParentID = parent
	n.ModifiedAt = f.tick()
	f.nodes[id] = n
	return n.Clone(), nil
}

func (f *FakeRemote) Complete(ctx context.Context, id string) (models.Node, error) {
	return f.setCompleted(ctx, OpComplete, id, true)
}

func (f *FakeRemote) Uncomplete(ctx context.Context, id string) (models.Node, error) {
	return f.setCompleted(ctx, OpUncomplete, id, false)
}

func (f *FakeRemote) setCompleted(ctx context.Context, op, id string, done bool) (models.Node, error) {
	if err := f.enter(ctx, op); err != nil {
		return models.Node{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookup(id)
	if err != nil {
		return models.Node{}, err
	}
	now := f.tick()
	n.ModifiedAt = now
	if done {
		n.CompletedAt = &now
	} else {
		n.CompletedAt = nil
	}
	f.nodes[id] = n
	return n.Clone(), nil
}

func (f *FakeRemote) Delete(ctx context.Context, id string) error {
	if err := f.enter(ctx, OpDelete); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(id); err != nil {
		return err
	}
	doomed := map[string]bool{id: true}
	for changed := true; changed; {
		changed = false
		for nid, n := range f.nodes {
			if doomed[n.ParentID] && !doomed[nid] {
				doomed[nid] = true
				changed = true
			}
		}
	}
	for nid := range doomed {
		delete(f.nodes, nid)
	}
	return nil
}

func (f *FakeRemote) Targets(ctx context.Context) ([]models.Target, error) {
	if err := f.enter(ctx, OpTargets); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Target(nil), f.targets...), nil
}
