// Package nodeservice applies write commands to the mirror and the remote
// store. Every command is applied to the cache first so reads reflect it at
// once, then sent to the remote; a remote failure rolls the cache back to its
// state before the command.
//
// Commands on the same node id run one at a time in submission order. A
// command keeps running after its caller stops waiting and its outcome is
// still applied.
package nodeservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/flowboard/internal/cache"
	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/remote"
)

// DefaultTimeout bounds one remote call made on behalf of a command.
const DefaultTimeout = 30 * time.Second

// Event kinds passed to Notifier.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Notifier is told about every mutation the remote confirmed.
type Notifier interface {
	PublishNodeEvent(kind string, n models.Node)
}

// Service runs write commands.
type Service struct {
	cache    *cache.Store
	remote   remote.NodeStore
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	queue *keyedQueue
	wg    sync.WaitGroup

	targetsMu sync.Mutex
	targets   []models.Target
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the receiver of confirmed mutations.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithTimeout bounds each remote call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service writing through c to r.
func New(c *cache.Store, r remote.NodeStore, opts ...Option) *Service {
	s := &Service{
		cache:   c,
		remote:  r,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   func() string { return models.ProvisionalPrefix + uuid.NewString() },
		queue:   newKeyedQueue(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wait blocks until every command started so far has finished, including
// those whose callers stopped waiting.
func (s *Service) Wait() {
	s.wg.Wait()
}

type outcome struct {
	node models.Node
	err  error
}

// run executes fn in submission order for key. fn gets a context detached from
// the caller's cancellation and bounded by the remote timeout.
func (s *Service) run(ctx context.Context, op, key string, fn func(ctx context.Context) (models.Node, error)) (models.Node, error) {
	wait, release := s.queue.ticket(key)
	done := make(chan outcome, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		wait()

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		n, err := fn(cctx)
		if err != nil {
			s.logger.Warn("nodeservice: command failed",
				slog.String("op", op),
				slog.String("id", key),
				slog.String("error", err.Error()),
			)
		}
		done <- outcome{node: n, err: err}
	}()

	select {
	case o := <-done:
		return o.node, o.err
	case <-ctx.Done():
		return models.Node{}, fmt.Errorf("nodeservice: %s %s: %w", op, key, ctx.Err())
	}
}

func (s *Service) notify(kind string, n models.Node) {
	if s.notifier != nil {
		s.notifier.PublishNodeEvent(kind, n)
	}
}

// stamp returns the optimistic modification time for a node last modified at
// prev. Modification times never go backwards.
func (s *Service) stamp(prev time.Time) time.Time {
	now := s.now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

// Targets returns the remote's targets, fetched once and then served from memory.
func (s *Service) Targets(ctx context.Context) ([]models.Target, error) {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	if s.targets != nil {
		return append([]models.Target(nil), s.targets...), nil
	}
	ts, err := s.remote.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("nodeservice: targets: %w", err)
	}
	if ts == nil {
		ts = []models.Target{}
	}
	s.targets = ts
	return append([]models.Target(nil), ts...), nil
}

// ForgetTargets drops the cached target list so the next lookup asks the remote.
func (s *Service) ForgetTargets() {
	s.targetsMu.Lock()
	s.targets = nil
	s.targetsMu.Unlock()
}

// resolveParent maps a target key to its node id. Cached ids and unknown keys
// are returned unchanged; an unresolvable key leaves the new node orphaned
// locally until the next refresh.
func (s *Service) resolveParent(ctx context.Context, parent string) string {
	if parent == "" {
		return ""
	}
	if _, ok := s.cache.Get(parent); ok {
		return parent
	}
	ts, err := s.Targets(ctx)
	if err != nil {
		s.logger.Debug("nodeservice: target lookup failed", slog.String("parent", parent), slog.String("error", err.Error()))
		return parent
	}
	for _, t := range ts {
		if t.Key == parent && t.Resolved() {
			return t.NodeID
		}
	}
	return parent
}

// edgePriority returns a priority that sorts before (top) or after (bottom)
// every current child of parent other than skip.
func (s *Service) edgePriority(parent, skip string, pos remote.Position) int64 {
	var (
		found    bool
		min, max int64
	)
	for _, n := range s.cache.Children(parent) {
		if n.ID == skip {
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

// reconcile merges what the remote reported into the optimistic value. The
// remote's timestamps win when it returned a full record. Its completion time
// is only taken when it agrees with the optimistic completion state, so a
// lagging read-after-write cannot undo a confirmed complete or uncomplete.
func reconcile(before, optimistic, confirmed models.Node) models.Node {
	out := optimistic.Clone()
	if confirmed.ID != "" {
		out.ID = confirmed.ID
	}
	if !remote.FullRecord(confirmed) {
		return out
	}
	if !confirmed.ModifiedAt.IsZero() && !confirmed.ModifiedAt.Before(before.ModifiedAt) {
		out.ModifiedAt = confirmed.ModifiedAt
	}
	if !confirmed.CreatedAt.IsZero() {
		out.CreatedAt = confirmed.CreatedAt
	}
	if confirmed.Completed() == optimistic.Completed() {
		out.CompletedAt = confirmed.Clone().CompletedAt
	}
	return out
}
