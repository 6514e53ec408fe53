// Package board wires the mirror, the refresh coordinator, the command layer
// and the view projector into the one surface the HTTP and MCP layers use.
package board

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/starford/flowboard/internal/apperr"
	"github.com/starford/flowboard/internal/cache"
	"github.com/starford/flowboard/internal/index"
	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/nodeservice"
	"github.com/starford/flowboard/internal/refresh"
	"github.com/starford/flowboard/internal/remote"
	"github.com/starford/flowboard/internal/statustag"
	"github.com/starford/flowboard/internal/view"
)

// DefaultRootName is the top-level node text that marks the board root.
const DefaultRootName = "WIP"

const metaRootID = "board_root_id"

// Config selects the board root and the default parent for new tasks.
type Config struct {
	RootName      string
	RootID        string
	DefaultTarget string
}

// Events receives board-level notifications.
type Events interface {
	nodeservice.Notifier
	PublishRefreshed(r refresh.Result, rootID string)
}

// RefreshResult is a refresh outcome plus the resolved board root.
type RefreshResult struct {
	refresh.Result
	RootID string `json:"root_id"`
}

// Board is the engine's surface.
type Board struct {
	cfg    Config
	mirror index.Mirror
	cache  *cache.Store
	coord  *refresh.Coordinator
	cmds   *nodeservice.Service
	views  *view.Projector
	events Events
	logger *slog.Logger

	rootMu sync.RWMutex
	rootID string
}

type options struct {
	logger   *slog.Logger
	events   Events
	interval time.Duration
	timeout  time.Duration
	clock    func() time.Time
}

// Option configures a Board.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEvents sets the receiver of node and refresh events.
func WithEvents(e Events) Option {
	return func(o *options) { o.events = e }
}

// WithRefreshInterval sets the minimum spacing between bulk exports.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithRemoteTimeout bounds every remote call.
func WithRemoteTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithClock replaces time.Now in the coordinator and command layer.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Open builds a Board over mirror and rem, warm-loading the last mirrored
// state so reads work before the first refresh.
func Open(mirror index.Mirror, rem remote.NodeStore, cfg Config, opts ...Option) (*Board, error) {
	o := options{
		logger:   slog.Default(),
		interval: refresh.DefaultInterval,
		timeout:  refresh.DefaultTimeout,
		clock:    time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.RootName == "" {
		cfg.RootName = DefaultRootName
	}

	store, err := cache.Open(mirror, o.logger.With(slog.String("component", "cache")))
	if err != nil {
		return nil, fmt.Errorf("board: warm load: %w", err)
	}

	b := &Board{
		cfg:    cfg,
		mirror: mirror,
		cache:  store,
		views:  view.New(store),
		events: o.events,
		logger: o.logger.With(slog.String("component", "board")),
	}
	b.coord = refresh.New(rem, store,
		refresh.WithInterval(o.interval),
		refresh.WithTimeout(o.timeout),
		refresh.WithClock(o.clock),
		refresh.WithLogger(o.logger.With(slog.String("component", "refresh"))),
	)
	svcOpts := []nodeservice.Option{
		nodeservice.WithTimeout(o.timeout),
		nodeservice.WithClock(o.clock),
		nodeservice.WithLogger(o.logger.With(slog.String("component", "nodeservice"))),
	}
	if o.events != nil {
		svcOpts = append(svcOpts, nodeservice.WithNotifier(o.events))
	}
	b.cmds = nodeservice.New(store, rem, svcOpts...)
	b.coord.OnRefreshed(b.afterRefresh)

	stored, err := mirror.GetMeta(metaRootID)
	if err != nil {
		b.logger.Warn("board: read stored root", slog.String("error", err.Error()))
	}
	if _, ok := store.Get(stored); ok && stored != "" {
		b.setRoot(stored)
	} else {
		b.resolveRoot()
	}
	return b, nil
}

// Close waits for in-flight commands to finish.
func (b *Board) Close() {
	b.cmds.Wait()
}

func (b *Board) afterRefresh(r refresh.Result) {
	b.cmds.ForgetTargets()
	root := b.resolveRoot()
	if b.events != nil {
		b.events.PublishRefreshed(r, root)
	}
}

// resolveRoot picks the board root: the configured id when cached, else the
// first top-level node named like the configured root name.
func (b *Board) resolveRoot() string {
	root := ""
	if b.cfg.RootID != "" {
		if _, ok := b.cache.Get(b.cfg.RootID); ok {
			root = b.cfg.RootID
		}
	}
	if root == "" {
		for _, n := range b.cache.Roots() {
			name := strings.TrimSpace(statustag.Replace(n.Text, statustag.None))
			if strings.EqualFold(name, b.cfg.RootName) {
				root = n.ID
				break
			}
		}
	}
	b.setRoot(root)
	if err := b.mirror.SetMeta(metaRootID, root); err != nil {
		b.logger.Warn("board: persist root", slog.String("error", err.Error()))
	}
	return root
}

func (b *Board) setRoot(id string) {
	b.rootMu.Lock()
	changed := b.rootID != id
	b.rootID = id
	b.rootMu.Unlock()
	if changed {
		b.logger.Info("board: root resolved", slog.String("root_id", id))
	}
}

// RootID returns the resolved board root, or "" when none was found.
func (b *Board) RootID() string {
	b.rootMu.RLock()
	defer b.rootMu.RUnlock()
	return b.rootID
}

// Ready reports whether the mirror holds anything to show.
func (b *Board) Ready() bool {
	if _, ok := b.coord.Last(); ok {
		return true
	}
	return b.cache.Len() > 0
}

// RefreshState reports the coordinator's phase.
func (b *Board) RefreshState() refresh.State {
	return b.coord.State()
}

// Refresh re-exports the remote outline, subject to the export rate limit.
func (b *Board) Refresh(ctx context.Context) (RefreshResult, error) {
	r, err := b.coord.Refresh(ctx)
	if err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{Result: r, RootID: b.RootID()}, nil
}

// Get returns one cached node.
func (b *Board) Get(_ context.Context, id string) (models.Node, error) {
	n, ok := b.cache.Get(id)
	if !ok {
		return models.Node{}, fmt.Errorf("board: node %s: %w", id, apperr.ErrNotFound)
	}
	return n, nil
}

// Children lists the children of parentID in sibling order.
func (b *Board) Children(_ context.Context, parentID string) ([]models.Node, error) {
	if parentID != "" {
		if _, ok := b.cache.Get(parentID); !ok {
			return nil, fmt.Errorf("board: node %s: %w", parentID, apperr.ErrNotFound)
		}
	}
	kids := b.cache.Children(parentID)
	if kids == nil {
		kids = []models.Node{}
	}
	return kids, nil
}

// Item projects one cached node.
func (b *Board) Item(ctx context.Context, id string) (view.Item, error) {
	n, err := b.Get(ctx, id)
	if err != nil {
		return view.Item{}, err
	}
	return b.views.Item(n), nil
}

// Project renders n as a view item without consulting filters.
func (b *Board) Project(n models.Node) view.Item {
	return b.views.Item(n)
}

// List returns the flat task list.
func (b *Board) List(_ context.Context, q view.Query) []view.Item {
	return b.views.List(q)
}

// Board returns the list grouped by status.
func (b *Board) Board(_ context.Context, q view.Query) view.Board {
	return b.views.Board(q)
}

// CreateNode creates a task. Without a parent it goes to the configured
// default target, else under the board root.
func (b *Board) CreateNode(ctx context.Context, in nodeservice.CreateInput) (models.Node, error) {
	if in.ParentID == "" {
		in.ParentID = b.cfg.DefaultTarget
	}
	if in.ParentID == "" {
		in.ParentID = b.RootID()
	}
	return b.cmds.CreateNode(ctx, in)
}

// UpdateNode changes text, note or layout.
func (b *Board) UpdateNode(ctx context.Context, id string, in nodeservice.UpdateInput) (models.Node, error) {
	return b.cmds.UpdateNode(ctx, id, in)
}

// MoveNode relocates a node.
func (b *Board) MoveNode(ctx context.Context, id string, in nodeservice.MoveInput) (models.Node, error) {
	return b.cmds.MoveNode(ctx, id, in)
}

// SetCompletion marks a node done or not done.
func (b *Board) SetCompletion(ctx context.Context, id string, completed bool) (models.Node, error) {
	return b.cmds.SetCompletion(ctx, id, completed)
}

// DeleteNode removes a node and its subtree.
func (b *Board) DeleteNode(ctx context.Context, id string) (models.Node, error) {
	return b.cmds.DeleteNode(ctx, id)
}

// SetStatus rewrites a node's status tag.
func (b *Board) SetStatus(ctx context.Context, id string, status statustag.Status) (models.Node, error) {
	return b.cmds.SetStatus(ctx, id, status)
}

// Targets lists the remote's named anchors.
func (b *Board) Targets(ctx context.Context) ([]models.Target, error) {
	return b.cmds.Targets(ctx)
}

// SaveFilter records a filter string in the history.
func (b *Board) SaveFilter(_ context.Context, text string) (models.SavedFilter, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.SavedFilter{}, fmt.Errorf("board: save filter: empty filter: %w", apperr.ErrValidation)
	}
	return b.mirror.SaveFilter(text)
}

// RecentFilters returns up to limit saved filters, newest first.
func (b *Board) RecentFilters(_ context.Context, limit int) ([]models.SavedFilter, error) {
	fs, err := b.mirror.RecentFilters(limit)
	if err != nil {
		return nil, err
	}
	if fs == nil {
		fs = []models.SavedFilter{}
	}
	return fs, nil
}
