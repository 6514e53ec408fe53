// Package refresh schedules bulk exports from the remote store.
//
// The remote allows one export per interval. Coordinator collapses concurrent
// demands onto a single in-flight export and answers demands that arrive during
// the cooldown with the previous result instead of calling the remote again.
//
//	Idle --Refresh--> Fetching --ok--> CooldownWaiting --interval elapsed--> Idle
//	                      |
//	                      +--error--> Idle (cache untouched)
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/starford/flowboard/internal/models"
)

// State is the coordinator's observable phase.
type State int

const (
	Idle State = iota
	Fetching
	CooldownWaiting
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case CooldownWaiting:
		return "cooldown"
	default:
		return "idle"
	}
}

// Result describes the refresh a caller observed.
type Result struct {
	NodesCached int       `json:"nodes_cached"`
	FetchedAt   time.Time `json:"fetched_at"`
	// Coalesced is set when the caller did not trigger its own export: it
	// joined an in-flight one or was answered from the cooldown.
	Coalesced bool `json:"coalesced"`
}

// Exporter is the part of the remote store the coordinator needs.
type Exporter interface {
	Export(ctx context.Context) ([]models.Node, error)
}

// Replacer receives a fresh export.
type Replacer interface {
	ReplaceAll(nodes []models.Node)
}

// Defaults used when options leave them unset.
const (
	DefaultInterval = time.Minute
	DefaultTimeout  = 30 * time.Second
)

const flightKey = "export"

// Coordinator runs refreshes.
type Coordinator struct {
	source   Exporter
	store    Replacer
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	group singleflight.Group

	mu            sync.Mutex
	fetching      bool
	cooldownUntil time.Time
	last          Result
	hasLast       bool
	hooks         []func(Result)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInterval sets the minimum spacing between export starts.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithTimeout bounds a single export.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New returns a coordinator that exports from source into store.
func New(source Exporter, store Replacer, opts ...Option) *Coordinator {
	c := &Coordinator{
		source:   source,
		store:    store,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnRefreshed registers fn to run after every successful export has been
// applied to the store, before waiting callers are released.
func (c *Coordinator) OnRefreshed(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// State reports the current phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Coordinator) stateLocked() State {
	switch {
	case c.fetching:
		return Fetching
	case c.hasLast && c.now().Before(c.cooldownUntil):
		return CooldownWaiting
	default:
		return Idle
	}
}

// Last returns the most recent successful result, if any.
func (c *Coordinator) Last() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// Refresh brings the store up to date with the remote, subject to the rate
// limit. A caller whose ctx ends stops waiting; the export it started or
// joined still completes and is applied.
func (c *Coordinator) Refresh(ctx context.Context) (Result, error) {
	c.mu.Lock()
	switch c.stateLocked() {
	case CooldownWaiting:
		r := c.last
		c.mu.Unlock()
		r.Coalesced = true
		c.logger.Debug("refresh: served from cooldown")
		return r, nil
	case Fetching:
		c.mu.Unlock()
		c.logger.Debug("refresh: joining in-flight export")
		r, err := c.wait(ctx)
		r.Coalesced = true
		return r, err
	}
	c.mu.Unlock()
	return c.wait(ctx)
}

func (c *Coordinator) wait(ctx context.Context) (Result, error) {
	ch := c.group.DoChan(flightKey, func() (any, error) { return c.fetch() })
	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("refresh: %w", ctx.Err())
	}
}

// fetch runs at most once at a time under the singleflight key.
func (c *Coordinator) fetch() (Result, error) {
	c.mu.Lock()
	if c.hasLast && c.now().Before(c.cooldownUntil) {
		// A caller raced past the state check while the previous export was
		// finishing; answer it from that export.
		r := c.last
		c.mu.Unlock()
		r.Coalesced = true
		return r, nil
	}
	started := c.now()
	c.fetching = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.logger.Info("refresh: exporting")
	nodes, err := c.source.Export(ctx)
	if err != nil {
		c.mu.Lock()
		c.fetching = false
		c.mu.Unlock()
		c.logger.Warn("refresh: export failed", slog.String("error", err.Error()))
		return Result{}, fmt.Errorf("refresh: export: %w", err)
	}

	c.store.ReplaceAll(nodes)
	r := Result{NodesCached: len(nodes), FetchedAt: started}

	c.mu.Lock()
	c.last = r
	c.hasLast = true
	c.cooldownUntil = started.Add(c.interval)
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(r)
	}

	// Cleared after the hooks so callers never see Idle before they ran.
	c.mu.Lock()
	c.fetching = false
	c.mu.Unlock()

	c.logger.Info("refresh: fetched",
		slog.Int("nodes", len(nodes)),
		slog.Duration("took", c.now().Sub(started)),
	)
	return r, nil
}
