package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/starford/flowboard/internal/apperr"
	"github.com/starford/flowboard/internal/models"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultBaseURL        = "https://workflowy.com/api/v1"
	DefaultTimeout        = 30 * time.Second
	DefaultExportInterval = time.Minute
)

// Config configures a Client.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	ExportInterval time.Duration
}

// Client is the HTTP NodeStore.
type Client struct {
	baseURL        string
	apiKey         string
	timeout        time.Duration
	exportInterval time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
	now            func() time.Time

	mu         sync.Mutex
	lastExport time.Time
}

var _ NodeStore = (*Client)(nil)

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClock replaces time.Now, for tests of the export guard.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		timeout:        cfg.Timeout,
		exportInterval: cfg.ExportInterval,
		httpClient:     &http.Client{},
		logger:         slog.Default(),
		now:            time.Now,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.exportInterval <= 0 {
		c.exportInterval = DefaultExportInterval
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// wireNode mirrors a node as the remote encodes it. Timestamps are unix seconds.
type wireNode struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Note        *string `json:"note"`
	Priority    int64   `json:"priority"`
	ParentID    *string `json:"parent_id"`
	CreatedAt   *int64  `json:"createdAt"`
	ModifiedAt  *int64  `json:"modifiedAt"`
	CompletedAt *int64  `json:"completedAt"`
	Data        struct {
		LayoutMode string `json:"layoutMode"`
	} `json:"data"`
}

func (w wireNode) node() models.Node {
	n := models.Node{
		ID:         w.ID,
		Text:       w.Name,
		Priority:   w.Priority,
		LayoutMode: models.ParseLayoutMode(w.Data.LayoutMode),
		CreatedAt:  fromUnix(w.CreatedAt),
		ModifiedAt: fromUnix(w.ModifiedAt),
	}
	if w.Note != nil {
		n.Note = *w.Note
	}
	if w.ParentID != nil {
		n.ParentID = *w.ParentID
	}
	if w.CompletedAt != nil {
		t := fromUnix(w.CompletedAt)
		n.CompletedAt = &t
	}
	return n
}

func fromUnix(v *int64) time.Time {
	if v == nil || *v == 0 {
		return time.Time{}
	}
	return time.Unix(*v, 0).UTC()
}

type exportResponse struct {
	Nodes []wireNode `json:"nodes"`
}

// nodeResponse accepts both {"node": {...}} and a bare node object.
type nodeResponse struct {
	Node *wireNode `json:"node"`
	wireNode
}

type createResponse struct {
	ID     string    `json:"id"`
	ItemID string    `json:"item_id"`
	Node   *wireNode `json:"node"`
}

type wireTarget struct {
	Key  string  `json:"key"`
	Type string  `json:"type"`
	Name string  `json:"name"`
	Node *string `json:"node_id"`
}

type targetsResponse struct {
	Targets []wireTarget `json:"targets"`
}

type createBody struct {
	ParentID   string `json:"parent_id"`
	Name       string `json:"name"`
	Note       string `json:"note,omitempty"`
	LayoutMode string `json:"layoutMode,omitempty"`
	Position   string `json:"position"`
}

type updateBody struct {
	Name       *string `json:"name,omitempty"`
	Note       *string `json:"note,omitempty"`
	LayoutMode *string `json:"layoutMode,omitempty"`
}

type moveBody struct {
	ParentID string `json:"parent_id"`
	Position string `json:"position"`
}

// Export fetches every node. It refuses locally with ErrRateLimited when the
// previous successful export was issued less than the configured interval ago.
// The window counts from when the request went out, like the remote's limiter.
func (c *Client) Export(ctx context.Context) ([]models.Node, error) {
	c.mu.Lock()
	issued := c.now()
	if !c.lastExport.IsZero() {
		if wait := c.exportInterval - issued.Sub(c.lastExport); wait > 0 {
			c.mu.Unlock()
			return nil, fmt.Errorf("remote: export: retry in %s: %w", wait.Round(time.Second), apperr.ErrRateLimited)
		}
	}
	c.mu.Unlock()

	var resp exportResponse
	if err := c.do(ctx, http.MethodGet, "/nodes-export", nil, &resp); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if issued.After(c.lastExport) {
		c.lastExport = issued
	}
	c.mu.Unlock()

	out := make([]models.Node, len(resp.Nodes))
	for i, w := range resp.Nodes {
		out[i] = w.node()
	}
	c.logger.Debug("remote: exported", slog.Int("nodes", len(out)))
	return out, nil
}

// Get fetches a single node.
func (c *Client) Get(ctx context.Context, id string) (models.Node, error) {
	var resp nodeResponse
	if err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(id), nil, &resp); err != nil {
		return models.Node{}, err
	}
	if resp.Node != nil {
		return resp.Node.node(), nil
	}
	return resp.wireNode.node(), nil
}

// Create creates a node and returns it with its remote id.
func (c *Client) Create(ctx context.Context, req CreateRequest) (models.Node, error) {
	body := createBody{
		ParentID: req.ParentID,
		Name:     req.Text,
		Note:     req.Note,
		Position: string(req.Position),
	}
	if body.Position == "" {
		body.Position = string(PositionTop)
	}
	if req.LayoutMode != "" {
		body.LayoutMode = string(req.LayoutMode)
	}
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/nodes", body, &resp); err != nil {
		return models.Node{}, err
	}
	if resp.Node != nil && resp.Node.ID != "" {
		return resp.Node.node(), nil
	}
	id := resp.ItemID
	if id == "" {
		id = resp.ID
	}
	if id == "" {
		return models.Node{}, fmt.Errorf("remote: create: response without id: %w", apperr.ErrTransient)
	}
	return c.confirm(ctx, id), nil
}

// Update changes a node's text, note or layout.
func (c *Client) Update(ctx context.Context, id string, req UpdateRequest) (models.Node, error) {
	body := updateBody{Name: req.Text, Note: req.Note}
	if req.LayoutMode != nil {
		v := string(*req.LayoutMode)
		body.LayoutMode = &v
	}
	if err := c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(id), body, nil); err != nil {
		return models.Node{}, err
	}
	return c.confirm(ctx, id), nil
}

// Move relocates a node.
func (c *Client) Move(ctx context.Context, id string, req MoveRequest) (models.Node, error) {
	body := moveBody{ParentID: req.ParentID, Position: string(req.Position)}
	if body.Position == "" {
		body.Position = string(PositionTop)
	}
	if err := c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(id)+"/move", body, nil); err != nil {
		return models.Node{}, err
	}
	return c.confirm(ctx, id), nil
}

// Complete marks a node done.
func (c *Client) Complete(ctx context.Context, id string) (models.Node, error) {
	if err := c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(id)+"/complete", nil, nil); err != nil {
		return models.Node{}, err
	}
	return c.confirm(ctx, id), nil
}

// Uncomplete clears a node's done state.
func (c *Client) Uncomplete(ctx context.Context, id string) (models.Node, error) {
	if err := c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(id)+"/uncomplete", nil, nil); err != nil {
		return models.Node{}, err
	}
	return c.confirm(ctx, id), nil
}

// Delete removes a node and its subtree.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/nodes/"+url.PathEscape(id), nil, nil)
}

// Targets lists the system targets and shortcuts.
func (c *Client) Targets(ctx context.Context) ([]models.Target, error) {
	var resp targetsResponse
	if err := c.do(ctx, http.MethodGet, "/targets", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Target, len(resp.Targets))
	for i, t := range resp.Targets {
		out[i] = models.Target{Key: t.Key, Type: t.Type, Name: t.Name}
		if t.Node != nil {
			out[i].NodeID = *t.Node
		}
	}
	return out, nil
}

// confirm reads the node back after a mutation that answered with a bare
// status. The mutation already happened, so a failed read is not an error.
func (c *Client) confirm(ctx context.Context, id string) models.Node {
	n, err := c.Get(ctx, id)
	if err != nil {
		c.logger.Debug("remote: follow-up read failed", slog.String("id", id), slog.String("error", err.Error()))
		return models.Node{ID: id}
	}
	if n.ID == "" {
		n.ID = id
	}
	return n
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: %s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %v: %w", method, path, err, apperr.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("remote: %s %s: status %d: %s: %w",
			method, path, resp.StatusCode, strings.TrimSpace(string(msg)), classify(resp.StatusCode))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("remote: %s %s: decode: %v: %w", method, path, err, apperr.ErrTransient)
	}
	return nil
}

// classify maps an HTTP status onto the error taxonomy.
func classify(status int) error {
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return apperr.ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.ErrValidation
	case http.StatusConflict, http.StatusPreconditionFailed:
		return apperr.ErrConflict
	case http.StatusTooManyRequests:
		return apperr.ErrRateLimited
	default:
		return apperr.ErrTransient
	}
}
