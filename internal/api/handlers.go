package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/starford/flowboard/internal/apperr"
	"github.com/starford/flowboard/internal/board"
	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/nodeservice"
	"github.com/starford/flowboard/internal/remote"
	"github.com/starford/flowboard/internal/statustag"
	"github.com/starford/flowboard/internal/view"
)

const (
	maxBodyBytes       = 1 << 20
	defaultFilterLimit = 10
)

// Handler holds API route handlers.
type Handler struct {
	board *board.Board
}

// NewHandler creates a new Handler.
func NewHandler(b *board.Board) *Handler {
	return &Handler{board: b}
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", apperr.ErrValidation)
	}
	return nil
}

// viewQuery reads the shared list/board query parameters. An absent root_id
// scopes the view to the board root; an explicit empty one shows everything.
func (h *Handler) viewQuery(r *http.Request) (view.Query, error) {
	q := r.URL.Query()
	vq := view.Query{Filter: q.Get("filter"), RootID: h.board.RootID()}
	if q.Has("root_id") {
		vq.RootID = q.Get("root_id")
	}
	if v := q.Get("show_completed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return vq, fmt.Errorf("show_completed must be a boolean: %w", apperr.ErrValidation)
		}
		vq.ShowCompleted = b
	}
	if v := q.Get("layout"); v != "" {
		vq.Layout = models.LayoutMode(strings.ToLower(v))
	}
	return vq, nil
}

// writeNode writes n projected as an item, with its revision as the ETag.
func (h *Handler) writeNode(w http.ResponseWriter, status int, n models.Node) {
	item := h.board.Project(n)
	w.Header().Set("ETag", `"`+item.Revision+`"`)
	writeJSON(w, status, item)
}

// Refresh handles POST /api/refresh.
//
//	@Summary		Re-export the remote outline into the mirror
//	@Tags			board
//	@Produce		json
//	@Success		200	{object}	RefreshResponse
//	@Failure		429	{object}	errResponse
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/refresh [post]
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.board.Refresh(r.Context())
	if err != nil {
		writeError(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListChildren handles GET /api/nodes.
//
//	@Summary		List the children of a node in sibling order
//	@Tags			nodes
//	@Produce		json
//	@Param			parent_id	query		string	false	"Parent node id; empty lists top-level nodes"
//	@Success		200			{object}	ChildrenResponse
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes [get]
func (h *Handler) ListChildren(w http.ResponseWriter, r *http.Request) {
	kids, err := h.board.Children(r.Context(), r.URL.Query().Get("parent_id"))
	if err != nil {
		writeError(w, "list children", err)
		return
	}
	writeJSON(w, http.StatusOK, ChildrenResponse{Nodes: kids})
}

// GetNode handles GET /api/nodes/{id}.
//
//	@Summary		Get a single node
//	@Tags			nodes
//	@Produce		json
//	@Param			id	path		string	true	"Node id"
//	@Success		200	{object}	NodeItem
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id} [get]
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	n, err := h.board.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get node", err)
		return
	}
	h.writeNode(w, http.StatusOK, n)
}

// List handles GET /api/list.
//
//	@Summary		Flat task list in outline order
//	@Tags			board
//	@Produce		json
//	@Param			filter			query		string	false	"Comma-separated terms, any may match"
//	@Param			show_completed	query		bool	false	"Include completed nodes"
//	@Param			layout			query		string	false	"Only nodes with this layout mode"
//	@Param			root_id			query		string	false	"Scope to the descendants of this node"
//	@Success		200				{object}	ListResponse
//	@Failure		400				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/list [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q, err := h.viewQuery(r)
	if err != nil {
		writeError(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: h.board.List(r.Context(), q)})
}

// Board handles GET /api/board.
//
//	@Summary		Task list grouped into status columns
//	@Tags			board
//	@Produce		json
//	@Param			filter			query		string	false	"Comma-separated terms, any may match"
//	@Param			show_completed	query		bool	false	"Include completed nodes"
//	@Param			layout			query		string	false	"Only nodes with this layout mode"
//	@Param			root_id			query		string	false	"Scope to the descendants of this node"
//	@Success		200				{object}	BoardResponse
//	@Failure		400				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/board [get]
func (h *Handler) Board(w http.ResponseWriter, r *http.Request) {
	q, err := h.viewQuery(r)
	if err != nil {
		writeError(w, "board", err)
		return
	}
	writeJSON(w, http.StatusOK, h.board.Board(r.Context(), q))
}

// CreateNode handles POST /api/nodes.
//
//	@Summary		Create a node
//	@Tags			nodes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNodeRequest	true	"Node to create"
//	@Success		201		{object}	NodeItem
//	@Failure		400		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes [post]
func (h *Handler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "create node", err)
		return
	}
	n, err := h.board.CreateNode(r.Context(), nodeservice.CreateInput{
		ParentID:   req.ParentID,
		Text:       req.Text,
		Note:       req.Note,
		LayoutMode: models.LayoutMode(req.LayoutMode),
		Position:   remote.Position(req.Position),
	})
	if err != nil {
		writeError(w, "create node", err)
		return
	}
	slog.Info("node created", slog.String("id", n.ID), slog.String("parent_id", n.ParentID))
	h.writeNode(w, http.StatusCreated, n)
}

// UpdateNode handles PUT /api/nodes/{id}.
//
//	@Summary		Update a node with optimistic concurrency
//	@Tags			nodes
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string				true	"Node id"
//	@Param			If-Match	header		string				false	"Revision the change applies to"
//	@Param			body		body		UpdateNodeRequest	true	"Fields to change"
//	@Success		200			{object}	NodeItem
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id} [put]
func (h *Handler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	var req UpdateNodeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "update node", err)
		return
	}
	in := nodeservice.UpdateInput{
		Text: req.Text,
		Note: req.Note,
		// Strip surrounding quotes if present (standard ETag format).
		IfMatch: strings.Trim(r.Header.Get("If-Match"), `"`),
	}
	if req.LayoutMode != nil {
		mode := models.LayoutMode(*req.LayoutMode)
		in.LayoutMode = &mode
	}
	n, err := h.board.UpdateNode(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, "update node", err)
		return
	}
	h.writeNode(w, http.StatusOK, n)
}

// MoveNode handles POST /api/nodes/{id}/move.
//
//	@Summary		Move a node under a new parent
//	@Tags			nodes
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Node id"
//	@Param			body	body		MoveNodeRequest	true	"Destination"
//	@Success		200		{object}	NodeItem
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id}/move [post]
func (h *Handler) MoveNode(w http.ResponseWriter, r *http.Request) {
	var req MoveNodeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "move node", err)
		return
	}
	n, err := h.board.MoveNode(r.Context(), chi.URLParam(r, "id"), nodeservice.MoveInput{
		ParentID: req.ParentID,
		Position: remote.Position(req.Position),
	})
	if err != nil {
		writeError(w, "move node", err)
		return
	}
	h.writeNode(w, http.StatusOK, n)
}

// CompleteNode handles POST /api/nodes/{id}/complete.
//
//	@Summary		Mark a node done
//	@Tags			nodes
//	@Produce		json
//	@Param			id	path		string	true	"Node id"
//	@Success		200	{object}	NodeItem
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id}/complete [post]
func (h *Handler) CompleteNode(w http.ResponseWriter, r *http.Request) {
	h.setCompletion(w, r, true)
}

// UncompleteNode handles POST /api/nodes/{id}/uncomplete.
//
//	@Summary		Mark a node not done
//	@Tags			nodes
//	@Produce		json
//	@Param			id	path		string	true	"Node id"
//	@Success		200	{object}	NodeItem
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id}/uncomplete [post]
func (h *Handler) UncompleteNode(w http.ResponseWriter, r *http.Request) {
	h.setCompletion(w, r, false)
}

func (h *Handler) setCompletion(w http.ResponseWriter, r *http.Request, done bool) {
	n, err := h.board.SetCompletion(r.Context(), chi.URLParam(r, "id"), done)
	if err != nil {
		writeError(w, "set completion", err)
		return
	}
	h.writeNode(w, http.StatusOK, n)
}

// SetStatus handles POST /api/nodes/{id}/status.
//
//	@Summary		Set or clear a node's status tag
//	@Tags			nodes
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Node id"
//	@Param			body	body		StatusRequest	true	"Status; empty clears the tag"
//	@Success		200		{object}	NodeItem
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id}/status [post]
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "set status", err)
		return
	}
	status, err := statustag.Parse(req.Status)
	if err != nil {
		writeError(w, "set status", fmt.Errorf("%v: %w", err, apperr.ErrValidation))
		return
	}
	n, err := h.board.SetStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, "set status", err)
		return
	}
	h.writeNode(w, http.StatusOK, n)
}

// DeleteNode handles DELETE /api/nodes/{id}.
//
//	@Summary		Delete a node and its subtree
//	@Tags			nodes
//	@Param			id	path	string	true	"Node id"
//	@Success		204	"Node deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id} [delete]
func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if _, err := h.board.DeleteNode(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete node", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Targets handles GET /api/targets.
//
//	@Summary		List named anchors such as the inbox
//	@Tags			board
//	@Produce		json
//	@Success		200	{object}	TargetsResponse
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/targets [get]
func (h *Handler) Targets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.board.Targets(r.Context())
	if err != nil {
		writeError(w, "targets", err)
		return
	}
	if targets == nil {
		targets = []models.Target{}
	}
	writeJSON(w, http.StatusOK, TargetsResponse{Targets: targets})
}

// FilterHistory handles GET /api/filters/history.
//
//	@Summary		Recently used filters, newest first
//	@Tags			filters
//	@Produce		json
//	@Param			limit	query		int	false	"Max entries"
//	@Success		200		{object}	FiltersResponse
//	@Security		BearerAuth
//	@Router			/filters/history [get]
func (h *Handler) FilterHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultFilterLimit
	}
	filters, err := h.board.RecentFilters(r.Context(), limit)
	if err != nil {
		writeError(w, "filter history", err)
		return
	}
	writeJSON(w, http.StatusOK, FiltersResponse{Filters: filters})
}

// SaveFilter handles POST /api/filters.
//
//	@Summary		Record a filter in the history
//	@Tags			filters
//	@Accept			json
//	@Produce		json
//	@Param			body	body		SaveFilterRequest	true	"Filter to save"
//	@Success		201		{object}	models.SavedFilter
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/filters [post]
func (h *Handler) SaveFilter(w http.ResponseWriter, r *http.Request) {
	var req SaveFilterRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "save filter", err)
		return
	}
	f, err := h.board.SaveFilter(r.Context(), req.FilterText)
	if err != nil {
		writeError(w, "save filter", err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}
