package api

import (
	"github.com/starford/flowboard/internal/board"
	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/view"
)

// CreateNodeRequest is the request body for creating a node.
type CreateNodeRequest struct {
	ParentID   string `json:"parent_id" example:"0f3c2a4e-1b2d-4c5e-9f80-123456789abc"`
	Text       string `json:"text" example:"Fix login #TODO" validate:"required"`
	Note       string `json:"note" example:"Repro in staging"`
	LayoutMode string `json:"layout_mode" example:"todo" enums:"bullets,todo,h1,h2,h3,code-block,quote-block"`
	Position   string `json:"position" example:"top" enums:"top,bottom"`
}

// UpdateNodeRequest is the request body for updating a node. Absent fields are
// left unchanged.
type UpdateNodeRequest struct {
	Text       *string `json:"text,omitempty" example:"Fix login"`
	Note       *string `json:"note,omitempty"`
	LayoutMode *string `json:"layout_mode,omitempty" example:"bullets"`
}

// MoveNodeRequest is the request body for moving a node.
type MoveNodeRequest struct {
	ParentID string `json:"parent_id" example:"0f3c2a4e-1b2d-4c5e-9f80-123456789abc"`
	Position string `json:"position" example:"bottom" enums:"top,bottom"`
}

// StatusRequest sets or clears a node's status tag.
type StatusRequest struct {
	Status string `json:"status" example:"WIP"`
}

// SaveFilterRequest records a filter string.
type SaveFilterRequest struct {
	FilterText string `json:"filter_text" example:"login, docs" validate:"required"`
}

// RefreshResponse is returned by POST /refresh.
type RefreshResponse = board.RefreshResult

// NodeItem is a node projected with its display fields.
type NodeItem = view.Item

// BoardResponse is the status board.
type BoardResponse = view.Board

// ChildrenResponse lists a node's children in sibling order.
type ChildrenResponse struct {
	Nodes []models.Node `json:"nodes" validate:"required"`
}

// ListResponse wraps the flat task list.
type ListResponse struct {
	Items []NodeItem `json:"items" validate:"required"`
}

// TargetsResponse lists the named anchors.
type TargetsResponse struct {
	Targets []models.Target `json:"targets" validate:"required"`
}

// FiltersResponse lists saved filters, newest first.
type FiltersResponse struct {
	Filters []models.SavedFilter `json:"filters" validate:"required"`
}
