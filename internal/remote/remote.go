// Package remote talks to the Workflowy-style document service that owns the
// outline. NodeStore is the contract the engine depends on; Client is the HTTP
// implementation.
//
// Every error returned by a NodeStore wraps one of the apperr sentinels so
// callers can classify it with errors.Is.
package remote

import (
	"context"

	"github.com/starford/flowboard/internal/models"
)

// Position places a created or moved node among its new siblings.
type Position string

const (
	PositionTop    Position = "top"
	PositionBottom Position = "bottom"
)

// ParsePosition maps user input onto a Position. Anything but "bottom" is top.
func ParsePosition(s string) Position {
	if Position(s) == PositionBottom {
		return PositionBottom
	}
	return PositionTop
}

// CreateRequest describes a node to create. ParentID may be a node id or a
// target key such as "inbox".
type CreateRequest struct {
	ParentID   string
	Text       string
	Note       string
	LayoutMode models.LayoutMode
	Position   Position
}

// UpdateRequest carries the fields to change. Nil fields are left alone.
type UpdateRequest struct {
	Text       *string
	Note       *string
	LayoutMode *models.LayoutMode
}

// Empty reports whether the request changes nothing.
func (r UpdateRequest) Empty() bool {
	return r.Text == nil && r.Note == nil && r.LayoutMode == nil
}

// MoveRequest relocates a node under ParentID (node id or target key).
type MoveRequest struct {
	ParentID string
	Position Position
}

// NodeStore is the remote source of truth.
//
// Mutations return the node as the remote reports it after the change. When the
// remote confirms the change but the follow-up read fails, the returned node
// carries only its ID and callers keep their local view of the other fields.
type NodeStore interface {
	// Export returns every node. The remote allows one call per minute.
	Export(ctx context.Context) ([]models.Node, error)
	Get(ctx context.Context, id string) (models.Node, error)
	Create(ctx context.Context, req CreateRequest) (models.Node, error)
	Update(ctx context.Context, id string, req UpdateRequest) (models.Node, error)
	Move(ctx context.Context, id string, req MoveRequest) (models.Node, error)
	Complete(ctx context.Context, id string) (models.Node, error)
	Uncomplete(ctx context.Context, id string) (models.Node, error)
	Delete(ctx context.Context, id string) error
	Targets(ctx context.Context) ([]models.Target, error)
}

// FullRecord reports whether a node returned by a mutation carries the remote's
// full record rather than just the confirmed id.
func FullRecord(n models.Node) bool {
	return !n.CreatedAt.IsZero() || !n.ModifiedAt.IsZero()
}
