package nodeservice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/flowboard/internal/apperr"
	"github.com/starford/flowboard/internal/checksum"
	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/remote"
	"github.com/starford/flowboard/internal/statustag"
)

// maxApplyAttempts bounds how often an optimistic apply is retried when a
// refresh replaces the node between read and write.
const maxApplyAttempts = 3

// CreateInput describes a node to create.
type CreateInput struct {
	ParentID   string
	Text       string
	Note       string
	LayoutMode models.LayoutMode
	Position   remote.Position
}

// Validate checks the input shape.
func (in CreateInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Text, validation.Required, validation.By(notBlank)),
		validation.Field(&in.ParentID, validation.By(confirmedID)),
		validation.Field(&in.LayoutMode, validation.In(layoutValues()...)),
		validation.Field(&in.Position, validation.In(remote.PositionTop, remote.PositionBottom)),
	)
}

// UpdateInput carries the fields to change. IfMatch, when set, must equal the
// node's current revision.
type UpdateInput struct {
	Text       *string
	Note       *string
	LayoutMode *models.LayoutMode
	IfMatch    string
}

// Validate checks the input shape.
func (in UpdateInput) Validate() error {
	if in.Text == nil && in.Note == nil && in.LayoutMode == nil {
		return fmt.Errorf("nothing to update")
	}
	return validation.ValidateStruct(&in,
		validation.Field(&in.Text, validation.NilOrNotEmpty, validation.By(notBlank)),
		validation.Field(&in.LayoutMode, validation.NilOrNotEmpty, validation.In(layoutValues()...)),
	)
}

// MoveInput relocates a node.
type MoveInput struct {
	ParentID string
	Position remote.Position
}

// Validate checks the input shape.
func (in MoveInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.ParentID, validation.By(confirmedID)),
		validation.Field(&in.Position, validation.In(remote.PositionTop, remote.PositionBottom)),
	)
}

func layoutValues() []interface{} {
	out := make([]interface{}, len(models.LayoutModes))
	for i, m := range models.LayoutModes {
		out[i] = m
	}
	return out
}

func notBlank(v interface{}) error {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case *string:
		if x == nil {
			return nil
		}
		s = *x
	}
	if s != "" && strings.TrimSpace(s) == "" {
		return fmt.Errorf("must not be blank")
	}
	return nil
}

func confirmedID(v interface{}) error {
	if id, _ := v.(string); models.IsProvisional(id) {
		return fmt.Errorf("node %s is not confirmed yet", id)
	}
	return nil
}

func invalid(op string, err error) error {
	return fmt.Errorf("nodeservice: %s: %v: %w", op, err, apperr.ErrValidation)
}

// checkTarget rejects ids that cannot be addressed remotely.
func checkTarget(op, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid(op, fmt.Errorf("id is required"))
	}
	if models.IsProvisional(id) {
		return invalid(op, fmt.Errorf("node %s is not confirmed yet", id))
	}
	return nil
}

// mutation is one optimistic change to an existing node.
type mutation struct {
	op string
	// prepare derives the optimistic value from the current one.
	prepare func(before models.Node) (models.Node, error)
	// call sends the change to the remote.
	call func(ctx context.Context, before, optimistic models.Node) (models.Node, error)
}

// apply runs m against id: optimistic apply, remote call, then reconcile or
// roll back. Both reconcile and rollback only take effect if the cache still
// holds the optimistic value; a refresh that landed in between wins.
func (s *Service) apply(ctx context.Context, id string, m mutation) (models.Node, error) {
	var before, optimistic models.Node
	applied := false
	for attempt := 0; attempt < maxApplyAttempts && !applied; attempt++ {
		cur, ok := s.cache.Get(id)
		if !ok {
			return models.Node{}, fmt.Errorf("nodeservice: %s %s: %w", m.op, id, apperr.ErrNotFound)
		}
		next, err := m.prepare(cur)
		if err != nil {
			return models.Node{}, err
		}
		before, optimistic = cur, next
		applied = s.cache.CompareAndSwap(before, optimistic)
	}
	if !applied {
		return models.Node{}, fmt.Errorf("nodeservice: %s %s: node kept changing: %w", m.op, id, apperr.ErrConflict)
	}

	confirmed, err := m.call(ctx, before, optimistic)
	if err != nil {
		if !s.cache.CompareAndSwap(optimistic, before) {
			s.logger.Info("nodeservice: rollback skipped, node replaced meanwhile", slog.String("op", m.op), slog.String("id", id))
		}
		return models.Node{}, fmt.Errorf("nodeservice: %s %s: %w", m.op, id, err)
	}

	final := reconcile(before, optimistic, confirmed)
	if !s.cache.CompareAndSwap(optimistic, final) {
		if cur, ok := s.cache.Get(id); ok {
			final = cur
		}
	}
	s.notify(EventUpdated, final)
	return final, nil
}

// CreateNode creates a node under in.ParentID (a node id or a target key). A
// provisional node is visible immediately and replaced by the confirmed one.
func (s *Service) CreateNode(ctx context.Context, in CreateInput) (models.Node, error) {
	if err := in.Validate(); err != nil {
		return models.Node{}, invalid("create", err)
	}
	if in.Position == "" {
		in.Position = remote.PositionTop
	}
	if in.LayoutMode == "" {
		in.LayoutMode = models.LayoutBullets
	}
	parent := s.resolveParent(ctx, in.ParentID)
	id := s.newID()

	return s.run(ctx, "create", id, func(ctx context.Context) (models.Node, error) {
		now := s.now().UTC()
		optimistic := models.Node{
			ID:         id,
			ParentID:   parent,
			Text:       in.Text,
			Note:       in.Note,
			Priority:   s.edgePriority(parent, "", in.Position),
			LayoutMode: in.LayoutMode,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		s.cache.Upsert(optimistic)

		confirmed, err := s.remote.Create(ctx, remote.CreateRequest{
			ParentID:   parent,
			Text:       in.Text,
			Note:       in.Note,
			LayoutMode: in.LayoutMode,
			Position:   in.Position,
		})
		if err != nil {
			s.cache.CompareAndRemove(optimistic)
			return models.Node{}, fmt.Errorf("nodeservice: create: %w", err)
		}

		final := reconcile(models.Node{}, optimistic, confirmed)
		if !s.cache.CompareAndSwap(optimistic, final) {
			// A refresh dropped the provisional node; the confirmed one
			// belongs in the mirror regardless.
			if _, ok := s.cache.Get(final.ID); !ok {
				s.cache.Upsert(final)
			}
		}
		s.logger.Info("nodeservice: created", slog.String("id", final.ID), slog.String("provisional_id", id))
		s.notify(EventCreated, final)
		return final, nil
	})
}

// UpdateNode changes text, note or layout of id.
func (s *Service) UpdateNode(ctx context.Context, id string, in UpdateInput) (models.Node, error) {
	if err := checkTarget("update", id); err != nil {
		return models.Node{}, err
	}
	if err := in.Validate(); err != nil {
		return models.Node{}, invalid("update", err)
	}
	return s.run(ctx, "update", id, func(ctx context.Context) (models.Node, error) {
		return s.apply(ctx, id, mutation{
			op: "update",
			prepare: func(before models.Node) (models.Node, error) {
				if in.IfMatch != "" && in.IfMatch != checksum.Node(before) {
					return models.Node{}, fmt.Errorf("nodeservice: update %s: revision mismatch: %w", id, apperr.ErrConflict)
				}
				next := before.Clone()
				if in.Text != nil {
					next.Text = *in.Text
				}
				if in.Note != nil {
					next.Note = *in.Note
				}
				if in.LayoutMode != nil {
					next.LayoutMode = *in.LayoutMode
				}
				next.ModifiedAt = s.stamp(before.ModifiedAt)
				return next, nil
			},
			call: func(ctx context.Context, _, _ models.Node) (models.Node, error) {
				return s.remote.Update(ctx, id, remote.UpdateRequest{Text: in.Text, Note: in.Note, LayoutMode: in.LayoutMode})
			},
		})
	})
}

// SetStatus rewrites id's status tag. None removes the tag.
func (s *Service) SetStatus(ctx context.Context, id string, status statustag.Status) (models.Node, error) {
	if err := checkTarget("set status", id); err != nil {
		return models.Node{}, err
	}
	if _, err := statustag.Parse(string(status)); err != nil {
		return models.Node{}, invalid("set status", err)
	}
	return s.run(ctx, "set status", id, func(ctx context.Context) (models.Node, error) {
		return s.apply(ctx, id, mutation{
			op: "set status",
			prepare: func(before models.Node) (models.Node, error) {
				next := before.Clone()
				next.Text = statustag.Replace(before.Text, status)
				next.ModifiedAt = s.stamp(before.ModifiedAt)
				return next, nil
			},
			call: func(ctx context.Context, _, optimistic models.Node) (models.Node, error) {
				text := optimistic.Text
				return s.remote.Update(ctx, id, remote.UpdateRequest{Text: &text})
			},
		})
	})
}

// MoveNode places id under in.ParentID at the top or bottom of its new siblings.
func (s *Service) MoveNode(ctx context.Context, id string, in MoveInput) (models.Node, error) {
	if err := checkTarget("move", id); err != nil {
		return models.Node{}, err
	}
	if err := in.Validate(); err != nil {
		return models.Node{}, invalid("move", err)
	}
	if in.Position == "" {
		in.Position = remote.PositionTop
	}
	parent := s.resolveParent(ctx, in.ParentID)

	return s.run(ctx, "move", id, func(ctx context.Context) (models.Node, error) {
		return s.apply(ctx, id, mutation{
			op: "move",
			prepare: func(before models.Node) (models.Node, error) {
				if parent == id {
					return models.Node{}, invalid("move", fmt.Errorf("node %s cannot contain itself", id))
				}
				for _, a := range s.cache.Ancestors(parent, 0) {
					if a.ID == id {
						return models.Node{}, invalid("move", fmt.Errorf("node %s cannot move under its descendant %s", id, parent))
					}
				}
				next := before.Clone()
				next.ParentID = parent
				next.Priority = s.edgePriority(parent, id, in.Position)
				next.ModifiedAt = s.stamp(before.ModifiedAt)
				return next, nil
			},
			call: func(ctx context.Context, _, _ models.Node) (models.Node, error) {
				return s.remote.Move(ctx, id, remote.MoveRequest{ParentID: parent, Position: in.Position})
			},
		})
	})
}

// SetCompletion marks id done or not done.
func (s *Service) SetCompletion(ctx context.Context, id string, completed bool) (models.Node, error) {
	op := "uncomplete"
	if completed {
		op = "complete"
	}
	if err := checkTarget(op, id); err != nil {
		return models.Node{}, err
	}
	return s.run(ctx, op, id, func(ctx context.Context) (models.Node, error) {
		return s.apply(ctx, id, mutation{
			op: op,
			prepare: func(before models.Node) (models.Node, error) {
				next := before.Clone()
				next.ModifiedAt = s.stamp(before.ModifiedAt)
				if completed {
					at := next.ModifiedAt
					next.CompletedAt = &at
				} else {
					next.CompletedAt = nil
				}
				return next, nil
			},
			call: func(ctx context.Context, _, _ models.Node) (models.Node, error) {
				if completed {
					return s.remote.Complete(ctx, id)
				}
				return s.remote.Uncomplete(ctx, id)
			},
		})
	})
}

// DeleteNode removes id and its subtree. It returns the removed node.
func (s *Service) DeleteNode(ctx context.Context, id string) (models.Node, error) {
	if err := checkTarget("delete", id); err != nil {
		return models.Node{}, err
	}
	return s.run(ctx, "delete", id, func(ctx context.Context) (models.Node, error) {
		var subtree []models.Node
		removed := false
		for attempt := 0; attempt < maxApplyAttempts && !removed; attempt++ {
			subtree = s.cache.Subtree(id)
			if len(subtree) == 0 {
				return models.Node{}, fmt.Errorf("nodeservice: delete %s: %w", id, apperr.ErrNotFound)
			}
			removed = s.cache.CompareAndRemove(subtree[0])
		}
		if !removed {
			return models.Node{}, fmt.Errorf("nodeservice: delete %s: node kept changing: %w", id, apperr.ErrConflict)
		}

		if err := s.remote.Delete(ctx, id); err != nil {
			s.cache.RestoreIfAbsent(subtree)
			return models.Node{}, fmt.Errorf("nodeservice: delete %s: %w", id, err)
		}
		s.logger.Info("nodeservice: deleted", slog.String("id", id), slog.Int("subtree", len(subtree)))
		s.notify(EventDeleted, subtree[0])
		return subtree[0], nil
	})
}
