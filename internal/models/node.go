// Package models defines the domain types for flowboard.
package models

import (
	"strings"
	"time"
)

// ProvisionalPrefix marks ids minted locally before the remote store confirms a create.
const ProvisionalPrefix = "local-"

// LayoutMode is the display mode of a node.
type LayoutMode string

// Layout modes understood by the board. Anything else normalises to LayoutBullets.
const (
	LayoutBullets LayoutMode = "bullets"
	LayoutTodo    LayoutMode = "todo"
	LayoutH1      LayoutMode = "h1"
	LayoutH2      LayoutMode = "h2"
	LayoutH3      LayoutMode = "h3"
	LayoutCode    LayoutMode = "code-block"
	LayoutQuote   LayoutMode = "quote-block"
)

// LayoutModes lists every supported layout mode.
var LayoutModes = []LayoutMode{LayoutBullets, LayoutTodo, LayoutH1, LayoutH2, LayoutH3, LayoutCode, LayoutQuote}

// ParseLayoutMode maps a remote value onto a known layout mode.
func ParseLayoutMode(s string) LayoutMode {
	v := LayoutMode(strings.ToLower(strings.TrimSpace(s)))
	for _, m := range LayoutModes {
		if m == v {
			return m
		}
	}
	return LayoutBullets
}

// Node is one outline item mirrored from the remote document service.
type Node struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Text        string     `json:"text"`
	Note        string     `json:"note,omitempty"`
	Priority    int64      `json:"priority"`
	LayoutMode  LayoutMode `json:"layout_mode"`
	CreatedAt   time.Time  `json:"created_at"`
	ModifiedAt  time.Time  `json:"modified_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Completed reports whether the node is in the done state.
func (n Node) Completed() bool {
	return n.CompletedAt != nil
}

// Provisional reports whether the id was minted locally and is not yet confirmed.
func (n Node) Provisional() bool {
	return IsProvisional(n.ID)
}

// IsProvisional reports whether id is a local placeholder id.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		n.CompletedAt = &t
	}
	return n
}

// Equal reports whether a and b hold the same values.
func (n Node) Equal(o Node) bool {
	if n.ID != o.ID || n.ParentID != o.ParentID || n.Text != o.Text || n.Note != o.Note ||
		n.Priority != o.Priority || n.LayoutMode != o.LayoutMode {
		return false
	}
	if !n.CreatedAt.Equal(o.CreatedAt) || !n.ModifiedAt.Equal(o.ModifiedAt) {
		return false
	}
	switch {
	case n.CompletedAt == nil && o.CompletedAt == nil:
		return true
	case n.CompletedAt == nil || o.CompletedAt == nil:
		return false
	default:
		return n.CompletedAt.Equal(*o.CompletedAt)
	}
}

// Less orders siblings by priority, then id.
func Less(a, b Node) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

// Target is a named anchor (inbox, shortcut) that may resolve to a node.
type Target struct {
	Key    string `json:"key"`
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	NodeID string `json:"node_id,omitempty"`
}

// Resolved reports whether the target points at an existing node.
func (t Target) Resolved() bool {
	return t.NodeID != ""
}

// SavedFilter is a previously used filter string.
type SavedFilter struct {
	ID     int64     `json:"id"`
	Text   string    `json:"filter_text"`
	UsedAt time.Time `json:"used_at"`
}
