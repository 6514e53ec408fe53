// Package view projects the mirror into the flat task list and the status
// board. It only reads; every projection is recomputed from the current cache.
package view

import (
	"strings"

	"github.com/starford/flowboard/internal/checksum"
	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/statustag"
)

// MaxBreadcrumbDepth caps how many ancestors a breadcrumb names.
const MaxBreadcrumbDepth = 10

// BreadcrumbSeparator joins breadcrumb segments.
const BreadcrumbSeparator = " > "

// Source is the read side of the cache.
type Source interface {
	Get(id string) (models.Node, bool)
	Children(parentID string) []models.Node
	Ancestors(id string, max int) []models.Node
}

// Query selects and filters what a view shows.
type Query struct {
	// Filter holds comma-separated terms; a node matches when any term occurs
	// in its display text or breadcrumb, ignoring case.
	Filter        string
	ShowCompleted bool
	// RootID limits the view to the descendants of one node. Empty means the
	// whole forest.
	RootID string
	// Layout, when set, keeps only nodes with that layout mode.
	Layout models.LayoutMode
}

// Item is one row of a view.
type Item struct {
	models.Node
	DisplayText string           `json:"display_text"`
	Status      statustag.Status `json:"status,omitempty"`
	Breadcrumb  string           `json:"breadcrumb"`
	Depth       int              `json:"depth"`
	Color       string           `json:"color,omitempty"`
	Revision    string           `json:"revision"`
}

// Column is one status bucket of the board.
type Column struct {
	Status string `json:"status"`
	Items  []Item `json:"items"`
}

// Board is the list grouped by status, one column per status in board order.
type Board struct {
	Columns []Column `json:"columns"`
}

// Column returns the column with the given key, or nil.
func (b Board) Column(status string) *Column {
	for i := range b.Columns {
		if b.Columns[i].Status == status {
			return &b.Columns[i]
		}
	}
	return nil
}

// Projector builds views over a Source.
type Projector struct {
	src Source
}

// New returns a Projector reading from src.
func New(src Source) *Projector {
	return &Projector{src: src}
}

// List returns the visible nodes in depth-first order, siblings by priority
// then id.
func (p *Projector) List(q Query) []Item {
	var start []models.Node
	if q.RootID != "" {
		if _, ok := p.src.Get(q.RootID); !ok {
			return []Item{}
		}
		start = p.src.Children(q.RootID)
	} else {
		start = p.src.Children("")
	}

	terms := filterTerms(q.Filter)
	out := []Item{}

	type frame struct {
		node  models.Node
		depth int
	}
	stack := make([]frame, 0, len(start))
	for i := len(start) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: start[i]})
	}
	seen := make(map[string]bool)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[f.node.ID] {
			continue
		}
		seen[f.node.ID] = true

		if item, ok := p.project(f.node, f.depth, q, terms); ok {
			out = append(out, item)
		}
		kids := p.src.Children(f.node.ID)
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: kids[i], depth: f.depth + 1})
		}
	}
	return out
}

// Board groups List(q) by status. Every column is present, empty or not.
func (p *Projector) Board(q Query) Board {
	cols := statustag.Columns()
	b := Board{Columns: make([]Column, len(cols))}
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		b.Columns[i] = Column{Status: c, Items: []Item{}}
		index[c] = i
	}
	for _, it := range p.List(q) {
		i := index[it.Status.Column()]
		b.Columns[i].Items = append(b.Columns[i].Items, it)
	}
	return b
}

// Item projects a single node regardless of filters.
func (p *Projector) Item(n models.Node) Item {
	return p.item(n, 0)
}

func (p *Projector) project(n models.Node, depth int, q Query, terms []string) (Item, bool) {
	if !q.ShowCompleted && n.Completed() {
		return Item{}, false
	}
	if q.Layout != "" && n.LayoutMode != q.Layout {
		return Item{}, false
	}
	it := p.item(n, depth)
	if len(terms) > 0 && !matches(it, terms) {
		return Item{}, false
	}
	return it, true
}

func (p *Projector) item(n models.Node, depth int) Item {
	return Item{
		Node:        n,
		DisplayText: statustag.Strip(n.Text),
		Status:      statustag.Extract(n.Text),
		Breadcrumb:  p.breadcrumb(n.ID),
		Depth:       depth,
		Color:       statustag.Color(n.Text),
		Revision:    checksum.Node(n),
	}
}

// breadcrumb names the ancestors of id from the top down, tags stripped.
func (p *Projector) breadcrumb(id string) string {
	anc := p.src.Ancestors(id, MaxBreadcrumbDepth)
	parts := make([]string, 0, len(anc))
	for i := len(anc) - 1; i >= 0; i-- {
		name := strings.TrimSpace(statustag.Replace(anc[i].Text, statustag.None))
		if name != "" {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, BreadcrumbSeparator)
}

func filterTerms(filter string) []string {
	var terms []string
	for _, t := range strings.Split(filter, ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

func matches(it Item, terms []string) bool {
	text := strings.ToLower(it.DisplayText)
	crumb := strings.ToLower(it.Breadcrumb)
	for _, t := range terms {
		if strings.Contains(text, t) || strings.Contains(crumb, t) {
			return true
		}
	}
	return false
}
