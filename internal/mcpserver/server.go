// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the task board to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/flowboard/internal/apperr"
	"github.com/starford/flowboard/internal/board"
	"github.com/starford/flowboard/internal/nodeservice"
	"github.com/starford/flowboard/internal/remote"
	"github.com/starford/flowboard/internal/statustag"
	"github.com/starford/flowboard/internal/view"
)

// Server wraps the MCP server with board tools.
type Server struct {
	mcp   *server.MCPServer
	board *board.Board
}

// task is the compact task shape returned to clients.
type task struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Status     string `json:"status,omitempty"`
	Breadcrumb string `json:"breadcrumb,omitempty"`
	Completed  bool   `json:"completed,omitempty"`
}

func toTask(it view.Item) task {
	return task{
		ID:         it.ID,
		Text:       it.DisplayText,
		Status:     string(it.Status),
		Breadcrumb: it.Breadcrumb,
		Completed:  it.Completed(),
	}
}

// New creates a new MCP server with all board tools registered.
func New(b *board.Board, version string) *Server {
	s := &Server{board: b}

	s.mcp = server.NewMCPServer(
		"Flowboard",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	statuses := make([]string, 0, len(statustag.All()))
	for _, st := range statustag.All() {
		statuses = append(statuses, string(st))
	}

	s.mcp.AddTool(mcp.NewTool("refresh_board",
		mcp.WithDescription("Re-read the whole outline from the remote service. "+
			"Exports are rate limited; a call inside the cooldown returns the last result."),
	), s.refreshBoard)

	s.mcp.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks under the board root in outline order."),
		mcp.WithString("filter", mcp.Description("Comma-separated terms; a task matches when any term occurs in its text or breadcrumb")),
		mcp.WithBoolean("show_completed", mcp.Description("Include completed tasks")),
	), s.listTasks)

	s.mcp.AddTool(mcp.NewTool("get_board",
		mcp.WithDescription("Tasks under the board root grouped into status columns."),
		mcp.WithString("filter", mcp.Description("Comma-separated terms; a task matches when any term occurs in its text or breadcrumb")),
		mcp.WithBoolean("show_completed", mcp.Description("Include completed tasks")),
	), s.getBoard)

	s.mcp.AddTool(mcp.NewTool("set_status",
		mcp.WithDescription("Set a task's status tag. Read the "+statusGuideURI+" resource for the conventions."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("status", mcp.Description("New status; empty removes the tag"), mcp.Enum(append([]string{""}, statuses...)...)),
	), s.setStatus)

	s.mcp.AddTool(mcp.NewTool("complete_task",
		mcp.WithDescription("Mark a task done."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	), s.completeTask)

	s.mcp.AddTool(mcp.NewTool("uncomplete_task",
		mcp.WithDescription("Mark a task not done."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	), s.uncompleteTask)

	s.mcp.AddTool(mcp.NewTool("create_task",
		mcp.WithDescription("Create a task. Without a parent it goes to the default target or the board root."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Task text, optionally with a status tag such as #TODO")),
		mcp.WithString("parent_id", mcp.Description("Parent node id or a target key such as inbox")),
		mcp.WithString("position", mcp.Description("Where among the siblings"), mcp.Enum("top", "bottom")),
	), s.createTask)

	s.mcp.AddResource(
		mcp.NewResource(statusGuideURI, "Status Tags",
			mcp.WithResourceDescription("How task statuses are written and shown on the board."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readStatusGuide,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// toolError reports err to the client with its kind so it can decide to retry.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", apperr.Kind(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) query(req mcp.CallToolRequest) view.Query {
	return view.Query{
		Filter:        req.GetString("filter", ""),
		ShowCompleted: req.GetBool("show_completed", false),
		RootID:        s.board.RootID(),
	}
}

func (s *Server) refreshBoard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.board.Refresh(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(res)
}

func (s *Server) listTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items := s.board.List(ctx, s.query(req))
	tasks := make([]task, len(items))
	for i, it := range items {
		tasks[i] = toTask(it)
	}
	return jsonResult(tasks)
}

func (s *Server) getBoard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b := s.board.Board(ctx, s.query(req))
	type column struct {
		Status string `json:"status"`
		Tasks  []task `json:"tasks"`
	}
	cols := make([]column, len(b.Columns))
	for i, c := range b.Columns {
		cols[i] = column{Status: c.Status, Tasks: make([]task, len(c.Items))}
		for j, it := range c.Items {
			cols[i].Tasks[j] = toTask(it)
		}
	}
	return jsonResult(cols)
}

func (s *Server) setStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := statustag.Parse(req.GetString("status", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.board.SetStatus(ctx, id, status)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(toTask(s.board.Project(n)))
}

func (s *Server) completeTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.setCompletion(ctx, req, true)
}

func (s *Server) uncompleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.setCompletion(ctx, req, false)
}

func (s *Server) setCompletion(ctx context.Context, req mcp.CallToolRequest, done bool) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.board.SetCompletion(ctx, id, done)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(toTask(s.board.Project(n)))
}

func (s *Server) createTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.board.CreateNode(ctx, nodeservice.CreateInput{
		ParentID: req.GetString("parent_id", ""),
		Text:     text,
		Position: remote.ParsePosition(req.GetString("position", "")),
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(toTask(s.board.Project(n)))
}

func (s *Server) readStatusGuide(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      statusGuideURI,
			MIMEType: "text/markdown",
			Text:     StatusGuide(),
		},
	}, nil
}
