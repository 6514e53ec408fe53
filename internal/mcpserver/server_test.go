package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/flowboard/internal/apperr"
	"github.com/starford/flowboard/internal/board"
	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/testutil"
)

func testServer(t *testing.T) (*Server, *testutil.FakeRemote) {
	t.Helper()

	rem := testutil.NewFakeRemote(
		models.Node{ID: "A", Text: "WIP"},
		models.Node{ID: "B", ParentID: "A", Text: "Fix bug #TODO"},
		models.Node{ID: "C", ParentID: "A", Text: "Write docs", Priority: 1},
	)
	b, err := board.Open(testutil.TestDB(t), rem, board.Config{},
		board.WithRefreshInterval(time.Minute),
		board.WithRemoteTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)

	srv := New(b, "test")
	return srv, rem
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so handlers are invoked
	// directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "refresh_board":
		result, err = srv.refreshBoard(ctx, req)
	case "list_tasks":
		result, err = srv.listTasks(ctx, req)
	case "get_board":
		result, err = srv.getBoard(ctx, req)
	case "set_status":
		result, err = srv.setStatus(ctx, req)
	case "complete_task":
		result, err = srv.completeTask(ctx, req)
	case "uncomplete_task":
		result, err = srv.uncompleteTask(ctx, req)
	case "create_task":
		result, err = srv.createTask(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func tasksOf(t *testing.T, r *mcp.CallToolResult) []task {
	t.Helper()
	var out []task
	if err := json.Unmarshal([]byte(resultText(r)), &out); err != nil {
		t.Fatalf("decode %q: %v", resultText(r), err)
	}
	return out
}

func refreshed(t *testing.T) (*Server, *testutil.FakeRemote) {
	t.Helper()
	srv, rem := testServer(t)
	if r := callTool(t, srv, "refresh_board", nil); r.IsError {
		t.Fatalf("refresh: %s", resultText(r))
	}
	return srv, rem
}

func TestRefreshAndListTasks(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "refresh_board", nil)
	if r.IsError || !strings.Contains(resultText(r), `"root_id": "A"`) {
		t.Fatalf("refresh = %q", resultText(r))
	}

	tasks := tasksOf(t, callTool(t, srv, "list_tasks", map[string]interface{}{}))
	if len(tasks) != 2 || tasks[0].ID != "B" || tasks[0].Text != "Fix bug" || tasks[0].Status != "TODO" {
		t.Errorf("tasks = %+v", tasks)
	}

	tasks = tasksOf(t, callTool(t, srv, "list_tasks", map[string]interface{}{"filter": "docs"}))
	if len(tasks) != 1 || tasks[0].ID != "C" || tasks[0].Breadcrumb != "WIP" {
		t.Errorf("filtered = %+v", tasks)
	}
}

func TestGetBoard(t *testing.T) {
	srv, _ := refreshed(t)

	var cols []struct {
		Status string `json:"status"`
		Tasks  []task `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(resultText(callTool(t, srv, "get_board", nil))), &cols); err != nil {
		t.Fatal(err)
	}
	if len(cols) == 0 || cols[0].Status != "UNCLASSIFIED" {
		t.Fatalf("columns = %+v", cols)
	}
	for _, c := range cols {
		if c.Status == "TODO" && (len(c.Tasks) != 1 || c.Tasks[0].ID != "B") {
			t.Errorf("TODO = %+v", c.Tasks)
		}
	}
}

func TestSetStatusAndCompletion(t *testing.T) {
	srv, rem := refreshed(t)

	r := callTool(t, srv, "set_status", map[string]interface{}{"id": "B", "status": "WIP"})
	if r.IsError {
		t.Fatalf("set_status: %s", resultText(r))
	}
	if n, _ := rem.Node("B"); n.Text != "Fix bug #WIP" {
		t.Errorf("remote text = %q", n.Text)
	}

	if r := callTool(t, srv, "set_status", map[string]interface{}{"id": "B", "status": "SOMEDAY"}); !r.IsError {
		t.Error("unknown status should fail")
	}
	if r := callTool(t, srv, "set_status", map[string]interface{}{"status": "WIP"}); !r.IsError {
		t.Error("missing id should fail")
	}

	r = callTool(t, srv, "complete_task", map[string]interface{}{"id": "C"})
	if r.IsError || !strings.Contains(resultText(r), `"completed": true`) {
		t.Fatalf("complete = %q", resultText(r))
	}
	if tasks := tasksOf(t, callTool(t, srv, "list_tasks", nil)); len(tasks) != 1 {
		t.Errorf("completed task should be hidden, got %+v", tasks)
	}
	if tasks := tasksOf(t, callTool(t, srv, "list_tasks", map[string]interface{}{"show_completed": true})); len(tasks) != 2 {
		t.Errorf("show_completed = %+v", tasks)
	}

	if r := callTool(t, srv, "uncomplete_task", map[string]interface{}{"id": "C"}); r.IsError {
		t.Fatalf("uncomplete: %s", resultText(r))
	}
}

func TestCreateTask(t *testing.T) {
	srv, rem := refreshed(t)

	r := callTool(t, srv, "create_task", map[string]interface{}{"text": "Ship it #TODO", "position": "bottom"})
	if r.IsError {
		t.Fatalf("create: %s", resultText(r))
	}
	var created task
	if err := json.Unmarshal([]byte(resultText(r)), &created); err != nil {
		t.Fatal(err)
	}
	n, ok := rem.Node(created.ID)
	if !ok || n.ParentID != "A" {
		t.Errorf("remote node = %+v, %v", n, ok)
	}

	if r := callTool(t, srv, "create_task", map[string]interface{}{}); !r.IsError {
		t.Error("missing text should fail")
	}
}

func TestRemoteFailureKind(t *testing.T) {
	srv, rem := refreshed(t)
	rem.Fail(testutil.OpComplete, apperr.ErrTransient)

	r := callTool(t, srv, "complete_task", map[string]interface{}{"id": "B"})
	if !r.IsError || !strings.HasPrefix(resultText(r), apperr.KindTransient+":") {
		t.Errorf("result = %q", resultText(r))
	}
	if r := callTool(t, srv, "complete_task", map[string]interface{}{"id": "missing"}); !strings.HasPrefix(resultText(r), apperr.KindNotFound+":") {
		t.Errorf("missing = %q", resultText(r))
	}
}

func TestStatusGuide(t *testing.T) {
	g := StatusGuide()
	for _, want := range []string{"#TODO", "#WIP", "#DONE", "UNCLASSIFIED", models.ProvisionalPrefix} {
		if !strings.Contains(g, want) {
			t.Errorf("guide missing %s", want)
		}
	}
}
