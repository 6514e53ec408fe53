package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/flowboard/internal/apperr"
	"github.com/starford/flowboard/internal/board"
	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/testutil"
	"github.com/starford/flowboard/internal/view"
)

var epoch = time.Unix(1700000000, 0).UTC()

func seedNodes() []models.Node {
	return []models.Node{
		{ID: "A", Text: "WIP", CreatedAt: epoch, ModifiedAt: epoch},
		{ID: "B", ParentID: "A", Text: "Fix bug #TODO", Priority: 0, CreatedAt: epoch, ModifiedAt: epoch},
		{ID: "C", ParentID: "A", Text: "Write docs", Priority: 1, CreatedAt: epoch, ModifiedAt: epoch},
	}
}

// testEnv wires a board over an in-memory remote and a temp SQLite mirror.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) (*testutil.FakeRemote, http.Handler) {
	t.Helper()
	return testEnvFull(t, authToken != "", authToken, nil)
}

func testEnvFull(t *testing.T, authEnabled bool, authToken string, sseHandler http.Handler) (*testutil.FakeRemote, http.Handler) {
	t.Helper()
	rem := testutil.NewFakeRemote(seedNodes()...)
	b, err := board.Open(testutil.TestDB(t), rem, board.Config{},
		board.WithRefreshInterval(time.Minute),
		board.WithRemoteTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("board.Open: %v", err)
	}
	t.Cleanup(b.Close)
	return rem, NewRouter(b, authEnabled, authToken, sseHandler)
}

// refreshedEnv is testEnv after one successful refresh.
func refreshedEnv(t *testing.T) (*testutil.FakeRemote, http.Handler) {
	t.Helper()
	rem, router := testEnv(t, "")
	if w := do(t, router, http.MethodPost, "/refresh", nil); w.Code != http.StatusOK {
		t.Fatalf("refresh = %d: %s", w.Code, w.Body.String())
	}
	return rem, router
}

func do(t *testing.T, router http.Handler, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func itemIDs(items []view.Item) string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return strings.Join(ids, ",")
}

func TestRefreshAndList(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/refresh", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh = %d: %s", w.Code, w.Body.String())
	}
	res := decode[board.RefreshResult](t, w)
	if res.NodesCached != 3 || res.RootID != "A" || res.Coalesced {
		t.Errorf("refresh = %+v", res)
	}

	// Within the cooldown a second refresh is coalesced.
	res = decode[board.RefreshResult](t, do(t, router, http.MethodPost, "/refresh", nil))
	if !res.Coalesced {
		t.Error("second refresh should be coalesced")
	}

	list := decode[ListResponse](t, do(t, router, http.MethodGet, "/list", nil))
	if got := itemIDs(list.Items); got != "B,C" {
		t.Errorf("default list = %s, want board root descendants B,C", got)
	}
	list = decode[ListResponse](t, do(t, router, http.MethodGet, "/list?root_id=", nil))
	if got := itemIDs(list.Items); got != "A,B,C" {
		t.Errorf("whole forest = %s", got)
	}
	list = decode[ListResponse](t, do(t, router, http.MethodGet, "/list?filter=docs", nil))
	if got := itemIDs(list.Items); got != "C" {
		t.Errorf("filtered = %s", got)
	}
	if list.Items[0].Breadcrumb != "WIP" {
		t.Errorf("breadcrumb = %q", list.Items[0].Breadcrumb)
	}

	if w := do(t, router, http.MethodGet, "/list?show_completed=maybe", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad show_completed = %d, want 400", w.Code)
	}
}

func TestBoardEndpoint(t *testing.T) {
	_, router := refreshedEnv(t)

	w := do(t, router, http.MethodGet, "/board", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("board = %d", w.Code)
	}
	b := decode[view.Board](t, w)
	todo := b.Column("TODO")
	if todo == nil || len(todo.Items) != 1 || todo.Items[0].ID != "B" || todo.Items[0].DisplayText != "Fix bug" {
		t.Fatalf("TODO column = %+v", todo)
	}
	if un := b.Column("UNCLASSIFIED"); un == nil || itemIDs(un.Items) != "C" {
		t.Errorf("UNCLASSIFIED column = %+v", un)
	}
}

func TestGetNodeAndChildren(t *testing.T) {
	_, router := refreshedEnv(t)

	w := do(t, router, http.MethodGet, "/nodes/B", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	item := decode[view.Item](t, w)
	if item.Text != "Fix bug #TODO" || item.Status != "TODO" {
		t.Errorf("item = %+v", item)
	}
	if etag := w.Header().Get("ETag"); etag != `"`+item.Revision+`"` {
		t.Errorf("ETag = %q, revision = %q", etag, item.Revision)
	}

	kids := decode[ChildrenResponse](t, do(t, router, http.MethodGet, "/nodes?parent_id=A", nil))
	if len(kids.Nodes) != 2 || kids.Nodes[0].ID != "B" {
		t.Errorf("children = %+v", kids.Nodes)
	}
	top := decode[ChildrenResponse](t, do(t, router, http.MethodGet, "/nodes", nil))
	if len(top.Nodes) != 1 || top.Nodes[0].ID != "A" {
		t.Errorf("top-level = %+v", top.Nodes)
	}
}

func TestNotFound(t *testing.T) {
	_, router := refreshedEnv(t)

	for _, c := range []struct{ method, path string }{
		{http.MethodGet, "/nodes/missing"},
		{http.MethodGet, "/nodes?parent_id=missing"},
		{http.MethodPost, "/nodes/missing/complete"},
		{http.MethodDelete, "/nodes/missing"},
	} {
		w := do(t, router, c.method, c.path, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", c.method, c.path, w.Code)
			continue
		}
		if body := decode[errResponse](t, w); body.Kind != apperr.KindNotFound {
			t.Errorf("%s %s kind = %q", c.method, c.path, body.Kind)
		}
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	_, router := refreshedEnv(t)

	etag := do(t, router, http.MethodGet, "/nodes/C", nil).Header().Get("ETag")

	w := do(t, router, http.MethodPut, "/nodes/C", map[string]any{"text": "Write more docs"}, "If-Match", `"stale"`)
	if w.Code != http.StatusConflict {
		t.Fatalf("stale If-Match = %d, want 409", w.Code)
	}
	if body := decode[errResponse](t, w); body.Kind != apperr.KindConflict {
		t.Errorf("kind = %q", body.Kind)
	}

	w = do(t, router, http.MethodPut, "/nodes/C", map[string]any{"text": "Write more docs", "layout_mode": "todo"}, "If-Match", etag)
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", w.Code, w.Body.String())
	}
	item := decode[view.Item](t, w)
	if item.Text != "Write more docs" || item.LayoutMode != models.LayoutTodo {
		t.Errorf("updated = %+v", item)
	}
	if w.Header().Get("ETag") == etag {
		t.Error("revision should change after an update")
	}

	// The old revision no longer applies.
	w = do(t, router, http.MethodPut, "/nodes/C", map[string]any{"note": "x"}, "If-Match", etag)
	if w.Code != http.StatusConflict {
		t.Errorf("reused ETag = %d, want 409", w.Code)
	}
}

func TestUpdateValidation(t *testing.T) {
	_, router := refreshedEnv(t)

	cases := []struct {
		name string
		body any
	}{
		{"empty", map[string]any{}},
		{"blank text", map[string]any{"text": "   "}},
		{"unknown layout", map[string]any{"layout_mode": "kanban"}},
		{"not json", "{"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := do(t, router, http.MethodPut, "/nodes/B", c.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateNode(t *testing.T) {
	rem, router := refreshedEnv(t)

	w := do(t, router, http.MethodPost, "/nodes", CreateNodeRequest{Text: "New task #TODO", Position: "bottom"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	item := decode[view.Item](t, w)
	if item.ParentID != "A" || item.Provisional() || item.Status != "TODO" {
		t.Errorf("created = %+v", item)
	}
	if _, ok := rem.Node(item.ID); !ok {
		t.Errorf("node %s missing remotely", item.ID)
	}
	kids := decode[ChildrenResponse](t, do(t, router, http.MethodGet, "/nodes?parent_id=A", nil))
	if n := len(kids.Nodes); n != 3 || kids.Nodes[n-1].ID != item.ID {
		t.Errorf("bottom placement, children = %+v", kids.Nodes)
	}

	w = do(t, router, http.MethodPost, "/nodes", CreateNodeRequest{Text: ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty text = %d, want 400", w.Code)
	}
	w = do(t, router, http.MethodPost, "/nodes", CreateNodeRequest{Text: "x", Position: "middle"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad position = %d, want 400", w.Code)
	}
}

func TestSetStatus(t *testing.T) {
	rem, router := refreshedEnv(t)

	w := do(t, router, http.MethodPost, "/nodes/B/status", StatusRequest{Status: "wip"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if item := decode[view.Item](t, w); item.Text != "Fix bug #WIP" {
		t.Errorf("text = %q", item.Text)
	}

	if w := do(t, router, http.MethodPost, "/nodes/B/status", StatusRequest{Status: "LATER"}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown status = %d, want 400", w.Code)
	}

	rem.Fail(testutil.OpUpdate, apperr.ErrTransient)
	w = do(t, router, http.MethodPost, "/nodes/B/status", StatusRequest{Status: ""})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("transient = %d, want 503", w.Code)
	}
	if body := decode[errResponse](t, w); body.Kind != apperr.KindTransient {
		t.Errorf("kind = %q", body.Kind)
	}
	if item := decode[view.Item](t, do(t, router, http.MethodGet, "/nodes/B", nil)); item.Text != "Fix bug #WIP" {
		t.Errorf("failed status change should roll back, text = %q", item.Text)
	}
	rem.Fail(testutil.OpUpdate, nil)

	w = do(t, router, http.MethodPost, "/nodes/B/status", StatusRequest{Status: ""})
	if item := decode[view.Item](t, w); item.Text != "Fix bug" || item.Status != "" {
		t.Errorf("cleared = %+v", item)
	}
}

func TestMoveNode(t *testing.T) {
	_, router := refreshedEnv(t)

	w := do(t, router, http.MethodPost, "/nodes/C/move", MoveNodeRequest{ParentID: "A", Position: "top"})
	if w.Code != http.StatusOK {
		t.Fatalf("move = %d: %s", w.Code, w.Body.String())
	}
	kids := decode[ChildrenResponse](t, do(t, router, http.MethodGet, "/nodes?parent_id=A", nil))
	if len(kids.Nodes) != 2 || kids.Nodes[0].ID != "C" {
		t.Errorf("children = %+v", kids.Nodes)
	}

	if w := do(t, router, http.MethodPost, "/nodes/A/move", MoveNodeRequest{ParentID: "B"}); w.Code != http.StatusBadRequest {
		t.Errorf("cycle move = %d, want 400", w.Code)
	}
}

func TestCompleteAndUncomplete(t *testing.T) {
	_, router := refreshedEnv(t)

	w := do(t, router, http.MethodPost, "/nodes/C/complete", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete = %d", w.Code)
	}
	if item := decode[view.Item](t, w); !item.Completed() {
		t.Error("node should be completed")
	}
	if got := itemIDs(decode[ListResponse](t, do(t, router, http.MethodGet, "/list", nil)).Items); got != "B" {
		t.Errorf("completed hidden, list = %s", got)
	}
	if got := itemIDs(decode[ListResponse](t, do(t, router, http.MethodGet, "/list?show_completed=true", nil)).Items); got != "B,C" {
		t.Errorf("show_completed list = %s", got)
	}

	w = do(t, router, http.MethodPost, "/nodes/C/uncomplete", nil)
	if item := decode[view.Item](t, w); item.Completed() {
		t.Error("node should be open again")
	}
}

func TestDeleteNode(t *testing.T) {
	rem, router := refreshedEnv(t)

	w := do(t, router, http.MethodDelete, "/nodes/A", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	for _, id := range []string{"A", "B"} {
		if w := do(t, router, http.MethodGet, "/nodes/"+id, nil); w.Code != http.StatusNotFound {
			t.Errorf("GET %s after delete = %d", id, w.Code)
		}
	}
	if _, ok := rem.Node("C"); ok {
		t.Error("subtree should be gone remotely")
	}
}

func TestRefreshRateLimited(t *testing.T) {
	rem, router := testEnv(t, "")
	rem.Fail(testutil.OpExport, apperr.ErrRateLimited)

	w := do(t, router, http.MethodPost, "/refresh", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("refresh = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if body := decode[errResponse](t, w); body.Kind != apperr.KindRateLimited {
		t.Errorf("kind = %q", body.Kind)
	}
}

func TestTargets(t *testing.T) {
	rem, router := refreshedEnv(t)
	rem.SetTargets(models.Target{Key: "inbox", Type: "system", NodeID: "C"})

	got := decode[TargetsResponse](t, do(t, router, http.MethodGet, "/targets", nil))
	if len(got.Targets) != 1 || got.Targets[0].Key != "inbox" {
		t.Errorf("targets = %+v", got.Targets)
	}
}

func TestFilters(t *testing.T) {
	_, router := testEnv(t, "")

	for _, f := range []string{"bug", "docs, api"} {
		if w := do(t, router, http.MethodPost, "/filters", SaveFilterRequest{FilterText: f}); w.Code != http.StatusCreated {
			t.Fatalf("save %q = %d", f, w.Code)
		}
	}
	if w := do(t, router, http.MethodPost, "/filters", SaveFilterRequest{FilterText: " "}); w.Code != http.StatusBadRequest {
		t.Errorf("blank filter = %d, want 400", w.Code)
	}

	got := decode[FiltersResponse](t, do(t, router, http.MethodGet, "/filters/history?limit=1", nil))
	if len(got.Filters) != 1 || got.Filters[0].Text != "docs, api" {
		t.Errorf("history = %+v", got.Filters)
	}
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		method  string
		target  string
		headers []string
		want    int
	}{
		{"valid header", true, http.MethodGet, "/list", []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"missing token", true, http.MethodGet, "/list", nil, http.StatusUnauthorized},
		{"wrong token", true, http.MethodGet, "/list", []string{"Authorization", "Bearer wrong"}, http.StatusUnauthorized},
		{"not bearer", true, http.MethodGet, "/list", []string{"Authorization", "Basic secret"}, http.StatusUnauthorized},
		{"query token on get", true, http.MethodGet, "/list?access_token=secret", nil, http.StatusOK},
		{"wrong header beats query", true, http.MethodGet, "/list?access_token=secret", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"query token on post", true, http.MethodPost, "/filters?access_token=secret", nil, http.StatusUnauthorized},
		{"disabled", false, http.MethodGet, "/list", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := testEnvFull(t, tt.enabled, "secret", nil)
			var body any
			if tt.method == http.MethodPost {
				body = SaveFilterRequest{FilterText: "x"}
			}
			w := do(t, router, tt.method, tt.target, body, tt.headers...)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized {
				if w.Header().Get("WWW-Authenticate") == "" {
					t.Error("missing WWW-Authenticate")
				}
				if got := decode[errResponse](t, w); got.Kind != "unauthorized" {
					t.Errorf("kind = %q", got.Kind)
				}
			}
		})
	}
}

// SSE endpoint auth tests.

// blockingSSE writes stream headers and blocks until the request ends.
var blockingSSE = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	_, router := testEnvFull(t, true, "secret", blockingSSE)

	w := do(t, router, http.MethodGet, "/events", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	_, router := testEnvFull(t, true, "tok", blockingSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with valid token = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}
