package sse

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/refresh"
)

// drain collects everything currently buffered on ch after a short settle.
func drain(ch chan []byte) []string {
	time.Sleep(50 * time.Millisecond)
	var out []string
	for {
		select {
		case msg := <-ch:
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe(0)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: TypeNodeCreated, Data: map[string]string{"id": "a"}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.HasPrefix(s, "id: 1\nevent: node.created\n") {
			t.Errorf("unexpected framing %q", s)
		}
		if !strings.Contains(s, `"id":"a"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishNodeEvent_BoardThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	// First event should trigger board.updated.
	b.PublishNodeEvent("created", models.Node{ID: "a", Text: "New #TODO"})
	// Second event immediately should NOT trigger another board.updated.
	b.PublishNodeEvent("updated", models.Node{ID: "b", ParentID: "a", Text: "Edit"})
	// Unknown kinds are ignored.
	b.PublishNodeEvent("renamed", models.Node{ID: "c"})

	boardCount := 0
	var nodeMsgs []string
	for _, s := range drain(ch) {
		if strings.Contains(s, "event: board.updated") {
			boardCount++
		} else {
			nodeMsgs = append(nodeMsgs, s)
		}
	}

	if len(nodeMsgs) != 2 {
		t.Fatalf("node events = %d, want 2: %q", len(nodeMsgs), nodeMsgs)
	}
	if !strings.Contains(nodeMsgs[0], `"text":"New"`) || !strings.Contains(nodeMsgs[0], `"status":"TODO"`) {
		t.Errorf("created payload = %q", nodeMsgs[0])
	}
	if !strings.Contains(nodeMsgs[1], "event: node.updated") || !strings.Contains(nodeMsgs[1], `"parent_id":"a"`) {
		t.Errorf("updated payload = %q", nodeMsgs[1])
	}
	if boardCount != 1 {
		t.Errorf("board events = %d, want 1 (throttled)", boardCount)
	}
}

func TestPublishRefreshed(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	b.PublishRefreshed(refresh.Result{NodesCached: 3, FetchedAt: time.Unix(1700000000, 0).UTC()}, "A")

	select {
	case msg := <-ch:
		s := string(msg)
		for _, want := range []string{"event: board.refreshed", `"nodes_cached":3`, `"root_id":"A"`} {
			if !strings.Contains(s, want) {
				t.Errorf("missing %s in %q", want, s)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestReplayFromLastEventID(t *testing.T) {
	b := NewBroker(time.Second, WithReplay(3))
	defer b.Close()

	for i := 1; i <= 5; i++ {
		b.Publish(Event{Type: "test", Data: map[string]int{"i": i}})
	}
	// The loop picks ready channels at random; let the publishes land first.
	time.Sleep(50 * time.Millisecond)

	ch := b.Subscribe(3)
	defer b.Unsubscribe(ch)
	got := drain(ch)
	if len(got) != 2 || !strings.HasPrefix(got[0], "id: 4\n") || !strings.HasPrefix(got[1], "id: 5\n") {
		t.Errorf("replay = %q, want ids 4 and 5", got)
	}

	// Older than the ring: only what is still kept.
	old := b.Subscribe(1)
	defer b.Unsubscribe(old)
	if got := drain(old); len(got) != 3 || !strings.HasPrefix(got[0], "id: 3\n") {
		t.Errorf("replay from 1 = %q", got)
	}

	// Zero means live only.
	live := b.Subscribe(0)
	defer b.Unsubscribe(live)
	if got := drain(live); len(got) != 0 {
		t.Errorf("live subscriber got replay %q", got)
	}
}

// syncRecorder is a ResponseRecorder safe to read while the handler writes.
type syncRecorder struct {
	mu sync.Mutex
	*httptest.ResponseRecorder
}

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(p)
}

func (r *syncRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Body.String()
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100*time.Millisecond, WithKeepAlive(20*time.Millisecond))
	defer b.Close()

	b.Publish(Event{Type: "before", Data: map[string]string{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "0")
	w := &syncRecorder{ResponseRecorder: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.PublishNodeEvent("deleted", models.Node{ID: "x"})
	time.Sleep(50 * time.Millisecond)

	// Cancel context to disconnect.
	cancel()
	<-done

	body := w.body()
	if !strings.Contains(body, "event: node.deleted") {
		t.Errorf("handler output missing event: %q", body)
	}
	if strings.Contains(body, "event: before") {
		t.Errorf("events before connecting should not replay without Last-Event-ID: %q", body)
	}
	if !strings.Contains(body, ": ping") {
		t.Errorf("missing keepalive in %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	// Client should be cleaned up.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe(0)
	defer b.Unsubscribe(ch)

	for i := 0; i < clientBuffer+6; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": fmt.Sprint(i)}})
	}
	if got := drain(ch); len(got) != clientBuffer {
		t.Errorf("buffered = %d, want %d", len(got), clientBuffer)
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe(0)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-ops after close.
	b.Close()
	b.Publish(Event{Type: TypeNodeUpdated, Data: map[string]string{"id": "x"}})
	b.PublishNodeEvent("updated", models.Node{ID: "x"})
	b.PublishRefreshed(refresh.Result{}, "")
	if ch := b.Subscribe(0); ch == nil {
		t.Fatal("subscribe after close should return a closed channel")
	}
}
