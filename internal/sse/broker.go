// Package sse streams board changes to browsers as Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/refresh"
	"github.com/starford/flowboard/internal/statustag"
)

// Event types sent to clients.
const (
	TypeNodeCreated    = "node.created"
	TypeNodeUpdated    = "node.updated"
	TypeNodeDeleted    = "node.deleted"
	TypeBoardUpdated   = "board.updated"
	TypeBoardRefreshed = "board.refreshed"
)

const (
	defaultBoardThrottle = 2 * time.Second
	defaultKeepAlive     = 15 * time.Second
	defaultReplay        = 128
	clientBuffer         = 64
)

// Event is one message for every subscriber.
type Event struct {
	Type string
	Data any
}

// NodeData is the payload of node.* events.
type NodeData struct {
	ID        string           `json:"id"`
	ParentID  string           `json:"parent_id,omitempty"`
	Text      string           `json:"text"`
	Status    statustag.Status `json:"status,omitempty"`
	Completed bool             `json:"completed"`
}

// RefreshData is the payload of board.refreshed events.
type RefreshData struct {
	refresh.Result
	RootID string `json:"root_id"`
}

type frame struct {
	id  uint64
	raw []byte
}

type subscription struct {
	ch     chan []byte
	lastID uint64
}

// Broker fans events out to connected clients.
//
// One goroutine owns the client set, the replay ring and the throttle clock;
// public methods talk to it over channels. Every event gets an increasing id
// so a reconnecting client can resume with Last-Event-ID from the ring.
type Broker struct {
	boardMin  time.Duration
	keepAlive time.Duration
	replay    int
	logger    *slog.Logger

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	nodeCh        chan Event
	countCh       chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithKeepAlive sets how often idle streams get a comment line.
func WithKeepAlive(d time.Duration) Option {
	return func(b *Broker) { b.keepAlive = d }
}

// WithReplay sets how many recent events are kept for reconnecting clients.
func WithReplay(n int) Option {
	return func(b *Broker) { b.replay = n }
}

// WithLogger sets the broker's logger. Without it the default logger at the
// time of logging is used.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// NewBroker starts a broker. board.updated is sent at most once per
// boardThrottle no matter how many node events arrive.
func NewBroker(boardThrottle time.Duration, opts ...Option) *Broker {
	if boardThrottle <= 0 {
		boardThrottle = defaultBoardThrottle
	}
	b := &Broker{
		boardMin:      boardThrottle,
		keepAlive:     defaultKeepAlive,
		replay:        defaultReplay,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		nodeCh:        make(chan Event, 256),
		countCh:       make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	ring := make([]frame, 0, b.replay)
	var seq uint64
	var lastBoard time.Time

	send := func(ch chan []byte, raw []byte) {
		select {
		case ch <- raw:
		default:
			// Slow client; it can resume from the ring on reconnect.
		}
	}

	broadcast := func(e Event) {
		payload, err := json.Marshal(e.Data)
		if err != nil {
			b.log().Error("sse: encode event", slog.String("type", e.Type), slog.String("error", err.Error()))
			return
		}
		seq++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, e.Type, payload))
		if b.replay > 0 {
			if len(ring) == b.replay {
				ring = append(ring[:0], ring[1:]...)
			}
			ring = append(ring, frame{id: seq, raw: raw})
		}
		for ch := range clients {
			send(ch, raw)
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = struct{}{}
			if sub.lastID > 0 {
				for _, f := range ring {
					if f.id > sub.lastID {
						send(sub.ch, f.raw)
					}
				}
			}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case e := <-b.publishCh:
			broadcast(e)

		case e := <-b.nodeCh:
			broadcast(e)
			if now := time.Now(); now.Sub(lastBoard) >= b.boardMin {
				lastBoard = now
				broadcast(Event{Type: TypeBoardUpdated, Data: struct{}{}})
			}

		case resp := <-b.countCh:
			resp <- len(clients)
		}
	}
}

func (b *Broker) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default()
}

// Close stops the broker and ends every stream. It is safe to call twice.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a client. Events newer than lastID still in the replay
// ring are queued first; lastID 0 means live events only.
func (b *Broker) Subscribe(lastID uint64) chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- subscription{ch: ch, lastID: lastID}:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(e Event) {
	b.enqueue(b.publishCh, e)
}

// PublishNodeEvent publishes a confirmed node change followed by a throttled
// board.updated. kind is created, updated or deleted; anything else is dropped.
func (b *Broker) PublishNodeEvent(kind string, n models.Node) {
	var typ string
	switch kind {
	case "created":
		typ = TypeNodeCreated
	case "updated":
		typ = TypeNodeUpdated
	case "deleted":
		typ = TypeNodeDeleted
	default:
		return
	}
	b.enqueue(b.nodeCh, Event{Type: typ, Data: NodeData{
		ID:        n.ID,
		ParentID:  n.ParentID,
		Text:      statustag.Strip(n.Text),
		Status:    statustag.Extract(n.Text),
		Completed: n.Completed(),
	}})
}

// PublishRefreshed announces that the mirror was replaced by a fresh export.
func (b *Broker) PublishRefreshed(r refresh.Result, rootID string) {
	b.Publish(Event{Type: TypeBoardRefreshed, Data: RefreshData{Result: r, RootID: rootID}})
}

func (b *Broker) enqueue(ch chan Event, e Event) {
	if b.closed.Load() {
		return
	}
	select {
	case ch <- e:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). It honours the
// Last-Event-ID header sent by reconnecting EventSource clients.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(lastID)
	defer b.Unsubscribe(ch)

	var ping <-chan time.Time
	if b.keepAlive > 0 {
		t := time.NewTicker(b.keepAlive)
		defer t.Stop()
		ping = t.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
