package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mbocsi/lorarelay/diag"
)

const defaultSubscriberBuffer = 64

// EventHub fans diagnostic events out to connected SSE clients. It is a
// diag.Sink; a slow client loses events rather than stalling the relay.
type EventHub struct {
	mu      sync.RWMutex
	clients map[string]*SSEClient
	buffer  int
	closed  bool
}

func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &EventHub{
		clients: make(map[string]*SSEClient),
		buffer:  buffer,
	}
}

func (h *EventHub) Emit(e diag.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.offer(e)
	}
}

// RegisterClient attaches a new subscriber. It returns nil once the hub is closed.
func (h *EventHub) RegisterClient(filter EventFilter) *SSEClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	c := newSSEClient(filter, h.buffer)
	h.clients[c.Id] = c
	slog.Debug("SSE client connected", "client", c.Id, "clients", len(h.clients))
	return c
}

func (h *EventHub) UnregisterClient(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		c.close()
		slog.Debug("SSE client disconnected", "client", id, "dropped", c.Dropped())
	}
}

func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*SSEClient)
	h.closed = true
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// EventFilter narrows a stream to one device and/or one kind.
type EventFilter struct {
	Device string
	Kind   string
}

func (f EventFilter) match(e diag.Event) bool {
	if f.Device != "" && e.Source != f.Device && e.Target != f.Device {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return true
}

// HandleEvents streams diagnostic events as Server-Sent Events. Query
// parameters device and kind filter the stream.
func (w *WebServer) HandleEvents(wr http.ResponseWriter, r *http.Request) {
	flusher, ok := wr.(http.Flusher)
	if !ok {
		http.Error(wr, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	filter := EventFilter{
		Device: r.URL.Query().Get("device"),
		Kind:   r.URL.Query().Get("kind"),
	}
	client := w.events.RegisterClient(filter)
	if client == nil {
		http.Error(wr, "Event stream closed", http.StatusServiceUnavailable)
		return
	}
	defer w.events.UnregisterClient(client.Id)

	wr.Header().Set("Content-Type", "text/event-stream")
	wr.Header().Set("Cache-Control", "no-cache")
	wr.Header().Set("Connection", "keep-alive")
	wr.WriteHeader(http.StatusOK)
	fmt.Fprintf(wr, ": connected %s\n\n", client.Id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-client.events:
			if !ok {
				return
			}
			if err := client.write(wr, e); err != nil {
				slog.Debug("SSE write failed", "client", client.Id, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// SSEClient is one subscriber to the event stream
type SSEClient struct {
	Id      string
	filter  EventFilter
	events  chan diag.Event
	dropped atomic.Uint64

	once sync.Once
}

func newSSEClient(filter EventFilter, buffer int) *SSEClient {
	return &SSEClient{
		Id:     generateClientId("sse"),
		filter: filter,
		events: make(chan diag.Event, buffer),
	}
}

// offer is called with the hub's read lock held, so close cannot race it.
func (c *SSEClient) offer(e diag.Event) {
	if !c.filter.match(e) {
		return
	}
	select {
	case c.events <- e:
	default:
		c.dropped.Add(1)
	}
}

func (c *SSEClient) write(wr http.ResponseWriter, e diag.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(wr, "data: %s\n\n", data)
	return err
}

func (c *SSEClient) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *SSEClient) close() {
	c.once.Do(func() { close(c.events) })
}

func generateClientId(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
