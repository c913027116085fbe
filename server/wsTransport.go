package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // gateways are not browsers
	},
}

// WSTransport is the WebSocket flavour of the gateway line protocol: one JSON
// frame per text message.
type WSTransport struct {
	Addr     string
	server   *http.Server
	listener net.Listener
	onUplink func(Uplink)

	name        string
	description string
	conns       map[string]*websocket.Conn
	cmu         sync.RWMutex

	maxClients int
	connected  atomic.Bool
	ready      chan struct{}
	readyOnce  sync.Once
}

func NewWSTransport(addr string) *WSTransport {
	return &WSTransport{
		Addr:       addr,
		maxClients: 16,
		conns:      make(map[string]*websocket.Conn),
		ready:      make(chan struct{}),
	}
}

func (t *WSTransport) Start() error {
	slog.Info("Starting WebSocket server", "addr", t.Addr)

	if t.onUplink == nil {
		return fmt.Errorf("the OnUplink function is not defined, this transport is likely being called outside of the coordinator")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleWebSocket)

	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return err
	}

	t.cmu.Lock()
	t.listener = l
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	srv := t.server
	t.cmu.Unlock()

	t.connected.Store(true)
	t.readyOnce.Do(func() { close(t.ready) })
	defer t.connected.Store(false)

	if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Ready is closed once the listener is bound.
func (t *WSTransport) Ready() <-chan struct{} {
	return t.ready
}

func (t *WSTransport) ListenAddr() string {
	t.cmu.RLock()
	defer t.cmu.RUnlock()
	if t.listener == nil {
		return t.Addr
	}
	return t.listener.Addr().String()
}

func (t *WSTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	connID, ok := t.reserve()
	if !ok {
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many gateways", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.release(connID)
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}
	t.cmu.Lock()
	t.conns[connID] = conn
	t.cmu.Unlock()

	go t.handleConnection(connID, conn, r.RemoteAddr)
}

// reserve claims a client slot before the upgrade; the entry stays nil until
// the connection exists.
func (t *WSTransport) reserve() (string, bool) {
	t.cmu.Lock()
	defer t.cmu.Unlock()
	if len(t.conns) >= t.maxClients {
		return "", false
	}
	connID := generateClientId("ws")
	t.conns[connID] = nil
	return connID, true
}

func (t *WSTransport) release(connID string) {
	t.cmu.Lock()
	delete(t.conns, connID)
	t.cmu.Unlock()
}

func (t *WSTransport) handleConnection(connID string, conn *websocket.Conn, remoteAddr string) {
	slog.Info("WebSocket gateway connected", "addr", remoteAddr, "id", connID)

	defer func() {
		t.release(connID)
		conn.Close()
		slog.Info("WebSocket gateway disconnected", "addr", remoteAddr, "id", connID)
	}()

	wmu := &sync.Mutex{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket connection error", "addr", remoteAddr, "error", err)
			}
			return
		}

		var frame gatewayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid JSON frame received", "error", err, "data", string(data))
			continue
		}
		if frame.DeviceID == "" {
			slog.Warn("Frame without device_id", "addr", remoteAddr)
			continue
		}

		slog.Debug("WebSocket frame received", "device", frame.DeviceID, "size", len(frame.FRMPayload), "gateway", connID)
		t.onUplink(Uplink{
			DeviceID:  frame.DeviceID,
			Payload:   frame.FRMPayload,
			Radio:     frame.radio(),
			Transport: "websocket",
			Reply:     NewWSClient(frame.DeviceID, conn, wmu, t),
		})
	}
}

func (t *WSTransport) Shutdown() error {
	slog.Info("Shutting down WebSocket server", "addr", t.Addr)

	t.cmu.Lock()
	srv := t.server
	for _, c := range t.conns {
		if c != nil {
			c.Close()
		}
	}
	t.cmu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (t *WSTransport) OnUplink(fn func(Uplink)) {
	t.onUplink = fn
}

func (t *WSTransport) Meta() TransportMetadata {
	t.cmu.RLock()
	clients := len(t.conns)
	t.cmu.RUnlock()
	return TransportMetadata{
		ID:          "ws-" + t.Addr,
		Name:        t.name,
		Description: t.description,
		Protocol:    "websocket",
		Address:     t.Addr,
		Clients:     clients,
		MaxClients:  t.maxClients,
		Connected:   t.connected.Load(),
	}
}

func (t *WSTransport) SetName(name string) {
	t.name = name
}

func (t *WSTransport) SetMaxClients(n int) {
	t.maxClients = n
}

func (t *WSTransport) SetDescription(description string) {
	t.description = description
}
