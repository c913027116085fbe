package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// TCPTransport accepts gateways (or endpoint emulators) speaking newline
// delimited JSON. One connection may carry frames for many devices; replies
// go back on the connection that delivered the uplink.
type TCPTransport struct {
	Addr     string
	listener net.Listener
	onUplink func(Uplink)

	name        string
	description string
	conns       map[string]net.Conn
	cmu         sync.RWMutex

	maxClients int
	connected  atomic.Bool
	closing    atomic.Bool
	ready      chan struct{}
	readyOnce  sync.Once
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		Addr:       addr,
		maxClients: 16,
		conns:      make(map[string]net.Conn),
		ready:      make(chan struct{}),
	}
}

func (t *TCPTransport) Start() error {
	slog.Info("Starting tcp server", "addr", t.Addr)

	if t.onUplink == nil {
		return fmt.Errorf("the OnUplink function is not defined, this transport is likely being called outside of the coordinator")
	}

	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return err
	}
	t.cmu.Lock()
	t.listener = l
	t.cmu.Unlock()
	t.connected.Store(true)
	t.readyOnce.Do(func() { close(t.ready) })
	defer func() {
		l.Close()
		t.connected.Store(false)
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if t.closing.Load() {
				return nil
			}
			return err
		}

		connID, ok := t.admit(conn)
		if !ok {
			slog.Warn("Max clients reached, rejecting connection", "remote_addr", conn.RemoteAddr())
			conn.Close()
			continue
		}

		go t.handleConnection(connID, conn)
	}
}

// admit registers c unless the transport is full. The check and the insert
// share one lock so a burst of accepts cannot overshoot maxClients.
func (t *TCPTransport) admit(c net.Conn) (string, bool) {
	t.cmu.Lock()
	defer t.cmu.Unlock()
	if len(t.conns) >= t.maxClients {
		return "", false
	}
	connID := generateClientId("tcp")
	t.conns[connID] = c
	return connID, true
}

// Ready is closed once the listener is bound.
func (t *TCPTransport) Ready() <-chan struct{} {
	return t.ready
}

// ListenAddr is the bound address, useful when Addr uses port 0.
func (t *TCPTransport) ListenAddr() string {
	t.cmu.RLock()
	defer t.cmu.RUnlock()
	if t.listener == nil {
		return t.Addr
	}
	return t.listener.Addr().String()
}

func (t *TCPTransport) handleConnection(connID string, c net.Conn) {
	addr := c.RemoteAddr().String()
	slog.Info("Gateway connected", "addr", addr, "id", connID)

	defer func() {
		t.cmu.Lock()
		delete(t.conns, connID)
		t.cmu.Unlock()
		c.Close()
		slog.Info("Gateway disconnected", "addr", addr, "id", connID)
	}()

	wmu := &sync.Mutex{}
	reader := bufio.NewScanner(c)
	for reader.Scan() {
		line := reader.Bytes()
		var frame gatewayFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			slog.Warn("Invalid JSON frame received", "error", err, "data", string(line))
			continue
		}
		if frame.DeviceID == "" {
			slog.Warn("Frame without device_id", "addr", addr)
			continue
		}

		slog.Debug("Frame received", "device", frame.DeviceID, "size", len(frame.FRMPayload), "gateway", connID)
		t.onUplink(Uplink{
			DeviceID:  frame.DeviceID,
			Payload:   frame.FRMPayload,
			Radio:     frame.radio(),
			Transport: "tcp",
			Reply:     NewTCPClient(frame.DeviceID, c, wmu, t),
		})
	}

	if err := reader.Err(); err != nil && !t.closing.Load() {
		slog.Warn("Connection error", "addr", addr, "error", err)
	}
}

func (t *TCPTransport) Shutdown() error {
	slog.Info("Shutting down tcp server", "addr", t.Addr)
	t.closing.Store(true)

	t.cmu.Lock()
	defer t.cmu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func (t *TCPTransport) OnUplink(fn func(Uplink)) {
	t.onUplink = fn
}

func (t *TCPTransport) Meta() TransportMetadata {
	t.cmu.RLock()
	clients := len(t.conns)
	t.cmu.RUnlock()
	return TransportMetadata{
		ID:          "tcp-" + t.Addr,
		Name:        t.name,
		Description: t.description,
		Protocol:    "tcp",
		Address:     t.Addr,
		Clients:     clients,
		MaxClients:  t.maxClients,
		Connected:   t.connected.Load(),
	}
}

func (t *TCPTransport) SetName(name string) {
	t.name = name
}

func (t *TCPTransport) SetMaxClients(n int) {
	t.maxClients = n
}

func (t *TCPTransport) SetDescription(description string) {
	t.description = description
}
