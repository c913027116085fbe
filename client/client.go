package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mbocsi/lorarelay/proto"
)

// Gateway multiplexes simulated end devices over one gateway connection and
// routes each downlink to the device it is addressed to.
type Gateway struct {
	transport Transport
	Connected bool

	RSSI int
	SNR  float64
	SF   int

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func NewGateway(t Transport) *Gateway {
	return &Gateway{
		transport: t,
		RSSI:      -90,
		SNR:       7.5,
		SF:        7,
		endpoints: make(map[string]*Endpoint),
	}
}

func (g *Gateway) Connect(addr string) error {
	if err := g.transport.Connect(addr); err != nil {
		return err
	}
	g.Connected = true
	slog.Info("Connected to relay", "addr", addr)
	return nil
}

// Attach adds a simulated device speaking format.
func (g *Gateway) Attach(id string, format proto.Format) (*Endpoint, error) {
	tok, ok := proto.Compact(id)
	if !ok {
		return nil, fmt.Errorf("device id %q has no compact token", id)
	}
	e := &Endpoint{
		ID:        id,
		Format:    format,
		token:     tok,
		gw:        g,
		downlinks: make(chan proto.Downlink, 8),
	}
	g.mu.Lock()
	g.endpoints[id] = e
	g.mu.Unlock()
	return e, nil
}

// Run reads downlinks until ctx is cancelled or the connection drops.
func (g *Gateway) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		g.transport.Close()
	}()

	for {
		f, err := g.transport.Read()
		if err != nil {
			g.Connected = false
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		g.mu.RLock()
		e, ok := g.endpoints[f.DeviceID]
		g.mu.RUnlock()
		if !ok {
			slog.Warn("Downlink for unknown device", "device", f.DeviceID)
			continue
		}

		d, err := proto.DecodeDownlink(f.FRMPayload)
		if err != nil {
			slog.Warn("Undecodable downlink", "device", f.DeviceID, "error", err)
			continue
		}
		select {
		case e.downlinks <- d:
		default:
			slog.Warn("Endpoint not keeping up, dropping downlink", "device", f.DeviceID, "kind", d.Kind.String())
		}
	}
}

func (g *Gateway) Close() error {
	return g.transport.Close()
}

func (g *Gateway) send(id string, payload []byte) error {
	rssi := g.RSSI
	return g.transport.Send(Frame{DeviceID: id, FRMPayload: payload, RSSI: &rssi, SNR: g.SNR, SF: g.SF})
}

// Endpoint is one simulated end device.
type Endpoint struct {
	ID     string
	Format proto.Format

	token     proto.Token
	gw        *Gateway
	downlinks chan proto.Downlink

	mu    sync.Mutex
	peers []proto.Token
	stats EndpointStats
}

type EndpointStats struct {
	Uplinks  int `json:"uplinks"`
	Rosters  int `json:"rosters"`
	Commands int `json:"commands"`
	Acks     int `json:"acks"`
}

func (e *Endpoint) Token() proto.Token {
	return e.token
}

func (e *Endpoint) send(up proto.Uplink) error {
	b, err := proto.EncodeUplink(e.Format, up)
	if err != nil {
		return err
	}
	if err := e.gw.send(e.ID, b); err != nil {
		return err
	}
	e.mu.Lock()
	e.stats.Uplinks++
	if up.Kind == proto.KindAck {
		e.stats.Acks++
	}
	e.mu.Unlock()
	slog.Debug("Uplink sent", "device", e.ID, "kind", up.Kind.String(), "size", len(b))
	return nil
}

func (e *Endpoint) Keepalive() error {
	return e.send(proto.Uplink{Kind: proto.KindKeepalive})
}

func (e *Endpoint) Discover() error {
	return e.send(proto.Uplink{Kind: proto.KindDiscover})
}

func (e *Endpoint) Command(target proto.Token, body []byte) error {
	return e.send(proto.Uplink{Kind: proto.KindCommand, Target: target, HasTarget: true, Body: body})
}

// Ack acknowledges a command, naming the commander when it is known.
func (e *Endpoint) Ack(from *proto.Token) error {
	up := proto.Uplink{Kind: proto.KindAck}
	if from != nil {
		up.Target, up.HasTarget = *from, true
	}
	return e.send(up)
}

// Await returns the next downlink, or an error once ctx is done.
func (e *Endpoint) Await(ctx context.Context) (proto.Downlink, error) {
	select {
	case d := <-e.downlinks:
		e.record(d)
		return d, nil
	case <-ctx.Done():
		return proto.Downlink{}, ctx.Err()
	}
}

func (e *Endpoint) record(d proto.Downlink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch d.Kind {
	case proto.KindRoster:
		e.peers = append([]proto.Token(nil), d.Peers...)
		e.stats.Rosters++
	case proto.KindCommand:
		e.stats.Commands++
	}
}

// Peers is the last roster received.
func (e *Endpoint) Peers() []proto.Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]proto.Token(nil), e.peers...)
}

func (e *Endpoint) Stats() EndpointStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Behavior drives Endpoint.Run.
type Behavior struct {
	Interval           time.Duration
	DiscoverEvery      int     // rediscover every n cycles, 0 only at start
	CommandProbability float64 // chance per cycle to command a random peer
	Body               []byte
	Rand               *rand.Rand
}

// Run cycles the device until ctx is done: it discovers, keeps alive,
// sometimes commands a random peer from its roster, and acknowledges every
// command it receives straight away.
func (e *Endpoint) Run(ctx context.Context, b Behavior) error {
	if b.Interval <= 0 {
		return errors.New("behavior interval must be positive")
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	if err := e.Discover(); err != nil {
		return err
	}

	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case d := <-e.downlinks:
			e.record(d)
			if d.Kind != proto.KindCommand {
				slog.Info("Roster received", "device", e.ID, "peers", len(d.Peers))
				continue
			}
			slog.Info("Command received", "device", e.ID, "body", fmt.Sprintf("%x", d.Body))
			var from *proto.Token
			if d.HasFrom {
				from = &d.From
			}
			if err := e.Ack(from); err != nil {
				return err
			}

		case <-ticker.C:
			cycle++
			var err error
			peers := e.Peers()
			switch {
			case b.DiscoverEvery > 0 && cycle%b.DiscoverEvery == 0:
				err = e.Discover()
			case len(peers) > 0 && rnd.Float64() < b.CommandProbability:
				target := peers[rnd.IntN(len(peers))]
				slog.Info("Commanding peer", "device", e.ID, "target", target.String())
				err = e.Command(target, b.Body)
			default:
				err = e.Keepalive()
			}
			if err != nil {
				return err
			}
		}
	}
}
