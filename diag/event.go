// Package diag carries the relay's diagnostic events: one per inbound message,
// one per outbound send, plus housekeeping events such as expiries.
package diag

import (
	"sync"
	"time"

	"github.com/mbocsi/lorarelay/proto"
)

type Direction string

const (
	Uplink   Direction = "uplink"
	Downlink Direction = "downlink"
	Internal Direction = "internal"
)

// Event kinds that are not protocol message kinds.
const (
	KindMalformed = "MALFORMED"
	KindExpire    = "EXPIRE"
)

// Session kinds carried by round-trip events.
const (
	SessionDiscovery = "discovery"
	SessionCommand   = "command"
)

// Event is a single diagnostic record. Zero values mean "not applicable".
type Event struct {
	Time        time.Time     `json:"timestamp"`
	Direction   Direction     `json:"direction"`
	Kind        string        `json:"kind"`
	Source      string        `json:"source,omitempty"`
	Target      string        `json:"target,omitempty"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Radio       *proto.Radio  `json:"radio,omitempty"`
	RoundTrip   time.Duration `json:"rtt_ns,omitempty"`
	HasRTT      bool          `json:"has_rtt,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	SessionKind string        `json:"session_kind,omitempty"`
	PayloadSize int           `json:"payload_size"`
	Transport   string        `json:"transport,omitempty"`
}

// Sink receives diagnostic events. Emit must not block for long; it is called
// from the message path.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Fanout delivers each event to every registered sink in order.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) Emit(e Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.Emit(e)
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
