package proto

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the one-byte message tag that leads every binary frame.
type Kind uint8

const (
	KindKeepalive Kind = 0x01
	KindDiscover  Kind = 0x02
	KindCommand   Kind = 0x03
	KindAck       Kind = 0x04
	KindRoster    Kind = 0x80 // downlink only
)

// FrameBudget is the smallest downlink frame the deployment supports (SF7/SF8 at 125kHz).
const FrameBudget = 51

// DefaultCommandBody is relayed when a binary COMMAND names a target but carries no body.
const DefaultCommandBody = 0x42

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrUnknownKind   = errors.New("unknown message kind")
	ErrShortCommand  = errors.New("command frame too short")
	ErrBadToken      = errors.New("invalid compact token")
	ErrMalformedJSON = errors.New("malformed json payload")
)

func (k Kind) String() string {
	switch k {
	case KindKeepalive:
		return "KEEPALIVE"
	case KindDiscover:
		return "DISCOVER"
	case KindCommand:
		return "COMMAND"
	case KindAck:
		return "ACK"
	case KindRoster:
		return "ROSTER"
	default:
		return fmt.Sprintf("0x%02x", uint8(k))
	}
}

// ParseKind accepts the upper or lower case name used by the JSON form.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "KEEPALIVE":
		return KindKeepalive, nil
	case "DISCOVER":
		return KindDiscover, nil
	case "COMMAND":
		return KindCommand, nil
	case "ACK":
		return KindAck, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) uplink() bool {
	return k >= KindKeepalive && k <= KindAck
}

// Format records how a device encodes its frames so replies can match it.
type Format uint8

const (
	FormatBinary Format = iota
	FormatJSON
)

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "binary"
}

// Radio carries optional link-quality metadata reported by the gateway.
// It is used for diagnostics only.
type Radio struct {
	RSSI            int     `json:"rssi"`
	SNR             float64 `json:"snr"`
	SpreadingFactor int     `json:"spreading_factor,omitempty"`
}

// Uplink is a decoded inbound frame.
type Uplink struct {
	Kind   Kind
	Format Format

	// COMMAND: compact reference to the target device.
	// ACK: optional compact reference to the original commander.
	Target    Token
	HasTarget bool

	Body []byte // COMMAND body relayed to the target
	Size int    // encoded size on the wire
}

// mDNS service types for the relay's gateway listeners.
const (
	ServiceTCP       = "_lorarelay-tcp._tcp"
	ServiceWebSocket = "_lorarelay-ws._tcp"
)
