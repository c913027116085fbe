package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownDownlink = errors.New("unknown downlink")

// Downlink is a decoded reply as seen by an end device.
type Downlink struct {
	Kind   Kind
	Format Format

	Peers []Token // ROSTER

	From    Token // COMMAND, JSON form only
	HasFrom bool
	Body    []byte // COMMAND
}

// DecodeDownlink parses a ROSTER or COMMAND reply in either encoding.
func DecodeDownlink(b []byte) (Downlink, error) {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return decodeJSONDownlink(trimmed)
	}
	if len(b) == 0 {
		return Downlink{}, ErrEmptyFrame
	}

	d := Downlink{Kind: Kind(b[0]), Format: FormatBinary}
	switch d.Kind {
	case KindRoster:
		if len(b)%2 != 1 {
			return Downlink{}, fmt.Errorf("%w: roster of %d bytes", ErrUnknownDownlink, len(b))
		}
		for i := 1; i+1 < len(b); i += 2 {
			d.Peers = append(d.Peers, Token{b[i], b[i+1]})
		}
	case KindCommand:
		d.Body = append([]byte(nil), b[1:]...)
	default:
		return Downlink{}, fmt.Errorf("%w: 0x%02x", ErrUnknownDownlink, b[0])
	}
	return d, nil
}

func decodeJSONDownlink(b []byte) (Downlink, error) {
	var msg struct {
		Type    string   `json:"type"`
		Devices []string `json:"devices"`
		From    string   `json:"from"`
		Message string   `json:"message"`
	}
	if err := json.Unmarshal(b, &msg); err != nil {
		return Downlink{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	d := Downlink{Format: FormatJSON}
	switch msg.Type {
	case KindRoster.String():
		d.Kind = KindRoster
		for _, s := range msg.Devices {
			t, err := ParseToken(s)
			if err != nil {
				return Downlink{}, err
			}
			d.Peers = append(d.Peers, t)
		}
	case KindCommand.String():
		d.Kind = KindCommand
		d.Body = []byte(msg.Message)
		if msg.From != "" {
			t, err := ParseToken(msg.From)
			if err != nil {
				return Downlink{}, err
			}
			d.From, d.HasFrom = t, true
		}
	default:
		return Downlink{}, fmt.Errorf("%w: %q", ErrUnknownDownlink, msg.Type)
	}
	return d, nil
}

// EncodeUplink is the device-side encoder, the inverse of Decode.
func EncodeUplink(f Format, up Uplink) ([]byte, error) {
	if !up.Kind.uplink() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, byte(up.Kind))
	}
	if up.Kind == KindCommand && !up.HasTarget {
		return nil, fmt.Errorf("%w: missing target", ErrShortCommand)
	}

	if f == FormatJSON {
		msg := jsonUplink{Type: up.Kind.String(), Message: string(up.Body)}
		if up.HasTarget {
			msg.Target = up.Target.String()
		}
		return json.Marshal(msg)
	}

	frame := []byte{byte(up.Kind)}
	if up.HasTarget && (up.Kind == KindCommand || up.Kind == KindAck) {
		frame = append(frame, up.Target[0], up.Target[1])
	}
	if up.Kind == KindCommand {
		frame = append(frame, up.Body...)
	}
	return frame, nil
}
