package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// jsonUplink is the structured form sent by JSON-speaking firmware.
type jsonUplink struct {
	Type    string `json:"type"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message,omitempty"`
}

type jsonRoster struct {
	Type    string   `json:"type"`
	Devices []string `json:"devices"`
}

type jsonCommand struct {
	Type    string `json:"type"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

// Decode classifies a raw uplink payload. A payload whose first non-space byte
// is '{' is treated as the JSON form, anything else as a binary frame.
func Decode(b []byte) (Uplink, error) {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return DecodeJSON(b)
	}
	return DecodeBinary(b)
}

// DecodeBinary parses [kind, ...]. COMMAND frames are [0x03, t1, t2, body...],
// ACK frames may append the commander's token as [0x04, s1, s2].
func DecodeBinary(b []byte) (Uplink, error) {
	if len(b) == 0 {
		return Uplink{}, ErrEmptyFrame
	}
	up := Uplink{Kind: Kind(b[0]), Format: FormatBinary, Size: len(b)}
	if !up.Kind.uplink() {
		return Uplink{}, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, b[0])
	}

	switch up.Kind {
	case KindCommand:
		if len(b) < 3 {
			return Uplink{}, fmt.Errorf("%w: %d bytes", ErrShortCommand, len(b))
		}
		up.Target = Token{b[1], b[2]}
		up.HasTarget = true
		if len(b) > 3 {
			up.Body = append([]byte(nil), b[3:]...)
		} else {
			up.Body = []byte{DefaultCommandBody}
		}
	case KindAck:
		if len(b) >= 3 {
			up.Target = Token{b[1], b[2]}
			up.HasTarget = true
		}
	}
	return up, nil
}

// DecodeJSON parses {"type": ..., "target": ..., "message": ...}. The target
// may be a 4-hex-character token or a full device id.
func DecodeJSON(b []byte) (Uplink, error) {
	var msg jsonUplink
	if err := json.Unmarshal(b, &msg); err != nil {
		return Uplink{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	kind, err := ParseKind(msg.Type)
	if err != nil {
		return Uplink{}, err
	}
	up := Uplink{Kind: kind, Format: FormatJSON, Size: len(b)}

	if msg.Target != "" {
		t, err := targetToken(msg.Target)
		if err != nil {
			return Uplink{}, err
		}
		up.Target = t
		up.HasTarget = true
	}

	if kind == KindCommand {
		if !up.HasTarget {
			return Uplink{}, fmt.Errorf("%w: missing target", ErrShortCommand)
		}
		if msg.Message != "" {
			up.Body = []byte(msg.Message)
		} else {
			up.Body = []byte{DefaultCommandBody}
		}
	}
	return up, nil
}

func targetToken(s string) (Token, error) {
	if len(s) == tokenHexLen {
		return ParseToken(s)
	}
	if t, ok := Compact(s); ok {
		return t, nil
	}
	return Token{}, fmt.Errorf("%w: %q", ErrBadToken, s)
}

// EncodeRoster packs peer tokens into a ROSTER downlink no larger than budget.
// Peers that do not fit are dropped from the tail; included reports how many
// made it. A nil frame means not even an empty roster fits.
func EncodeRoster(f Format, peers []Token, budget int) (frame []byte, included int) {
	if f == FormatJSON {
		return encodeJSONRoster(peers, budget)
	}
	if budget < 1 {
		return nil, 0
	}
	included = min(len(peers), (budget-1)/2)
	frame = make([]byte, 0, 1+2*included)
	frame = append(frame, byte(KindRoster))
	for _, p := range peers[:included] {
		frame = append(frame, p[0], p[1])
	}
	return frame, included
}

func encodeJSONRoster(peers []Token, budget int) ([]byte, int) {
	msg := jsonRoster{Type: KindRoster.String(), Devices: []string{}}
	best, err := json.Marshal(msg)
	if err != nil || len(best) > budget {
		return nil, 0
	}
	included := 0
	for _, p := range peers {
		msg.Devices = append(msg.Devices, p.String())
		next, err := json.Marshal(msg)
		if err != nil || len(next) > budget {
			break
		}
		best = next
		included++
	}
	return best, included
}

// EncodeCommand builds the COMMAND downlink relayed to a target. Bodies that
// would overflow budget are cut at the tail; the command is never fragmented.
// from is only carried by the JSON form.
func EncodeCommand(f Format, from Token, body []byte, budget int) []byte {
	if f == FormatJSON {
		return encodeJSONCommand(from, body, budget)
	}
	if budget < 1 {
		return nil
	}
	n := min(len(body), budget-1)
	frame := make([]byte, 0, 1+n)
	frame = append(frame, byte(KindCommand))
	return append(frame, body[:n]...)
}

// encodeJSONCommand carries body as a JSON string. The conversion is lossy for
// bodies from binary devices: bytes that are not valid UTF-8 arrive as U+FFFD.
// ASCII bodies, including the default 0x42 ("B"), pass through unchanged.
func encodeJSONCommand(from Token, body []byte, budget int) []byte {
	msg := jsonCommand{Type: KindCommand.String(), From: from.String(), Message: strings.ToValidUTF8(string(body), "\uFFFD")}
	for {
		out, err := json.Marshal(msg)
		if err != nil {
			return nil
		}
		if len(out) <= budget {
			return out
		}
		if msg.Message == "" {
			return nil
		}
		over := len(out) - budget
		cut := max(len(msg.Message)-over, 0)
		for cut > 0 && !utf8.RuneStart(msg.Message[cut]) {
			cut--
		}
		msg.Message = msg.Message[:cut]
	}
}
