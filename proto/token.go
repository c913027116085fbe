package proto

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Token is the 2-byte compact form of a device id used inside rosters and
// command frames. It is the last four hex characters of the id's body, so two
// devices can share a token; see Resolve.
type Token [2]byte

const tokenHexLen = 4

func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// Compact derives the token of a device id such as "eui-617dd6c4ee40e566".
// Ids without a hexadecimal suffix have no token and cannot be addressed by peers.
func Compact(id string) (Token, bool) {
	body := id
	if len(body) >= 4 && strings.EqualFold(body[:4], "eui-") {
		body = body[4:]
	}
	if len(body) < tokenHexLen {
		return Token{}, false
	}
	var t Token
	if _, err := hex.Decode(t[:], []byte(body[len(body)-tokenHexLen:])); err != nil {
		return Token{}, false
	}
	return t, true
}

// ParseToken reads a token from its 4-hex-character form.
func ParseToken(s string) (Token, error) {
	var t Token
	if len(s) != tokenHexLen {
		return t, fmt.Errorf("%w: %q", ErrBadToken, s)
	}
	if _, err := hex.Decode(t[:], []byte(s)); err != nil {
		return t, fmt.Errorf("%w: %q", ErrBadToken, s)
	}
	return t, nil
}

// Resolve returns the first candidate whose token equals t. Candidates are
// scanned in order, so on a collision the earliest one wins.
func Resolve(t Token, candidates []string) (string, bool) {
	for _, id := range candidates {
		if ct, ok := Compact(id); ok && ct == t {
			return id, true
		}
	}
	return "", false
}

// Collisions counts candidates sharing t, used to surface ambiguous lookups.
func Collisions(t Token, candidates []string) int {
	n := 0
	for _, id := range candidates {
		if ct, ok := Compact(id); ok && ct == t {
			n++
		}
	}
	return n
}
