package beacon

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// IdentitySize is the length of a truncated station identity on the wire.
const IdentitySize = 16

// Identity is the truncated mesh identity hash of a station.
type Identity [IdentitySize]byte

// ParseIdentity decodes a hex identity hash. Full-length mesh hashes are
// truncated to IdentitySize bytes, shorter ones are zero-padded.
func ParseIdentity(s string) (Identity, error) {
	var id Identity

	s = strings.TrimSpace(s)
	if s == "" {
		return id, fmt.Errorf("empty station identity")
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decoding station identity %q: %w", s, err)
	}

	copy(id[:], raw)
	return id, nil
}

// String returns the full identity as lowercase hex.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 bytes as hex, used in log lines and tables.
func (id Identity) Short() string {
	return hex.EncodeToString(id[:8])
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// MarshalText implements encoding.TextMarshaler.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
