package domain

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
)

// AddressLen is the byte length of a Solana public key.
const AddressLen = 32

// Address is a 32-byte account identity (wallet, PDA or program ID).
// Text form is base58, matching Solana tooling.
type Address [AddressLen]byte

// ParseAddress decodes a base58 address.
func ParseAddress(s string) (Address, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("decode address %q: %w", s, err)
	}
	a, err := AddressFromBytes(raw)
	if err != nil {
		return Address{}, fmt.Errorf("%w (%q)", err, s)
	}
	return a, nil
}

// AddressFromBytes copies b into an Address. b must be 32 bytes.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLen {
		return a, fmt.Errorf("address: want %d bytes, got %d", AddressLen, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// String returns the base58 encoding.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// Bytes returns a copy of the raw key bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressLen)
	copy(b, a[:])
	return b
}

// IsZero reports whether a is the all-zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Compare orders addresses bytewise.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a[:], b[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
