// Package zigbee holds the address types shared by the radio, codecs and
// command handlers.
package zigbee

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAddress is returned when an address literal cannot be parsed.
var ErrInvalidAddress = errors.New("invalid address")

// IEEE is a 64-bit extended address, most significant byte first.
type IEEE [8]byte

// Well-known NWK addresses.
const (
	NWKCoordinator   NWK = 0x0000
	NWKBroadcastAll  NWK = 0xFFFF
	NWKBroadcastRxOn NWK = 0xFFFD
	NWKBroadcastZR   NWK = 0xFFFC
)

// NWK is a 16-bit network (short) address.
type NWK uint16

// ParseIEEE accepts "00:12:4b:00:1c:a1:b2:c3", "00124b001ca1b2c3" and the
// same with a 0x prefix.
func ParseIEEE(s string) (IEEE, error) {
	var ieee IEEE
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	clean = strings.NewReplacer(":", "", "-", "").Replace(clean)
	if len(clean) != 16 {
		return ieee, fmt.Errorf("parse ieee %q: %w", s, ErrInvalidAddress)
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return ieee, fmt.Errorf("parse ieee %q: %w", s, ErrInvalidAddress)
	}
	copy(ieee[:], b)
	return ieee, nil
}

// MustParseIEEE is ParseIEEE for literals known to be valid.
func MustParseIEEE(s string) IEEE {
	ieee, err := ParseIEEE(s)
	if err != nil {
		panic(err)
	}
	return ieee
}

// IEEEFromWire converts 8 little-endian wire bytes.
func IEEEFromWire(b []byte) IEEE {
	var ieee IEEE
	if len(b) < 8 {
		return ieee
	}
	for i := 0; i < 8; i++ {
		ieee[i] = b[7-i]
	}
	return ieee
}

// Wire returns the little-endian wire representation.
func (a IEEE) Wire() [8]byte {
	var w [8]byte
	for i := 0; i < 8; i++ {
		w[i] = a[7-i]
	}
	return w
}

// IsZero reports whether the address is all zeros.
func (a IEEE) IsZero() bool {
	return a == IEEE{}
}

func (a IEEE) String() string {
	var sb strings.Builder
	for i, b := range a {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (a IEEE) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *IEEE) UnmarshalText(b []byte) error {
	v, err := ParseIEEE(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (n NWK) String() string {
	return fmt.Sprintf("0x%04X", uint16(n))
}

// ParseNWK parses a short address using integer literal syntax
// ("0x1a2b", "6699", "0b…", "0o…").
func ParseNWK(s string) (NWK, error) {
	v, err := ParseUint(s, 16)
	if err != nil {
		return 0, fmt.Errorf("parse nwk %q: %w", s, err)
	}
	return NWK(v), nil
}

// ParseUint parses an unsigned integer literal with base prefix detection
// and range checking against bitSize.
func ParseUint(s string, bitSize int) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAddress
	}
	v, err := strconv.ParseUint(s, 0, bitSize)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, fmt.Errorf("%s out of range for %d bits", s, bitSize)
		}
		return 0, fmt.Errorf("%s: %w", s, ErrInvalidAddress)
	}
	return v, nil
}

// LooksLikeIEEE reports whether s has the shape of an IEEE literal. It is
// used to tell addresses apart from friendly names.
func LooksLikeIEEE(s string) bool {
	_, err := ParseIEEE(s)
	return err == nil
}
