package ledger

import (
	"fmt"
	"regexp"
	"strings"
)

// Address identifies a participant account. Stored lower-cased.
type Address string

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

const zeroAddress = Address("0x0000000000000000000000000000000000000000")

// ParseAddress validates and normalizes an account address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !addressPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	a := Address(strings.ToLower(s))
	if a == zeroAddress {
		return "", fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return a, nil
}

// Valid reports whether a is a well-formed, non-zero address.
func (a Address) Valid() bool {
	return addressPattern.MatchString(string(a)) && !a.Equal(zeroAddress)
}

// Equal compares two addresses ignoring case.
func (a Address) Equal(b Address) bool {
	return strings.EqualFold(string(a), string(b))
}

// Normalize returns the stored, lower-cased form of a.
func (a Address) Normalize() Address {
	return Address(strings.ToLower(string(a)))
}

func (a Address) String() string {
	return string(a)
}

func requireAddress(a Address) error {
	if !a.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, string(a))
	}
	return nil
}
