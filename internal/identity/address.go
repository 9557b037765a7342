package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrInvalidAddress indicates the input is not a well-formed account address.
var ErrInvalidAddress = errors.New("identity: invalid address")

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Address is a validated account address in canonical lowercase form.
type Address string

// NewAddress validates raw input and returns the canonical lowercase form.
func NewAddress(rawInput string) (Address, error) {
	trimmed := strings.TrimSpace(rawInput)
	if !addressPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, rawInput)
	}
	return Address(strings.ToLower(trimmed)), nil
}

// String returns the canonical lowercase address.
func (a Address) String() string {
	return string(a)
}

// Short renders the address in abbreviated 0x1234…abcd form.
func (a Address) Short() string {
	value := string(a)
	if len(value) < 10 {
		return value
	}
	return value[:6] + "..." + value[len(value)-4:]
}

// Checksum renders the address with EIP-55 mixed-case checksum casing.
func (a Address) Checksum() string {
	stripped := strings.TrimPrefix(string(a), "0x")
	digest := keccak256([]byte(stripped))
	digestHex := hex.EncodeToString(digest)

	var builder strings.Builder
	builder.WriteString("0x")
	for i, character := range stripped {
		if character >= 'a' && character <= 'f' && digestHex[i] >= '8' {
			builder.WriteByte(byte(character) - ('a' - 'A'))
			continue
		}
		builder.WriteByte(byte(character))
	}
	return builder.String()
}

// IsValidAddress reports whether raw input parses as an account address.
func IsValidAddress(rawInput string) bool {
	_, err := NewAddress(rawInput)
	return err == nil
}

func keccak256(data []byte) []byte {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)
	return hasher.Sum(nil)
}
