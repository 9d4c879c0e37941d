package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var ErrHashKeyTooLong = errors.New("identifier hash key longer than 64 bytes")

// Hasher turns raw anonymous identifiers (IP addresses, fallback tokens) into
// the opaque keys that are stored. Raw identifiers never reach storage.
type Hasher struct {
	key []byte
}

func NewHasher(key string) (*Hasher, error) {
	if len(key) > blake2b.Size {
		return nil, ErrHashKeyTooLong
	}
	return &Hasher{key: []byte(key)}, nil
}

// HashIdentifier returns the keyed BLAKE2b-256 digest of identifier as hex.
func (h *Hasher) HashIdentifier(identifier string) (string, error) {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		return "", fmt.Errorf("hash identifier: %w", err)
	}
	mac.Write([]byte(identifier))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
