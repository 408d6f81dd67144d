// Package mask implements the reversible credential obfuscation used on
// login-related frame bodies. The key is derived from the connection
// identifier, so both peers can apply it without any exchange. This is
// casual-inspection avoidance, not cryptography; passwords are separately
// hashed before storage.
package mask

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the number of connection-identifier bytes used as the XOR key.
const KeySize = 4

var ErrShortKey = errors.New("mask: connection identifier shorter than key size")

func keyFrom(connID string) ([]byte, error) {
	if len(connID) < KeySize {
		return nil, ErrShortKey
	}
	return []byte(connID[:KeySize]), nil
}

func xor(data, key []byte) {
	for i := range data {
		data[i] ^= key[i&3]
	}
}

// Mask XORs the payload with the first 4 bytes of connID and base64-encodes
// the result for transport.
func Mask(payload, connID string) (string, error) {
	key, err := keyFrom(connID)
	if err != nil {
		return "", err
	}
	buf := []byte(payload)
	xor(buf, key)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Unmask reverses Mask.
func Unmask(encoded, connID string) (string, error) {
	key, err := keyFrom(connID)
	if err != nil {
		return "", err
	}
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("mask: invalid base64 payload: %w", err)
	}
	xor(buf, key)
	return string(buf), nil
}
