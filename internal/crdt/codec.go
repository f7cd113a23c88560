package crdt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPayload indicates a payload that is not valid base64 or not a decodable CRDT structure.
	ErrInvalidPayload = errors.New("crdt: invalid payload")
	// ErrCorruptLog indicates stored log bytes that cannot be loaded.
	ErrCorruptLog = errors.New("crdt: corrupt log")
)

// Encode converts binary CRDT data into its text-safe transport form.
func Encode(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

// Decode reverses Encode. Surrounding whitespace is ignored.
func Decode(encoded string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return decoded, nil
}
