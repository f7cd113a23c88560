package documents

import "github.com/google/uuid"

// IDProvider issues identifiers for documents and revisions.
type IDProvider func() (string, error)

// UUIDv7 is the default IDProvider.
func UUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
