package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a random identifier such as "sub-6f0c...". An empty prefix
// yields a bare UUID.
func New(prefix string) string {
	id := uuid.New().String()
	if prefix == "" {
		return id
	}
	return fmt.Sprintf("%s-%s", prefix, id)
}

// Valid reports whether id is a bare UUID.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
