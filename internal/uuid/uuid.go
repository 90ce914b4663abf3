// Package uuid provides id generation for queue entries, idempotency keys and
// locally created entities.
package uuid

import (
	"strings"

	"github.com/google/uuid"
)

// TempPrefix marks ids assigned locally before the server has acknowledged
// the entity.
const TempPrefix = "temp_"

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTemp generates a temporary entity id ("temp_<uuid>").
func NewTemp() string {
	return TempPrefix + uuid.New().String()
}

// IsTemp reports whether id was assigned locally and never replaced.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}
