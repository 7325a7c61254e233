package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns "<prefix>_<uuidv7>" so ids sort by creation time.
func NewID(prefix string) string {
	id := uuid.Must(uuid.NewV7()).String()
	return prefix + "_" + strings.ReplaceAll(id, "-", "")
}
