package models

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultWorkerPrefix is used when no prefix is configured.
const DefaultWorkerPrefix = "worker"

// NewWorkerID returns a fresh worker identifier such as "worker-3f9a1c2e".
func NewWorkerID(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultWorkerPrefix
	}
	return prefix + "-" + uuid.New().String()[:8]
}
