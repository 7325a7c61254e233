// Package storage picks the object store that holds scenes and frames.
package storage

import "framefarm/internal/ports"

// Provider is ports.StorageProvider under a shorter name for call sites.
type Provider = ports.StorageProvider
