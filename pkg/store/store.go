// Package store contains the versioned configuration store: an append-only
// mapping from configuration name to an ordered sequence of immutable
// versions, with swappable persistence backends, and the watch hub used to
// fan out committed versions to subscribers.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested name or version does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a version being applied contradicts the
	// document already stored at the same (name, version) pair.
	ErrConflict = errors.New("conflict")
)

// ConfigVersion is an immutable snapshot of a named configuration. Versions
// are numbered contiguously from 0; updates always create a new version.
type ConfigVersion struct {
	Name      string                 `json:"name"`
	Version   int64                  `json:"version"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Backend is the versioned store contract. Append must be atomic per name:
// concurrent appends to the same name never produce duplicate version
// numbers. There is no deletion or mutation operation; history is permanent.
type Backend interface {
	// Append persists data as the next version of name and returns the new
	// record.
	Append(ctx context.Context, name string, data map[string]interface{}) (*ConfigVersion, error)

	// Apply persists a version received from the leader at its exact
	// (name, version) pair and reports whether it was newly stored. It is
	// idempotent; it fails with ErrConflict if a different document is
	// already stored there.
	Apply(ctx context.Context, version *ConfigVersion) (bool, error)

	// GetLatest returns the highest version of name, or ErrNotFound.
	GetLatest(ctx context.Context, name string) (*ConfigVersion, error)

	// GetVersion returns a specific version of name, or ErrNotFound.
	GetVersion(ctx context.Context, name string, version int64) (*ConfigVersion, error)

	// ListVersions returns the version numbers of name in ascending order.
	// An unknown name yields an empty list, not an error.
	ListVersions(ctx context.Context, name string) ([]int64, error)

	Close()
}

// sameData compares two configuration documents by their canonical JSON
// representation.
func sameData(a, b map[string]interface{}) bool {
	aData, err := json.Marshal(a)
	if err != nil {
		return false
	}

	bData, err := json.Marshal(b)
	if err != nil {
		return false
	}

	return bytes.Equal(aData, bData)
}
