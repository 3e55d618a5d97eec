package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps version history in process memory. It is the default
// backend and the one used by tests.
type MemoryBackend struct {
	mu    sync.Mutex
	names map[string]*memoryHistory
}

type memoryHistory struct {
	mu sync.Mutex

	versions   map[int64]*ConfigVersion
	maxVersion int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		names: make(map[string]*memoryHistory),
	}
}

func (b *MemoryBackend) Close() {
}

// history returns the per-name history, creating it on first use. Each
// history carries its own lock so that appends to different names do not
// serialize each other.
func (b *MemoryBackend) history(name string) *memoryHistory {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, found := b.names[name]
	if !found {
		h = &memoryHistory{
			versions:   make(map[int64]*ConfigVersion),
			maxVersion: -1,
		}

		b.names[name] = h
	}

	return h
}

func (b *MemoryBackend) Append(ctx context.Context, name string, data map[string]interface{}) (*ConfigVersion, error) {
	if name == "" {
		return nil, fmt.Errorf("missing or empty configuration name")
	}

	h := b.history(name)

	h.mu.Lock()
	defer h.mu.Unlock()

	version := &ConfigVersion{
		Name:      name,
		Version:   h.maxVersion + 1,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	h.versions[version.Version] = version
	h.maxVersion = version.Version

	return version, nil
}

func (b *MemoryBackend) Apply(ctx context.Context, version *ConfigVersion) (bool, error) {
	h := b.history(version.Name)

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, found := h.versions[version.Version]; found {
		if !sameData(existing.Data, version.Data) {
			return false, fmt.Errorf("version %d of %q: %w",
				version.Version, version.Name, ErrConflict)
		}

		return false, nil
	}

	h.versions[version.Version] = version

	if version.Version > h.maxVersion {
		h.maxVersion = version.Version
	}

	return true, nil
}

func (b *MemoryBackend) GetLatest(ctx context.Context, name string) (*ConfigVersion, error) {
	h := b.history(name)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxVersion < 0 {
		return nil, fmt.Errorf("configuration %q: %w", name, ErrNotFound)
	}

	return h.versions[h.maxVersion], nil
}

func (b *MemoryBackend) GetVersion(ctx context.Context, name string, version int64) (*ConfigVersion, error) {
	h := b.history(name)

	h.mu.Lock()
	defer h.mu.Unlock()

	v, found := h.versions[version]
	if !found {
		return nil, fmt.Errorf("version %d of %q: %w", version, name,
			ErrNotFound)
	}

	return v, nil
}

func (b *MemoryBackend) ListVersions(ctx context.Context, name string) ([]int64, error) {
	h := b.history(name)

	h.mu.Lock()
	defer h.mu.Unlock()

	versions := make([]int64, 0, len(h.versions))
	for version := range h.versions {
		versions = append(versions, version)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i] < versions[j]
	})

	return versions, nil
}
