// Package coordinator is the public-facing orchestration unit of the
// cluster: it accepts propose and apply requests, consults the consensus
// node to decide whether this process may commit, writes to the versioned
// store and notifies the watch hub.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aetherlabs/aether/pkg/consensus"
	"github.com/aetherlabs/aether/pkg/store"
)

// ErrNotLeader is returned when a propose is attempted on a node which is
// not the current leader. The caller should retry against the leader; the
// coordinator does not forward requests.
var ErrNotLeader = errors.New("node is not the leader")

type CoordinatorCfg struct {
	Node    *consensus.Node
	Backend store.Backend
	Hub     *store.WatchHub

	Logger consensus.Logger
}

type Coordinator struct {
	Cfg CoordinatorCfg
	Log consensus.Logger

	node    *consensus.Node
	backend store.Backend
	hub     *store.WatchHub

	// Serializes the append-and-publish sequence per name so that watchers
	// observe versions in commit order.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCoordinator(cfg CoordinatorCfg) (*Coordinator, error) {
	if cfg.Node == nil {
		return nil, fmt.Errorf("missing consensus node")
	}

	if cfg.Backend == nil {
		return nil, fmt.Errorf("missing storage backend")
	}

	if cfg.Hub == nil {
		return nil, fmt.Errorf("missing watch hub")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	c := &Coordinator{
		Cfg: cfg,
		Log: cfg.Logger,

		node:    cfg.Node,
		backend: cfg.Backend,
		hub:     cfg.Hub,

		locks: make(map[string]*sync.Mutex),
	}

	return c, nil
}

func (c *Coordinator) nameLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, found := c.locks[name]
	if !found {
		lock = &sync.Mutex{}
		c.locks[name] = lock
	}

	return lock
}

// Propose commits a new version of a configuration. It fails with
// ErrNotLeader unless the local consensus node currently holds leadership.
// The version is acknowledged once stored locally; it is then handed to the
// consensus node for best-effort replication to followers.
func (c *Coordinator) Propose(ctx context.Context, name string, data map[string]interface{}) (*store.ConfigVersion, error) {
	if !c.node.IsLeader() {
		return nil, fmt.Errorf("cannot propose %q: %w", name, ErrNotLeader)
	}

	lock := c.nameLock(name)
	lock.Lock()

	version, err := c.backend.Append(ctx, name, data)
	if err != nil {
		lock.Unlock()

		return nil, fmt.Errorf("cannot append version: %w", err)
	}

	c.hub.Publish(version)

	lock.Unlock()

	c.Log.Debug(1, "committed version %d of %q", version.Version, name)

	if entry, err := json.Marshal(version); err == nil {
		c.node.Replicate(entry)
	} else {
		c.Log.Error("cannot encode version %d of %q: %v",
			version.Version, name, err)
	}

	return version, nil
}

// Apply idempotently persists a version received from the leader and
// notifies watchers if it was not already known. It fails with
// store.ErrConflict when a different document already exists at the same
// (name, version) pair.
func (c *Coordinator) Apply(ctx context.Context, version *store.ConfigVersion) error {
	lock := c.nameLock(version.Name)
	lock.Lock()
	defer lock.Unlock()

	applied, err := c.backend.Apply(ctx, version)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.Log.Error("cannot apply version %d of %q: %v",
				version.Version, version.Name, err)
		}

		return err
	}

	if applied {
		c.hub.Publish(version)

		c.Log.Debug(1, "applied version %d of %q", version.Version,
			version.Name)
	}

	return nil
}

// ApplyEntry decodes a replicate entry received from the leader and applies
// it. It is meant to be wired as the consensus node apply hook.
func (c *Coordinator) ApplyEntry(entry []byte) error {
	var version store.ConfigVersion

	if err := json.Unmarshal(entry, &version); err != nil {
		return fmt.Errorf("cannot decode entry: %w", err)
	}

	return c.Apply(context.Background(), &version)
}

// Latest returns the latest version of a configuration.
func (c *Coordinator) Latest(ctx context.Context, name string) (*store.ConfigVersion, error) {
	return c.backend.GetLatest(ctx, name)
}

// Get returns a specific version of a configuration.
func (c *Coordinator) Get(ctx context.Context, name string, version int64) (*store.ConfigVersion, error) {
	return c.backend.GetVersion(ctx, name, version)
}

// ListVersions returns the version numbers of a configuration in ascending
// order.
func (c *Coordinator) ListVersions(ctx context.Context, name string) ([]int64, error) {
	return c.backend.ListVersions(ctx, name)
}

// Watch subscribes to versions committed for a configuration from this
// point forward.
func (c *Coordinator) Watch(name string) *store.Subscription {
	return c.hub.Subscribe(name)
}

// Status reports the consensus state of the local node.
func (c *Coordinator) Status() consensus.NodeStatus {
	return c.node.Status()
}
