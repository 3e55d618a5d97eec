package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherlabs/aether/pkg/consensus"
	"github.com/aetherlabs/aether/pkg/store"
)

type testLogger struct {
	t      *testing.T
	prefix string
}

func (l *testLogger) Debug(level int, format string, args ...interface{}) {
	l.t.Logf("["+l.prefix+"] "+format, args...)
}

func (l *testLogger) Info(format string, args ...interface{}) {
	l.t.Logf("["+l.prefix+"] "+format, args...)
}

func (l *testLogger) Error(format string, args ...interface{}) {
	l.t.Logf("["+l.prefix+"] error: "+format, args...)
}

type testNetwork struct {
	mu    sync.Mutex
	nodes map[consensus.NodeAddress]*consensus.Node
}

func (tn *testNetwork) register(n *consensus.Node) {
	tn.mu.Lock()
	tn.nodes[n.PublicAddress] = n
	tn.mu.Unlock()
}

func (tn *testNetwork) lookup(address consensus.NodeAddress) *consensus.Node {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	return tn.nodes[address]
}

type testTransport struct {
	network *testNetwork
	id      consensus.NodeId
}

func (t *testTransport) SendVoteRequest(ctx context.Context, peer consensus.NodeData, req *consensus.VoteRequest) (*consensus.VoteResponse, error) {
	target := t.network.lookup(peer.PublicAddress)
	if target == nil {
		return nil, errors.New("peer unreachable")
	}

	return target.HandleVoteRequest(ctx, t.id, req)
}

func (t *testTransport) SendHeartbeat(ctx context.Context, peer consensus.NodeData, hb *consensus.Heartbeat) (*consensus.HeartbeatResponse, error) {
	target := t.network.lookup(peer.PublicAddress)
	if target == nil {
		return nil, errors.New("peer unreachable")
	}

	return target.HandleHeartbeat(ctx, t.id, hb)
}

type testMember struct {
	node        *consensus.Node
	backend     store.Backend
	hub         *store.WatchHub
	coordinator *Coordinator
}

// startTestMembers runs one consensus node plus coordinator per identifier,
// all connected through an in-process transport. With a single identifier
// the node elects itself; electable=false keeps every node follower.
func startTestMembers(t *testing.T, electable bool, ids ...consensus.NodeId) map[consensus.NodeId]*testMember {
	nodeSet := make(consensus.NodeSet)
	for _, id := range ids {
		nodeSet[id] = consensus.NodeData{
			LocalAddress:  consensus.NodeAddress(id),
			PublicAddress: consensus.NodeAddress(id),
		}
	}

	network := &testNetwork{
		nodes: make(map[consensus.NodeAddress]*consensus.Node),
	}

	members := make(map[consensus.NodeId]*testMember)

	for _, id := range ids {
		member := &testMember{
			backend: store.NewMemoryBackend(),
			hub:     store.NewWatchHub(),
		}

		cfg := consensus.NodeCfg{
			Id:    id,
			Nodes: nodeSet,

			DataDirectory: t.TempDir(),

			Logger: &testLogger{t: t, prefix: string(id)},

			Transport: &testTransport{network: network, id: id},

			MinElectionTimeout: 50 * time.Millisecond,
			MaxElectionTimeout: 150 * time.Millisecond,

			HeartbeatInterval: 20 * time.Millisecond,

			RPCTimeout: 20 * time.Millisecond,

			ApplyEntryFunc: func(entry []byte) error {
				return member.coordinator.ApplyEntry(entry)
			},
		}

		if !electable {
			cfg.MinElectionTimeout = time.Minute
			cfg.MaxElectionTimeout = 2 * time.Minute
		}

		node, err := consensus.NewNode(cfg)
		require.NoError(t, err)

		member.node = node

		c, err := NewCoordinator(CoordinatorCfg{
			Node:    node,
			Backend: member.backend,
			Hub:     member.hub,

			Logger: &testLogger{t: t, prefix: string(id) + "/coordinator"},
		})
		require.NoError(t, err)

		member.coordinator = c

		network.register(node)
		members[id] = member
	}

	errorChan := make(chan error, len(ids))

	for _, id := range ids {
		require.NoError(t, members[id].node.Start(errorChan))
		t.Cleanup(members[id].node.Stop)
	}

	return members
}

func waitForLeader(t *testing.T, members map[consensus.NodeId]*testMember) *testMember {
	var leader *testMember

	require.Eventually(t, func() bool {
		leader = nil

		for _, member := range members {
			if member.node.IsLeader() {
				if leader != nil {
					return false
				}

				leader = member
			}
		}

		return leader != nil
	}, 5*time.Second, 10*time.Millisecond, "no single leader elected")

	return leader
}

func receiveVersion(t *testing.T, sub *store.Subscription) *store.ConfigVersion {
	select {
	case v := <-sub.Versions():
		return v
	case <-time.After(time.Second):
		t.Fatal("no version received")
		return nil
	}
}

func TestCoordinatorProposeNotLeader(t *testing.T) {
	members := startTestMembers(t, false, "n1")
	member := members["n1"]

	ctx := context.Background()

	_, err := member.coordinator.Propose(ctx, "db",
		map[string]interface{}{"host": "a"})
	require.ErrorIs(t, err, ErrNotLeader)

	// The store must not have been touched
	versions, err := member.coordinator.ListVersions(ctx, "db")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestCoordinatorProposeCommitsAndNotifies(t *testing.T) {
	members := startTestMembers(t, true, "n1")
	leader := waitForLeader(t, members)

	ctx := context.Background()

	sub := leader.coordinator.Watch("db")
	defer sub.Close()

	v1, err := leader.coordinator.Propose(ctx, "db",
		map[string]interface{}{"host": "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), v1.Version)

	v2, err := leader.coordinator.Propose(ctx, "db",
		map[string]interface{}{"host": "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v2.Version)

	versions, err := leader.coordinator.ListVersions(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, versions)

	latest, err := leader.coordinator.Latest(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"host": "b"}, latest.Data)

	// Watchers see both versions in commit order
	assert.Equal(t, int64(0), receiveVersion(t, sub).Version)
	assert.Equal(t, int64(1), receiveVersion(t, sub).Version)
}

func TestCoordinatorGetNotFound(t *testing.T) {
	members := startTestMembers(t, false, "n1")
	member := members["n1"]

	ctx := context.Background()

	_, err := member.coordinator.Latest(ctx, "unknown")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = member.coordinator.Get(ctx, "unknown", 3)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCoordinatorApply(t *testing.T) {
	members := startTestMembers(t, false, "n1")
	member := members["n1"]

	ctx := context.Background()

	sub := member.coordinator.Watch("db")
	defer sub.Close()

	version := &store.ConfigVersion{
		Name:    "db",
		Version: 2,
		Data:    map[string]interface{}{"host": "a"},
	}

	require.NoError(t, member.coordinator.Apply(ctx, version))
	assert.Equal(t, int64(2), receiveVersion(t, sub).Version)

	// Applying the same version again is a no-op and does not re-notify
	require.NoError(t, member.coordinator.Apply(ctx, version))

	select {
	case v := <-sub.Versions():
		t.Fatalf("unexpected version %v", v)
	case <-time.After(50 * time.Millisecond):
	}

	// A divergent document at the same pair is a conflict
	conflicting := &store.ConfigVersion{
		Name:    "db",
		Version: 2,
		Data:    map[string]interface{}{"host": "b"},
	}

	err := member.coordinator.Apply(ctx, conflicting)
	require.ErrorIs(t, err, store.ErrConflict)

	stored, err := member.coordinator.Get(ctx, "db", 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"host": "a"}, stored.Data)
}

func TestCoordinatorReplicatesToFollower(t *testing.T) {
	members := startTestMembers(t, true, "n1", "n2")
	leader := waitForLeader(t, members)

	var follower *testMember
	for _, member := range members {
		if member != leader {
			follower = member
		}
	}

	ctx := context.Background()

	followerSub := follower.coordinator.Watch("db")
	defer followerSub.Close()

	v, err := leader.coordinator.Propose(ctx, "db",
		map[string]interface{}{"host": "a"})
	require.NoError(t, err)

	// The version reaches the follower store with the next heartbeat round
	require.Eventually(t, func() bool {
		latest, err := follower.coordinator.Latest(ctx, "db")
		if err != nil {
			return false
		}

		return latest.Version == v.Version
	}, 5*time.Second, 10*time.Millisecond)

	latest, err := follower.coordinator.Latest(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"host": "a"}, latest.Data)

	// Follower watchers are notified as well
	assert.Equal(t, v.Version, receiveVersion(t, followerSub).Version)

	// Proposing on the follower is rejected
	_, err = follower.coordinator.Propose(ctx, "db",
		map[string]interface{}{"host": "b"})
	require.ErrorIs(t, err, ErrNotLeader)
}
