package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPeerUnreachable = errors.New("peer unreachable")

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

// fakeNetwork connects nodes in-process and can simulate partitions by
// isolating nodes: messages from or to an isolated node are dropped.
type fakeNetwork struct {
	mu       sync.Mutex
	nodes    map[NodeAddress]*Node
	isolated map[NodeId]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		nodes:    make(map[NodeAddress]*Node),
		isolated: make(map[NodeId]bool),
	}
}

func (fn *fakeNetwork) register(n *Node) {
	fn.mu.Lock()
	fn.nodes[n.PublicAddress] = n
	fn.mu.Unlock()
}

func (fn *fakeNetwork) isolate(id NodeId) {
	fn.mu.Lock()
	fn.isolated[id] = true
	fn.mu.Unlock()
}

func (fn *fakeNetwork) heal(id NodeId) {
	fn.mu.Lock()
	delete(fn.isolated, id)
	fn.mu.Unlock()
}

func (fn *fakeNetwork) target(sourceId NodeId, address NodeAddress) *Node {
	fn.mu.Lock()
	defer fn.mu.Unlock()

	if fn.isolated[sourceId] {
		return nil
	}

	n := fn.nodes[address]
	if n == nil || fn.isolated[n.Id] {
		return nil
	}

	return n
}

type fakeTransport struct {
	network *fakeNetwork
	id      NodeId
}

func (t *fakeTransport) SendVoteRequest(ctx context.Context, peer NodeData, req *VoteRequest) (*VoteResponse, error) {
	target := t.network.target(t.id, peer.PublicAddress)
	if target == nil {
		return nil, errPeerUnreachable
	}

	return target.HandleVoteRequest(ctx, t.id, req)
}

func (t *fakeTransport) SendHeartbeat(ctx context.Context, peer NodeData, hb *Heartbeat) (*HeartbeatResponse, error) {
	target := t.network.target(t.id, peer.PublicAddress)
	if target == nil {
		return nil, errPeerUnreachable
	}

	return target.HandleHeartbeat(ctx, t.id, hb)
}

type testCluster struct {
	t       *testing.T
	network *fakeNetwork
	nodes   map[NodeId]*Node
}

func startTestCluster(t *testing.T, modify func(*NodeCfg), ids ...NodeId) *testCluster {
	nodeSet := make(NodeSet)
	for _, id := range ids {
		nodeSet[id] = NodeData{
			LocalAddress:  NodeAddress(id),
			PublicAddress: NodeAddress(id),
		}
	}

	c := &testCluster{
		t:       t,
		network: newFakeNetwork(),
		nodes:   make(map[NodeId]*Node),
	}

	for _, id := range ids {
		cfg := NodeCfg{
			Id:    id,
			Nodes: nodeSet,

			DataDirectory: t.TempDir(),

			Logger: &testLogger{t: t, prefix: string(id)},

			Transport: &fakeTransport{network: c.network, id: id},

			MinElectionTimeout: 50 * time.Millisecond,
			MaxElectionTimeout: 150 * time.Millisecond,

			HeartbeatInterval: 20 * time.Millisecond,

			RPCTimeout: 20 * time.Millisecond,
		}

		if modify != nil {
			modify(&cfg)
		}

		n, err := NewNode(cfg)
		require.NoError(t, err)

		c.network.register(n)
		c.nodes[id] = n
	}

	errorChan := make(chan error, len(ids))

	for _, id := range ids {
		require.NoError(t, c.nodes[id].Start(errorChan))
		t.Cleanup(c.nodes[id].Stop)
	}

	return c
}

func (c *testCluster) leaders() []*Node {
	var leaders []*Node

	for _, n := range c.nodes {
		if n.IsLeader() {
			leaders = append(leaders, n)
		}
	}

	return leaders
}

func (c *testCluster) waitForLeader() *Node {
	var leader *Node

	require.Eventually(c.t, func() bool {
		leaders := c.leaders()
		if len(leaders) != 1 {
			return false
		}

		leader = leaders[0]
		return true
	}, 5*time.Second, 10*time.Millisecond, "no single leader elected")

	return leader
}

// slowElections keeps a node follower for the duration of a test so that
// message handling can be exercised in isolation.
func slowElections(cfg *NodeCfg) {
	cfg.MinElectionTimeout = time.Minute
	cfg.MaxElectionTimeout = 2 * time.Minute
}

func TestNodeSingleNodeBecomesLeader(t *testing.T) {
	c := startTestCluster(t, nil, "n1")

	// With no peers, the self-vote alone is a majority of one
	leader := c.waitForLeader()

	status := leader.Status()
	assert.Equal(t, NodeId("n1"), status.Id)
	assert.Equal(t, RoleLeader, status.Role)
	assert.Equal(t, NodeId("n1"), status.Leader)
	assert.GreaterOrEqual(t, status.Term, Term(1))
}

func TestNodeThreeNodeElection(t *testing.T) {
	c := startTestCluster(t, nil, "n1", "n2", "n3")

	leader := c.waitForLeader()
	leaderStatus := leader.Status()

	// Followers converge on the same leader and term
	require.Eventually(t, func() bool {
		for _, n := range c.nodes {
			status := n.Status()

			if status.Leader != leaderStatus.Id {
				return false
			}

			if status.Term != leaderStatus.Term {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNodeLeaderStability(t *testing.T) {
	c := startTestCluster(t, nil, "n1", "n2", "n3")

	leader := c.waitForLeader()
	status := leader.Status()

	// Heartbeats must prevent any new election
	time.Sleep(500 * time.Millisecond)

	after := leader.Status()
	assert.Equal(t, RoleLeader, after.Role)
	assert.Equal(t, status.Term, after.Term)
}

func TestNodeAtMostOneLeaderPerTerm(t *testing.T) {
	c := startTestCluster(t, nil, "n1", "n2", "n3")

	leadersPerTerm := make(map[Term]NodeId)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, n := range c.nodes {
			status := n.Status()
			if status.Role != RoleLeader {
				continue
			}

			if id, found := leadersPerTerm[status.Term]; found {
				require.Equal(t, id, status.Id,
					"two leaders in term %d", status.Term)
			} else {
				leadersPerTerm[status.Term] = status.Id
			}
		}

		time.Sleep(time.Millisecond)
	}

	require.NotEmpty(t, leadersPerTerm)
}

func TestNodeVoteOncePerTerm(t *testing.T) {
	// Elections are disabled: every node stays follower and n1 only ever
	// reacts to the requests crafted below.
	c := startTestCluster(t, slowElections, "n1", "a", "b")

	n := c.nodes["n1"]
	ctx := context.Background()

	res, err := n.HandleVoteRequest(ctx, "a",
		&VoteRequest{Term: 5, CandidateId: "a"})
	require.NoError(t, err)
	assert.True(t, res.VoteGranted)
	assert.Equal(t, Term(5), res.Term)

	// A second candidate in the same term is denied
	res, err = n.HandleVoteRequest(ctx, "b",
		&VoteRequest{Term: 5, CandidateId: "b"})
	require.NoError(t, err)
	assert.False(t, res.VoteGranted)

	// The same candidate asking again is granted again
	res, err = n.HandleVoteRequest(ctx, "a",
		&VoteRequest{Term: 5, CandidateId: "a"})
	require.NoError(t, err)
	assert.True(t, res.VoteGranted)

	// A higher term clears the vote
	res, err = n.HandleVoteRequest(ctx, "b",
		&VoteRequest{Term: 6, CandidateId: "b"})
	require.NoError(t, err)
	assert.True(t, res.VoteGranted)
	assert.Equal(t, Term(6), res.Term)
}

func TestNodeStaleMessageDenied(t *testing.T) {
	c := startTestCluster(t, slowElections, "n1", "a", "b")

	n := c.nodes["n1"]
	ctx := context.Background()

	_, err := n.HandleHeartbeat(ctx, "a", &Heartbeat{Term: 3, LeaderId: "a"})
	require.NoError(t, err)

	status := n.Status()
	assert.Equal(t, Term(3), status.Term)
	assert.Equal(t, NodeId("a"), status.Leader)

	// A vote request with a stale term is denied without a state change
	res, err := n.HandleVoteRequest(ctx, "b",
		&VoteRequest{Term: 1, CandidateId: "b"})
	require.NoError(t, err)
	assert.False(t, res.VoteGranted)
	assert.Equal(t, Term(3), res.Term)

	status = n.Status()
	assert.Equal(t, Term(3), status.Term)
	assert.Equal(t, NodeId("a"), status.Leader)

	// A stale heartbeat does not displace the current leader
	hbRes, err := n.HandleHeartbeat(ctx, "b", &Heartbeat{Term: 2, LeaderId: "b"})
	require.NoError(t, err)
	assert.Equal(t, Term(3), hbRes.Term)
	assert.Equal(t, NodeId("a"), n.Status().Leader)
}

func TestNodeLeaderStepsDownOnHigherTerm(t *testing.T) {
	c := startTestCluster(t, nil, "n1")

	leader := c.waitForLeader()
	term := leader.Status().Term

	res, err := leader.HandleHeartbeat(context.Background(), "x",
		&Heartbeat{Term: term + 5, LeaderId: "x"})
	require.NoError(t, err)
	assert.Equal(t, term+5, res.Term)

	// The handler response is produced by the main goroutine, so the state
	// is already updated once it returns.
	status := leader.Status()
	assert.Equal(t, RoleFollower, status.Role)
	assert.Equal(t, term+5, status.Term)
	assert.Equal(t, NodeId("x"), status.Leader)
}

func TestNodePartition(t *testing.T) {
	c := startTestCluster(t, nil, "n1", "n2", "n3")

	c.network.isolate("n3")

	// The majority side elects a leader
	var leader *Node

	require.Eventually(t, func() bool {
		for _, id := range []NodeId{"n1", "n2"} {
			if c.nodes[id].IsLeader() {
				leader = c.nodes[id]
				return true
			}
		}

		return false
	}, 5*time.Second, 10*time.Millisecond)

	// The isolated minority never elects a leader
	for i := 0; i < 30; i++ {
		assert.NotEqual(t, RoleLeader, c.nodes["n3"].Status().Role)
		time.Sleep(10 * time.Millisecond)
	}

	require.NotNil(t, leader)

	// Once healed, the cluster converges back to a single leader
	c.network.heal("n3")

	require.Eventually(t, func() bool {
		leaders := c.leaders()
		if len(leaders) != 1 {
			return false
		}

		leaderStatus := leaders[0].Status()

		for _, n := range c.nodes {
			if n.Status().Leader != leaderStatus.Id {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNodeReplicateEntries(t *testing.T) {
	var mu sync.Mutex
	applied := make(map[NodeId][]string)

	modify := func(cfg *NodeCfg) {
		id := cfg.Id

		cfg.ApplyEntryFunc = func(entry []byte) error {
			mu.Lock()
			applied[id] = append(applied[id], string(entry))
			mu.Unlock()

			return nil
		}
	}

	c := startTestCluster(t, modify, "n1", "n2")

	leader := c.waitForLeader()

	leader.Replicate([]byte(`{"name":"db","version":0}`))
	leader.Replicate([]byte(`{"name":"db","version":1}`))

	var followerId NodeId
	for id, n := range c.nodes {
		if n != leader {
			followerId = id
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(applied[followerId]) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{
		`{"name":"db","version":0}`,
		`{"name":"db","version":1}`,
	}, applied[followerId])

	// The leader applies nothing through the hook
	assert.Empty(t, applied[leader.Id])
}
