package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path"
	"sync"
	"time"
)

type NodeCfg struct {
	Id    NodeId
	Nodes NodeSet

	DataDirectory string

	Logger Logger

	// Transport used to reach peers. When left nil, the node creates an
	// HTTPTransport and listens on its local address for peer messages.
	Transport Transport

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	HeartbeatInterval time.Duration

	// Deadline applied to each outgoing vote request or heartbeat.
	RPCTimeout time.Duration

	// ApplyEntryFunc is called for each replicate entry received from the
	// current leader.
	ApplyEntryFunc func([]byte) error
}

type Node struct {
	Cfg NodeCfg
	Log Logger

	Id            NodeId
	LocalAddress  NodeAddress
	PublicAddress NodeAddress

	role          NodeRole
	currentLeader NodeId
	voteRecord    VoteRecord

	// Candidate only
	votes map[NodeId]bool

	// Entries waiting for the next heartbeat round
	outboxMu sync.Mutex
	outbox   []json.RawMessage

	statusMu sync.Mutex
	status   NodeStatus

	// Internal
	voteStore *VoteStore
	transport Transport

	randGenerator *rand.Rand

	heartbeatTicker *time.Ticker
	electionTimer   *time.Timer

	httpServer *http.Server

	msgChan chan incomingMsg

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

type incomingMsg struct {
	SourceId NodeId
	Msg      Message

	// Nil for messages which do not expect a response (e.g. responses to
	// our own requests delivered back to the main goroutine).
	ResponseChan chan Message
}

func NewNode(cfg NodeCfg) (*Node, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty node id")
	}

	ndata, found := cfg.Nodes[cfg.Id]
	if !found {
		return nil, fmt.Errorf("unknown node id %q", cfg.Id)
	}

	if cfg.DataDirectory == "" {
		return nil, fmt.Errorf("missing or empty data directory")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 500 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 1000 * time.Millisecond
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}

	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = cfg.HeartbeatInterval
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	dataDirectory := path.Join(cfg.DataDirectory, string(cfg.Id))

	voteStorePath := path.Join(dataDirectory, "vote-state.json")
	voteStore := NewVoteStore(voteStorePath)

	n := &Node{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:            cfg.Id,
		LocalAddress:  ndata.LocalAddress,
		PublicAddress: ndata.PublicAddress,

		voteStore: voteStore,
		transport: cfg.Transport,

		randGenerator: rand.New(randSource),

		msgChan: make(chan incomingMsg),

		stopChan: make(chan struct{}),
	}

	return n, nil
}

func (n *Node) Start(errorChan chan<- error) error {
	n.Log.Debug(1, "starting")

	n.errorChan = errorChan

	// Vote store
	n.Log.Debug(1, "loading vote store from %q", n.voteStore.filePath)

	dataDirectory := path.Join(n.Cfg.DataDirectory, string(n.Id))
	if err := os.MkdirAll(dataDirectory, 0700); err != nil {
		return fmt.Errorf("cannot create %q: %w", dataDirectory, err)
	}

	if err := n.voteStore.Open(); err != nil {
		return fmt.Errorf("cannot open vote store: %w", err)
	}

	if err := n.voteStore.Read(&n.voteRecord); err != nil {
		return fmt.Errorf("cannot read vote record: %w", err)
	}

	n.Log.Debug(1, "initial vote record: currentTerm %d, votedFor %q",
		n.voteRecord.CurrentTerm, n.voteRecord.VotedFor)

	// Transport
	if n.transport == nil {
		n.transport = NewHTTPTransport(n.Id)

		if err := n.startHTTPServer(); err != nil {
			return fmt.Errorf("cannot start http server: %w", err)
		}

		n.Log.Info("listening on %s", n.LocalAddress)
	}

	// Internal state
	n.role = RoleFollower
	n.publishStatus()

	n.setupHeartbeatTicker()
	n.setupElectionTimer()

	// Main
	n.wg.Add(1)
	go n.main()

	n.Log.Debug(1, "started")

	return nil
}

func (n *Node) Stop() {
	n.Log.Debug(1, "stopping")

	close(n.stopChan)
	n.wg.Wait()

	n.Log.Debug(1, "stopped")
}

// Status returns a snapshot of the node state. It is the only way for other
// goroutines to observe the role, term and leader of the node.
func (n *Node) Status() NodeStatus {
	n.statusMu.Lock()
	status := n.status
	n.statusMu.Unlock()

	return status
}

func (n *Node) IsLeader() bool {
	return n.Status().Role == RoleLeader
}

// Replicate queues an entry for the next heartbeat round. Delivery is
// best-effort: the entry is sent once to every peer and never retried.
func (n *Node) Replicate(entry []byte) {
	n.outboxMu.Lock()
	n.outbox = append(n.outbox, json.RawMessage(entry))
	n.outboxMu.Unlock()
}

// HandleVoteRequest processes a vote request received from a peer and
// returns the response. It is exposed for transports.
func (n *Node) HandleVoteRequest(ctx context.Context, sourceId NodeId, req *VoteRequest) (*VoteResponse, error) {
	msg, err := n.handleMessage(ctx, sourceId, req)
	if err != nil {
		return nil, err
	}

	return msg.(*VoteResponse), nil
}

// HandleHeartbeat processes a heartbeat received from a peer and returns the
// response. It is exposed for transports.
func (n *Node) HandleHeartbeat(ctx context.Context, sourceId NodeId, hb *Heartbeat) (*HeartbeatResponse, error) {
	msg, err := n.handleMessage(ctx, sourceId, hb)
	if err != nil {
		return nil, err
	}

	return msg.(*HeartbeatResponse), nil
}

func (n *Node) handleMessage(ctx context.Context, sourceId NodeId, msg Message) (Message, error) {
	incoming := incomingMsg{
		SourceId: sourceId,
		Msg:      msg,

		ResponseChan: make(chan Message, 1),
	}

	select {
	case n.msgChan <- incoming:
	case <-n.stopChan:
		return nil, fmt.Errorf("node stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-incoming.ResponseChan:
		return res, nil
	case <-n.stopChan:
		return nil, fmt.Errorf("node stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver injects a response obtained from one of our own requests into the
// main goroutine.
func (n *Node) deliver(sourceId NodeId, msg Message) {
	incoming := incomingMsg{
		SourceId: sourceId,
		Msg:      msg,
	}

	select {
	case n.msgChan <- incoming:
	case <-n.stopChan:
	}
}

func (n *Node) main() {
	defer n.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			n.Log.Error("panic: %s\n%s", msg, trace)

			n.errorChan <- fmt.Errorf("panic: %s", msg)
			n.shutdown()
		}
	}()

	for {
		select {
		case <-n.stopChan:
			n.shutdown()
			return

		case <-n.heartbeatTicker.C:
			n.onHeartbeatTicker()

		case <-n.electionTimer.C:
			n.onElectionTimer()

		case incoming := <-n.msgChan:
			n.onMessage(incoming)
		}
	}
}

func (n *Node) shutdown() {
	n.Log.Debug(1, "shutting down")

	if n.httpServer != nil {
		n.stopHTTPServer()
	}

	n.heartbeatTicker.Stop()
	n.electionTimer.Stop()

	n.voteStore.Close()
}

func (n *Node) onHeartbeatTicker() {
	if n.role != RoleLeader {
		return
	}

	n.outboxMu.Lock()
	entries := n.outbox
	n.outbox = nil
	n.outboxMu.Unlock()

	n.broadcastHeartbeat(entries)
}

func (n *Node) onElectionTimer() {
	switch n.role {
	case RoleFollower:
		n.startElection()

	case RoleCandidate:
		// The current election timed out without reaching a majority;
		// start a new one with the next term.
		n.Log.Debug(1, "election timeout in term %d", n.voteRecord.CurrentTerm)
		n.startElection()

	case RoleLeader:
		// A timer which fired right before being stopped; nothing to do.
		n.Log.Debug(2, "ignoring election timer as leader")
	}
}

func (n *Node) onMessage(incoming incomingMsg) {
	msg := incoming.Msg

	respond := func(res Message) {
		if incoming.ResponseChan != nil {
			incoming.ResponseChan <- res
		}
	}

	n.Log.Debug(2, "received %v from %s", msg, incoming.SourceId)

	term := msg.GetTerm()

	if term < n.voteRecord.CurrentTerm {
		// The message is stale. Requests are still answered with the
		// current term so that their sender can catch up.

		n.Log.Debug(1, "ignoring stale message %v (current term: %d)",
			msg, n.voteRecord.CurrentTerm)

		switch msg.(type) {
		case *VoteRequest:
			respond(&VoteResponse{Term: n.voteRecord.CurrentTerm})
		case *Heartbeat:
			respond(&HeartbeatResponse{Term: n.voteRecord.CurrentTerm})
		}

		return
	}

	if term > n.voteRecord.CurrentTerm {
		// The message carries a term higher than the current one: we are
		// out-of-date and must adopt it and revert to follower.

		n.Log.Debug(1, "received message with term %d (current term: %d), "+
			"reverting to follower", term, n.voteRecord.CurrentTerm)

		record := VoteRecord{CurrentTerm: term, VotedFor: ""}
		if err := n.updateVoteRecord(record); err != nil {
			return
		}

		n.revertToFollower()
	}

	switch msgv := msg.(type) {
	case *VoteRequest:
		respond(n.onVoteRequest(incoming.SourceId, msgv))
	case *VoteResponse:
		n.onVoteResponse(incoming.SourceId, msgv)
	case *Heartbeat:
		respond(n.onHeartbeat(incoming.SourceId, msgv))
	case *HeartbeatResponse:
		// Nothing to do: a higher term was already handled above.
	default:
		n.Log.Error("unexpected message %v from %s", msg, incoming.SourceId)
	}
}

func (n *Node) onVoteRequest(sourceId NodeId, req *VoteRequest) *VoteResponse {
	record := n.voteRecord

	noVoteGranted := record.VotedFor == ""
	sameVoteGranted := record.VotedFor == req.CandidateId

	granted := noVoteGranted || sameVoteGranted

	if granted && noVoteGranted {
		record.VotedFor = req.CandidateId

		if err := n.updateVoteRecord(record); err != nil {
			// If we cannot persist the vote, we must not grant it
			granted = false
		}
	}

	if granted {
		n.Log.Debug(1, "granting vote to %q in term %d",
			req.CandidateId, record.CurrentTerm)

		if n.role == RoleFollower {
			n.resetElectionTimer()
		}
	}

	return &VoteResponse{
		Term:        n.voteRecord.CurrentTerm,
		VoteGranted: granted,
	}
}

func (n *Node) onVoteResponse(sourceId NodeId, res *VoteResponse) {
	if n.role != RoleCandidate {
		return
	}

	// Update the vote table
	n.votes[sourceId] = res.VoteGranted

	n.maybeBecomeLeader()
}

func (n *Node) maybeBecomeLeader() {
	// Count votes
	nbVotes := 0

	for _, vote := range n.votes {
		if vote {
			nbVotes++
		}
	}

	// If we do not have the majority of votes, there is nothing more to do
	nbNodes := len(n.Cfg.Nodes)

	if nbVotes <= nbNodes/2 {
		return
	}

	// If the majority of the nodes voted for us, become leader
	n.Log.Info("obtained %d/%d votes, becoming leader in term %d",
		nbVotes, nbNodes, n.voteRecord.CurrentTerm)

	n.role = RoleLeader
	n.currentLeader = n.Id

	// Clear the election timer if it is active
	n.electionTimer.Stop()

	// Clear candidate data
	n.votes = nil

	n.publishStatus()

	// Immediately assert leadership with an empty heartbeat
	n.broadcastHeartbeat(nil)

	// Reset the heartbeat ticker
	n.heartbeatTicker.Reset(n.Cfg.HeartbeatInterval)
}

func (n *Node) onHeartbeat(sourceId NodeId, hb *Heartbeat) *HeartbeatResponse {
	switch n.role {
	case RoleFollower:
		n.resetElectionTimer()

	case RoleCandidate:
		// A leader already exists for this term
		n.revertToFollower()

	case RoleLeader:
		// Two leaders cannot coexist in the same term under
		// vote-once-per-term; this would be a protocol violation.
		n.Log.Error("received heartbeat from %q while leader in term %d",
			sourceId, n.voteRecord.CurrentTerm)
	}

	if hb.LeaderId != n.currentLeader {
		// The leader has changed

		n.Log.Info("leader is %s", hb.LeaderId)
		n.currentLeader = hb.LeaderId

		n.publishStatus()
	}

	for _, entry := range hb.Entries {
		if n.Cfg.ApplyEntryFunc == nil {
			break
		}

		if err := n.Cfg.ApplyEntryFunc(entry); err != nil {
			n.Log.Error("cannot apply entry: %v", err)
		}
	}

	return &HeartbeatResponse{Term: n.voteRecord.CurrentTerm}
}

func (n *Node) revertToFollower() {
	n.role = RoleFollower

	// Clear candidate data
	n.votes = nil

	n.publishStatus()

	// Rearm the election timer; if we do not receive any heartbeat before
	// the timer goes off, we will become candidate and start an election.
	n.setupElectionTimer()
}

func (n *Node) startElection() {
	n.Log.Debug(1, "starting election for term %d",
		n.voteRecord.CurrentTerm+1)

	// Start a new term and vote for ourselves
	record := VoteRecord{
		CurrentTerm: n.voteRecord.CurrentTerm + 1,
		VotedFor:    n.Id,
	}

	if err := n.updateVoteRecord(record); err != nil {
		// If we cannot save the vote record, we rearm the election timer
		// to try again later.
		n.setupElectionTimer()
		return
	}

	// We are now a candidate
	n.role = RoleCandidate
	n.currentLeader = ""

	n.votes = map[NodeId]bool{n.Id: true}

	n.publishStatus()

	// Send vote requests to all other nodes
	req := VoteRequest{
		Term:        n.voteRecord.CurrentTerm,
		CandidateId: n.Id,
	}

	for id, ndata := range n.Cfg.Nodes {
		if id == n.Id {
			continue
		}

		n.wg.Add(1)
		go n.sendVoteRequest(id, ndata, req)
	}

	// Rearm the election timer to detect an election timeout
	n.setupElectionTimer()

	// In a single-node cluster our own vote is already a majority
	n.maybeBecomeLeader()
}

func (n *Node) sendVoteRequest(id NodeId, ndata NodeData, req VoteRequest) {
	defer n.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			n.Log.Error("cannot send vote request: panic: %s\n%s", msg, trace)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), n.Cfg.RPCTimeout)
	defer cancel()

	res, err := n.transport.SendVoteRequest(ctx, ndata, &req)
	if err != nil {
		// An unreachable peer counts as the absence of a response
		n.Log.Debug(1, "cannot request vote from %s: %v", id, err)
		return
	}

	n.deliver(id, res)
}

func (n *Node) broadcastHeartbeat(entries []json.RawMessage) {
	hb := Heartbeat{
		Term:     n.voteRecord.CurrentTerm,
		LeaderId: n.Id,
		Entries:  entries,
	}

	for id, ndata := range n.Cfg.Nodes {
		if id == n.Id {
			continue
		}

		n.wg.Add(1)
		go n.sendHeartbeat(id, ndata, hb)
	}
}

func (n *Node) sendHeartbeat(id NodeId, ndata NodeData, hb Heartbeat) {
	defer n.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			n.Log.Error("cannot send heartbeat: panic: %s\n%s", msg, trace)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), n.Cfg.RPCTimeout)
	defer cancel()

	res, err := n.transport.SendHeartbeat(ctx, ndata, &hb)
	if err != nil {
		n.Log.Debug(1, "cannot send heartbeat to %s: %v", id, err)
		return
	}

	n.deliver(id, res)
}

func (n *Node) setupHeartbeatTicker() {
	n.heartbeatTicker = time.NewTicker(n.Cfg.HeartbeatInterval)
}

// setupElectionTimer replaces the current election timer with a fresh one.
// The main loop only ever selects on the current timer, so a fire queued on
// a replaced timer is never observed.
func (n *Node) setupElectionTimer() {
	timeout := n.electionTimeout()
	n.Log.Debug(2, "election timer will expire in %v", timeout)

	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}

	n.electionTimer = time.NewTimer(timeout)
}

func (n *Node) resetElectionTimer() {
	if n.role != RoleFollower {
		Panicf("cannot reset election timer in state %v", n.role)
	}

	n.setupElectionTimer()
}

func (n *Node) electionTimeout() time.Duration {
	minTimeoutMs := n.Cfg.MinElectionTimeout.Milliseconds()
	maxTimeoutMs := n.Cfg.MaxElectionTimeout.Milliseconds()

	jitter := n.randGenerator.Int63n(maxTimeoutMs - minTimeoutMs + 1)
	timeoutMs := minTimeoutMs + jitter

	return time.Duration(timeoutMs) * time.Millisecond
}

func (n *Node) updateVoteRecord(record VoteRecord) error {
	if err := n.voteStore.Write(record); err != nil {
		n.Log.Error("cannot write vote record: %v", err)
		return err
	}

	n.voteRecord = record
	return nil
}

func (n *Node) publishStatus() {
	n.statusMu.Lock()
	n.status = NodeStatus{
		Id:     n.Id,
		Role:   n.role,
		Term:   n.voteRecord.CurrentTerm,
		Leader: n.currentLeader,
	}
	n.statusMu.Unlock()
}
