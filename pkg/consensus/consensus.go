package consensus

type NodeId string

type NodeAddress string

type NodeSet map[NodeId]NodeData

type NodeData struct {
	LocalAddress  NodeAddress `json:"localAddress"`
	PublicAddress NodeAddress `json:"publicAddress"`
}

type NodeRole string

const (
	RoleFollower  NodeRole = "follower"
	RoleCandidate NodeRole = "candidate"
	RoleLeader    NodeRole = "leader"
)

type Term int64

// VoteRecord is the durable part of the node state. It must survive a
// restart: a node which forgot its vote could grant two votes in the same
// term.
type VoteRecord struct {
	CurrentTerm Term   `json:"currentTerm"`
	VotedFor    NodeId `json:"votedFor"`
}

// NodeStatus is a point-in-time snapshot of the node state, safe to read
// from any goroutine.
type NodeStatus struct {
	Id     NodeId   `json:"id"`
	Role   NodeRole `json:"role"`
	Term   Term     `json:"term"`
	Leader NodeId   `json:"leader,omitempty"`
}
