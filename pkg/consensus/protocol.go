package consensus

import (
	"encoding/json"
	"fmt"
)

type Message interface {
	GetType() string
	GetTerm() Term

	fmt.Stringer
}

type VoteRequest struct {
	Term        Term   `json:"term"`
	CandidateId NodeId `json:"candidateId"`
}

func (msg *VoteRequest) GetType() string {
	return "voteRequest"
}

func (msg *VoteRequest) GetTerm() Term {
	return msg.Term
}

func (msg *VoteRequest) String() string {
	return fmt.Sprintf("VoteRequest{term: %d, candidateId: %q}",
		msg.Term, msg.CandidateId)
}

type VoteResponse struct {
	Term        Term `json:"term"`
	VoteGranted bool `json:"voteGranted"`
}

func (msg *VoteResponse) GetType() string {
	return "voteResponse"
}

func (msg *VoteResponse) GetTerm() Term {
	return msg.Term
}

func (msg *VoteResponse) String() string {
	return fmt.Sprintf("VoteResponse{term: %d, voteGranted: %v}",
		msg.Term, msg.VoteGranted)
}

// Heartbeat doubles as the replicate message: entries are opaque documents
// committed by the leader since the last round, applied best-effort by
// followers.
type Heartbeat struct {
	Term     Term              `json:"term"`
	LeaderId NodeId            `json:"leaderId"`
	Entries  []json.RawMessage `json:"entries,omitempty"`
}

func (msg *Heartbeat) GetType() string {
	return "heartbeat"
}

func (msg *Heartbeat) GetTerm() Term {
	return msg.Term
}

func (msg *Heartbeat) String() string {
	return fmt.Sprintf("Heartbeat{term: %d, leaderId: %q, %d entries}",
		msg.Term, msg.LeaderId, len(msg.Entries))
}

type HeartbeatResponse struct {
	Term Term `json:"term"`
}

func (msg *HeartbeatResponse) GetType() string {
	return "heartbeatResponse"
}

func (msg *HeartbeatResponse) GetTerm() Term {
	return msg.Term
}

func (msg *HeartbeatResponse) String() string {
	return fmt.Sprintf("HeartbeatResponse{term: %d}", msg.Term)
}

func EncodeMessage(msg Message) ([]byte, error) {
	value := struct {
		Type  string  `json:"type"`
		Value Message `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeMessage(data []byte) (Message, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg Message

	switch value.Type {
	case "voteRequest":
		msg = &VoteRequest{}

	case "voteResponse":
		msg = &VoteResponse{}

	case "heartbeat":
		msg = &Heartbeat{}

	case "heartbeatResponse":
		msg = &HeartbeatResponse{}

	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, &msg); err != nil {
		return nil, err
	}

	return msg, nil
}
