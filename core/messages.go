package core

import "time"

// MessageKind discriminates the closed set of consensus wire messages.
type MessageKind string

const (
	MsgPropose     MessageKind = "PROPOSE"
	MsgVoteRequest MessageKind = "VOTE_REQUEST"
	MsgVote        MessageKind = "VOTE"
	MsgCommit      MessageKind = "COMMIT"
	MsgReject      MessageKind = "REJECT"
	MsgAbort       MessageKind = "ABORT"
	MsgSync        MessageKind = "SYNC"
)

// ProposePayload announces a candidate block to the committee.
type ProposePayload struct {
	Block     Block  `json:"block"`
	BlockHash string `json:"block_hash"`
	Primary   string `json:"primary"`
}

// VoteRequestPayload asks a committee member for its vote before Deadline.
type VoteRequestPayload struct {
	BlockHash string    `json:"block_hash"`
	Deadline  time.Time `json:"deadline"`
}

// CommitPayload tells the committee the round succeeded.
type CommitPayload struct {
	BlockHash         string   `json:"block_hash"`
	Participants      []string `json:"participants"`
	ConsensusStrength float64  `json:"consensus_strength"`
}

// RejectPayload tells the committee the round failed and why.
type RejectPayload struct {
	BlockHash string `json:"block_hash"`
	Reason    string `json:"reason"`
}

// AbortPayload notifies the committee of a cancelled round.
type AbortPayload struct {
	Reason string `json:"reason"`
}

// SyncPayload carries the latest finalized state to a catching-up validator.
type SyncPayload struct {
	Height    int64  `json:"height"`
	BlockHash string `json:"block_hash"`
	Epoch     int64  `json:"epoch"`
}

// ConsensusMessage is the tagged union sent between consensus participants.
// Exactly the payload matching Kind is set; all others are nil.
type ConsensusMessage struct {
	Kind      MessageKind         `json:"kind"`
	RoundID   string              `json:"round_id,omitempty"`
	Sender    string              `json:"sender,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Propose   *ProposePayload     `json:"propose,omitempty"`
	VoteReq   *VoteRequestPayload `json:"vote_request,omitempty"`
	Vote      *Vote               `json:"vote,omitempty"`
	Commit    *CommitPayload      `json:"commit,omitempty"`
	Reject    *RejectPayload      `json:"reject,omitempty"`
	Abort     *AbortPayload       `json:"abort,omitempty"`
	Sync      *SyncPayload        `json:"sync,omitempty"`
}
