package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ScoreTrend describes the direction of a validator's recent emotional scores.
type ScoreTrend string

const (
	TrendImproving ScoreTrend = "improving"
	TrendDeclining ScoreTrend = "declining"
	TrendStable    ScoreTrend = "stable"
)

// Validator represents a staked participant whose consensus weight is derived
// from biometric fitness rather than computational work. The registry owns the
// canonical copy; everything else works with id lookups or value copies.
type Validator struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	PublicKey      []byte     `json:"public_key"`
	Stake          float64    `json:"stake"`
	Balance        float64    `json:"balance"`
	EmotionalScore float64    `json:"emotional_score"` // 0-100
	Authenticity   float64    `json:"authenticity"`    // 0-100
	Confidence     float64    `json:"confidence"`      // 0-100
	Reputation     float64    `json:"reputation"`      // 0-100
	Active         bool       `json:"active"`
	ScoreTrend     ScoreTrend `json:"score_trend"`
	LastAssessment time.Time  `json:"last_assessment"`
}

// Transaction is an opaque payload waiting to be included in a block.
type Transaction struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Block is the unit a committee votes on each epoch.
type Block struct {
	Height    int64         `json:"height"`
	PrevHash  string        `json:"prev_hash"`
	Proposer  string        `json:"proposer"`
	Txs       []Transaction `json:"txs"`
	Timestamp int64         `json:"timestamp"`
	Signature []byte        `json:"signature,omitempty"`
}

// Hash returns the hex-encoded identity of the block. The signature is not
// part of the hash so a block can be signed after assembly.
func (b Block) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%d|", b.Height, b.PrevHash, b.Proposer, b.Timestamp)
	for _, tx := range b.Txs {
		h.Write([]byte(tx.Hash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Vote is a committee member's decision on a proposed block. Votes are
// immutable once recorded; Reason is "timeout" for synthesized votes.
type Vote struct {
	ValidatorID    string    `json:"validator_id"`
	BlockHash      string    `json:"block_hash"`
	EmotionalScore float64   `json:"emotional_score"`
	Signature      []byte    `json:"signature,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Approved       bool      `json:"approved"`
	Reason         string    `json:"reason,omitempty"`
}

// VoteReasonTimeout marks votes synthesized for non-responsive members.
const VoteReasonTimeout = "timeout"

// Committee is the validator subset selected for one epoch: a primary
// proposer plus backups. A committee is immutable once a round starts and is
// superseded, never mutated, on rotation or emergency reselection.
type Committee struct {
	Epoch          int64     `json:"epoch"`
	Primary        string    `json:"primary"`
	Backups        []string  `json:"backups"`
	TotalScore     float64   `json:"total_score"`
	AverageScore   float64   `json:"average_score"`
	DiversityScore float64   `json:"diversity_score"`
	SelectedAt     time.Time `json:"selected_at"`
}

// Members returns the committee in slot order, primary first.
func (c *Committee) Members() []string {
	members := make([]string, 0, len(c.Backups)+1)
	members = append(members, c.Primary)
	members = append(members, c.Backups...)
	return members
}

// Size returns the number of committee slots.
func (c *Committee) Size() int {
	return len(c.Backups) + 1
}

// HasMember reports whether id holds a committee slot.
func (c *Committee) HasMember(id string) bool {
	if c.Primary == id {
		return true
	}
	for _, b := range c.Backups {
		if b == id {
			return true
		}
	}
	return false
}

// RoundPhase is the state of the three-phase voting protocol.
type RoundPhase string

const (
	PhasePropose   RoundPhase = "PROPOSE"
	PhaseVote      RoundPhase = "VOTE"
	PhaseCommit    RoundPhase = "COMMIT"
	PhaseFinalized RoundPhase = "FINALIZED"
	PhaseAborted   RoundPhase = "ABORTED"
)

// RoundResult is the computed outcome of one consensus round.
type RoundResult struct {
	RoundID               string    `json:"round_id"`
	BlockHash             string    `json:"block_hash"`
	Success               bool      `json:"success"`
	ApprovedVotes         int       `json:"approved_votes"`
	ParticipantCount      int       `json:"participant_count"`
	CommitteeSize         int       `json:"committee_size"`
	ApprovalRate          float64   `json:"approval_rate"`
	ParticipationRate     float64   `json:"participation_rate"`
	ConsensusStrength     float64   `json:"consensus_strength"`
	AverageEmotionalScore float64   `json:"average_emotional_score"`
	ByzantineFailures     int       `json:"byzantine_failures"`
	Reason                string    `json:"reason,omitempty"`
	CompletedAt           time.Time `json:"completed_at"`
}

// EvidenceKind classifies observed Byzantine behavior.
type EvidenceKind string

const (
	EvidenceDoubleVoting        EvidenceKind = "double_voting"
	EvidenceConflictingProposal EvidenceKind = "conflicting_proposal"
	EvidenceScoreManipulation   EvidenceKind = "score_manipulation"
	EvidenceNetworkAttack       EvidenceKind = "network_attack"
	EvidenceCollusion           EvidenceKind = "collusion"
)

// EvidenceSeverity grades how damaging a piece of evidence is.
type EvidenceSeverity string

const (
	SeverityLow      EvidenceSeverity = "low"
	SeverityMedium   EvidenceSeverity = "medium"
	SeverityHigh     EvidenceSeverity = "high"
	SeverityCritical EvidenceSeverity = "critical"
)

// ByzantineEvidence is one append-only observation against a validator.
type ByzantineEvidence struct {
	ID          string           `json:"id"`
	ValidatorID string           `json:"validator_id"`
	Kind        EvidenceKind     `json:"kind"`
	Severity    EvidenceSeverity `json:"severity"`
	Details     json.RawMessage  `json:"details,omitempty"`
	Confidence  float64          `json:"confidence"` // 0-100
	Timestamp   time.Time        `json:"timestamp"`
}

// DetectionStatus is the lifecycle state of a validator under observation.
type DetectionStatus string

const (
	StatusMonitoring  DetectionStatus = "monitoring"
	StatusSuspicious  DetectionStatus = "suspicious"
	StatusQuarantined DetectionStatus = "quarantined"
	StatusSlashed     DetectionStatus = "slashed"
)

// ByzantineDetection is the live suspicion record for one validator. The
// suspicion score is always recomputable from the evidence list.
type ByzantineDetection struct {
	ValidatorID    string              `json:"validator_id"`
	SuspicionScore float64             `json:"suspicion_score"` // 0-100
	Evidence       []ByzantineEvidence `json:"evidence"`
	Status         DetectionStatus     `json:"status"`
	QuarantinedAt  time.Time           `json:"quarantined_at,omitempty"`
}

// RewardMetrics is the per-validator receipt of one epoch's payout. It is
// never mutated after creation.
type RewardMetrics struct {
	ValidatorID        string  `json:"validator_id"`
	BaseReward         float64 `json:"base_reward"`
	EmotionalBonus     float64 `json:"emotional_bonus"`
	ConsistencyBonus   float64 `json:"consistency_bonus"`
	ParticipationBonus float64 `json:"participation_bonus"`
	StakeMultiplier    float64 `json:"stake_multiplier"`
	TotalReward        float64 `json:"total_reward"`
	ReputationDelta    float64 `json:"reputation_delta"`
}
