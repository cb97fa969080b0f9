package consensus

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emotionchain/emotionchain/communication"
	"github.com/emotionchain/emotionchain/core"
)

// Result weights and floors are protocol constants, deliberately independent
// of the configured Byzantine threshold.
const (
	consensusApprovalWeight      = 0.7
	consensusParticipationWeight = 0.3
	minAverageEmotionalScore     = 75.0
	earlyCheckFraction           = 0.67
)

// EmitFunc publishes a lifecycle event. The default forwards to the NATS bus.
type EmitFunc func(eventType string, payload interface{})

// Round executes the three-phase voting protocol for one candidate block
// against a fixed committee. A Round is single-use: the orchestrator owns it
// for its lifetime and must never share it across concurrent epochs.
type Round struct {
	mu sync.Mutex

	id        string
	cfg       Config
	committee *core.Committee
	block     core.Block
	blockHash string

	phase core.RoundPhase
	votes map[string]core.Vote
	order []string // vote arrival order

	// Per-validator timeout handles, cancelled the instant a valid vote
	// lands for that validator.
	timers map[string]*time.Timer

	sendFailures map[string]error
	earlyFired   bool
	result       *core.RoundResult
	startedAt    time.Time

	abortCh   chan struct{}
	transport communication.Transport
	logger    *Logger
	emit      EmitFunc
}

// NewRound creates a round in the PROPOSE phase for the given committee and
// candidate block.
func NewRound(cfg Config, transport communication.Transport, logger *Logger, committee *core.Committee, block core.Block) *Round {
	return &Round{
		id:           uuid.NewString(),
		cfg:          cfg,
		committee:    committee,
		block:        block,
		blockHash:    block.Hash(),
		phase:        core.PhasePropose,
		votes:        make(map[string]core.Vote),
		timers:       make(map[string]*time.Timer),
		sendFailures: make(map[string]error),
		abortCh:      make(chan struct{}),
		transport:    transport,
		logger:       logger,
		emit:         communication.BroadcastEvent,
	}
}

// ID returns the round identifier.
func (r *Round) ID() string { return r.id }

// Phase returns the current phase.
func (r *Round) Phase() core.RoundPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Votes returns copies of the recorded votes in arrival order.
func (r *Round) Votes() []core.Vote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Vote, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.votes[id])
	}
	return out
}

// PrimaryUnreachable reports whether the proposal broadcast failed to reach
// the committee primary, the trigger for emergency reselection.
func (r *Round) PrimaryUnreachable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendFailures[r.committee.Primary] != nil
}

// Execute drives the round through PROPOSE, VOTE and COMMIT and returns the
// computed result. The round finishes within its timeouts or not at all;
// there are no retries inside a round.
func (r *Round) Execute(ctx context.Context) (*core.RoundResult, error) {
	r.mu.Lock()
	if r.phase != core.PhasePropose {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: round already executed", ErrRoundNotActive)
	}
	r.startedAt = time.Now()
	members := r.committee.Members()
	r.mu.Unlock()

	r.logger.Round(r.id, "Starting round for block %s with committee of %d", shortHash(r.blockHash), len(members))

	// PROPOSE: announce the candidate block to every member. Individual send
	// failures are isolated per recipient.
	outcomes := r.transport.BroadcastToCommittee(members, core.ConsensusMessage{
		Kind:      core.MsgPropose,
		RoundID:   r.id,
		Timestamp: time.Now(),
		Propose: &core.ProposePayload{
			Block:     r.block,
			BlockHash: r.blockHash,
			Primary:   r.committee.Primary,
		},
	})
	r.recordSendFailures(outcomes)

	if err := r.wait(ctx, r.cfg.ProposalTimeout); err != nil {
		return r.finishAborted(err)
	}

	// VOTE: request votes and arm one cancellable timeout per member.
	deadline := time.Now().Add(r.cfg.VotingTimeout)
	r.mu.Lock()
	r.phase = core.PhaseVote
	for _, id := range members {
		id := id
		r.timers[id] = time.AfterFunc(r.cfg.VotingTimeout, func() {
			r.recordTimeoutVote(id)
		})
	}
	r.mu.Unlock()

	outcomes = r.transport.BroadcastToCommittee(members, core.ConsensusMessage{
		Kind:      core.MsgVoteRequest,
		RoundID:   r.id,
		Timestamp: time.Now(),
		VoteReq: &core.VoteRequestPayload{
			BlockHash: r.blockHash,
			Deadline:  deadline,
		},
	})
	r.recordSendFailures(outcomes)

	if err := r.wait(ctx, r.cfg.VotingTimeout); err != nil {
		return r.finishAborted(err)
	}

	// COMMIT: compute the outcome and tell the committee.
	result := r.computeResult()

	var commitMsg core.ConsensusMessage
	if result.Success {
		participants := make([]string, 0, len(r.order))
		r.mu.Lock()
		participants = append(participants, r.order...)
		r.mu.Unlock()
		commitMsg = core.ConsensusMessage{
			Kind:      core.MsgCommit,
			RoundID:   r.id,
			Timestamp: time.Now(),
			Commit: &core.CommitPayload{
				BlockHash:         r.blockHash,
				Participants:      participants,
				ConsensusStrength: result.ConsensusStrength,
			},
		}
	} else {
		commitMsg = core.ConsensusMessage{
			Kind:      core.MsgReject,
			RoundID:   r.id,
			Timestamp: time.Now(),
			Reject: &core.RejectPayload{
				BlockHash: r.blockHash,
				Reason:    result.Reason,
			},
		}
	}
	r.transport.BroadcastToCommittee(members, commitMsg)

	if err := r.wait(ctx, r.cfg.FinalityTimeout); err != nil {
		return r.finishAborted(err)
	}

	r.mu.Lock()
	r.phase = core.PhaseFinalized
	r.mu.Unlock()

	if result.Success {
		r.logger.Round(r.id, "Round finalized: %d/%d approvals, strength %.1f",
			result.ApprovedVotes, result.CommitteeSize, result.ConsensusStrength)
		r.emit(communication.EventRoundCompleted, result)
	} else {
		r.logger.Round(r.id, "Round failed: %s", result.Reason)
		r.emit(communication.EventRoundFailed, result)
	}
	return result, nil
}

// AddVote validates and records a vote from a committee member. Duplicate
// and post-decision votes are rejected, never overwritten; whichever of a
// vote and its timeout lands first wins.
func (r *Round) AddVote(v core.Vote) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != core.PhaseVote {
		return ErrRoundNotActive
	}
	if !r.committee.HasMember(v.ValidatorID) {
		return fmt.Errorf("%w: %s", ErrNotCommitteeMember, v.ValidatorID)
	}
	if _, ok := r.votes[v.ValidatorID]; ok {
		return fmt.Errorf("%w: %s already voted", ErrDuplicateVote, v.ValidatorID)
	}
	if v.ValidatorID == "" || v.BlockHash == "" || v.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing required fields", ErrInvalidVote)
	}
	if v.BlockHash != r.blockHash {
		return fmt.Errorf("%w: block hash mismatch", ErrInvalidVote)
	}
	if v.EmotionalScore < 0 || v.EmotionalScore > 100 {
		return fmt.Errorf("%w: emotional score %.1f out of range", ErrInvalidVote, v.EmotionalScore)
	}
	if d := time.Since(v.Timestamp); d > r.cfg.VoteFreshness || d < -r.cfg.VoteFreshness {
		return ErrStaleVote
	}

	r.votes[v.ValidatorID] = v
	r.order = append(r.order, v.ValidatorID)

	// The vote won the race; its timeout handle must never fire.
	if t, ok := r.timers[v.ValidatorID]; ok {
		t.Stop()
		delete(r.timers, v.ValidatorID)
	}

	r.checkEarlyConsensus()
	return nil
}

// recordTimeoutVote synthesizes a rejection for a member that never voted.
// A no-op if the member's vote arrived first or the phase already advanced.
func (r *Round) recordTimeoutVote(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != core.PhaseVote {
		return
	}
	if _, ok := r.votes[id]; ok {
		return
	}
	r.votes[id] = core.Vote{
		ValidatorID: id,
		BlockHash:   r.blockHash,
		Timestamp:   time.Now(),
		Approved:    false,
		Reason:      core.VoteReasonTimeout,
	}
	r.order = append(r.order, id)
	delete(r.timers, id)
}

// checkEarlyConsensus fires the early-consensus signal once a quorum of
// votes already satisfies the success predicate. The round still waits out
// the phase for stragglers. Caller must hold r.mu.
func (r *Round) checkEarlyConsensus() {
	if r.earlyFired {
		return
	}
	quorum := int(math.Ceil(earlyCheckFraction * float64(r.committee.Size())))
	if len(r.votes) < quorum {
		return
	}
	if res := r.tallyLocked(); res.Success {
		r.earlyFired = true
		r.logger.Round(r.id, "Early consensus reached with %d/%d votes", len(r.votes), r.committee.Size())
		go r.emit(communication.EventEarlyConsensus, res)
	}
}

// computeResult synthesizes timeout votes for any still-missing members and
// tallies the final outcome.
func (r *Round) computeResult() *core.RoundResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == core.PhaseAborted {
		return &core.RoundResult{
			RoundID:       r.id,
			BlockHash:     r.blockHash,
			CommitteeSize: r.committee.Size(),
			Reason:        "round aborted",
			CompletedAt:   time.Now(),
		}
	}

	r.phase = core.PhaseCommit
	for _, id := range r.committee.Members() {
		if _, ok := r.votes[id]; !ok {
			r.votes[id] = core.Vote{
				ValidatorID: id,
				BlockHash:   r.blockHash,
				Timestamp:   time.Now(),
				Approved:    false,
				Reason:      core.VoteReasonTimeout,
			}
			r.order = append(r.order, id)
		}
		if t, ok := r.timers[id]; ok {
			t.Stop()
			delete(r.timers, id)
		}
	}

	result := r.tallyLocked()
	r.result = result
	return result
}

// tallyLocked computes the round outcome from the votes recorded so far.
// Caller must hold r.mu.
func (r *Round) tallyLocked() *core.RoundResult {
	size := r.committee.Size()
	participants := len(r.votes)

	approved := 0
	byzantine := 0
	scoreSum := 0.0
	scored := 0
	for _, v := range r.votes {
		if v.Approved {
			approved++
		} else if v.Reason == "" || v.Reason == core.VoteReasonTimeout {
			byzantine++
		}
		if v.Reason != core.VoteReasonTimeout {
			scoreSum += v.EmotionalScore
			scored++
		}
	}

	approvalRate := 0.0
	if participants > 0 {
		approvalRate = float64(approved) / float64(participants) * 100
	}
	participationRate := float64(participants) / float64(size) * 100
	strength := consensusApprovalWeight*approvalRate + consensusParticipationWeight*participationRate
	avgScore := 0.0
	if scored > 0 {
		avgScore = scoreSum / float64(scored)
	}

	required := RequiredApprovals(size, r.cfg.ByzantineThreshold)
	result := &core.RoundResult{
		RoundID:               r.id,
		BlockHash:             r.blockHash,
		ApprovedVotes:         approved,
		ParticipantCount:      participants,
		CommitteeSize:         size,
		ApprovalRate:          approvalRate,
		ParticipationRate:     participationRate,
		ConsensusStrength:     strength,
		AverageEmotionalScore: avgScore,
		ByzantineFailures:     byzantine,
		CompletedAt:           time.Now(),
	}

	switch {
	case approved < required:
		result.Reason = fmt.Sprintf("insufficient approved votes: %d of %d required", approved, required)
	case strength < r.cfg.ByzantineThreshold:
		result.Reason = fmt.Sprintf("consensus strength %.1f below threshold %.1f", strength, r.cfg.ByzantineThreshold)
	case avgScore < minAverageEmotionalScore:
		result.Reason = fmt.Sprintf("average emotional score %.1f below floor %.1f", avgScore, minAverageEmotionalScore)
	default:
		result.Success = true
	}
	return result
}

// Abort cancels the round from any phase. It is idempotent: a second call,
// or a call after finalization, is a no-op.
func (r *Round) Abort(reason string) {
	r.mu.Lock()
	if r.phase == core.PhaseFinalized || r.phase == core.PhaseAborted {
		r.mu.Unlock()
		return
	}
	r.phase = core.PhaseAborted
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	close(r.abortCh)
	members := r.committee.Members()
	r.mu.Unlock()

	r.logger.Round(r.id, "Round aborted: %s", reason)
	go r.transport.BroadcastToCommittee(members, core.ConsensusMessage{
		Kind:      core.MsgAbort,
		RoundID:   r.id,
		Timestamp: time.Now(),
		Abort:     &core.AbortPayload{Reason: reason},
	})
	r.emit(communication.EventRoundAborted, map[string]interface{}{
		"round_id": r.id,
		"reason":   reason,
	})
}

func (r *Round) finishAborted(cause error) (*core.RoundResult, error) {
	if cause != ErrRoundAborted {
		// Context cancellation reaches here; make the abort explicit so
		// timers are cleaned up and the committee is notified.
		r.Abort(cause.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	result := &core.RoundResult{
		RoundID:       r.id,
		BlockHash:     r.blockHash,
		CommitteeSize: r.committee.Size(),
		Reason:        fmt.Sprintf("round aborted: %v", cause),
		CompletedAt:   time.Now(),
	}
	r.result = result
	return result, ErrRoundAborted
}

func (r *Round) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-r.abortCh:
		return ErrRoundAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Round) recordSendFailures(outcomes map[string]error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, err := range outcomes {
		if err != nil {
			r.sendFailures[id] = err
			log.Printf("Round %s: send to %s failed: %v", r.id, id, err)
		}
	}
}

// RequiredApprovals returns the approval quorum for a committee of the given
// size under the given Byzantine threshold percentage.
func RequiredApprovals(committeeSize int, byzantineThreshold float64) int {
	return int(math.Ceil(float64(committeeSize) * byzantineThreshold / 100))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
