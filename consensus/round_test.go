package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emotionchain/emotionchain/core"
)

// fakeTransport records broadcasts and lets tests react to each message kind
// synchronously, standing in for committee members on the wire.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []core.ConsensusMessage
	failIDs   map[string]bool
	onMessage func(members []string, msg core.ConsensusMessage)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failIDs: make(map[string]bool)}
}

func (t *fakeTransport) SendToValidator(id string, msg core.ConsensusMessage) error {
	if t.failIDs[id] {
		return fmt.Errorf("validator %s unreachable", id)
	}
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) BroadcastToCommittee(members []string, msg core.ConsensusMessage) map[string]error {
	outcomes := make(map[string]error, len(members))
	for _, id := range members {
		outcomes[id] = t.SendToValidator(id, msg)
	}
	if t.onMessage != nil {
		t.onMessage(members, msg)
	}
	return outcomes
}

func (t *fakeTransport) sentKinds() []core.MessageKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[core.MessageKind]bool)
	var kinds []core.MessageKind
	for _, m := range t.sent {
		if !seen[m.Kind] {
			seen[m.Kind] = true
			kinds = append(kinds, m.Kind)
		}
	}
	return kinds
}

func testConfig(committeeSize int) Config {
	cfg := DefaultConfig()
	cfg.CommitteeSize = committeeSize
	cfg.ProposalTimeout = 20 * time.Millisecond
	cfg.VotingTimeout = 120 * time.Millisecond
	cfg.FinalityTimeout = 10 * time.Millisecond
	return cfg
}

func makeCommittee(size int) *core.Committee {
	backups := make([]string, 0, size-1)
	for i := 1; i < size; i++ {
		backups = append(backups, fmt.Sprintf("v%02d", i))
	}
	return &core.Committee{
		Epoch:      1,
		Primary:    "v00",
		Backups:    backups,
		SelectedAt: time.Now(),
	}
}

func makeVote(id, blockHash string, approved bool, score float64) core.Vote {
	return core.Vote{
		ValidatorID:    id,
		BlockHash:      blockHash,
		EmotionalScore: score,
		Timestamp:      time.Now(),
		Approved:       approved,
	}
}

func makeBlock() core.Block {
	return core.Block{Height: 1, Proposer: "v00", Timestamp: time.Now().UnixNano()}
}

func TestRoundSucceedsDespiteNonResponders(t *testing.T) {
	cfg := testConfig(21)
	transport := newFakeTransport()
	logger := NewLogger("test")
	committee := makeCommittee(21)
	round := NewRound(cfg, transport, logger, committee, makeBlock())
	round.emit = func(string, interface{}) {}

	// 15 members approve with a healthy average score, 6 never respond.
	transport.onMessage = func(members []string, msg core.ConsensusMessage) {
		if msg.Kind != core.MsgVoteRequest {
			return
		}
		for i, id := range members {
			if i >= 15 {
				break
			}
			require.NoError(t, round.AddVote(makeVote(id, msg.VoteReq.BlockHash, true, 82)))
		}
	}

	result, err := round.Execute(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success, "reason: %s", result.Reason)

	assert.Equal(t, 15, result.ApprovedVotes)
	assert.Equal(t, 21, result.ParticipantCount, "timeouts count as participants")
	assert.Equal(t, 6, result.ByzantineFailures)
	assert.InDelta(t, 82.0, result.AverageEmotionalScore, 0.001, "timeout votes must not drag the average")
	// 0.7 * (15/21*100) + 0.3 * 100
	assert.InDelta(t, 80.0, result.ConsensusStrength, 0.1)
	assert.Equal(t, core.PhaseFinalized, round.Phase())
	assert.Contains(t, transport.sentKinds(), core.MsgCommit)
}

func TestRoundFailsWithoutQuorum(t *testing.T) {
	cfg := testConfig(21)
	transport := newFakeTransport()
	round := NewRound(cfg, transport, NewLogger("test"), makeCommittee(21), makeBlock())
	round.emit = func(string, interface{}) {}

	transport.onMessage = func(members []string, msg core.ConsensusMessage) {
		if msg.Kind != core.MsgVoteRequest {
			return
		}
		for i, id := range members {
			if i >= 13 {
				break
			}
			require.NoError(t, round.AddVote(makeVote(id, msg.VoteReq.BlockHash, true, 85)))
		}
	}

	result, err := round.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success, "13 approvals out of 21 misses the 15-vote quorum")
	assert.Contains(t, result.Reason, "insufficient approved votes")
	assert.Contains(t, transport.sentKinds(), core.MsgReject)
}

func TestRoundFailsBelowEmotionalFloor(t *testing.T) {
	cfg := testConfig(5)
	transport := newFakeTransport()
	round := NewRound(cfg, transport, NewLogger("test"), makeCommittee(5), makeBlock())
	round.emit = func(string, interface{}) {}

	// Unanimous approval but the committee's average score is below 75.
	transport.onMessage = func(members []string, msg core.ConsensusMessage) {
		if msg.Kind != core.MsgVoteRequest {
			return
		}
		for _, id := range members {
			require.NoError(t, round.AddVote(makeVote(id, msg.VoteReq.BlockHash, true, 60)))
		}
	}

	result, err := round.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "average emotional score")
}

func TestAddVoteValidation(t *testing.T) {
	cfg := testConfig(5)
	round := NewRound(cfg, newFakeTransport(), NewLogger("test"), makeCommittee(5), makeBlock())
	round.emit = func(string, interface{}) {}
	blockHash := round.blockHash

	// Voting has not opened yet.
	err := round.AddVote(makeVote("v01", blockHash, true, 80))
	assert.ErrorIs(t, err, ErrRoundNotActive)

	round.mu.Lock()
	round.phase = core.PhaseVote
	round.mu.Unlock()

	assert.ErrorIs(t, round.AddVote(makeVote("stranger", blockHash, true, 80)), ErrNotCommitteeMember)
	assert.ErrorIs(t, round.AddVote(makeVote("v01", "deadbeef", true, 80)), ErrInvalidVote)
	assert.ErrorIs(t, round.AddVote(makeVote("v01", blockHash, true, 140)), ErrInvalidVote)

	stale := makeVote("v01", blockHash, true, 80)
	stale.Timestamp = time.Now().Add(-2 * cfg.VoteFreshness)
	assert.ErrorIs(t, round.AddVote(stale), ErrStaleVote)

	require.NoError(t, round.AddVote(makeVote("v01", blockHash, true, 80)))
	assert.ErrorIs(t, round.AddVote(makeVote("v01", blockHash, false, 80)), ErrDuplicateVote)

	votes := round.Votes()
	require.Len(t, votes, 1)
	assert.True(t, votes[0].Approved, "first vote must win, never be overwritten")
}

func TestVoteAndTimeoutRaceKeepsOneEntry(t *testing.T) {
	cfg := testConfig(21)
	transport := newFakeTransport()
	round := NewRound(cfg, transport, NewLogger("test"), makeCommittee(21), makeBlock())
	round.emit = func(string, interface{}) {}
	round.mu.Lock()
	round.phase = core.PhaseVote
	round.mu.Unlock()

	// Race every member's real vote against its synthesized timeout.
	members := round.committee.Members()
	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for i, id := range members {
		i, id := i, id
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs[i] = round.AddVote(makeVote(id, round.blockHash, true, 85))
		}()
		go func() {
			defer wg.Done()
			round.recordTimeoutVote(id)
		}()
	}
	wg.Wait()

	votes := round.Votes()
	require.Len(t, votes, len(members))
	byID := make(map[string]core.Vote, len(votes))
	for _, v := range votes {
		_, dup := byID[v.ValidatorID]
		require.False(t, dup, "at most one entry per validator")
		byID[v.ValidatorID] = v
	}
	for i, id := range members {
		v := byID[id]
		if errs[i] == nil {
			assert.NotEqual(t, core.VoteReasonTimeout, v.Reason, "%s: an accepted vote is never displaced by its timeout", id)
			assert.True(t, v.Approved)
		} else {
			assert.ErrorIs(t, errs[i], ErrDuplicateVote)
			assert.Equal(t, core.VoteReasonTimeout, v.Reason, "%s: the timeout won, the late vote is a no-op", id)
		}
	}
}

func TestRoundAbortIsIdempotent(t *testing.T) {
	cfg := testConfig(5)
	round := NewRound(cfg, newFakeTransport(), NewLogger("test"), makeCommittee(5), makeBlock())
	round.emit = func(string, interface{}) {}

	done := make(chan struct{})
	var result *core.RoundResult
	var execErr error
	go func() {
		result, execErr = round.Execute(context.Background())
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	round.Abort("operator request")
	round.Abort("second call is a no-op")

	<-done
	assert.ErrorIs(t, execErr, ErrRoundAborted)
	assert.False(t, result.Success)
	assert.Equal(t, core.PhaseAborted, round.Phase())

	// Aborting after the terminal state stays a no-op.
	round.Abort("third call")
	assert.Equal(t, core.PhaseAborted, round.Phase())
}

func TestRoundContextCancellation(t *testing.T) {
	cfg := testConfig(5)
	round := NewRound(cfg, newFakeTransport(), NewLogger("test"), makeCommittee(5), makeBlock())
	round.emit = func(string, interface{}) {}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := round.Execute(ctx)
	assert.ErrorIs(t, err, ErrRoundAborted)
}

func TestRequiredApprovals(t *testing.T) {
	cases := []struct {
		size      int
		threshold float64
		want      int
	}{
		{21, 67, 15},
		{4, 67, 3},
		{100, 67, 67},
		{21, 100, 21},
		{1, 67, 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RequiredApprovals(tc.size, tc.threshold),
			"size=%d threshold=%.0f", tc.size, tc.threshold)
	}
}

func TestPrimaryUnreachable(t *testing.T) {
	cfg := testConfig(3)
	transport := newFakeTransport()
	transport.failIDs["v00"] = true
	round := NewRound(cfg, transport, NewLogger("test"), makeCommittee(3), makeBlock())
	round.emit = func(string, interface{}) {}

	result, err := round.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, round.PrimaryUnreachable())
}
