package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emotionchain/emotionchain/biometrics"
	"github.com/emotionchain/emotionchain/core"
	"github.com/emotionchain/emotionchain/registry"
	"github.com/emotionchain/emotionchain/signer"
	"github.com/emotionchain/emotionchain/storage"
)

// fakeProvider returns a fixed reading for every validator.
type fakeProvider struct {
	score float64
}

func (p fakeProvider) Assess(_ context.Context, id string) (biometrics.Reading, error) {
	return biometrics.Reading{
		ValidatorID:    id,
		EmotionalScore: p.score,
		Authenticity:   92,
		Confidence:     90,
		CapturedAt:     time.Now(),
	}, nil
}

func newTestEngine(t *testing.T, cfg Config, transport *fakeTransport, validators int) (*Engine, *registry.Registry, *storage.MemoryStore) {
	t.Helper()
	reg := registry.NewRegistry()
	store := storage.NewMemoryStore()
	for i := 0; i < validators; i++ {
		v := core.Validator{
			ID:         fmt.Sprintf("val-%03d", i),
			Name:       fmt.Sprintf("Validator %d", i),
			Stake:      5000,
			Reputation: 50,
			Active:     true,
		}
		reg.Register(v)
		store.SaveValidatorState(v)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	engine := NewEngine(cfg, reg, transport, store, fakeProvider{score: 85}, metrics, NewLogger("test"))
	return engine, reg, store
}

// autoVote wires the fake transport so every committee member approves the
// proposed block as soon as the vote request lands.
func autoVote(engine *Engine, transport *fakeTransport, score float64) {
	transport.onMessage = func(members []string, msg core.ConsensusMessage) {
		if msg.Kind != core.MsgVoteRequest {
			return
		}
		for _, id := range members {
			engine.SubmitVote(core.Vote{
				ValidatorID:    id,
				BlockHash:      msg.VoteReq.BlockHash,
				EmotionalScore: score,
				Timestamp:      time.Now(),
				Approved:       true,
			})
		}
	}
}

func TestRunEpochFinalizesBlock(t *testing.T) {
	cfg := testConfig(5)
	transport := newFakeTransport()
	engine, reg, store := newTestEngine(t, cfg, transport, 10)
	autoVote(engine, transport, 85)

	engine.AddTransaction(core.Transaction{Hash: "tx-1", From: "alice", Content: "hello"})
	engine.AddTransaction(core.Transaction{Hash: "tx-2", From: "bob", Content: "world"})

	result, err := engine.RunEpoch(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success, "reason: %s", result.Reason)

	assert.Equal(t, int64(1), store.Height())
	block, ok := store.BlockByHeight(1)
	require.True(t, ok)
	assert.Len(t, block.Txs, 2, "pending transactions are drained into the block")
	assert.Equal(t, 0, engine.PendingTransactionCount())

	tx, ok := store.TransactionByHash("tx-1")
	require.True(t, ok, "finalized transactions are queryable by hash")
	assert.Equal(t, "alice", tx.From)

	rewards := store.RewardsForEpoch(1)
	require.Len(t, rewards, cfg.CommitteeSize)
	for _, m := range rewards {
		assert.Greater(t, m.TotalReward, 0.0)
		v, ok := reg.Get(m.ValidatorID)
		require.True(t, ok)
		assert.Equal(t, m.TotalReward, v.Balance, "payout lands on the balance")
	}
	for _, sv := range store.ValidatorStates() {
		rv, ok := reg.Get(sv.ID)
		require.True(t, ok)
		assert.Equal(t, rv.Balance, sv.Balance, "balances write through to storage")
	}

	st := engine.State()
	assert.Equal(t, int64(1), st.Epoch)
	assert.Equal(t, int64(1), st.Height)
	assert.True(t, st.NetworkHealthy)
	require.NotNil(t, st.LastResult)
	assert.True(t, st.LastResult.Success)
}

func TestConsecutiveEpochsChainBlocks(t *testing.T) {
	cfg := testConfig(5)
	transport := newFakeTransport()
	engine, _, store := newTestEngine(t, cfg, transport, 10)
	autoVote(engine, transport, 85)

	ctx := context.Background()
	_, err := engine.RunEpoch(ctx)
	require.NoError(t, err)
	_, err = engine.RunEpoch(ctx)
	require.NoError(t, err)

	require.Equal(t, int64(2), store.Height())
	b1, _ := store.BlockByHeight(1)
	b2, _ := store.BlockByHeight(2)
	assert.Equal(t, b1.Hash(), b2.PrevHash, "blocks must chain")
}

func TestRunEpochFailsWithoutEligibleValidators(t *testing.T) {
	cfg := testConfig(5)
	engine, _, _ := newTestEngine(t, cfg, newFakeTransport(), 0)

	_, err := engine.RunEpoch(context.Background())
	assert.ErrorIs(t, err, ErrNoEligibleValidators)
}

func TestRunEpochFailsWithSmallPool(t *testing.T) {
	cfg := testConfig(21)
	engine, _, store := newTestEngine(t, cfg, newFakeTransport(), 5)

	_, err := engine.RunEpoch(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientValidators)
	assert.Equal(t, int64(0), store.Height())
}

func TestEpochFailureLeavesChainUntouched(t *testing.T) {
	cfg := testConfig(5)
	transport := newFakeTransport()
	engine, _, store := newTestEngine(t, cfg, transport, 10)
	// Nobody votes: every member times out and the round fails.

	result, err := engine.RunEpoch(context.Background())
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, int64(0), store.Height())
	assert.Empty(t, store.RewardsForEpoch(1))
}

func TestSubmitVoteVerifiesSignature(t *testing.T) {
	cfg := testConfig(5)
	transport := newFakeTransport()
	reg := registry.NewRegistry()
	store := storage.NewMemoryStore()
	signers := make(map[string]*signer.Ed25519Signer)
	for i := 0; i < 10; i++ {
		s := signer.NewEd25519Signer()
		v := core.Validator{
			ID:         fmt.Sprintf("val-%03d", i),
			Name:       fmt.Sprintf("Validator %d", i),
			PublicKey:  s.PublicKey(),
			Stake:      5000,
			Reputation: 50,
			Active:     true,
		}
		signers[v.ID] = s
		reg.Register(v)
		store.SaveValidatorState(v)
	}
	engine := NewEngine(cfg, reg, transport, store, fakeProvider{score: 85}, NewMetrics(prometheus.NewRegistry()), NewLogger("test"))

	// Every member submits garbage bytes instead of a signature; nothing may
	// be counted and the round must fail.
	var mu sync.Mutex
	var voteErrs []error
	transport.onMessage = func(members []string, msg core.ConsensusMessage) {
		if msg.Kind != core.MsgVoteRequest {
			return
		}
		for _, id := range members {
			err := engine.SubmitVote(core.Vote{
				ValidatorID:    id,
				BlockHash:      msg.VoteReq.BlockHash,
				EmotionalScore: 85,
				Signature:      []byte("not-a-signature"),
				Timestamp:      time.Now(),
				Approved:       true,
			})
			mu.Lock()
			voteErrs = append(voteErrs, err)
			mu.Unlock()
		}
	}
	result, err := engine.RunEpoch(context.Background())
	require.Error(t, err)
	assert.False(t, result.Success)
	mu.Lock()
	require.NotEmpty(t, voteErrs)
	for _, submitErr := range voteErrs {
		assert.ErrorIs(t, submitErr, ErrInvalidVote)
	}
	mu.Unlock()

	// Properly signed votes pass verification and the round finalizes.
	transport.onMessage = func(members []string, msg core.ConsensusMessage) {
		if msg.Kind != core.MsgVoteRequest {
			return
		}
		for _, id := range members {
			sig, sigErr := signers[id].Sign([]byte(msg.VoteReq.BlockHash))
			require.NoError(t, sigErr)
			require.NoError(t, engine.SubmitVote(core.Vote{
				ValidatorID:    id,
				BlockHash:      msg.VoteReq.BlockHash,
				EmotionalScore: 85,
				Signature:      sig,
				Timestamp:      time.Now(),
				Approved:       true,
			}))
		}
	}
	result, err = engine.RunEpoch(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success, "reason: %s", result.Reason)
}

func TestEvidenceMetricsCountAfterPruning(t *testing.T) {
	cfg := testConfig(5)
	cfg.DetectionWindow = 40 * time.Millisecond
	cfg.QuarantineDuration = time.Hour
	transport := newFakeTransport()
	engine, _, _ := newTestEngine(t, cfg, transport, 6)
	counter := engine.metrics.EvidenceByKind.WithLabelValues(string(core.EvidenceDoubleVoting))

	equivocate := func(roundID string) {
		engine.detector.RecordVote(roundID, core.Vote{ValidatorID: "val-000", BlockHash: "ha-" + roundID, Approved: true, Timestamp: time.Now()})
		engine.detector.RecordVote(roundID, core.Vote{ValidatorID: "val-000", BlockHash: "hb-" + roundID, Approved: false, Timestamp: time.Now()})
	}

	equivocate("r1")
	engine.runDetection()
	assert.Equal(t, 1.0, testutil.ToFloat64(counter))

	// Re-running detection must not double count the same evidence.
	engine.runDetection()
	assert.Equal(t, 1.0, testutil.ToFloat64(counter))

	// Once the evidence window expires the first finding is pruned; a fresh
	// equivocation still has to reach the counter.
	time.Sleep(2*cfg.DetectionWindow + 20*time.Millisecond)
	equivocate("r2")
	engine.runDetection()
	assert.Equal(t, 2.0, testutil.ToFloat64(counter))
}

func TestSubmitVoteWithoutActiveRound(t *testing.T) {
	cfg := testConfig(5)
	engine, _, _ := newTestEngine(t, cfg, newFakeTransport(), 10)

	err := engine.SubmitVote(core.Vote{ValidatorID: "val-001", BlockHash: "h", Timestamp: time.Now()})
	assert.ErrorIs(t, err, ErrRoundNotActive)
}

func TestQuarantinedValidatorsExcludedFromSelection(t *testing.T) {
	cfg := testConfig(5)
	cfg.QuarantineDuration = time.Hour
	transport := newFakeTransport()
	engine, _, _ := newTestEngine(t, cfg, transport, 6)
	autoVote(engine, transport, 85)

	// Equivocation on a past round quarantines val-000 before the epoch runs.
	engine.detector.RecordVote("old-round", core.Vote{ValidatorID: "val-000", BlockHash: "h", Approved: true, Timestamp: time.Now()})
	engine.detector.RecordVote("old-round", core.Vote{ValidatorID: "val-000", BlockHash: "h", Approved: false, Timestamp: time.Now()})
	engine.detector.AnalyzeValidator("val-000")
	require.True(t, engine.detector.IsQuarantined("val-000"))

	result, err := engine.RunEpoch(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success, "reason: %s", result.Reason)

	st := engine.State()
	require.NotNil(t, st.Committee)
	assert.False(t, st.Committee.HasMember("val-000"))
	assert.Equal(t, 1, st.QuarantinedCount)
}

func TestRunEpochRejectsConcurrentRun(t *testing.T) {
	cfg := testConfig(5)
	transport := newFakeTransport()
	engine, _, _ := newTestEngine(t, cfg, transport, 10)
	autoVote(engine, transport, 85)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		engine.RunEpoch(context.Background())
		close(done)
	}()

	<-started
	time.Sleep(10 * time.Millisecond)
	_, err := engine.RunEpoch(context.Background())
	assert.ErrorIs(t, err, ErrEpochInProgress)
	<-done
}

func TestEngineStop(t *testing.T) {
	cfg := testConfig(5)
	transport := newFakeTransport()
	engine, _, _ := newTestEngine(t, cfg, transport, 10)
	autoVote(engine, transport, 85)

	ctx := context.Background()
	engine.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	engine.Stop()

	_, err := engine.RunEpoch(ctx)
	assert.ErrorIs(t, err, ErrEngineStopped)
}
