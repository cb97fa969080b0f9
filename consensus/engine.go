package consensus

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/emotionchain/emotionchain/biometrics"
	"github.com/emotionchain/emotionchain/communication"
	"github.com/emotionchain/emotionchain/core"
	"github.com/emotionchain/emotionchain/registry"
	"github.com/emotionchain/emotionchain/signer"
	"github.com/emotionchain/emotionchain/storage"
)

// maxTxPerBlock caps how many pending transactions one block drains.
const maxTxPerBlock = 100

// EngineState is a point-in-time snapshot of the consensus core, safe to
// serve to API clients without further locking.
type EngineState struct {
	Epoch            int64             `json:"epoch"`
	Height           int64             `json:"height"`
	Running          bool              `json:"running"`
	RoundPhase       core.RoundPhase   `json:"round_phase,omitempty"`
	Committee        *core.Committee   `json:"committee,omitempty"`
	LastResult       *core.RoundResult `json:"last_result,omitempty"`
	ActiveValidators int               `json:"active_validators"`
	QuarantinedCount int               `json:"quarantined_count"`
	ByzantineRisk    float64           `json:"byzantine_risk"`
	NetworkHealthy   bool              `json:"network_healthy"`
	PendingTxs       int               `json:"pending_txs"`
}

// Engine is the epoch orchestrator. It owns the assessment, selection, round,
// detection and reward steps of each epoch and is the only writer of the
// current round and committee.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	registry  *registry.Registry
	selector  *Selector
	detector  *Detector
	rewards   *RewardEngine
	transport communication.Transport
	store     storage.Store
	provider  biometrics.Provider
	metrics   *Metrics
	logger    *Logger
	emit      EmitFunc

	epoch            int64
	epochRunning     bool
	currentRound     *Round
	currentCommittee *core.Committee
	lastResult       *core.RoundResult

	pendingTxs []core.Transaction

	// evidenceCounted holds the IDs of evidence already counted into metrics.
	// Rebuilt every detection pass so pruned evidence drops out of the set.
	evidenceCounted map[string]bool
	slashed         map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEngine wires the consensus core together. The selector's randomness is
// seeded from the clock; tests construct the subcomponents directly instead.
func NewEngine(cfg Config, reg *registry.Registry, transport communication.Transport, store storage.Store, provider biometrics.Provider, metrics *Metrics, logger *Logger) *Engine {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Engine{
		cfg:             cfg,
		registry:        reg,
		selector:        NewSelector(cfg, rng),
		detector:        NewDetector(cfg, logger),
		rewards:         NewRewardEngine(cfg, logger),
		transport:       transport,
		store:           store,
		provider:        provider,
		metrics:         metrics,
		logger:          logger,
		emit:            communication.BroadcastEvent,
		evidenceCounted: make(map[string]bool),
		slashed:         make(map[string]bool),
		stopCh:          make(chan struct{}),
	}
}

// Detector exposes the Byzantine detector for API handlers.
func (e *Engine) Detector() *Detector { return e.detector }

// Start runs the epoch loop until Stop is called or ctx is cancelled. Epoch
// scheduling is drift-free: the next epoch starts EpochDuration after the
// previous one began, not after it finished.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			began := time.Now()

			_, err := e.RunEpoch(ctx)
			delay := e.cfg.EpochDuration - time.Since(began)
			if err != nil && err != ErrRoundAborted {
				delay = e.cfg.RetryDelay
			}
			if delay < 0 {
				delay = 0
			}

			select {
			case <-time.After(delay):
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the epoch loop and releases detector timers. Safe to call more
// than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.mu.Lock()
		if e.currentRound != nil {
			e.currentRound.Abort("engine stopped")
		}
		e.mu.Unlock()
	})
	e.wg.Wait()
	e.detector.Stop()
}

// RunEpoch executes one full epoch: assess, select, propose, vote, commit,
// detect, reward. Exactly one epoch may run at a time.
func (e *Engine) RunEpoch(ctx context.Context) (*core.RoundResult, error) {
	e.mu.Lock()
	if e.epochRunning {
		e.mu.Unlock()
		return nil, ErrEpochInProgress
	}
	select {
	case <-e.stopCh:
		e.mu.Unlock()
		return nil, ErrEngineStopped
	default:
	}
	e.epochRunning = true
	e.epoch++
	epoch := e.epoch
	e.mu.Unlock()

	began := time.Now()
	defer func() {
		e.mu.Lock()
		e.epochRunning = false
		e.currentRound = nil
		e.mu.Unlock()
		e.metrics.EpochDuration.Observe(time.Since(began).Seconds())
		e.publishState()
	}()

	e.logger.Epoch(epoch, "Starting epoch")

	e.assessValidators(ctx)

	eligible, err := e.eligibleValidators()
	if err != nil {
		return e.failEpoch(epoch, nil, err)
	}

	committee, err := e.selector.Select(eligible, epoch)
	if err != nil {
		return e.failEpoch(epoch, nil, err)
	}
	e.logger.Committee("Epoch %d: %d members from a pool of %d, primary %s",
		epoch, committee.Size(), len(eligible), committee.Primary)
	e.mu.Lock()
	e.currentCommittee = committee
	e.mu.Unlock()

	block := e.buildBlock(committee.Primary)
	e.detector.RecordProposal(committee.Primary, block.Height, block.Hash())

	result, err := e.executeRound(ctx, committee, block)
	if err == ErrRoundAborted {
		return e.failEpoch(epoch, result, err)
	}

	// Failed proposal delivery to the primary triggers one emergency
	// reselection before the epoch is written off.
	if !result.Success && e.primaryUnreachable() {
		e.logger.Epoch(epoch, "Primary %s unreachable, reselecting committee", committee.Primary)
		retryResult, retryErr := e.retryWithNewCommittee(ctx, epoch, eligible, committee.Primary)
		if retryErr == nil && retryResult != nil {
			result = retryResult
			e.mu.Lock()
			committee = e.currentCommittee
			e.mu.Unlock()
			block = e.rebuiltBlock(committee.Primary, block)
		}
	}

	e.runDetection()

	e.store.SaveRoundResult(*result)
	e.metrics.ConsensusStrength.Set(result.ConsensusStrength)

	if !result.Success {
		e.metrics.RoundsByOutcome.WithLabelValues("failed").Inc()
		return e.failEpoch(epoch, result, fmt.Errorf("consensus not reached: %s", result.Reason))
	}
	e.metrics.RoundsByOutcome.WithLabelValues("finalized").Inc()

	if err := e.store.SaveBlock(block); err != nil {
		return e.failEpoch(epoch, result, fmt.Errorf("failed to persist block: %w", err))
	}

	e.distributeRewards(epoch, committee, result, time.Since(began))

	e.mu.Lock()
	e.lastResult = result
	e.mu.Unlock()

	e.metrics.EpochsCompleted.Inc()
	e.logger.Epoch(epoch, "Epoch completed: block %d finalized with strength %.1f", block.Height, result.ConsensusStrength)
	e.emit(communication.EventEpochCompleted, map[string]interface{}{
		"epoch":  epoch,
		"height": block.Height,
		"result": result,
	})
	return result, nil
}

// SubmitVote routes an incoming vote to the active round and, if accepted,
// into the detector's history. Votes from validators with a registered public
// key must carry a valid signature over the block hash.
func (e *Engine) SubmitVote(v core.Vote) error {
	e.mu.Lock()
	round := e.currentRound
	e.mu.Unlock()

	if round == nil {
		return ErrRoundNotActive
	}
	voter, ok := e.registry.Get(v.ValidatorID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, v.ValidatorID)
	}
	if len(voter.PublicKey) > 0 && !signer.VerifyWithKey(voter.PublicKey, []byte(v.BlockHash), v.Signature) {
		return fmt.Errorf("%w: signature verification failed for %s", ErrInvalidVote, v.ValidatorID)
	}
	if err := round.AddVote(v); err != nil {
		// A duplicate is itself a detection signal.
		if round.Phase() == core.PhaseVote {
			e.detector.RecordVote(round.ID(), v)
		}
		return err
	}
	e.detector.RecordVote(round.ID(), v)
	return nil
}

// AddTransaction queues a transaction for inclusion in the next block.
func (e *Engine) AddTransaction(tx core.Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingTxs = append(e.pendingTxs, tx)
}

// PendingTransactionCount returns the mempool depth.
func (e *Engine) PendingTransactionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingTxs)
}

// State returns a snapshot of the consensus core.
func (e *Engine) State() EngineState {
	risk, healthy := e.detector.AssessNetworkHealth(e.registry.ActiveCount())
	quarantined := len(e.detector.QuarantinedIDs())

	e.mu.Lock()
	defer e.mu.Unlock()
	st := EngineState{
		Epoch:            e.epoch,
		Height:           e.store.Height(),
		Running:          e.epochRunning,
		ActiveValidators: e.registry.ActiveCount(),
		QuarantinedCount: quarantined,
		ByzantineRisk:    risk,
		NetworkHealthy:   healthy,
		PendingTxs:       len(e.pendingTxs),
	}
	if e.currentRound != nil {
		st.RoundPhase = e.currentRound.Phase()
	}
	if e.currentCommittee != nil {
		c := *e.currentCommittee
		st.Committee = &c
	}
	if e.lastResult != nil {
		r := *e.lastResult
		st.LastResult = &r
	}
	return st
}

// Health reports the current Byzantine risk assessment.
func (e *Engine) Health() (risk float64, healthy bool) {
	return e.detector.AssessNetworkHealth(e.registry.ActiveCount())
}

// assessValidators refreshes every active validator's biometric state before
// selection. Assessment failures degrade that validator, not the epoch.
func (e *Engine) assessValidators(ctx context.Context) {
	for _, v := range e.registry.All() {
		if !v.Active {
			continue
		}
		reading, err := e.provider.Assess(ctx, v.ID)
		if err != nil {
			e.logger.Error("assessment", "Assessment of %s failed: %v", v.ID, err)
			continue
		}
		if err := e.registry.ApplyAssessment(v.ID, reading.EmotionalScore, reading.Authenticity, reading.Confidence, reading.CapturedAt); err != nil {
			e.logger.Error("assessment", "Applying assessment for %s failed: %v", v.ID, err)
			continue
		}
		e.detector.RecordScore(v.ID, reading.EmotionalScore)
	}
}

// eligibleValidators returns the selection pool: active, above the emotional
// and stake floors, and not quarantined.
func (e *Engine) eligibleValidators() ([]core.Validator, error) {
	eligible := e.registry.Eligible(e.cfg.EmotionalThreshold, e.cfg.MinimumStake)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleValidators
	}
	filtered := eligible[:0]
	for _, v := range eligible {
		if !e.detector.IsQuarantined(v.ID) {
			filtered = append(filtered, v)
		}
	}
	if len(filtered) == 0 {
		return nil, ErrNoEligibleValidators
	}
	return filtered, nil
}

// buildBlock drains up to maxTxPerBlock pending transactions into a new
// candidate block on top of the stored chain.
func (e *Engine) buildBlock(proposer string) core.Block {
	e.mu.Lock()
	n := len(e.pendingTxs)
	if n > maxTxPerBlock {
		n = maxTxPerBlock
	}
	txs := make([]core.Transaction, n)
	copy(txs, e.pendingTxs[:n])
	e.pendingTxs = e.pendingTxs[n:]
	e.mu.Unlock()

	prevHash := ""
	if prev, ok := e.store.LatestBlock(); ok {
		prevHash = prev.Hash()
	}
	return core.Block{
		Height:    e.store.Height() + 1,
		PrevHash:  prevHash,
		Proposer:  proposer,
		Txs:       txs,
		Timestamp: time.Now().UnixNano(),
	}
}

// rebuiltBlock rebinds a candidate block to a new proposer after emergency
// reselection, keeping its transactions.
func (e *Engine) rebuiltBlock(proposer string, old core.Block) core.Block {
	block := old
	block.Proposer = proposer
	block.Timestamp = time.Now().UnixNano()
	return block
}

func (e *Engine) executeRound(ctx context.Context, committee *core.Committee, block core.Block) (*core.RoundResult, error) {
	round := NewRound(e.cfg, e.transport, e.logger, committee, block)
	e.mu.Lock()
	e.currentRound = round
	e.mu.Unlock()
	e.publishState()

	return round.Execute(ctx)
}

func (e *Engine) primaryUnreachable() bool {
	e.mu.Lock()
	round := e.currentRound
	e.mu.Unlock()
	return round != nil && round.PrimaryUnreachable()
}

// retryWithNewCommittee performs the emergency reselection path: the failed
// primary is excluded from the pool and a fresh committee votes on a rebuilt
// block.
func (e *Engine) retryWithNewCommittee(ctx context.Context, epoch int64, eligible []core.Validator, failedPrimary string) (*core.RoundResult, error) {
	pool := make([]core.Validator, 0, len(eligible))
	for _, v := range eligible {
		if v.ID != failedPrimary {
			pool = append(pool, v)
		}
	}
	committee, err := e.selector.Reselect(pool, epoch)
	if err != nil {
		e.logger.Epoch(epoch, "Emergency reselection failed: %v", err)
		return nil, err
	}
	e.logger.Committee("Epoch %d: emergency committee of %d, primary %s",
		epoch, committee.Size(), committee.Primary)

	e.mu.Lock()
	e.currentCommittee = committee
	e.mu.Unlock()

	block := e.buildBlock(committee.Primary)
	e.detector.RecordProposal(committee.Primary, block.Height, block.Hash())
	return e.executeRound(ctx, committee, block)
}

// runDetection runs a full detection pass, feeds new evidence into metrics
// and applies slashing to newly quarantined validators.
func (e *Engine) runDetection() {
	detections := e.detector.AnalyzeAll()

	quarantined := 0
	counted := make(map[string]bool)
	for _, det := range detections {
		if det.Status == core.StatusQuarantined {
			quarantined++
		}

		var worst core.EvidenceKind
		worstRank := -1
		for _, ev := range det.Evidence {
			if !e.evidenceCounted[ev.ID] {
				e.metrics.EvidenceByKind.WithLabelValues(string(ev.Kind)).Inc()
			}
			counted[ev.ID] = true
			if r := severityRank(ev.Severity); r > worstRank {
				worstRank = r
				worst = ev.Kind
			}
		}

		if det.Status == core.StatusQuarantined && !e.slashed[det.ValidatorID] {
			e.slashValidator(det.ValidatorID, worst)
		}
		if det.Status != core.StatusQuarantined {
			delete(e.slashed, det.ValidatorID)
		}
	}
	e.evidenceCounted = counted

	risk, _ := e.detector.AssessNetworkHealth(e.registry.ActiveCount())
	e.metrics.NetworkHealth.Set(100 - risk)
	e.metrics.ActiveValidators.Set(float64(e.registry.ActiveCount()))
	e.metrics.QuarantinedCount.Set(float64(quarantined))
}

// slashValidator burns a fraction of stake determined by the worst evidence
// kind on record. Each quarantine triggers at most one slash.
func (e *Engine) slashValidator(id string, kind core.EvidenceKind) {
	fraction := e.rewards.SlashFraction(kind)
	burned, deactivated := e.registry.Slash(id, fraction, e.cfg.MinimumStake)
	if burned <= 0 {
		return
	}
	e.slashed[id] = true
	e.metrics.StakeSlashed.Add(burned)
	if v, ok := e.registry.Get(id); ok {
		e.store.SaveValidatorState(v)
	}
	e.logger.Byzantine(id, "Slashed %.1f stake for %s (deactivated=%v)", burned, kind, deactivated)
}

// distributeRewards pays out the committee for a finalized block. Early
// voters are the first two-thirds of real votes by arrival.
func (e *Engine) distributeRewards(epoch int64, committee *core.Committee, result *core.RoundResult, elapsed time.Duration) {
	e.mu.Lock()
	round := e.currentRound
	e.mu.Unlock()
	if round == nil {
		return
	}
	votes := round.Votes()

	realVotes := 0
	for _, v := range votes {
		if v.Reason != core.VoteReasonTimeout {
			realVotes++
		}
	}
	earlyCutoff := int(math.Ceil(earlyCheckFraction * float64(realVotes)))

	_, healthy := e.detector.AssessNetworkHealth(e.registry.ActiveCount())
	healthFactor := e.rewards.HealthFactor(result, elapsed, healthy)

	byID := make(map[string]core.Vote, len(votes))
	arrival := make(map[string]int, len(votes))
	seen := 0
	for _, v := range votes {
		byID[v.ValidatorID] = v
		if v.Reason != core.VoteReasonTimeout {
			arrival[v.ValidatorID] = seen
			seen++
		}
	}

	payouts := make([]core.RewardMetrics, 0, committee.Size())
	total := 0.0
	for _, id := range committee.Members() {
		v, ok := e.registry.Get(id)
		if !ok {
			continue
		}
		vote, voted := byID[id]
		p := Participation{
			Voted:              voted && vote.Reason != core.VoteReasonTimeout,
			AlignedWithOutcome: voted && vote.Reason != core.VoteReasonTimeout && vote.Approved == result.Success,
		}
		if pos, ok := arrival[id]; ok && pos < earlyCutoff {
			p.VotedEarly = true
		}

		m := e.rewards.ComputeReward(&v, p, healthFactor)
		balance, err := e.registry.Credit(id, m.TotalReward)
		if err != nil {
			e.logger.Error("rewards", "Crediting %s failed: %v", id, err)
			continue
		}
		e.registry.AdjustReputation(id, m.ReputationDelta)
		if err := e.store.UpdateValidatorBalance(id, balance); err != nil {
			e.logger.Error("rewards", "Persisting balance for %s failed: %v", id, err)
		}
		payouts = append(payouts, m)
		total += m.TotalReward
	}

	e.store.SaveRewards(epoch, payouts)
	e.metrics.RewardsDistributed.Add(total)
	e.logger.Reward("Distributed %.1f tokens across %d validators for epoch %d", total, len(payouts), epoch)
}

// failEpoch records an epoch failure and schedules nothing; the caller's loop
// applies the retry delay.
func (e *Engine) failEpoch(epoch int64, result *core.RoundResult, cause error) (*core.RoundResult, error) {
	e.metrics.EpochsFailed.Inc()
	e.logger.Epoch(epoch, "Epoch failed: %v", cause)
	e.emit(communication.EventEpochFailed, map[string]interface{}{
		"epoch":  epoch,
		"reason": cause.Error(),
	})
	if result != nil {
		e.mu.Lock()
		e.lastResult = result
		e.mu.Unlock()
	}
	return result, cause
}

func (e *Engine) publishState() {
	e.emit(communication.EventStateUpdated, e.State())
}

func severityRank(s core.EvidenceSeverity) int {
	switch s {
	case core.SeverityCritical:
		return 3
	case core.SeverityHigh:
		return 2
	case core.SeverityMedium:
		return 1
	default:
		return 0
	}
}
