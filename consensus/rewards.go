package consensus

import (
	"math"
	"time"

	"github.com/emotionchain/emotionchain/core"
)

// Participation describes one validator's behavior in a finalized round. The
// orchestrator fills this from the round result.
type Participation struct {
	Voted              bool
	VotedEarly         bool // among the first two-thirds of received votes
	AlignedWithOutcome bool // vote matched the committee decision
}

// Health factor tuning. The factor starts at 1.0, earns bonuses for strong
// rounds and loses ground per Byzantine failure and for epochs that overrun
// their slot. Total reward never drops below half the base reward.
const (
	healthParticipationBonus = 0.05 // participation rate above 90%
	healthScoreBonus         = 0.05 // average emotional score above 85
	healthByzantinePenalty   = 0.10 // per Byzantine failure in the round
	healthSlowEpochPenalty   = 0.10 // epoch exceeded its configured duration
	healthRiskPenalty        = 0.25 // detector reports the network unhealthy
	minHealthFactor          = 0.50
	maxHealthFactor          = 1.10
)

// RewardEngine computes validator payouts and slashing fractions. All methods
// are pure; applying the results to balances is the orchestrator's job.
type RewardEngine struct {
	cfg    Config
	logger *Logger
}

// NewRewardEngine creates a reward engine.
func NewRewardEngine(cfg Config, logger *Logger) *RewardEngine {
	return &RewardEngine{cfg: cfg, logger: logger}
}

// HealthFactor scales the whole epoch's payouts by how cleanly the round went.
func (e *RewardEngine) HealthFactor(result *core.RoundResult, elapsed time.Duration, networkHealthy bool) float64 {
	factor := 1.0
	if result.ParticipationRate > 90 {
		factor += healthParticipationBonus
	}
	if result.AverageEmotionalScore > 85 {
		factor += healthScoreBonus
	}
	factor -= healthByzantinePenalty * float64(result.ByzantineFailures)
	if elapsed > e.cfg.EpochDuration {
		factor -= healthSlowEpochPenalty
	}
	if !networkHealthy {
		factor -= healthRiskPenalty
	}
	if factor < minHealthFactor {
		factor = minHealthFactor
	}
	if factor > maxHealthFactor {
		factor = maxHealthFactor
	}
	return factor
}

// ComputeReward prices one validator's contribution to a finalized block.
func (e *RewardEngine) ComputeReward(v *core.Validator, p Participation, healthFactor float64) core.RewardMetrics {
	m := core.RewardMetrics{
		ValidatorID: v.ID,
		BaseReward:  e.cfg.BaseReward,
	}

	m.EmotionalBonus = e.emotionalBonus(v.EmotionalScore)
	m.ConsistencyBonus = e.consistencyBonus(v)
	m.ParticipationBonus = e.participationBonus(p)
	m.StakeMultiplier = e.stakeMultiplier(v.Stake)

	total := (m.BaseReward + m.EmotionalBonus + m.ConsistencyBonus + m.ParticipationBonus) * m.StakeMultiplier
	total *= healthFactor
	if floor := e.cfg.BaseReward * minHealthFactor; total < floor {
		total = floor
	}
	m.TotalReward = total
	m.ReputationDelta = reputationDelta(p)

	return m
}

// emotionalBonus ramps linearly from zero at the eligibility threshold to the
// configured maximum at a perfect score.
func (e *RewardEngine) emotionalBonus(score float64) float64 {
	threshold := e.cfg.EmotionalThreshold
	if score <= threshold || threshold >= 100 {
		return 0
	}
	frac := (score - threshold) / (100 - threshold)
	if frac > 1 {
		frac = 1
	}
	return frac * e.cfg.MaxEmotionalBonus
}

// consistencyBonus blends long-run reputation with reading authenticity.
func (e *RewardEngine) consistencyBonus(v *core.Validator) float64 {
	blend := 0.6*(v.Reputation/100) + 0.4*(v.Authenticity/100)
	bonus := blend * e.cfg.MaxConsistencyBonus
	if bonus > e.cfg.MaxConsistencyBonus {
		bonus = e.cfg.MaxConsistencyBonus
	}
	if bonus < 0 {
		bonus = 0
	}
	return bonus
}

func (e *RewardEngine) participationBonus(p Participation) float64 {
	bonus := 0.0
	if p.Voted {
		bonus += 1
	}
	if p.VotedEarly {
		bonus += 1
	}
	if p.AlignedWithOutcome {
		bonus += 2
	}
	if bonus > e.cfg.MaxParticipationBonus {
		bonus = e.cfg.MaxParticipationBonus
	}
	return bonus
}

// stakeMultiplier ramps logarithmically from 1.0 at the minimum stake to the
// configured maximum at the reference stake, then saturates. Log growth keeps
// whales from dominating payouts.
func (e *RewardEngine) stakeMultiplier(stake float64) float64 {
	if stake <= e.cfg.MinimumStake {
		return 1.0
	}
	frac := math.Log(stake/e.cfg.MinimumStake) / math.Log(e.cfg.ReferenceStake/e.cfg.MinimumStake)
	if frac > 1 {
		frac = 1
	}
	return 1.0 + frac*(e.cfg.MaxStakeMultiplier-1.0)
}

func reputationDelta(p Participation) float64 {
	if !p.Voted {
		return -2
	}
	delta := 0.5
	if p.AlignedWithOutcome {
		delta += 1
	}
	return delta
}

// SlashFraction maps an evidence kind to the fraction of stake burned.
// Equivocation is punished hardest; passive faults lightest.
func (e *RewardEngine) SlashFraction(kind core.EvidenceKind) float64 {
	switch kind {
	case core.EvidenceDoubleVoting, core.EvidenceConflictingProposal:
		return 0.30
	case core.EvidenceCollusion:
		return 0.25
	case core.EvidenceScoreManipulation:
		return 0.20
	case core.EvidenceNetworkAttack:
		return 0.15
	default:
		return 0.05
	}
}
