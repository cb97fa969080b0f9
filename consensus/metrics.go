package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes consensus health to prometheus scrapers.
type Metrics struct {
	EpochsCompleted    prometheus.Counter
	EpochsFailed       prometheus.Counter
	RoundsByOutcome    *prometheus.CounterVec
	ConsensusStrength  prometheus.Gauge
	NetworkHealth      prometheus.Gauge
	ActiveValidators   prometheus.Gauge
	QuarantinedCount   prometheus.Gauge
	EvidenceByKind     *prometheus.CounterVec
	EpochDuration      prometheus.Histogram
	RewardsDistributed prometheus.Counter
	StakeSlashed       prometheus.Counter
}

// NewMetrics creates the consensus collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer in production, a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EpochsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe",
			Name:      "epochs_completed_total",
			Help:      "Number of epochs that finalized a block.",
		}),
		EpochsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe",
			Name:      "epochs_failed_total",
			Help:      "Number of epochs that ended in failure.",
		}),
		RoundsByOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poe",
			Name:      "rounds_total",
			Help:      "Consensus rounds by outcome.",
		}, []string{"outcome"}),
		ConsensusStrength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poe",
			Name:      "consensus_strength",
			Help:      "Consensus strength of the most recent round.",
		}),
		NetworkHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poe",
			Name:      "network_health",
			Help:      "Network health percentage (100 minus Byzantine risk).",
		}),
		ActiveValidators: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poe",
			Name:      "active_validators",
			Help:      "Number of active validators in the registry.",
		}),
		QuarantinedCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poe",
			Name:      "quarantined_validators",
			Help:      "Number of validators currently quarantined.",
		}),
		EvidenceByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poe",
			Name:      "byzantine_evidence_total",
			Help:      "Byzantine evidence recorded, by kind.",
		}, []string{"kind"}),
		EpochDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "poe",
			Name:      "epoch_duration_seconds",
			Help:      "Wall-clock duration of epoch execution.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		RewardsDistributed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe",
			Name:      "rewards_distributed_total",
			Help:      "Cumulative reward tokens distributed.",
		}),
		StakeSlashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe",
			Name:      "stake_slashed_total",
			Help:      "Cumulative stake burned by slashing.",
		}),
	}

	reg.MustRegister(
		m.EpochsCompleted,
		m.EpochsFailed,
		m.RoundsByOutcome,
		m.ConsensusStrength,
		m.NetworkHealth,
		m.ActiveValidators,
		m.QuarantinedCount,
		m.EvidenceByKind,
		m.EpochDuration,
		m.RewardsDistributed,
		m.StakeSlashed,
	)
	return m
}
