package biometrics

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Reading is one biometric assessment of a validator.
type Reading struct {
	ValidatorID    string    `json:"validator_id"`
	EmotionalScore float64   `json:"emotional_score"` // 0-100
	Authenticity   float64   `json:"authenticity"`    // 0-100
	Confidence     float64   `json:"confidence"`      // 0-100
	CapturedAt     time.Time `json:"captured_at"`
}

// Provider produces biometric readings. Production deployments plug in real
// sensor gateways; the simulated provider serves development and tests.
type Provider interface {
	Assess(ctx context.Context, validatorID string) (Reading, error)
}

// SimulatedProvider synthesizes plausible readings. Each validator gets a
// stable baseline that drifts slowly, so score series look organic rather
// than uniformly random.
type SimulatedProvider struct {
	mu        sync.Mutex
	rng       *rand.Rand
	baselines map[string]float64
}

// NewSimulatedProvider creates a provider seeded for reproducibility.
func NewSimulatedProvider(seed int64) *SimulatedProvider {
	return &SimulatedProvider{
		rng:       rand.New(rand.NewSource(seed)),
		baselines: make(map[string]float64),
	}
}

// Assess returns a synthetic reading around the validator's baseline.
func (p *SimulatedProvider) Assess(_ context.Context, validatorID string) (Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	base, ok := p.baselines[validatorID]
	if !ok {
		base = clamp(82+p.rng.NormFloat64()*6, 60, 98)
	}
	// Slow drift keeps consecutive readings correlated per validator.
	base = clamp(base+p.rng.NormFloat64()*0.8, 55, 99)
	p.baselines[validatorID] = base

	return Reading{
		ValidatorID:    validatorID,
		EmotionalScore: clamp(base+p.rng.NormFloat64()*3, 0, 100),
		Authenticity:   clamp(92+p.rng.NormFloat64()*4, 0, 100),
		Confidence:     clamp(88+p.rng.NormFloat64()*5, 0, 100),
		CapturedAt:     time.Now(),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
