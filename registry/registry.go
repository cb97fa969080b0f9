package registry

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/emotionchain/emotionchain/core"
)

// Registry is the in-memory view of known validators. It owns the canonical
// Validator records; callers always receive value copies, never handles into
// the map.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]*core.Validator
}

// NewRegistry creates an empty validator registry.
func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[string]*core.Validator),
	}
}

// Hydrate replaces the registry contents with states loaded from storage.
func (r *Registry) Hydrate(states []core.Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.validators = make(map[string]*core.Validator, len(states))
	for i := range states {
		v := states[i]
		r.validators[v.ID] = &v
	}
	log.Printf("Registry hydrated with %d validators", len(states))
}

// Register adds or replaces a validator.
func (r *Registry) Register(v core.Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[v.ID] = &v
}

// Remove deletes a validator and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[id]; !ok {
		return false
	}
	delete(r.validators, id)
	return true
}

// Get returns a copy of the validator with the given id.
func (r *Registry) Get(id string) (core.Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[id]
	if !ok {
		return core.Validator{}, false
	}
	return *v, true
}

// All returns copies of every validator, ordered by id for determinism.
func (r *Registry) All() []core.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vals := make([]core.Validator, 0, len(r.validators))
	for _, v := range r.validators {
		vals = append(vals, *v)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i].ID < vals[j].ID })
	return vals
}

// Count returns the number of registered validators.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.validators)
}

// ActiveCount returns the number of validators currently marked active.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, v := range r.validators {
		if v.Active {
			n++
		}
	}
	return n
}

// Eligible returns validators meeting the consensus entry bar: emotional
// score at or above the threshold, stake at or above the minimum, and active.
func (r *Registry) Eligible(emotionalThreshold, minimumStake float64) []core.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eligible := make([]core.Validator, 0)
	for _, v := range r.validators {
		if v.Active && v.EmotionalScore >= emotionalThreshold && v.Stake >= minimumStake {
			eligible = append(eligible, *v)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible
}

// ApplyAssessment records one biometric assessment tick for a validator and
// derives its score trend from the previous sample.
func (r *Registry) ApplyAssessment(id string, emotionalScore, authenticity, confidence float64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[id]
	if !ok {
		return fmt.Errorf("validator %s not registered", id)
	}

	switch {
	case emotionalScore > v.EmotionalScore+1:
		v.ScoreTrend = core.TrendImproving
	case emotionalScore < v.EmotionalScore-1:
		v.ScoreTrend = core.TrendDeclining
	default:
		v.ScoreTrend = core.TrendStable
	}

	v.EmotionalScore = clamp(emotionalScore, 0, 100)
	v.Authenticity = clamp(authenticity, 0, 100)
	v.Confidence = clamp(confidence, 0, 100)
	v.LastAssessment = at
	return nil
}

// AdjustReputation shifts a validator's reputation by delta, clamped to [0,100].
func (r *Registry) AdjustReputation(id string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.validators[id]; ok {
		v.Reputation = clamp(v.Reputation+delta, 0, 100)
	}
}

// Credit adds amount to a validator's balance and returns the new balance.
func (r *Registry) Credit(id string, amount float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[id]
	if !ok {
		return 0, fmt.Errorf("validator %s not registered", id)
	}
	v.Balance += amount
	return v.Balance, nil
}

// Slash burns a fraction of a validator's stake. If the remaining stake falls
// below minimumStake the validator is deactivated. Returns the amount burned
// and whether the validator was deactivated.
func (r *Registry) Slash(id string, fraction, minimumStake float64) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[id]
	if !ok {
		return 0, false
	}

	burned := v.Stake * fraction
	v.Stake -= burned
	deactivated := false
	if v.Stake < minimumStake {
		v.Active = false
		deactivated = true
	}
	log.Printf("Slashed validator %s by %.2f (%.0f%%), remaining stake %.2f",
		id, burned, fraction*100, v.Stake)
	return burned, deactivated
}

// SetActive flips a validator's activity flag.
func (r *Registry) SetActive(id string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.validators[id]; ok {
		v.Active = active
	}
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
