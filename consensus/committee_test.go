package consensus

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emotionchain/emotionchain/core"
)

func makeValidators(n int) []core.Validator {
	out := make([]core.Validator, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, core.Validator{
			ID:             fmt.Sprintf("val-%03d", i),
			Name:           fmt.Sprintf("Validator %d", i),
			Stake:          float64(1000 + i*500),
			EmotionalScore: 76 + float64(i%20),
			Authenticity:   90,
			Confidence:     85 + float64(i%10),
			Reputation:     40 + float64(i%55),
			Active:         true,
			ScoreTrend:     core.TrendStable,
		})
	}
	return out
}

func selectorConfig(size int) Config {
	cfg := DefaultConfig()
	cfg.CommitteeSize = size
	return cfg
}

func TestSelectBuildsValidCommittee(t *testing.T) {
	s := NewSelector(selectorConfig(21), rand.New(rand.NewSource(1)))
	pool := makeValidators(40)

	committee, err := s.Select(pool, 1)
	require.NoError(t, err)

	assert.Equal(t, 21, committee.Size())
	assert.NotEmpty(t, committee.Primary)
	assert.True(t, committee.HasMember(committee.Primary))

	seen := make(map[string]bool)
	for _, id := range committee.Members() {
		assert.False(t, seen[id], "duplicate member %s", id)
		seen[id] = true
	}
	assert.Greater(t, committee.AverageScore, 0.0)
	assert.Equal(t, int64(1), committee.Epoch)
}

func TestSelectFailsOnSmallPool(t *testing.T) {
	s := NewSelector(selectorConfig(21), rand.New(rand.NewSource(1)))
	_, err := s.Select(makeValidators(10), 1)
	assert.ErrorIs(t, err, ErrInsufficientValidators)
}

func TestSelectReproducibleWithSeed(t *testing.T) {
	pool := makeValidators(40)

	a, err := NewSelector(selectorConfig(21), rand.New(rand.NewSource(42))).Select(pool, 1)
	require.NoError(t, err)
	b, err := NewSelector(selectorConfig(21), rand.New(rand.NewSource(42))).Select(pool, 1)
	require.NoError(t, err)

	assert.Equal(t, a.Primary, b.Primary)
	assert.Equal(t, a.Backups, b.Backups)
}

func TestSuspiciouslyPerfectValidatorsExcluded(t *testing.T) {
	s := NewSelector(selectorConfig(5), rand.New(rand.NewSource(7)))
	pool := makeValidators(8)

	// A validator reporting near-perfect score and confidence simultaneously
	// must never reach a committee slot.
	perfect := core.Validator{
		ID:             "too-good",
		Stake:          50000,
		EmotionalScore: 99,
		Confidence:     99,
		Reputation:     95,
		Active:         true,
	}
	pool = append(pool, perfect)

	for epoch := int64(1); epoch <= 5; epoch++ {
		committee, err := s.Select(pool, epoch)
		require.NoError(t, err)
		assert.False(t, committee.HasMember("too-good"), "epoch %d", epoch)
	}
}

func TestLowReputationExcluded(t *testing.T) {
	s := NewSelector(selectorConfig(5), rand.New(rand.NewSource(7)))
	pool := makeValidators(8)
	shady := core.Validator{
		ID:             "shady",
		Stake:          50000,
		EmotionalScore: 95,
		Confidence:     90,
		Reputation:     10,
		Active:         true,
	}
	pool = append(pool, shady)

	committee, err := s.Select(pool, 1)
	require.NoError(t, err)
	assert.False(t, committee.HasMember("shady"))
}

func TestRepetitionPenaltyRotatesPrimary(t *testing.T) {
	s := NewSelector(selectorConfig(5), rand.New(rand.NewSource(3)))
	pool := makeValidators(20)

	primaries := make(map[string]int)
	for epoch := int64(1); epoch <= 10; epoch++ {
		committee, err := s.Select(pool, epoch)
		require.NoError(t, err)
		primaries[committee.Primary]++
	}
	// The repetition penalty must prevent a single validator from holding
	// the primary slot for all ten epochs.
	assert.Greater(t, len(primaries), 1)
}

func TestCommitteeDiversity(t *testing.T) {
	uniform := []core.Validator{
		{ID: "a", EmotionalScore: 80, Reputation: 50, Stake: 1000},
		{ID: "b", EmotionalScore: 80, Reputation: 50, Stake: 1000},
		{ID: "c", EmotionalScore: 80, Reputation: 50, Stake: 1000},
	}
	assert.Equal(t, 0.0, committeeDiversity(uniform))

	varied := []core.Validator{
		{ID: "a", EmotionalScore: 76, Reputation: 30, Stake: 1000},
		{ID: "b", EmotionalScore: 88, Reputation: 60, Stake: 8000},
		{ID: "c", EmotionalScore: 95, Reputation: 90, Stake: 50000},
	}
	assert.Greater(t, committeeDiversity(varied), 0.0)
	assert.Equal(t, 0.0, committeeDiversity(varied[:1]), "singleton committee has no diversity")
}
