package biometrics

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssessWithinRange(t *testing.T) {
	p := NewSimulatedProvider(1)
	for i := 0; i < 50; i++ {
		r, err := p.Assess(context.Background(), "val-001")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.EmotionalScore, 0.0)
		assert.LessOrEqual(t, r.EmotionalScore, 100.0)
		assert.GreaterOrEqual(t, r.Authenticity, 0.0)
		assert.LessOrEqual(t, r.Authenticity, 100.0)
		assert.Equal(t, "val-001", r.ValidatorID)
	}
}

func TestAssessDeterministicWithSeed(t *testing.T) {
	a := NewSimulatedProvider(42)
	b := NewSimulatedProvider(42)

	ra, err := a.Assess(context.Background(), "val-001")
	require.NoError(t, err)
	rb, err := b.Assess(context.Background(), "val-001")
	require.NoError(t, err)

	assert.Equal(t, ra.EmotionalScore, rb.EmotionalScore)
	assert.Equal(t, ra.Confidence, rb.Confidence)
}

func TestConsecutiveReadingsStayCorrelated(t *testing.T) {
	p := NewSimulatedProvider(7)
	prev, err := p.Assess(context.Background(), "val-001")
	require.NoError(t, err)

	// The baseline drift keeps consecutive readings close; a physiologically
	// impossible jump would itself look like manipulation.
	for i := 0; i < 30; i++ {
		r, err := p.Assess(context.Background(), "val-001")
		require.NoError(t, err)
		assert.Less(t, math.Abs(r.EmotionalScore-prev.EmotionalScore), 30.0)
		prev = r
	}
}
