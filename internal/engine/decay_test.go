package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/engine"
)

func TestDecayIsLinearInAge(t *testing.T) {
	assert.InDelta(t, 0.49, engine.Decay(0.5, 0.01, 24*time.Hour), 1e-9)
	assert.InDelta(t, 0.40, engine.Decay(0.5, 0.01, 10*24*time.Hour), 1e-9)
}

func TestDecayClampsToZero(t *testing.T) {
	assert.Zero(t, engine.Decay(0.1, 0.01, 365*24*time.Hour))
}

func TestDecayIgnoresNonPositiveInputs(t *testing.T) {
	assert.Equal(t, 0.5, engine.Decay(0.5, 0.01, 0))
	assert.Equal(t, 0.5, engine.Decay(0.5, 0.01, -time.Hour))
	assert.Equal(t, 0.5, engine.Decay(0.5, 0, 24*time.Hour))
}

func TestDecayClampsOutOfRangeImportance(t *testing.T) {
	assert.Equal(t, 1.0, engine.Decay(1.5, 0, 0))
	assert.Equal(t, 0.0, engine.Decay(-0.2, 0, 0))
}

func TestDecayedAt(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	created := now.Add(-48 * time.Hour)
	assert.InDelta(t, 0.78, engine.DecayedAt(0.8, 0.01, created, now), 1e-9)
}
