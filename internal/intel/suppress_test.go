package intel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSuppressorWindow(t *testing.T) {
	s := newSuppressor(10 * time.Minute)
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	assert.True(t, s.shouldEmit("evil.example.com", "dev-1", base))
	assert.False(t, s.shouldEmit("evil.example.com", "dev-1", base.Add(5*time.Minute)))

	// Suppressed repeats do not extend the window: it stays anchored at the
	// last emitted event.
	assert.False(t, s.shouldEmit("evil.example.com", "dev-1", base.Add(8*time.Minute)))
	assert.True(t, s.shouldEmit("evil.example.com", "dev-1", base.Add(11*time.Minute)))

	// The re-emission starts a fresh window.
	assert.False(t, s.shouldEmit("evil.example.com", "dev-1", base.Add(12*time.Minute)))
}

func TestSuppressorKeysAreIndependent(t *testing.T) {
	s := newSuppressor(10 * time.Minute)
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	assert.True(t, s.shouldEmit("evil.example.com", "dev-1", now))
	assert.True(t, s.shouldEmit("evil.example.com", "dev-2", now))
	assert.True(t, s.shouldEmit("other.example.com", "dev-1", now))
	assert.False(t, s.shouldEmit("evil.example.com", "dev-1", now))
}

func TestSuppressorSweep(t *testing.T) {
	s := newSuppressor(10 * time.Minute)
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	s.shouldEmit("a", "dev-1", base)
	s.shouldEmit("b", "dev-1", base.Add(5*time.Minute))
	assert.Equal(t, 2, s.size())

	s.sweep(base.Add(12 * time.Minute))
	assert.Equal(t, 1, s.size())

	// The surviving entry still suppresses.
	assert.False(t, s.shouldEmit("b", "dev-1", base.Add(13*time.Minute)))
	assert.True(t, s.shouldEmit("a", "dev-1", base.Add(13*time.Minute)))
}
