package ratelimit

import (
	"testing"

	"signalgw/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestKeyedDisabled(t *testing.T) {
	k := New(config.RateLimitConfig{})
	assert.False(t, k.Enabled())
	for i := 0; i < 100; i++ {
		assert.True(t, k.Allow("client"))
	}
	assert.Zero(t, k.Len())

	var nilLimiter *Keyed
	assert.True(t, nilLimiter.Allow("client"))
	nilLimiter.Forget("client")
}

func TestKeyedBucketsAreIndependent(t *testing.T) {
	k := New(config.RateLimitConfig{RPS: 0.001, Burst: 2})

	assert.True(t, k.Allow("a"))
	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))

	assert.True(t, k.Allow("b"))
	assert.Equal(t, 2, k.Len())
}

func TestKeyedDefaultBurst(t *testing.T) {
	k := New(config.RateLimitConfig{RPS: 0.001})
	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))

	k = New(config.RateLimitConfig{RPS: 2.5})
	assert.Equal(t, 3, k.burst)
}

func TestKeyedForgetResetsBucket(t *testing.T) {
	k := New(config.RateLimitConfig{RPS: 0.001, Burst: 1})

	assert.True(t, k.Allow("peer-1"))
	assert.False(t, k.Allow("peer-1"))

	k.Forget("peer-1")
	assert.Zero(t, k.Len())
	assert.True(t, k.Allow("peer-1"))
}
