package main

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVolumeConversion(t *testing.T) {
	assert.Equal(t, 1.0, volumeToLinear(paVolumeNorm))
	assert.Equal(t, 0.0, volumeToLinear(0))
	assert.Equal(t, 0.5, volumeToLinear(paVolumeNorm/2))

	assert.Equal(t, uint32(paVolumeNorm), linearToVolume(1.0))
	assert.Equal(t, uint32(0), linearToVolume(-0.2))
	assert.Equal(t, uint32(0), linearToVolume(math.NaN()))
	assert.Equal(t, uint32(paVolumeMax), linearToVolume(1e9))

	for _, v := range []float64{0.1, 0.23, 0.5, 0.77, 1.0, 1.3} {
		assert.InDelta(t, v, volumeToLinear(linearToVolume(v)), 1e-4, "%v", v)
	}
}

func TestChannelAggregates(t *testing.T) {
	assert.Equal(t, 0.8, loudest([]float64{0.2, 0.8, 0.5}))
	assert.Equal(t, 0.0, loudest(nil))
	assert.InDelta(t, 0.5, average([]float64{0.2, 0.8, 0.5}), 1e-9)
	assert.Equal(t, 0.0, average(nil))
}

func TestSinkCacheStale(t *testing.T) {
	now := time.Now()
	var missing *sinkCache
	assert.True(t, missing.stale(now, time.Second))

	c := &sinkCache{name: "out", channels: 2, refreshedAt: now}
	assert.False(t, c.stale(now.Add(500*time.Millisecond), time.Second))
	assert.True(t, c.stale(now.Add(2*time.Second), time.Second))
}
