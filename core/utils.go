package core

import (
	"math/rand"
	"time"

	"github.com/cespare/xxhash"

	"github.com/routelab/ripsim/state"
)

// AddMetric adds two metrics, saturating at infinity. Every metric addition
// in the engine goes through here.
func AddMetric(a, b uint8) uint8 {
	m := uint16(a) + uint16(b)
	if m > state.InfinityMetric {
		return state.InfinityMetric
	}
	return uint8(m)
}

// nodeSeed derives a per-router PRNG seed so one router's jitter draws
// never shift another's schedule.
func nodeSeed(scenarioSeed uint64, name string) int64 {
	return int64(scenarioSeed ^ xxhash.Sum64String(name))
}

// uniformDuration draws from [lo, hi] inclusive.
func uniformDuration(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	return lo + time.Duration(rng.Int63n(int64(hi-lo)+1))
}
