package state

import "time"

// InfinityMetric is the RIP unreachability bound. Metric arithmetic
// saturates here; a route at this metric is withdrawn from the datapath.
const InfinityMetric = 16

// MaxIfMetric is the largest configurable interface metric.
const MaxIfMetric = InfinityMetric - 1

var (
	// PeriodicUpdate is the base interval between full advertisements,
	// jittered by +- UpdateJitter on every tick.
	PeriodicUpdate = 30 * time.Second
	UpdateJitter   = 5 * time.Second

	// StartupDelayMin/Max bound the first advertisement after an engine
	// starts.
	StartupDelayMin = 100 * time.Millisecond
	StartupDelayMax = 1 * time.Second

	RouteExpire  = 180 * time.Second
	RouteGarbage = 120 * time.Second

	// Hold-down window for triggered updates, measured from the last
	// periodic or triggered advertisement. Changes arriving while an
	// update is pending coalesce into it.
	TriggeredUpdateMin = 1 * time.Second
	TriggeredUpdateMax = 5 * time.Second

	// AgingSweep is how often each engine scans its table for expiry and
	// garbage-collection deadlines.
	AgingSweep = 1 * time.Second

	// ProbeTTL bounds the number of router hops a probe may take, so a
	// transient routing loop cannot forward forever within one instant.
	ProbeTTL = 64

	// AnomalyLogTTL deduplicates malformed-advertisement warnings per
	// peer. Wall-clock on purpose: it only throttles operator logging and
	// never feeds back into the simulation.
	AnomalyLogTTL = time.Minute
)
