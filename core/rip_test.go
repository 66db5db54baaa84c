package core

import (
	"io"
	"log/slog"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routelab/ripsim/sim"
	"github.com/routelab/ripsim/state"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRig is a single-router bench: r sits between two silent neighbours so
// adverts can be injected on either interface and the table inspected.
type testRig struct {
	q    *sim.Queue
	topo *Topology
	rec  *Recorder
	eng  *Engine

	if1, if2     IfID // r's interfaces on 10.0.1.0/24 and 10.0.2.0/24
	linkX, linkY LinkID
	nbrX, nbrY   netip.Addr
}

func newTestRig(t *testing.T, mode state.SplitHorizon) *testRig {
	t.Helper()
	q := sim.NewQueue()
	rec := NewRecorder()
	topo := NewTopology(q, discardLogger(), rec)

	r, err := topo.AddNode("r", false)
	require.NoError(t, err)
	x, err := topo.AddNode("x", false)
	require.NoError(t, err)
	y, err := topo.AddNode("y", false)
	require.NoError(t, err)

	if1, err := topo.Attach(r, netip.MustParsePrefix("10.0.1.0/24"), netip.MustParseAddr("10.0.1.1"), 1, false)
	require.NoError(t, err)
	px, err := topo.Attach(x, netip.MustParsePrefix("10.0.1.0/24"), netip.MustParseAddr("10.0.1.2"), 1, false)
	require.NoError(t, err)
	linkX, err := topo.Connect("net-x", if1, px, 2*time.Millisecond)
	require.NoError(t, err)

	if2, err := topo.Attach(r, netip.MustParsePrefix("10.0.2.0/24"), netip.MustParseAddr("10.0.2.1"), 1, false)
	require.NoError(t, err)
	py, err := topo.Attach(y, netip.MustParsePrefix("10.0.2.0/24"), netip.MustParseAddr("10.0.2.2"), 1, false)
	require.NoError(t, err)
	linkY, err := topo.Connect("net-y", if2, py, 2*time.Millisecond)
	require.NoError(t, err)

	eng := NewEngine(topo, q, discardLogger(), rec, r, mode, rand.New(rand.NewSource(1)))
	return &testRig{
		q: q, topo: topo, rec: rec, eng: eng,
		if1: if1, if2: if2, linkX: linkX, linkY: linkY,
		nbrX: netip.MustParseAddr("10.0.1.2"),
		nbrY: netip.MustParseAddr("10.0.2.2"),
	}
}

func (rig *testRig) advertise(t *testing.T, ifID IfID, from netip.Addr, prefix string, metric uint8) {
	t.Helper()
	adv := Advert{From: from, Entries: []AdvertEntry{
		{Prefix: netip.MustParsePrefix(prefix), Metric: metric},
	}}
	require.NoError(t, rig.eng.handleAdvert(ifID, adv))
}

func TestEngineLearnsRoute(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 3)

	r := rig.eng.table.Get(netip.MustParsePrefix("10.9.0.0/16"))
	require.NotNil(t, r)
	assert.Equal(t, uint8(4), r.Metric)
	assert.Equal(t, rig.nbrX, r.NextHop)
	assert.Equal(t, rig.if1, r.OutIf)
	assert.Equal(t, state.RouteExpire, r.Expiry)
	assert.True(t, r.Changed)
	assert.NotNil(t, rig.eng.pendingTrig)

	got, ok := rig.eng.table.Lookup(netip.MustParseAddr("10.9.1.1"))
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestEngineIgnoresUnreachableNew(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	// 15 + interface metric 1 saturates at infinity, nothing to install
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 15)
	assert.Nil(t, rig.eng.table.Get(netip.MustParsePrefix("10.9.0.0/16")))
	assert.Nil(t, rig.eng.pendingTrig)
}

func TestEngineClampsBadMetric(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 0)
	assert.Nil(t, rig.eng.table.Get(netip.MustParsePrefix("10.9.0.0/16")))
}

func TestEngineSkipsInvalidPrefix(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	adv := Advert{From: rig.nbrX, Entries: []AdvertEntry{
		{Prefix: netip.Prefix{}, Metric: 2},
		{Prefix: netip.MustParsePrefix("10.9.0.0/16"), Metric: 2},
	}}
	require.NoError(t, rig.eng.handleAdvert(rig.if1, adv))
	// the valid entry after the bad one still lands
	assert.NotNil(t, rig.eng.table.Get(netip.MustParsePrefix("10.9.0.0/16")))
	assert.Equal(t, 1, rig.eng.table.Len())
}

func TestEngineSameNeighbourRefresh(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	prefix := netip.MustParsePrefix("10.9.0.0/16")
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 3)
	r := rig.eng.table.Get(prefix)
	r.Changed = false

	require.NoError(t, rig.q.RunUntil(10*time.Second))
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 3)
	assert.Equal(t, uint8(4), r.Metric)
	assert.Equal(t, 10*time.Second+state.RouteExpire, r.Expiry)
	assert.False(t, r.Changed)

	// a worse metric from the current next hop is still believed
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 7)
	assert.Equal(t, uint8(8), r.Metric)
	assert.True(t, r.Changed)
}

func TestEngineSameNeighbourPoison(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	prefix := netip.MustParsePrefix("10.9.0.0/16")
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 3)

	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", state.InfinityMetric)
	r := rig.eng.table.Get(prefix)
	require.NotNil(t, r)
	assert.Equal(t, uint8(state.InfinityMetric), r.Metric)
	assert.Equal(t, time.Duration(0), r.Expiry)
	assert.Equal(t, state.RouteGarbage, r.GCDeadline)
	_, ok := rig.eng.table.Lookup(netip.MustParseAddr("10.9.1.1"))
	assert.False(t, ok)
}

func TestEngineBetterNeighbourWins(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	prefix := netip.MustParsePrefix("10.9.0.0/16")
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 3)
	r := rig.eng.table.Get(prefix)
	assert.Equal(t, rig.nbrX, r.NextHop)

	// equal metric from another neighbour never replaces
	rig.advertise(t, rig.if2, rig.nbrY, "10.9.0.0/16", 3)
	assert.Equal(t, rig.nbrX, r.NextHop)
	assert.Equal(t, uint8(4), r.Metric)

	// strictly better does
	rig.advertise(t, rig.if2, rig.nbrY, "10.9.0.0/16", 2)
	assert.Equal(t, rig.nbrY, r.NextHop)
	assert.Equal(t, rig.if2, r.OutIf)
	assert.Equal(t, uint8(3), r.Metric)
}

func TestEngineDirectRouteNotReplaced(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	z, err := rig.topo.AddNode("z", false)
	require.NoError(t, err)
	if3, err := rig.topo.Attach(rig.eng.node, netip.MustParsePrefix("10.0.3.0/24"), netip.MustParseAddr("10.0.3.1"), 5, false)
	require.NoError(t, err)
	pz, err := rig.topo.Attach(z, netip.MustParsePrefix("10.0.3.0/24"), netip.MustParseAddr("10.0.3.2"), 5, false)
	require.NoError(t, err)
	_, err = rig.topo.Connect("net-z", if3, pz, time.Millisecond)
	require.NoError(t, err)
	rig.eng.installDirect(if3)

	// a cheaper path to the connected subnet exists through x, the
	// directly connected route still wins while the interface is up
	rig.advertise(t, rig.if1, rig.nbrX, "10.0.3.0/24", 2)
	r := rig.eng.table.Get(netip.MustParsePrefix("10.0.3.0/24"))
	require.NotNil(t, r)
	assert.True(t, r.Direct())
	assert.Equal(t, uint8(5), r.Metric)
}

func TestEngineTriggeredCoalesce(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 3)
	first := rig.eng.pendingTrig
	require.NotNil(t, first)
	assert.GreaterOrEqual(t, first.At(), state.TriggeredUpdateMin)
	assert.LessOrEqual(t, first.At(), state.TriggeredUpdateMax)

	rig.advertise(t, rig.if1, rig.nbrX, "10.8.0.0/16", 5)
	assert.Same(t, first, rig.eng.pendingTrig)

	require.NoError(t, rig.q.RunUntil(10*time.Second))
	assert.Nil(t, rig.eng.pendingTrig)
	assert.Equal(t, first.At(), rig.eng.lastAdvert)
	for _, r := range rig.eng.table.Routes() {
		assert.False(t, r.Changed)
	}
}

func TestEngineAging(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	require.NoError(t, rig.eng.Start())
	prefix := netip.MustParsePrefix("10.9.0.0/16")
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 3)

	// nothing refreshes the route, the expiry sweep poisons it
	require.NoError(t, rig.q.RunUntil(181*time.Second))
	r := rig.eng.table.Get(prefix)
	require.NotNil(t, r)
	assert.Equal(t, uint8(state.InfinityMetric), r.Metric)
	assert.Equal(t, 300*time.Second, r.GCDeadline)
	_, ok := rig.eng.table.Lookup(netip.MustParseAddr("10.9.1.1"))
	assert.False(t, ok)

	// garbage collection removes it entirely
	require.NoError(t, rig.q.RunUntil(301*time.Second))
	assert.Nil(t, rig.eng.table.Get(prefix))

	// directly connected routes never age out
	assert.NotNil(t, rig.eng.table.Get(netip.MustParsePrefix("10.0.1.0/24")))
	assert.NoError(t, rig.eng.CheckInvariants())
}

func TestEnginePortDownUp(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	require.NoError(t, rig.eng.Start())
	prefix := netip.MustParsePrefix("10.9.0.0/16")
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 3)

	require.NoError(t, rig.topo.SetLinkState(rig.linkX, false))
	learned := rig.eng.table.Get(prefix)
	direct := rig.eng.table.Get(netip.MustParsePrefix("10.0.1.0/24"))
	assert.Equal(t, uint8(state.InfinityMetric), learned.Metric)
	assert.Equal(t, uint8(state.InfinityMetric), direct.Metric)
	assert.Equal(t, state.RouteGarbage, learned.GCDeadline)
	_, ok := rig.eng.table.Lookup(netip.MustParseAddr("10.9.1.1"))
	assert.False(t, ok)

	require.NoError(t, rig.topo.SetLinkState(rig.linkX, true))
	assert.Equal(t, uint8(4), learned.Metric)
	assert.Equal(t, uint8(1), direct.Metric)
	assert.Equal(t, time.Duration(0), learned.GCDeadline)
	assert.True(t, rig.eng.fullUpdate[rig.if1])
	assert.NotNil(t, rig.eng.pendingTrig)
	assert.NoError(t, rig.eng.CheckInvariants())
}

func TestEngineDirectRouteReinstalledOnPortUp(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	require.NoError(t, rig.eng.Start())
	prefix := netip.MustParsePrefix("10.0.1.0/24")

	require.NoError(t, rig.topo.SetLinkState(rig.linkX, false))
	// with the direct route poisoned, a finite advertisement from the
	// other neighbour takes the prefix over
	rig.advertise(t, rig.if2, rig.nbrY, "10.0.1.0/24", 3)
	stolen := rig.eng.table.Get(prefix)
	require.NotNil(t, stolen)
	assert.Equal(t, rig.nbrY, stolen.NextHop)
	assert.Equal(t, uint8(4), stolen.Metric)

	// the interface coming back re-originates its subnet, displacing the
	// learned route
	require.NoError(t, rig.topo.SetLinkState(rig.linkX, true))
	r := rig.eng.table.Get(prefix)
	require.NotNil(t, r)
	assert.True(t, r.Direct())
	assert.Equal(t, uint8(1), r.Metric)
	assert.Equal(t, rig.if1, r.OutIf)
	assert.True(t, r.Changed)
	assert.NoError(t, rig.eng.CheckInvariants())
}

func TestEngineClampsExcessMetric(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	prefix := netip.MustParsePrefix("10.9.0.0/16")
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 3)

	// anything above infinity reads as unreachable, poisoning the route
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 17)
	r := rig.eng.table.Get(prefix)
	require.NotNil(t, r)
	assert.Equal(t, uint8(state.InfinityMetric), r.Metric)
	assert.Equal(t, state.RouteGarbage, r.GCDeadline)
	_, ok := rig.eng.table.Lookup(netip.MustParseAddr("10.9.1.1"))
	assert.False(t, ok)

	// repeated garbage from the same peer warns only once
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 17)
	assert.Equal(t, 1, rig.eng.anomalies.Len())
}

func TestEngineForwardProbe(t *testing.T) {
	rig := newTestRig(t, state.NoSplitHorizon)
	rig.advertise(t, rig.if1, rig.nbrX, "10.9.0.0/16", 3)

	probe := Probe{Src: rig.nbrY, Dst: netip.MustParseAddr("10.9.1.1"), Seq: 1, TTL: state.ProbeTTL}
	require.NoError(t, rig.eng.HandlePacket(rig.if2, probe))
	assert.Empty(t, rig.rec.Drops)

	// no installed route
	probe.Dst = netip.MustParseAddr("172.16.0.1")
	require.NoError(t, rig.eng.HandlePacket(rig.if2, probe))
	assert.Equal(t, 1, rig.rec.Drops[DropNoRoute])

	// hop budget exhausted
	probe.Dst = netip.MustParseAddr("10.9.1.1")
	probe.TTL = 1
	require.NoError(t, rig.eng.HandlePacket(rig.if2, probe))
	assert.Equal(t, 1, rig.rec.Drops[DropTTLExceeded])
}

func TestAddMetricSaturates(t *testing.T) {
	assert.Equal(t, uint8(3), AddMetric(1, 2))
	assert.Equal(t, uint8(16), AddMetric(15, 1))
	assert.Equal(t, uint8(16), AddMetric(16, 16))
	assert.Equal(t, uint8(16), AddMetric(16, 1))
}

func TestNodeSeedDiffers(t *testing.T) {
	assert.NotEqual(t, nodeSeed(1, "a"), nodeSeed(1, "b"))
	assert.NotEqual(t, nodeSeed(1, "a"), nodeSeed(2, "a"))
	assert.Equal(t, nodeSeed(7, "a"), nodeSeed(7, "a"))
}
