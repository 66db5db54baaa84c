package core

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/routelab/ripsim/sim"
	"github.com/routelab/ripsim/state"
)

// Engine is the per-router distance-vector state machine. It owns the
// router's table exclusively; all cross-router interaction happens through
// advertisement packets.
type Engine struct {
	node NodeID
	name string
	topo *Topology
	q    *sim.Queue
	log  *slog.Logger
	obs  Observer
	mode state.SplitHorizon
	rng  *rand.Rand

	table *Table

	// lastAdvert is when this engine last emitted any advertisement;
	// the triggered-update hold-down is measured from it.
	lastAdvert  time.Duration
	pendingTrig *sim.Event
	// fullUpdate marks interfaces owed a full table on the next triggered
	// update, after coming back up.
	fullUpdate map[IfID]bool

	anomalies *ttlcache.Cache[string, struct{}]
}

func NewEngine(topo *Topology, q *sim.Queue, log *slog.Logger, obs Observer,
	node NodeID, mode state.SplitHorizon, rng *rand.Rand) *Engine {
	n := topo.Node(node)
	e := &Engine{
		node:       node,
		name:       n.Name,
		topo:       topo,
		q:          q,
		log:        log.With("node", n.Name),
		obs:        obs,
		mode:       mode,
		rng:        rng,
		table:      NewTable(),
		fullUpdate: make(map[IfID]bool),
		anomalies: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](state.AnomalyLogTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
	topo.SetStack(node, e)
	return e
}

// Start installs the directly connected routes and arms the periodic
// advertisement and aging timers.
func (e *Engine) Start() error {
	for _, ifID := range e.topo.Node(e.node).Ifaces {
		if e.topo.IfaceUsable(ifID) {
			e.installDirect(ifID)
		}
	}
	first := uniformDuration(e.rng, state.StartupDelayMin, state.StartupDelayMax)
	if _, err := e.q.Schedule(first, e.periodic); err != nil {
		return err
	}
	_, err := e.q.Schedule(state.AgingSweep, e.sweep)
	return err
}

func (e *Engine) Table() *Table {
	return e.table
}

func (e *Engine) installDirect(ifID IfID) {
	ifc := e.topo.Iface(ifID)
	r := &Route{
		Prefix:     ifc.Prefix.Masked(),
		OutIf:      ifID,
		Metric:     ifc.Metric,
		LastUpdate: e.q.Now(),
		Changed:    true,
	}
	e.table.Upsert(r)
	e.obs.RouteUpdated(e.q.Now(), e.name, r.Prefix, r.Metric, r.NextHop)
}

// ripIfaces lists the node's interfaces participating in RIP, in attach
// order.
func (e *Engine) ripIfaces() []IfID {
	var out []IfID
	for _, ifID := range e.topo.Node(e.node).Ifaces {
		if !e.topo.Iface(ifID).RIPExcluded {
			out = append(out, ifID)
		}
	}
	return out
}

// periodic emits a full advertisement on every RIP interface and re-arms
// itself with fresh jitter. It supersedes any pending triggered update.
func (e *Engine) periodic() error {
	for _, ifID := range e.ripIfaces() {
		if !e.topo.IfaceUsable(ifID) {
			continue
		}
		e.sendAdvert(ifID, false)
	}
	e.finishAdvert()
	interval := state.PeriodicUpdate + uniformDuration(e.rng, -state.UpdateJitter, state.UpdateJitter)
	_, err := e.q.Schedule(interval, e.periodic)
	return err
}

// scheduleTriggered arms a triggered update inside the hold-down window
// measured from the last advertisement. Further changes coalesce into the
// already-pending update; the window is never reset.
func (e *Engine) scheduleTriggered() {
	if e.pendingTrig != nil {
		return
	}
	hold := uniformDuration(e.rng, state.TriggeredUpdateMin, state.TriggeredUpdateMax)
	at := e.lastAdvert + hold
	if at < e.q.Now() {
		at = e.q.Now()
	}
	ev, err := e.q.ScheduleAt(at, e.triggered)
	if err != nil {
		panic(err)
	}
	e.pendingTrig = ev
}

// triggered emits the changed entries (or a full table on interfaces that
// just came back up) on every usable RIP interface.
func (e *Engine) triggered() error {
	e.pendingTrig = nil
	for _, ifID := range e.ripIfaces() {
		if !e.topo.IfaceUsable(ifID) {
			continue
		}
		e.sendAdvert(ifID, !e.fullUpdate[ifID])
	}
	e.finishAdvert()
	return nil
}

func (e *Engine) sendAdvert(ifID IfID, changedOnly bool) {
	entries := e.buildAdvert(ifID, changedOnly)
	if len(entries) == 0 {
		return
	}
	e.topo.Send(ifID, Advert{From: e.topo.Iface(ifID).Addr, Entries: entries})
}

// finishAdvert clears change flags and pending full updates and restarts
// the hold-down clock.
func (e *Engine) finishAdvert() {
	for _, r := range e.table.Routes() {
		r.Changed = false
	}
	clear(e.fullUpdate)
	if e.pendingTrig != nil {
		e.q.Cancel(e.pendingTrig)
		e.pendingTrig = nil
	}
	e.lastAdvert = e.q.Now()
}

// HandlePacket implements Stack.
func (e *Engine) HandlePacket(ifID IfID, pkt Packet) error {
	switch p := pkt.(type) {
	case Advert:
		return e.handleAdvert(ifID, p)
	case Probe:
		e.forwardProbe(ifID, p)
		return nil
	}
	return fmt.Errorf("%s: unknown packet type %T", e.name, pkt)
}

// handleAdvert applies the distance-vector update rules to each advertised
// entry. The receiving interface's metric is the additive cost.
func (e *Engine) handleAdvert(ifID IfID, adv Advert) error {
	ifc := e.topo.Iface(ifID)
	if ifc.RIPExcluded {
		return nil
	}
	now := e.q.Now()
	changed := false
	for _, entry := range adv.Entries {
		if !entry.Prefix.IsValid() {
			e.anomaly(adv.From, "invalid prefix")
			continue
		}
		m := entry.Metric
		if m < 1 || m > state.InfinityMetric {
			e.anomaly(adv.From, "metric out of range")
			m = state.InfinityMetric
		}
		mAdd := AddMetric(m, ifc.Metric)
		prefix := entry.Prefix.Masked()
		r := e.table.Get(prefix)
		switch {
		case r == nil:
			if mAdd >= state.InfinityMetric {
				continue
			}
			nr := &Route{
				Prefix:     prefix,
				NextHop:    adv.From,
				OutIf:      ifID,
				Metric:     mAdd,
				LastUpdate: now,
				Expiry:     now + state.RouteExpire,
				Changed:    true,
			}
			e.table.Upsert(nr)
			e.obs.RouteUpdated(now, e.name, prefix, mAdd, adv.From)
			changed = true

		case r.NextHop == adv.From && r.OutIf == ifID:
			r.LastUpdate = now
			if mAdd != r.Metric {
				r.Metric = mAdd
				if mAdd >= state.InfinityMetric {
					r.Expiry = 0
					r.GCDeadline = now + state.RouteGarbage
				} else {
					r.Expiry = now + state.RouteExpire
					r.GCDeadline = 0
				}
				r.Changed = true
				e.table.Sync(r)
				e.obs.RouteUpdated(now, e.name, prefix, mAdd, adv.From)
				changed = true
			} else if r.Installed() {
				r.Expiry = now + state.RouteExpire
			}

		case mAdd < r.Metric && !(r.Direct() && r.Installed()):
			// strictly better via a different neighbour; equal metrics
			// never replace, first learned wins
			r.NextHop = adv.From
			r.OutIf = ifID
			r.Metric = mAdd
			r.LastUpdate = now
			r.Expiry = now + state.RouteExpire
			r.GCDeadline = 0
			r.portDown = false
			r.Changed = true
			e.table.Sync(r)
			e.obs.RouteUpdated(now, e.name, prefix, mAdd, adv.From)
			changed = true
		}
	}
	if changed {
		e.scheduleTriggered()
	}
	return nil
}

// sweep ages the table: expired routes are poisoned and kept for
// advertising, garbage-collected ones are removed. Directly connected
// routes never expire.
func (e *Engine) sweep() error {
	now := e.q.Now()
	changed := false
	for _, r := range e.table.Routes() {
		if r.GCDeadline > 0 && now >= r.GCDeadline {
			e.table.Delete(r.Prefix)
			e.obs.RouteUpdated(now, e.name, r.Prefix, state.InfinityMetric, r.NextHop)
			continue
		}
		if !r.Direct() && r.Installed() && r.Expiry > 0 && now >= r.Expiry {
			r.Metric = state.InfinityMetric
			r.Expiry = 0
			r.GCDeadline = now + state.RouteGarbage
			r.Changed = true
			e.table.Sync(r)
			e.obs.RouteUpdated(now, e.name, r.Prefix, state.InfinityMetric, r.NextHop)
			changed = true
		}
	}
	if changed {
		e.scheduleTriggered()
	}
	_, err := e.q.Schedule(state.AgingSweep, e.sweep)
	return err
}

// PortStateChanged implements Stack. Going down poisons every route using
// the interface; coming back restores what garbage collection has not yet
// taken, re-originates the connected subnet and owes the peer a full
// update.
func (e *Engine) PortStateChanged(ifID IfID, up bool) error {
	now := e.q.Now()
	changed := false
	if !up {
		for _, r := range e.table.Routes() {
			if r.OutIf != ifID || !r.Installed() {
				continue
			}
			r.savedMetric = r.Metric
			r.portDown = true
			r.Metric = state.InfinityMetric
			r.GCDeadline = now + state.RouteGarbage
			r.Changed = true
			e.table.Sync(r)
			e.obs.RouteUpdated(now, e.name, r.Prefix, state.InfinityMetric, r.NextHop)
			changed = true
		}
	} else {
		for _, r := range e.table.Routes() {
			if r.OutIf != ifID || !r.portDown {
				continue
			}
			r.portDown = false
			r.Metric = r.savedMetric
			r.GCDeadline = 0
			r.LastUpdate = now
			r.Changed = true
			e.table.Sync(r)
			e.obs.RouteUpdated(now, e.name, r.Prefix, r.Metric, r.NextHop)
			changed = true
		}
		// re-originate the connected subnet: the poisoned direct route may
		// have been garbage-collected, or replaced by a neighbour's finite
		// advertisement while the port was down
		ifc := e.topo.Iface(ifID)
		if r := e.table.Get(ifc.Prefix.Masked()); r == nil || !r.Direct() {
			e.installDirect(ifID)
			changed = true
		}
		if !ifc.RIPExcluded {
			e.fullUpdate[ifID] = true
		}
	}
	if changed {
		e.scheduleTriggered()
	}
	return nil
}

// forwardProbe moves a probe one hop along the installed datapath.
func (e *Engine) forwardProbe(ifID IfID, p Probe) {
	for _, id := range e.topo.Node(e.node).Ifaces {
		if e.topo.Iface(id).Addr == p.Dst {
			e.log.Debug("probe addressed to router", "t", e.q.Now(), "seq", p.Seq)
			return
		}
	}
	p.TTL--
	if p.TTL <= 0 {
		e.obs.PacketDropped(e.q.Now(), e.name, DropTTLExceeded, p)
		return
	}
	r, ok := e.table.Lookup(p.Dst)
	if !ok {
		e.obs.PacketDropped(e.q.Now(), e.name, DropNoRoute, p)
		return
	}
	e.topo.Send(r.OutIf, p)
}

// anomaly logs a malformed-advertisement condition once per peer and
// reason within the dedup window.
func (e *Engine) anomaly(peer netip.Addr, reason string) {
	key := peer.String() + "/" + reason
	if e.anomalies.Get(key) != nil {
		return
	}
	e.anomalies.Set(key, struct{}{}, ttlcache.DefaultTTL)
	e.log.Warn("malformed advertisement", "t", e.q.Now(), "peer", peer, "reason", reason)
}

// Snapshot captures the full table, poisoned entries included.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{At: e.q.Now(), Node: e.name}
	for _, r := range e.table.Routes() {
		ifc := e.topo.Iface(r.OutIf)
		name := ""
		if ifc.Link != -1 {
			name = e.topo.Link(ifc.Link).Name
		}
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Prefix:  r.Prefix,
			NextHop: r.NextHop,
			Metric:  r.Metric,
			Iface:   name,
		})
	}
	return snap
}

// CheckInvariants verifies the table against the protocol invariants:
// metrics stay within [1, infinity], only finite routes sit in the
// datapath, and an up directly connected route carries its interface
// metric.
func (e *Engine) CheckInvariants() error {
	for _, r := range e.table.Routes() {
		if r.Metric < 1 || r.Metric > state.InfinityMetric {
			return fmt.Errorf("%s: route %v has metric %d outside [1, %d]",
				e.name, r.Prefix, r.Metric, state.InfinityMetric)
		}
		dp, ok := e.table.datapath.Get(r.Prefix)
		if r.Installed() != ok {
			return fmt.Errorf("%s: route %v installed=%v but datapath=%v",
				e.name, r.Prefix, r.Installed(), ok)
		}
		if ok && dp != r {
			return fmt.Errorf("%s: datapath entry for %v is not the table route", e.name, r.Prefix)
		}
		if r.Direct() && e.topo.IfaceUsable(r.OutIf) && r.Metric != e.topo.Iface(r.OutIf).Metric {
			return fmt.Errorf("%s: direct route %v has metric %d, interface metric is %d",
				e.name, r.Prefix, r.Metric, e.topo.Iface(r.OutIf).Metric)
		}
	}
	return nil
}
