package core

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"time"
)

type DropReason int

const (
	// DropLinkDown: submitted to a link that is not usable.
	DropLinkDown DropReason = iota
	// DropInFlight: cancelled mid-flight by a link going down.
	DropInFlight
	// DropNoRoute: no installed route matched the destination.
	DropNoRoute
	// DropTTLExceeded: the probe ran out of hops.
	DropTTLExceeded
)

func (d DropReason) String() string {
	switch d {
	case DropLinkDown:
		return "link-down"
	case DropInFlight:
		return "in-flight"
	case DropNoRoute:
		return "no-route"
	case DropTTLExceeded:
		return "ttl-exceeded"
	}
	return fmt.Sprintf("drop(%d)", int(d))
}

type ProbeResult int

const (
	ProbeDelivered ProbeResult = iota
	ProbeLost
	ProbeUnreachable
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeDelivered:
		return "delivered"
	case ProbeLost:
		return "lost"
	case ProbeUnreachable:
		return "unreachable"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// ProbeOutcome is the fate of one probe: delivered with a virtual RTT,
// lost somewhere on the path, or rejected for lack of a route.
type ProbeOutcome struct {
	Seq    int
	SentAt time.Duration
	Result ProbeResult
	RTT    time.Duration
}

// SnapshotEntry is one routing-table row at snapshot time.
type SnapshotEntry struct {
	Prefix  netip.Prefix
	NextHop netip.Addr // zero address for directly connected
	Metric  uint8
	Iface   string // network name of the outgoing interface
}

type Snapshot struct {
	At      time.Duration
	Node    string
	Entries []SnapshotEntry
}

func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Node %s, time %v\n", s.Node, s.At)
	fmt.Fprintf(&b, "%-18s %-15s %-6s %s\n", "Destination", "NextHop", "Metric", "Iface")
	for _, e := range s.Entries {
		nh := "directly"
		if e.NextHop.IsValid() {
			nh = e.NextHop.String()
		}
		fmt.Fprintf(&b, "%-18s %-15s %-6d %s\n", e.Prefix, nh, e.Metric, e.Iface)
	}
	return b.String()
}

// Observer receives simulation events. The engine and topology publish;
// any number of observers subscribe through the driver.
type Observer interface {
	LinkState(at time.Duration, network string, up bool)
	RouteUpdated(at time.Duration, node string, prefix netip.Prefix, metric uint8, nextHop netip.Addr)
	PacketDropped(at time.Duration, where string, reason DropReason, pkt Packet)
	ProbeSent(at time.Duration, seq int)
	Probe(outcome ProbeOutcome)
	TableSnapshot(snap Snapshot)
}

// Observers fans out to each subscriber in registration order.
type Observers []Observer

func (o Observers) LinkState(at time.Duration, network string, up bool) {
	for _, x := range o {
		x.LinkState(at, network, up)
	}
}

func (o Observers) RouteUpdated(at time.Duration, node string, prefix netip.Prefix, metric uint8, nextHop netip.Addr) {
	for _, x := range o {
		x.RouteUpdated(at, node, prefix, metric, nextHop)
	}
}

func (o Observers) PacketDropped(at time.Duration, where string, reason DropReason, pkt Packet) {
	for _, x := range o {
		x.PacketDropped(at, where, reason, pkt)
	}
}

func (o Observers) ProbeSent(at time.Duration, seq int) {
	for _, x := range o {
		x.ProbeSent(at, seq)
	}
}

func (o Observers) Probe(outcome ProbeOutcome) {
	for _, x := range o {
		x.Probe(outcome)
	}
}

func (o Observers) TableSnapshot(snap Snapshot) {
	for _, x := range o {
		x.TableSnapshot(snap)
	}
}

// LinkEvent is a recorded link state transition.
type LinkEvent struct {
	At      time.Duration
	Network string
	Up      bool
}

// Recorder retains everything the run publishes, for assertions and final
// reporting.
type Recorder struct {
	Outcomes     []ProbeOutcome
	Snapshots    []Snapshot
	LinkEvents   []LinkEvent
	Drops        map[DropReason]int
	RouteChanges int

	sent    map[int]ProbeOutcome // emitted, fate not yet known
	settled map[int]bool
}

func NewRecorder() *Recorder {
	return &Recorder{
		Drops:   make(map[DropReason]int),
		sent:    make(map[int]ProbeOutcome),
		settled: make(map[int]bool),
	}
}

func (r *Recorder) LinkState(at time.Duration, network string, up bool) {
	r.LinkEvents = append(r.LinkEvents, LinkEvent{At: at, Network: network, Up: up})
}

func (r *Recorder) RouteUpdated(time.Duration, string, netip.Prefix, uint8, netip.Addr) {
	r.RouteChanges++
}

func (r *Recorder) PacketDropped(at time.Duration, where string, reason DropReason, pkt Packet) {
	r.Drops[reason]++
	p, ok := pkt.(Probe)
	if !ok || r.settled[p.Seq] {
		return
	}
	result := ProbeLost
	if !p.Echo && reason == DropNoRoute {
		result = ProbeUnreachable
	}
	r.settle(ProbeOutcome{Seq: p.Seq, SentAt: p.SentAt, Result: result})
}

func (r *Recorder) ProbeSent(at time.Duration, seq int) {
	r.sent[seq] = ProbeOutcome{Seq: seq, SentAt: at, Result: ProbeLost}
}

func (r *Recorder) Probe(outcome ProbeOutcome) {
	if r.settled[outcome.Seq] {
		return
	}
	r.settle(outcome)
}

func (r *Recorder) TableSnapshot(snap Snapshot) {
	r.Snapshots = append(r.Snapshots, snap)
}

func (r *Recorder) settle(outcome ProbeOutcome) {
	r.settled[outcome.Seq] = true
	delete(r.sent, outcome.Seq)
	r.Outcomes = append(r.Outcomes, outcome)
}

// Finalize marks probes still without a fate (in flight when the run ended)
// as lost and sorts outcomes by sequence.
func (r *Recorder) Finalize() {
	for _, o := range r.sent {
		r.Outcomes = append(r.Outcomes, o)
	}
	clear(r.sent)
	slices.SortFunc(r.Outcomes, func(a, b ProbeOutcome) int {
		return a.Seq - b.Seq
	})
}

// Outcome returns the recorded fate of probe seq.
func (r *Recorder) Outcome(seq int) (ProbeOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Seq == seq {
			return o, true
		}
	}
	return ProbeOutcome{}, false
}

// LogObserver narrates the run through slog, gated by the driver's
// verbosity flags.
type LogObserver struct {
	Log        *slog.Logger
	ShowPings  bool
	ShowTables bool
}

func (l *LogObserver) LinkState(at time.Duration, network string, up bool) {
	l.Log.Info("link state", "t", at, "network", network, "up", up)
}

func (l *LogObserver) RouteUpdated(at time.Duration, node string, prefix netip.Prefix, metric uint8, nextHop netip.Addr) {
	l.Log.Debug("route updated", "t", at, "node", node, "prefix", prefix, "metric", metric, "next_hop", nextHop)
}

func (l *LogObserver) PacketDropped(at time.Duration, where string, reason DropReason, pkt Packet) {
	l.Log.Debug("packet dropped", "t", at, "at", where, "reason", reason)
}

func (l *LogObserver) ProbeSent(at time.Duration, seq int) {}

func (l *LogObserver) Probe(outcome ProbeOutcome) {
	if !l.ShowPings {
		return
	}
	if outcome.Result == ProbeDelivered {
		l.Log.Info("ping", "seq", outcome.Seq, "sent", outcome.SentAt, "rtt", outcome.RTT)
	} else {
		l.Log.Info("ping", "seq", outcome.Seq, "sent", outcome.SentAt, "result", outcome.Result)
	}
}

func (l *LogObserver) TableSnapshot(snap Snapshot) {
	if l.ShowTables {
		fmt.Print(snap.String())
	}
}
