package core

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/routelab/ripsim/sim"
	"github.com/routelab/ripsim/state"
)

// HostStack is the end-host side of the simulation: it emits echo probes,
// answers them, and routes through a small static table. Hosts never speak
// RIP and never forward.
type HostStack struct {
	node NodeID
	name string
	topo *Topology
	q    *sim.Queue
	log  *slog.Logger
	obs  Observer

	table *Table
}

func NewHostStack(topo *Topology, q *sim.Queue, log *slog.Logger, obs Observer, node NodeID) *HostStack {
	n := topo.Node(node)
	h := &HostStack{
		node:  node,
		name:  n.Name,
		topo:  topo,
		q:     q,
		log:   log.With("node", n.Name),
		obs:   obs,
		table: NewTable(),
	}
	for _, ifID := range n.Ifaces {
		ifc := topo.Iface(ifID)
		h.table.Upsert(&Route{
			Prefix: ifc.Prefix.Masked(),
			OutIf:  ifID,
			Metric: ifc.Metric,
		})
	}
	topo.SetStack(node, h)
	return h
}

// AddStaticRoute installs a fixed route; the outgoing interface is the one
// whose subnet contains the next hop.
func (h *HostStack) AddStaticRoute(prefix netip.Prefix, nextHop netip.Addr) error {
	for _, ifID := range h.topo.Node(h.node).Ifaces {
		if h.topo.Iface(ifID).Prefix.Contains(nextHop) {
			h.table.Upsert(&Route{
				Prefix:  prefix.Masked(),
				NextHop: nextHop,
				OutIf:   ifID,
				Metric:  1,
			})
			return nil
		}
	}
	return fmt.Errorf("%s: next hop %v is not on any attached subnet", h.name, nextHop)
}

// Emit sends one echo request towards target.
func (h *HostStack) Emit(target netip.Addr, size, seq int) {
	now := h.q.Now()
	p := Probe{
		Dst:    target,
		Seq:    seq,
		Size:   size,
		TTL:    state.ProbeTTL,
		SentAt: now,
	}
	h.obs.ProbeSent(now, seq)
	h.send(p)
}

func (h *HostStack) send(p Probe) {
	r, ok := h.table.Lookup(p.Dst)
	if !ok {
		h.obs.PacketDropped(h.q.Now(), h.name, DropNoRoute, p)
		return
	}
	if !p.Src.IsValid() {
		p.Src = h.topo.Iface(r.OutIf).Addr
	}
	h.topo.Send(r.OutIf, p)
}

// HandlePacket implements Stack.
func (h *HostStack) HandlePacket(ifID IfID, pkt Packet) error {
	p, ok := pkt.(Probe)
	if !ok {
		// hosts ignore routing traffic
		return nil
	}
	if p.Dst != h.topo.Iface(ifID).Addr {
		h.log.Debug("stray packet", "t", h.q.Now(), "dst", p.Dst)
		return nil
	}
	if p.Echo {
		h.obs.Probe(ProbeOutcome{
			Seq:    p.Seq,
			SentAt: p.SentAt,
			Result: ProbeDelivered,
			RTT:    h.q.Now() - p.SentAt,
		})
		return nil
	}
	h.send(Probe{
		Src:    p.Dst,
		Dst:    p.Src,
		Seq:    p.Seq,
		Size:   p.Size,
		TTL:    state.ProbeTTL,
		Echo:   true,
		SentAt: p.SentAt,
	})
	return nil
}

// PortStateChanged implements Stack; static routes stay put.
func (h *HostStack) PortStateChanged(IfID, bool) error {
	return nil
}
