package core

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/routelab/ripsim/sim"
	"github.com/routelab/ripsim/state"
)

// Arena indices. The topology owns flat slices of nodes, interfaces and
// links; everything else refers to them by index, never by pointer, so a
// callback firing late resolves current state instead of a stale snapshot.
type (
	NodeID int
	IfID   int
	LinkID int
)

// Stack receives packets and port notifications for one node. Routers mount
// an Engine, hosts a HostStack.
type Stack interface {
	// HandlePacket is invoked when a packet arrives on one of the node's
	// interfaces.
	HandlePacket(ifID IfID, pkt Packet) error
	// PortStateChanged fires when the effective state of the interface's
	// attachment (admin states on both ends plus the link itself) flips.
	PortStateChanged(ifID IfID, up bool) error
}

type Node struct {
	ID     NodeID
	Name   string
	Host   bool
	Ifaces []IfID
}

type Iface struct {
	ID          IfID
	Node        NodeID
	Addr        netip.Addr
	Prefix      netip.Prefix
	Metric      uint8
	Link        LinkID // -1 until connected
	Up          bool   // admin state
	RIPExcluded bool
}

type Link struct {
	ID    LinkID
	Name  string
	A, B  IfID
	Delay time.Duration
	Up    bool

	// in-flight deliveries in send order, cancelled (and counted as
	// drops) when the link stops being usable
	inflight []transit
}

type transit struct {
	ev  *sim.Event
	to  IfID
	pkt Packet
}

// Topology is the arena of nodes, interfaces and links plus the packet
// scheduling glue between them.
type Topology struct {
	q   *sim.Queue
	log *slog.Logger
	obs Observer

	nodes  []Node
	ifaces []Iface
	links  []Link
	stacks map[NodeID]Stack
	byAddr map[netip.Addr]IfID
	byName map[string]NodeID
}

func NewTopology(q *sim.Queue, log *slog.Logger, obs Observer) *Topology {
	return &Topology{
		q:      q,
		log:    log,
		obs:    obs,
		stacks: make(map[NodeID]Stack),
		byAddr: make(map[netip.Addr]IfID),
		byName: make(map[string]NodeID),
	}
}

func (t *Topology) AddNode(name string, host bool) (NodeID, error) {
	if _, ok := t.byName[name]; ok {
		return 0, fmt.Errorf("duplicate node %q", name)
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, Node{ID: id, Name: name, Host: host})
	t.byName[name] = id
	return id, nil
}

// Attach creates an interface on node with the given address within prefix.
// The interface starts admin-up and unconnected.
func (t *Topology) Attach(node NodeID, prefix netip.Prefix, addr netip.Addr, metric uint8, ripExcluded bool) (IfID, error) {
	if int(node) < 0 || int(node) >= len(t.nodes) {
		return 0, fmt.Errorf("attach to nonexistent node %d", node)
	}
	if metric < 1 || metric > state.MaxIfMetric {
		return 0, fmt.Errorf("interface metric %d out of range [1, %d]", metric, state.MaxIfMetric)
	}
	if !prefix.Contains(addr) {
		return 0, fmt.Errorf("address %v outside subnet %v", addr, prefix)
	}
	if _, ok := t.byAddr[addr]; ok {
		return 0, fmt.Errorf("duplicate address %v", addr)
	}
	id := IfID(len(t.ifaces))
	t.ifaces = append(t.ifaces, Iface{
		ID: id, Node: node, Addr: addr, Prefix: prefix,
		Metric: metric, Link: -1, Up: true, RIPExcluded: ripExcluded,
	})
	t.nodes[node].Ifaces = append(t.nodes[node].Ifaces, id)
	t.byAddr[addr] = id
	return id, nil
}

// Connect joins two interfaces with a link of the given propagation delay.
func (t *Topology) Connect(name string, a, b IfID, delay time.Duration) (LinkID, error) {
	if delay < 0 {
		return 0, fmt.Errorf("link %s has negative delay %v", name, delay)
	}
	ia, ib := t.Iface(a), t.Iface(b)
	if ia.Link != -1 || ib.Link != -1 {
		return 0, fmt.Errorf("link %s: interface already connected", name)
	}
	if ia.Node == ib.Node {
		return 0, fmt.Errorf("link %s connects node %q to itself", name, t.nodes[ia.Node].Name)
	}
	id := LinkID(len(t.links))
	t.links = append(t.links, Link{
		ID: id, Name: name, A: a, B: b, Delay: delay, Up: true,
	})
	ia.Link = id
	ib.Link = id
	return id, nil
}

func (t *Topology) SetStack(node NodeID, s Stack) {
	t.stacks[node] = s
}

func (t *Topology) Node(id NodeID) *Node      { return &t.nodes[id] }
func (t *Topology) Iface(id IfID) *Iface      { return &t.ifaces[id] }
func (t *Topology) Link(id LinkID) *Link      { return &t.links[id] }
func (t *Topology) Nodes() []Node             { return t.nodes }
func (t *Topology) NodeName(id NodeID) string { return t.nodes[id].Name }

func (t *Topology) NodeByName(name string) (NodeID, bool) {
	id, ok := t.byName[name]
	return id, ok
}

func (t *Topology) IfaceByAddr(addr netip.Addr) (IfID, bool) {
	id, ok := t.byAddr[addr]
	return id, ok
}

// Peer returns the interface on the far end of id's link.
func (t *Topology) Peer(id IfID) IfID {
	l := t.Link(t.ifaces[id].Link)
	if l.A == id {
		return l.B
	}
	return l.A
}

// usable reports whether the link carries packets: the link itself and both
// endpoint interfaces must be up.
func (t *Topology) usable(l *Link) bool {
	return l.Up && t.ifaces[l.A].Up && t.ifaces[l.B].Up
}

// IfaceUsable reports the effective state of an interface's attachment.
func (t *Topology) IfaceUsable(id IfID) bool {
	ifc := t.Iface(id)
	if ifc.Link == -1 {
		return false
	}
	return t.usable(t.Link(ifc.Link))
}

// Send transmits pkt out of the given interface. On a down interface or
// link the packet is dropped silently (counted, not an error).
func (t *Topology) Send(from IfID, pkt Packet) {
	ifc := t.Iface(from)
	if ifc.Link == -1 || !t.usable(t.Link(ifc.Link)) {
		t.obs.PacketDropped(t.q.Now(), t.nodes[ifc.Node].Name, DropLinkDown, pkt)
		return
	}
	l := t.Link(ifc.Link)
	peer := t.Peer(from)
	linkID := l.ID
	var ev *sim.Event
	ev, err := t.q.Schedule(l.Delay, func() error {
		return t.deliver(linkID, ev, peer, pkt)
	})
	if err != nil {
		// delay is validated non-negative at Connect, so this is a
		// kernel invariant violation
		panic(err)
	}
	l.inflight = append(l.inflight, transit{ev: ev, to: peer, pkt: pkt})
}

func (t *Topology) deliver(linkID LinkID, ev *sim.Event, to IfID, pkt Packet) error {
	l := t.Link(linkID)
	for i := range l.inflight {
		if l.inflight[i].ev == ev {
			l.inflight = append(l.inflight[:i], l.inflight[i+1:]...)
			break
		}
	}
	if !t.usable(l) {
		// state changed between scheduling and delivery within the same
		// instant; treat as an in-flight drop
		t.dropPacket(to, DropInFlight, pkt)
		return nil
	}
	stack, ok := t.stacks[t.ifaces[to].Node]
	if !ok {
		return nil
	}
	return stack.HandlePacket(to, pkt)
}

func (t *Topology) dropPacket(at IfID, reason DropReason, pkt Packet) {
	t.obs.PacketDropped(t.q.Now(), t.nodes[t.ifaces[at].Node].Name, reason, pkt)
}

// SetLinkState flips a link up or down at the current virtual time. Going
// down drops everything in flight and notifies both endpoint stacks; coming
// up notifies them again once the link is usable.
func (t *Topology) SetLinkState(id LinkID, up bool) error {
	l := t.Link(id)
	if l.Up == up {
		return nil
	}
	was := t.usable(l)
	l.Up = up
	return t.linkTransition(l, was)
}

// SetIfaceState flips an interface's admin state. The attached link stops
// carrying packets while either endpoint is down.
func (t *Topology) SetIfaceState(id IfID, up bool) error {
	ifc := t.Iface(id)
	if ifc.Up == up {
		return nil
	}
	if ifc.Link == -1 {
		ifc.Up = up
		return nil
	}
	l := t.Link(ifc.Link)
	was := t.usable(l)
	ifc.Up = up
	return t.linkTransition(l, was)
}

func (t *Topology) linkTransition(l *Link, wasUsable bool) error {
	now := t.usable(l)
	if now == wasUsable {
		return nil
	}
	if !now {
		for _, tr := range l.inflight {
			t.q.Cancel(tr.ev)
			t.dropPacket(tr.to, DropInFlight, tr.pkt)
		}
		l.inflight = nil
	}
	t.obs.LinkState(t.q.Now(), l.Name, now)
	t.log.Debug("link state changed", "t", t.q.Now(), "link", l.Name, "up", now)
	for _, ifID := range []IfID{l.A, l.B} {
		if stack, ok := t.stacks[t.ifaces[ifID].Node]; ok {
			if err := stack.PortStateChanged(ifID, now); err != nil {
				return err
			}
		}
	}
	return nil
}
