package core

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"

	"github.com/routelab/ripsim/sim"
	"github.com/routelab/ripsim/state"
)

// Scenario wires a configuration into a runnable simulation: topology,
// engines, host stacks, the failure timeline and the observers.
type Scenario struct {
	Cfg  *state.ScenarioCfg
	Q    *sim.Queue
	Topo *Topology
	Rec  *Recorder
	Log  *slog.Logger

	obs      Observers
	engines  []*Engine
	hosts    map[string]*HostStack
	links    map[string]LinkID
	probeSeq int
}

// NewScenario validates cfg and builds everything at T=0. Configuration
// errors are fatal here, before virtual time advances.
func NewScenario(cfg *state.ScenarioCfg, log *slog.Logger, extra ...Observer) (*Scenario, error) {
	if err := state.ValidateScenario(cfg); err != nil {
		return nil, err
	}
	s := &Scenario{
		Cfg:   cfg,
		Q:     sim.NewQueue(),
		Rec:   NewRecorder(),
		Log:   log,
		hosts: make(map[string]*HostStack),
		links: make(map[string]LinkID),
	}
	s.obs = append(Observers{s.Rec}, extra...)
	s.Topo = NewTopology(s.Q, log, s.obs)

	for _, n := range cfg.Nodes {
		if _, err := s.Topo.AddNode(n.Name, n.Host); err != nil {
			return nil, err
		}
	}
	for i := range cfg.Networks {
		net := &cfg.Networks[i]
		addrA := net.Prefix.Masked().Addr().Next()
		addrB := addrA.Next()
		ifA, err := s.attach(&net.A, net.Prefix, addrA)
		if err != nil {
			return nil, err
		}
		ifB, err := s.attach(&net.B, net.Prefix, addrB)
		if err != nil {
			return nil, err
		}
		link, err := s.Topo.Connect(net.Name, ifA, ifB, net.Delay)
		if err != nil {
			return nil, err
		}
		s.links[net.Name] = link
	}

	for _, n := range cfg.Nodes {
		id, _ := s.Topo.NodeByName(n.Name)
		if n.Host {
			s.hosts[n.Name] = NewHostStack(s.Topo, s.Q, log, s.obs, id)
			continue
		}
		rng := rand.New(rand.NewSource(nodeSeed(cfg.Seed, n.Name)))
		s.engines = append(s.engines, NewEngine(s.Topo, s.Q, log, s.obs, id, cfg.SplitHorizon, rng))
	}
	for _, eng := range s.engines {
		if err := eng.Start(); err != nil {
			return nil, err
		}
	}

	for _, sr := range cfg.StaticRoutes {
		host, ok := s.hosts[sr.Node]
		if !ok {
			return nil, fmt.Errorf("static route on non-host node %q", sr.Node)
		}
		if err := host.AddStaticRoute(sr.Prefix, sr.NextHop); err != nil {
			return nil, err
		}
	}

	for _, ev := range cfg.Timeline {
		ev := ev
		link := s.links[ev.Network]
		if _, err := s.Q.ScheduleAt(ev.At, func() error {
			return s.Topo.SetLinkState(link, ev.Up)
		}); err != nil {
			return nil, err
		}
	}
	// snapshots go in after the timeline so a snapshot at the instant of a
	// failure observes the failure
	for _, at := range cfg.Snapshots {
		if _, err := s.Q.ScheduleAt(at, s.snapshot); err != nil {
			return nil, err
		}
	}
	for i := range cfg.Probes {
		if err := s.startProbes(&cfg.Probes[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scenario) attach(ep *state.EndpointCfg, prefix netip.Prefix, addr netip.Addr) (IfID, error) {
	node, ok := s.Topo.NodeByName(ep.Node)
	if !ok {
		return 0, fmt.Errorf("unknown node %q", ep.Node)
	}
	metric := ep.Metric
	if metric == 0 {
		metric = 1
	}
	// hosts carry no RIP engine, their interfaces are implicitly excluded
	excluded := ep.RIPExclude || s.Topo.Node(node).Host
	return s.Topo.Attach(node, prefix, addr, metric, excluded)
}

// Run drives the simulation to the configured stop time and finalizes the
// recording.
func (s *Scenario) Run() error {
	if err := s.Q.RunUntil(s.Cfg.Stop); err != nil {
		return err
	}
	if err := s.CheckInvariants(); err != nil {
		return err
	}
	s.Rec.Finalize()
	return nil
}

// Engine returns the engine of a router node, nil for hosts and unknown
// names.
func (s *Scenario) Engine(name string) *Engine {
	for _, eng := range s.engines {
		if eng.name == name {
			return eng
		}
	}
	return nil
}

// Host returns the stack of a host node.
func (s *Scenario) Host(name string) *HostStack {
	return s.hosts[name]
}

// LinkID resolves a network name from the configuration.
func (s *Scenario) LinkID(network string) (LinkID, bool) {
	id, ok := s.links[network]
	return id, ok
}

func (s *Scenario) snapshot() error {
	if err := s.CheckInvariants(); err != nil {
		return err
	}
	for _, eng := range s.engines {
		s.obs.TableSnapshot(eng.Snapshot())
	}
	return nil
}

// CheckInvariants asks every engine to verify its table.
func (s *Scenario) CheckInvariants() error {
	for _, eng := range s.engines {
		if err := eng.CheckInvariants(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) startProbes(pc *state.ProbeCfg) error {
	host, ok := s.hosts[pc.From]
	if !ok {
		return fmt.Errorf("probe source %q is not a host", pc.From)
	}
	size := pc.Size
	if size == 0 {
		size = 1024
	}
	var emit sim.Callback
	emit = func() error {
		s.probeSeq++
		host.Emit(pc.Target, size, s.probeSeq)
		next := s.Q.Now() + pc.Interval
		if next <= pc.Stop {
			_, err := s.Q.ScheduleAt(next, emit)
			return err
		}
		return nil
	}
	_, err := s.Q.ScheduleAt(pc.Start, emit)
	return err
}
