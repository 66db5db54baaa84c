package state

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// NodeCfg declares one simulated node. Routers run a RIP engine; hosts run
// a probe stack and forward nothing.
type NodeCfg struct {
	Name string
	Host bool `yaml:",omitempty"`
}

// EndpointCfg is one side of a network: which node attaches, the additive
// interface metric, and whether RIP is excluded on the interface.
type EndpointCfg struct {
	Node       string
	Metric     uint8 `yaml:",omitempty"` // 0 means default (1)
	RIPExclude bool  `yaml:"rip_exclude,omitempty"`
}

// NetworkCfg is a point-to-point subnet. The first endpoint is assigned the
// lowest host address of the prefix, the second the next one.
type NetworkCfg struct {
	Name   string
	Prefix netip.Prefix
	Delay  time.Duration
	A      EndpointCfg
	B      EndpointCfg
}

// StaticRouteCfg installs a fixed route on a node, typically a host default
// route.
type StaticRouteCfg struct {
	Node    string
	Prefix  netip.Prefix
	NextHop netip.Addr `yaml:"next_hop"`
}

// LinkEventCfg flips a network up or down at a virtual time.
type LinkEventCfg struct {
	At      time.Duration
	Network string
	Up      bool
}

// ProbeCfg emits one probe per Interval from a host node to Target over
// [Start, Stop].
type ProbeCfg struct {
	From     string
	Target   netip.Addr
	Start    time.Duration
	Stop     time.Duration
	Interval time.Duration
	Size     int `yaml:",omitempty"`
}

// ScenarioCfg fully describes one simulation run.
type ScenarioCfg struct {
	Name         string
	SplitHorizon SplitHorizon `yaml:"split_horizon"`
	Seed         uint64       `yaml:",omitempty"`
	Stop         time.Duration
	Snapshots    []time.Duration `yaml:",omitempty"`
	Nodes        []NodeCfg
	Networks     []NetworkCfg
	StaticRoutes []StaticRouteCfg `yaml:"static_routes,omitempty"`
	Timeline     []LinkEventCfg   `yaml:",omitempty"`
	Probes       []ProbeCfg       `yaml:",omitempty"`
}

func (c *ScenarioCfg) Node(name string) *NodeCfg {
	for i := range c.Nodes {
		if c.Nodes[i].Name == name {
			return &c.Nodes[i]
		}
	}
	return nil
}

func (c *ScenarioCfg) Network(name string) *NetworkCfg {
	for i := range c.Networks {
		if c.Networks[i].Name == name {
			return &c.Networks[i]
		}
	}
	return nil
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*ScenarioCfg, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ScenarioCfg
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := ValidateScenario(&cfg); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &cfg, nil
}

func mustPrefix(s string) netip.Prefix {
	return netip.MustParsePrefix(s)
}

// DefaultScenario is the six-node multi-path topology: two paths from SRC
// to DST, the short one through B and a high-cost one through C, with a
// failure and recovery timeline on the B-D and C-D links.
//
//	SRC --- A --- B --- D --- DST
//	         \   /|    /
//	          \ / |   /
//	           C--+--'
func DefaultScenario() *ScenarioCfg {
	return &ScenarioCfg{
		Name:         "rip-simple",
		SplitHorizon: NoSplitHorizon,
		Seed:         1,
		Stop:         131 * time.Second,
		Snapshots:    []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second},
		Nodes: []NodeCfg{
			{Name: "src", Host: true},
			{Name: "a"},
			{Name: "b"},
			{Name: "c"},
			{Name: "d"},
			{Name: "dst", Host: true},
		},
		Networks: []NetworkCfg{
			{Name: "net1", Prefix: mustPrefix("10.0.0.0/24"), Delay: 2 * time.Millisecond,
				A: EndpointCfg{Node: "src"}, B: EndpointCfg{Node: "a", RIPExclude: true}},
			{Name: "net2", Prefix: mustPrefix("10.0.1.0/24"), Delay: 3 * time.Millisecond,
				A: EndpointCfg{Node: "a"}, B: EndpointCfg{Node: "b"}},
			{Name: "net3", Prefix: mustPrefix("10.0.2.0/24"), Delay: 4 * time.Millisecond,
				A: EndpointCfg{Node: "a"}, B: EndpointCfg{Node: "c"}},
			{Name: "net4", Prefix: mustPrefix("10.0.3.0/24"), Delay: 2 * time.Millisecond,
				A: EndpointCfg{Node: "b", Metric: 5}, B: EndpointCfg{Node: "c", Metric: 5}},
			{Name: "net5", Prefix: mustPrefix("10.0.4.0/24"), Delay: 5 * time.Millisecond,
				A: EndpointCfg{Node: "c", Metric: 10}, B: EndpointCfg{Node: "d", Metric: 10}},
			{Name: "net6", Prefix: mustPrefix("10.0.5.0/24"), Delay: 2 * time.Millisecond,
				A: EndpointCfg{Node: "b"}, B: EndpointCfg{Node: "d"}},
			{Name: "net7", Prefix: mustPrefix("10.0.6.0/24"), Delay: 2 * time.Millisecond,
				A: EndpointCfg{Node: "d", RIPExclude: true}, B: EndpointCfg{Node: "dst"}},
		},
		StaticRoutes: []StaticRouteCfg{
			{Node: "src", Prefix: mustPrefix("0.0.0.0/0"), NextHop: netip.MustParseAddr("10.0.0.2")},
			{Node: "dst", Prefix: mustPrefix("0.0.0.0/0"), NextHop: netip.MustParseAddr("10.0.6.1")},
		},
		Timeline: []LinkEventCfg{
			{At: 40 * time.Second, Network: "net6", Up: false},
			{At: 60 * time.Second, Network: "net5", Up: false},
			{At: 80 * time.Second, Network: "net6", Up: true},
			{At: 100 * time.Second, Network: "net5", Up: true},
		},
		Probes: []ProbeCfg{
			{From: "src", Target: netip.MustParseAddr("10.0.6.2"),
				Start: 1 * time.Second, Stop: 110 * time.Second,
				Interval: 1 * time.Second, Size: 1024},
		},
	}
}
