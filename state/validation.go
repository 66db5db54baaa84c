package state

import (
	"fmt"
	"regexp"
)

var namePattern = regexp.MustCompile("^[0-9a-z._-]+$")

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%q is not a valid name, must match %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("name %q is too long", s)
	}
	return nil
}

// A zero metric in YAML means unset and defaults to 1 when the topology is
// built; anything above MaxIfMetric can never carry a reachable route.
func endpointValidator(cfg *ScenarioCfg, net *NetworkCfg, ep *EndpointCfg) error {
	if cfg.Node(ep.Node) == nil {
		return fmt.Errorf("network %s references unknown node %q", net.Name, ep.Node)
	}
	if ep.Metric > MaxIfMetric {
		return fmt.Errorf("network %s: interface metric %d on %s out of range [1, %d]",
			net.Name, ep.Metric, ep.Node, MaxIfMetric)
	}
	return nil
}

// ValidateScenario performs the fatal setup checks: every error here aborts
// the run before virtual time advances.
func ValidateScenario(cfg *ScenarioCfg) error {
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("scenario has no nodes")
	}
	if cfg.Stop <= 0 {
		return fmt.Errorf("scenario stop time must be positive")
	}
	seen := make(map[string]bool)
	for _, n := range cfg.Nodes {
		if err := NameValidator(n.Name); err != nil {
			return err
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate node %q", n.Name)
		}
		seen[n.Name] = true
	}
	netNames := make(map[string]bool)
	for i := range cfg.Networks {
		net := &cfg.Networks[i]
		if err := NameValidator(net.Name); err != nil {
			return err
		}
		if netNames[net.Name] {
			return fmt.Errorf("duplicate network %q", net.Name)
		}
		netNames[net.Name] = true
		if !net.Prefix.IsValid() {
			return fmt.Errorf("network %s has an invalid prefix", net.Name)
		}
		if net.Delay < 0 {
			return fmt.Errorf("network %s has a negative delay", net.Name)
		}
		if net.A.Node == net.B.Node {
			return fmt.Errorf("network %s connects node %q to itself", net.Name, net.A.Node)
		}
		for j := 0; j < i; j++ {
			if net.Prefix.Overlaps(cfg.Networks[j].Prefix) {
				return fmt.Errorf("networks %s and %s have overlapping subnets %v and %v",
					cfg.Networks[j].Name, net.Name, cfg.Networks[j].Prefix, net.Prefix)
			}
		}
		if err := endpointValidator(cfg, net, &net.A); err != nil {
			return err
		}
		if err := endpointValidator(cfg, net, &net.B); err != nil {
			return err
		}
	}
	for _, sr := range cfg.StaticRoutes {
		if cfg.Node(sr.Node) == nil {
			return fmt.Errorf("static route references unknown node %q", sr.Node)
		}
		if !sr.Prefix.IsValid() || !sr.NextHop.IsValid() {
			return fmt.Errorf("static route on %s has an invalid prefix or next hop", sr.Node)
		}
	}
	for _, ev := range cfg.Timeline {
		if ev.At < 0 {
			return fmt.Errorf("timeline event on %s has a negative time", ev.Network)
		}
		if !netNames[ev.Network] {
			return fmt.Errorf("timeline references unknown network %q", ev.Network)
		}
	}
	for _, p := range cfg.Probes {
		node := cfg.Node(p.From)
		if node == nil {
			return fmt.Errorf("probe references unknown node %q", p.From)
		}
		if !node.Host {
			return fmt.Errorf("probe source %q is not a host", p.From)
		}
		if p.Interval <= 0 {
			return fmt.Errorf("probe from %s must have a positive interval", p.From)
		}
		if !p.Target.IsValid() {
			return fmt.Errorf("probe from %s has an invalid target", p.From)
		}
	}
	return nil
}
