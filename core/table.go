package core

import (
	"net/netip"
	"slices"
	"time"

	"github.com/gaissmai/bart"

	"github.com/routelab/ripsim/state"
)

// Route is one routing-table entry. A directly connected route has an
// invalid (zero) NextHop and never expires.
type Route struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
	OutIf   IfID
	Metric  uint8

	LastUpdate time.Duration
	Expiry     time.Duration // 0 = never
	GCDeadline time.Duration // 0 = garbage collection not started

	// Changed marks the route for the next triggered update.
	Changed bool

	// portDown set when the metric was forced to infinity by the outgoing
	// interface going down; savedMetric restores it if the interface
	// returns before garbage collection.
	portDown    bool
	savedMetric uint8
}

func (r *Route) Direct() bool {
	return !r.NextHop.IsValid()
}

func (r *Route) Installed() bool {
	return r.Metric < state.InfinityMetric
}

// Table holds every route the engine knows, poisoned ones included, and
// mirrors the installed subset (metric < infinity) into a longest-prefix
// datapath table.
type Table struct {
	routes   map[netip.Prefix]*Route
	datapath bart.Table[*Route]
}

func NewTable() *Table {
	return &Table{routes: make(map[netip.Prefix]*Route)}
}

func (t *Table) Get(prefix netip.Prefix) *Route {
	return t.routes[prefix]
}

func (t *Table) Len() int {
	return len(t.routes)
}

// Upsert adds or replaces the entry for r.Prefix and syncs the datapath.
func (t *Table) Upsert(r *Route) {
	t.routes[r.Prefix] = r
	t.Sync(r)
}

// Sync reconciles the datapath with r's metric. Call after any metric
// change.
func (t *Table) Sync(r *Route) {
	if r.Installed() {
		t.datapath.Insert(r.Prefix, r)
	} else {
		t.datapath.Delete(r.Prefix)
	}
}

// Delete removes the entry entirely.
func (t *Table) Delete(prefix netip.Prefix) {
	if _, ok := t.routes[prefix]; ok {
		delete(t.routes, prefix)
		t.datapath.Delete(prefix)
	}
}

// Lookup is the datapath longest-prefix match over installed routes.
func (t *Table) Lookup(addr netip.Addr) (*Route, bool) {
	return t.datapath.Lookup(addr)
}

// Routes returns every entry ordered by prefix, so iteration order never
// depends on map layout.
func (t *Table) Routes() []*Route {
	out := make([]*Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Route) int {
		if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
			return c
		}
		return a.Prefix.Bits() - b.Prefix.Bits()
	})
	return out
}
