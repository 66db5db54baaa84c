package core

import (
	"net/netip"
	"time"
)

// Packet is anything that can transit a link. Packets are values; delivery
// hands a copy to the receiving node's stack.
type Packet interface {
	isPacket()
}

// AdvertEntry is one (prefix, metric) tuple of an advertisement.
type AdvertEntry struct {
	Prefix netip.Prefix
	Metric uint8
}

// Advert is a RIP advertisement. From identifies the sending interface;
// receivers use it as the next hop for learned routes.
type Advert struct {
	From    netip.Addr
	Entries []AdvertEntry
}

func (Advert) isPacket() {}

// Probe is an ICMP-like echo. Echo=false is a request, Echo=true the reply.
// SentAt is the virtual send time of the original request and survives into
// the reply so the source can measure a round trip.
type Probe struct {
	Src    netip.Addr
	Dst    netip.Addr
	Seq    int
	Size   int
	TTL    int
	Echo   bool
	SentAt time.Duration
}

func (Probe) isPacket() {}
