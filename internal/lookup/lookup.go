// Package lookup implements the read-mostly address-lookup table spec.md
// §4.6 describes: a (ip, port, proto) → TunnelEndpoint mapping refreshed
// wholesale by an external scheduler and read concurrently by the data
// plane. It is grounded on the copy-on-write atomic.Pointer snapshot-swap
// pattern used throughout the teacher's gateway package (flow_table.go),
// adapted here from a sharded mutable table to a single immutable snapshot
// since the whole table is always replaced atomically, never mutated
// in-place.
package lookup

import (
	"net/netip"
	"sync/atomic"

	"github.com/playit-oss/tunnelagent/internal/wireproto"
)

// ProxyProtocolMode is the PROXY-protocol behavior configured on an
// endpoint. Kept as a small int here (rather than importing the proxyproto
// package) so lookup has no dependency on the data-plane wire codecs it
// feeds; callers convert to proxyproto.Mode at the point of use.
type ProxyProtocolMode int

const (
	ProxyProtocolNone ProxyProtocolMode = iota
	ProxyProtocolV1
	ProxyProtocolV2
)

// TunnelEndpoint is the address-lookup value (spec.md §3). PublicAddr is
// the public IP the table keys on; FromPort..ToPort is an
// inclusive-exclusive public port range on that IP. HostOriginAddr carries
// the origin IP plus the base origin port — a public port p maps to origin
// port base + (p - FromPort).
type TunnelEndpoint struct {
	TunnelID       uint64
	PublicAddr     netip.Addr
	HostOriginAddr netip.AddrPort
	FromPort       uint16
	ToPort         uint16
	Proto          wireproto.PortProto
	ProxyProtocol  ProxyProtocolMode
}

// rangeLen is the number of ports the endpoint covers, identical on the
// public and origin sides.
func (e TunnelEndpoint) rangeLen() uint16 {
	return e.ToPort - e.FromPort
}

// Overlaps reports whether two endpoints share an origin IP and their
// origin-side port ranges intersect (spec.md §3 invariant, used by the
// origin-socket pool to group non-overlapping endpoints per socket).
func (e TunnelEndpoint) Overlaps(o TunnelEndpoint) bool {
	if e.HostOriginAddr.Addr() != o.HostOriginAddr.Addr() {
		return false
	}
	eFrom, oFrom := e.HostOriginAddr.Port(), o.HostOriginAddr.Port()
	return eFrom < oFrom+o.rangeLen() && oFrom < eFrom+e.rangeLen()
}

// Contains reports whether a public port lies in [FromPort, ToPort).
func (e TunnelEndpoint) Contains(port uint16) bool {
	return e.FromPort <= port && port < e.ToPort
}

// ContainsOrigin reports whether an origin-side port lies in this
// endpoint's origin range [base, base + (ToPort - FromPort)).
func (e TunnelEndpoint) ContainsOrigin(port uint16) bool {
	base := e.HostOriginAddr.Port()
	return base <= port && port < base+e.rangeLen()
}

// OriginPort computes the origin-side port for a public port within this
// endpoint's range, per the linear offset invariant in spec.md §3.
func (e TunnelEndpoint) OriginPort(publicPort uint16) uint16 {
	return e.HostOriginAddr.Port() + (publicPort - e.FromPort)
}

// TunnelPort is the inverse of OriginPort: the public port an origin-side
// port corresponds to.
func (e TunnelEndpoint) TunnelPort(originPort uint16) uint16 {
	return e.FromPort + (originPort - e.HostOriginAddr.Port())
}

// snapshot is the immutable table contents swapped in by Update.
type snapshot struct {
	endpoints []TunnelEndpoint
}

// Table is the address-lookup handle. The zero value is not ready for use;
// call New. Safe for concurrent use: Update installs a new snapshot
// atomically; Lookup reads the current snapshot without locking, satisfying
// spec.md §4.6's "any single lookup call sees a consistent snapshot".
type Table struct {
	current atomic.Pointer[snapshot]
}

// New returns an empty, ready-to-use Table.
func New() *Table {
	t := &Table{}
	t.current.Store(&snapshot{})
	return t
}

// Update atomically replaces the entire table contents with endpoints.
// Called by the external scheduler (outside the core, per spec.md §4.6)
// whenever it learns new AgentRunData.
func (t *Table) Update(endpoints []TunnelEndpoint) {
	next := &snapshot{endpoints: append([]TunnelEndpoint(nil), endpoints...)}
	t.current.Store(next)
}

// Lookup resolves a public (ip, port, proto) triple to its TunnelEndpoint by
// scanning the current snapshot. proto may be PortProtoBoth to match either
// a TCP- or UDP-scoped endpoint registered at that address/port, and an
// endpoint registered as PortProtoBoth matches a TCP or UDP query (so the
// TCP acceptor's PortProtoTCP lookup finds it). Endpoint counts are
// small (tens, not thousands) so a linear scan over an immutable slice beats
// maintaining a dense per-port index that would need rebuilding on every
// Update.
func (t *Table) Lookup(addr netip.Addr, port uint16, proto wireproto.PortProto) (TunnelEndpoint, bool) {
	snap := t.current.Load()
	for _, ep := range snap.endpoints {
		if ep.PublicAddr != addr || !ep.Contains(port) {
			continue
		}
		if ep.Proto == proto || ep.Proto == wireproto.PortProtoBoth || proto == wireproto.PortProtoBoth {
			return ep, true
		}
	}
	return TunnelEndpoint{}, false
}

// Len reports how many endpoints are currently installed.
func (t *Table) Len() int {
	return len(t.current.Load().endpoints)
}
