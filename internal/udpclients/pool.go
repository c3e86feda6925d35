// Package udpclients implements the origin-socket pool and flow demux
// spec.md §4.4 describes: one shared tunnel socket plus a lazily grown pool
// of origin-facing "client" sockets, each serving a non-overlapping group
// of lookup.TunnelEndpoints, connected by a flow table keyed on the full
// source+destination 4-tuple.
//
// It is grounded on the teacher's UDPProxy (internal/proxy/udp_proxy.go):
// the session map + ticker-driven cleanupLoop shape carries over directly,
// generalized from a single per-tunnel NAT table to the endpoint-group
// socket pool spec.md requires. Batched I/O is an upgrade over the
// teacher's single-packet conn.ReadFromUDP loop, using
// golang.org/x/net/ipv4.PacketConn's ReadBatch/WriteBatch (grounded on the
// module's own go.mod dependency, already pulled in by the teacher) with a
// single-packet fallback for platforms where the batch syscall is
// unavailable. Only ipv4.PacketConn is used for batching, even for IPv6
// sockets: recvmmsg/sendmmsg operate at the socket level regardless of the
// payload's address family, so wrapping with ipv6.PacketConn as well would
// be redundant.
package udpclients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/playit-oss/tunnelagent/internal/core"
	"github.com/playit-oss/tunnelagent/internal/lookup"
	"github.com/playit-oss/tunnelagent/internal/proxyproto"
	"github.com/playit-oss/tunnelagent/internal/udpchannel"
	"github.com/playit-oss/tunnelagent/internal/wireproto"
)

const (
	maxDatagramSize = 65535
	batchSize       = 32

	gcInterval            = 16 * time.Second
	tokenCheckInterval    = 1 * time.Second
	flowBothIdleTimeout   = 60 * time.Second
	flowEitherIdleTimeout = 90 * time.Second

	defaultMaxClientSockets = 256

	dropLogBurst = 5
)

// rxPacket is one datagram read off a batchConn, copied out of the scratch
// buffer so the caller can process it after the next readBatch call reuses
// the scratch slots.
type rxPacket struct {
	addr netip.AddrPort
	data []byte
}

// batchConn wraps a *net.UDPConn with ipv4.PacketConn's batched syscalls,
// falling back to single-packet I/O when ReadBatch/WriteBatch return an
// error (e.g. on platforms without recvmmsg/sendmmsg).
type batchConn struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
}

func newBatchConn(conn *net.UDPConn) *batchConn {
	return &batchConn{conn: conn, pc: ipv4.NewPacketConn(conn)}
}

func (b *batchConn) readBatch(scratch [][]byte) ([]rxPacket, error) {
	msgs := make([]ipv4.Message, len(scratch))
	for i := range scratch {
		msgs[i].Buffers = [][]byte{scratch[i]}
	}

	n, err := b.pc.ReadBatch(msgs, 0)
	if err != nil {
		nn, addr, rerr := b.conn.ReadFromUDPAddrPort(scratch[0])
		if rerr != nil {
			return nil, rerr
		}
		data := make([]byte, nn)
		copy(data, scratch[0][:nn])
		return []rxPacket{{addr: addr, data: data}}, nil
	}

	out := make([]rxPacket, 0, n)
	for i := 0; i < n; i++ {
		ua, ok := msgs[i].Addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, msgs[i].N)
		copy(data, scratch[i][:msgs[i].N])
		out = append(out, rxPacket{addr: ua.AddrPort(), data: data})
	}
	return out, nil
}

func (b *batchConn) writeOne(addr netip.AddrPort, buf []byte) error {
	msgs := []ipv4.Message{{Buffers: [][]byte{buf}, Addr: net.UDPAddrFromAddrPort(addr)}}
	if _, err := b.pc.WriteBatch(msgs, 0); err == nil {
		return nil
	}
	_, err := b.conn.WriteToUDPAddrPort(buf, addr)
	return err
}

// clientSocket is one origin-facing socket serving a non-overlapping group
// of TunnelEndpoints (spec.md §4.4 "Socket typing").
type clientSocket struct {
	id uint64
	bc *batchConn

	mu           sync.Mutex
	endpoints    []lookup.TunnelEndpoint
	byTunnelPort map[uint16]*flowEntry // public (tunnel-side) dst port → flow
}

// admits reports whether ep's range can be added to this socket without
// overlapping an endpoint it already serves (spec.md §3 invariant).
func (cs *clientSocket) admits(ep lookup.TunnelEndpoint) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, e := range cs.endpoints {
		if e.Overlaps(ep) {
			return false
		}
	}
	return true
}

func (cs *clientSocket) assign(ep lookup.TunnelEndpoint) {
	cs.mu.Lock()
	cs.endpoints = append(cs.endpoints, ep)
	cs.mu.Unlock()
}

// resolve maps an origin-side source address back to the TunnelEndpoint
// whose origin IP and origin port range it falls in (spec.md §4.4 step 2,
// origin → tunnel).
func (cs *clientSocket) resolve(src netip.AddrPort) (lookup.TunnelEndpoint, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, e := range cs.endpoints {
		if e.HostOriginAddr.Addr() == src.Addr() && e.ContainsOrigin(src.Port()) {
			return e, true
		}
	}
	return lookup.TunnelEndpoint{}, false
}

func (cs *clientSocket) registerFlow(e *flowEntry) {
	cs.mu.Lock()
	if cs.byTunnelPort == nil {
		cs.byTunnelPort = make(map[uint16]*flowEntry)
	}
	cs.byTunnelPort[e.tunnelPort] = e
	cs.mu.Unlock()
}

// unregisterFlow removes e from the socket's port index. Guarded so a newer
// flow that has since claimed the same port is left alone.
func (cs *clientSocket) unregisterFlow(e *flowEntry) {
	cs.mu.Lock()
	if cs.byTunnelPort[e.tunnelPort] == e {
		delete(cs.byTunnelPort, e.tunnelPort)
	}
	cs.mu.Unlock()
}

func (cs *clientSocket) flowForTunnelPort(port uint16) (*flowEntry, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e, ok := cs.byTunnelPort[port]
	return e, ok
}

// flowEntry is the flow-table value spec.md §4.4 describes:
// {socket_id, target_origin_addr, use_proxy_protocol, last_tunnel_packet_ms,
// last_origin_packet_ms}. origFlow additionally retains the full tunnel-side
// Flow (including any v2 Extension/Fragment) so the origin → tunnel path can
// reconstruct the reply via origFlow.Flip() instead of rebuilding it from
// scratch.
type flowEntry struct {
	mu sync.Mutex

	socket           *clientSocket
	tunnelPort       uint16 // public dst port, the socket's port-index key
	origFlow         wireproto.Flow
	targetOriginAddr netip.AddrPort
	useProxyProtocol bool

	lastTunnelPacketMs int64
	lastOriginPacketMs int64
}

func (e *flowEntry) touchTunnel(nowMs int64) {
	e.mu.Lock()
	e.lastTunnelPacketMs = nowMs
	e.mu.Unlock()
}

func (e *flowEntry) touchOrigin(nowMs int64) {
	e.mu.Lock()
	e.lastOriginPacketMs = nowMs
	e.mu.Unlock()
}

func (e *flowEntry) snapshot() (target netip.AddrPort, useProxy bool, sock *clientSocket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.targetOriginAddr, e.useProxyProtocol, e.socket
}

func (e *flowEntry) flowSrc() netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.origFlow.Src
}

func (e *flowEntry) flipFlow() wireproto.Flow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.origFlow.Flip()
}

// idleDurations returns (min, max) of the two last-seen idle ages in
// milliseconds, used by gc to apply spec.md §4.4's "both exceed 60s, or
// either exceeds 90s" rule.
func (e *flowEntry) idleDurations(nowMs int64) (minIdle, maxIdle int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idleTunnel := nowMs - e.lastTunnelPacketMs
	idleOrigin := nowMs - e.lastOriginPacketMs
	if idleTunnel < idleOrigin {
		return idleTunnel, idleOrigin
	}
	return idleOrigin, idleTunnel
}

// flowKey is the flow-table map key. wireproto.Flow carries pointer fields
// (Extension, Frag) for its v2 footer data, so Flow itself is not a valid
// comparable key — two logically-equal flows could hold distinct Extension
// pointers and compare unequal under Go's struct equality. spec.md §4.4
// keys the table on source + destination only ("not just source"), which
// flowKey captures directly.
type flowKey struct {
	src netip.AddrPort
	dst netip.AddrPort
}

func keyOf(f wireproto.Flow) flowKey { return flowKey{src: f.Src, dst: f.Dst} }

// Stats counts data-plane activity and drop reasons (spec.md §7's
// data-plane counters).
type Stats struct {
	TunnelToOrigin        atomic.Int64
	OriginToTunnel        atomic.Int64
	DroppedNoEndpoint     atomic.Int64
	DroppedPoolFull       atomic.Int64
	DroppedBadProxyHeader atomic.Int64
	DroppedUnknownSource  atomic.Int64
	FlowsExpired          atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats for callers that want plain
// values (health endpoints, logging).
type StatsSnapshot struct {
	TunnelToOrigin        int64
	OriginToTunnel        int64
	DroppedNoEndpoint     int64
	DroppedPoolFull       int64
	DroppedBadProxyHeader int64
	DroppedUnknownSource  int64
	FlowsExpired          int64
}

// DataPlane owns the tunnel socket, the origin-socket pool, and the flow
// table, and drives the bidirectional forwarding loop described in
// spec.md §4.4.
type DataPlane struct {
	log     *core.Logger
	lookup  *lookup.Table
	udpChan *udpchannel.Channel

	tunnelConn *batchConn

	maxClientSockets int

	mu         sync.Mutex
	clients    []*clientSocket
	nextSockID uint64

	flowsMu sync.Mutex
	flows   map[flowKey]*flowEntry

	dropLimiter *rate.Limiter

	stats Stats
}

// New returns a DataPlane driving tunnelConn as the shared tunnel socket.
// tunnelConn should already be authenticated against the control session's
// UdpChannelDetails (udpChan tracks that independently). maxClientSockets
// <= 0 uses defaultMaxClientSockets.
func New(tunnelConn *net.UDPConn, lookupTable *lookup.Table, udpChan *udpchannel.Channel, log *core.Logger, maxClientSockets int) *DataPlane {
	if log == nil {
		log = core.Nop()
	}
	if maxClientSockets <= 0 {
		maxClientSockets = defaultMaxClientSockets
	}
	return &DataPlane{
		log:              log,
		lookup:           lookupTable,
		udpChan:          udpChan,
		tunnelConn:       newBatchConn(tunnelConn),
		maxClientSockets: maxClientSockets,
		flows:            make(map[flowKey]*flowEntry),
		dropLimiter:      rate.NewLimiter(rate.Every(time.Second), dropLogBurst),
	}
}

// StatsSnapshot returns a point-in-time copy of the data-plane counters.
func (d *DataPlane) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		TunnelToOrigin:        d.stats.TunnelToOrigin.Load(),
		OriginToTunnel:        d.stats.OriginToTunnel.Load(),
		DroppedNoEndpoint:     d.stats.DroppedNoEndpoint.Load(),
		DroppedPoolFull:       d.stats.DroppedPoolFull.Load(),
		DroppedBadProxyHeader: d.stats.DroppedBadProxyHeader.Load(),
		DroppedUnknownSource:  d.stats.DroppedUnknownSource.Load(),
		FlowsExpired:          d.stats.FlowsExpired.Load(),
	}
}

// Run drives the tunnel-socket read loop, the session-token resend timer,
// and the GC sweep until ctx is done, shutdown fires, or the tunnel socket
// closes. It always closes the tunnel socket and every origin socket it
// opened before returning.
func (d *DataPlane) Run(ctx context.Context, shutdown *core.ShutdownToken) error {
	defer d.closeAll()

	gcTicker := time.NewTicker(gcInterval)
	defer gcTicker.Stop()
	tokenTicker := time.NewTicker(tokenCheckInterval)
	defer tokenTicker.Stop()

	readErrCh := make(chan error, 1)
	go func() { readErrCh <- d.readTunnelLoop() }()

	for {
		select {
		case <-shutdown.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-gcTicker.C:
			d.gc()
		case now := <-tokenTicker.C:
			d.maintainSession(now.Unix())
		case err := <-readErrCh:
			return fmt.Errorf("udpclients: tunnel socket closed: %w", err)
		}
	}
}

// maintainSession resends the session token over the tunnel socket whenever
// the channel's resend timer says one is due (spec.md §4.3: on session
// update, then every 5s without a send, or 10s without a confirmation).
// Asking the control session for a fresh SetupUdpChannel on prolonged
// silence is the control task's job; it polls Channel.RequiresAuth itself.
func (d *DataPlane) maintainSession(nowS int64) {
	if !d.udpChan.CheckResend(nowS) {
		return
	}
	err := d.udpChan.SendToken(nowS, func(addr netip.AddrPort, token []byte) error {
		return d.tunnelConn.writeOne(addr, token)
	})
	if err != nil {
		d.logDrop("session token send failed: %v", err)
	}
}

func (d *DataPlane) closeAll() {
	d.tunnelConn.conn.Close()
	d.mu.Lock()
	clients := append([]*clientSocket(nil), d.clients...)
	d.mu.Unlock()
	for _, cs := range clients {
		cs.bc.conn.Close()
	}
}

func (d *DataPlane) logDrop(format string, args ...any) {
	if d.dropLimiter.Allow() {
		d.log.Warnf("udpclients", format, args...)
	}
}

// --- tunnel → origin --------------------------------------------------------

func (d *DataPlane) readTunnelLoop() error {
	scratch := make([][]byte, batchSize)
	for i := range scratch {
		scratch[i] = make([]byte, maxDatagramSize)
	}

	for {
		pkts, err := d.tunnelConn.readBatch(scratch)
		if err != nil {
			return err
		}
		nowS := time.Now().Unix()
		nowMs := time.Now().UnixMilli()
		for _, p := range pkts {
			d.handleTunnelDatagram(p.addr, p.data, nowS, nowMs)
		}
	}
}

func (d *DataPlane) handleTunnelDatagram(from netip.AddrPort, buf []byte, nowS, nowMs int64) {
	result, err := d.udpChan.ParsePacket(buf, from, nowS)
	if err != nil {
		if !errors.Is(err, udpchannel.ErrUnknownSource) {
			d.log.Debugf("udpclients", "tunnel packet from %v rejected: %v", from, err)
		}
		return
	}
	if result.Kind != udpchannel.ParsedReceivedPacket {
		return
	}
	d.handleTunnelPacket(result.Flow, buf[:result.PayloadLen], nowMs)
}

// handleTunnelPacket implements spec.md §4.4's tunnel → origin steps 2-5.
func (d *DataPlane) handleTunnelPacket(flow wireproto.Flow, payload []byte, nowMs int64) {
	entry := d.lookupOrCreateFlow(flow, nowMs)
	if entry == nil {
		return
	}
	entry.touchTunnel(nowMs)
	target, useProxy, sock := entry.snapshot()
	d.forwardToOrigin(sock, target, useProxy, flow, payload)
}

func (d *DataPlane) lookupOrCreateFlow(flow wireproto.Flow, nowMs int64) *flowEntry {
	key := keyOf(flow)

	d.flowsMu.Lock()
	if e, ok := d.flows[key]; ok {
		d.flowsMu.Unlock()
		return e
	}
	d.flowsMu.Unlock()

	ep, ok := d.lookup.Lookup(flow.Dst.Addr(), flow.Dst.Port(), wireproto.PortProtoUDP)
	if !ok {
		d.stats.DroppedNoEndpoint.Add(1)
		d.logDrop("no endpoint for %v, dropping", flow.Dst)
		return nil
	}

	sock, err := d.assignClientSocket(ep)
	if err != nil {
		d.stats.DroppedPoolFull.Add(1)
		d.logDrop("origin-socket pool exhausted for %v: %v", flow.Dst, err)
		return nil
	}

	entry := &flowEntry{
		socket:             sock,
		tunnelPort:         flow.Dst.Port(),
		origFlow:           flow,
		targetOriginAddr:   netip.AddrPortFrom(ep.HostOriginAddr.Addr(), ep.OriginPort(flow.Dst.Port())),
		useProxyProtocol:   ep.ProxyProtocol == lookup.ProxyProtocolV2,
		lastTunnelPacketMs: nowMs,
	}

	d.flowsMu.Lock()
	if existing, ok := d.flows[key]; ok {
		d.flowsMu.Unlock()
		return existing // lost the race to a concurrent creator for this flow
	}
	d.flows[key] = entry
	d.flowsMu.Unlock()

	// Indexed on the socket only once the flow table owns the entry, so a
	// race loser never clobbers the winner's port slot.
	sock.registerFlow(entry)
	return entry
}

// assignClientSocket implements spec.md §4.4's "Endpoint assignment":
// reuse the first Client socket whose group doesn't overlap ep, else open a
// new one (up to maxClientSockets), else fail.
func (d *DataPlane) assignClientSocket(ep lookup.TunnelEndpoint) (*clientSocket, error) {
	d.mu.Lock()
	for _, cs := range d.clients {
		if cs.admits(ep) {
			cs.assign(ep)
			d.mu.Unlock()
			return cs, nil
		}
	}
	if len(d.clients) >= d.maxClientSockets {
		d.mu.Unlock()
		return nil, errors.New("pool at capacity")
	}
	d.nextSockID++
	id := d.nextSockID
	d.mu.Unlock()

	network := "udp4"
	if originIP := ep.HostOriginAddr.Addr(); originIP.Is6() && !originIP.Is4In6() {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("open origin socket: %w", err)
	}
	cs := &clientSocket{id: id, bc: newBatchConn(conn), endpoints: []lookup.TunnelEndpoint{ep}}

	d.mu.Lock()
	d.clients = append(d.clients, cs)
	d.mu.Unlock()

	go d.readOriginLoop(cs)
	return cs, nil
}

// forwardToOrigin implements spec.md §4.4 steps 3-5: it reserves
// proxyproto.UDPMaxHeaderLen bytes of headroom before the payload so a v2
// header prepend is a pointer move within the send buffer rather than a
// copy-shift, matching the "receive buffer reserves headroom" requirement
// at the point where the packet is actually transmitted.
func (d *DataPlane) forwardToOrigin(sock *clientSocket, target netip.AddrPort, useProxy bool, flow wireproto.Flow, payload []byte) {
	buf := make([]byte, proxyproto.UDPMaxHeaderLen+len(payload))
	headroom := proxyproto.UDPMaxHeaderLen
	copy(buf[headroom:], payload)

	start := headroom
	if useProxy {
		srcAddr := net.UDPAddrFromAddrPort(flow.Src)
		dstAddr := net.UDPAddrFromAddrPort(target)
		off, err := proxyproto.PrependUDPHeader(buf, headroom, proxyproto.ModeV2, srcAddr, dstAddr)
		if err != nil {
			d.logDrop("build proxy header for %v: %v", target, err)
			return
		}
		start = off
	}

	if err := sock.bc.writeOne(target, buf[start:]); err != nil {
		d.logDrop("send to origin %v failed: %v", target, err)
		return
	}
	d.stats.TunnelToOrigin.Add(1)
}

// --- origin → tunnel --------------------------------------------------------

func (d *DataPlane) readOriginLoop(cs *clientSocket) {
	scratch := make([][]byte, batchSize)
	for i := range scratch {
		scratch[i] = make([]byte, maxDatagramSize)
	}
	for {
		pkts, err := cs.bc.readBatch(scratch)
		if err != nil {
			return
		}
		nowMs := time.Now().UnixMilli()
		for _, p := range pkts {
			d.handleOriginPacket(cs, p.addr, p.data, nowMs)
		}
	}
}

// handleOriginPacket implements spec.md §4.4's origin → tunnel steps 2-4.
func (d *DataPlane) handleOriginPacket(cs *clientSocket, src netip.AddrPort, buf []byte, nowMs int64) {
	ep, ok := cs.resolve(src)
	if !ok {
		d.stats.DroppedUnknownSource.Add(1)
		d.logDrop("origin packet from unrecognized %v, dropping", src)
		return
	}

	// Origin ports map back to tunnel (public) ports by the same linear
	// offset TunnelEndpoint.OriginPort applies going the other way.
	tunnelPort := ep.TunnelPort(src.Port())

	entry, ok := cs.flowForTunnelPort(tunnelPort)
	if !ok {
		d.logDrop("origin reply from %v has no matching flow, dropping", src)
		return
	}

	payload := buf
	target, useProxy, _ := entry.snapshot()
	if useProxy {
		hdrSrc, hdrDst, consumed, err := proxyproto.ParseUDPHeader(buf)
		if err != nil {
			d.stats.DroppedBadProxyHeader.Add(1)
			d.logDrop("parse proxy header from %v: %v", src, err)
			return
		}
		wantSrc := net.UDPAddrFromAddrPort(entry.flowSrc())
		wantDst := net.UDPAddrFromAddrPort(target)
		if !udpAddrEqual(hdrSrc, wantSrc) || !udpAddrEqual(hdrDst, wantDst) {
			d.stats.DroppedBadProxyHeader.Add(1)
			d.logDrop("proxy header address mismatch from %v, dropping", src)
			return
		}
		payload = buf[consumed:]
	}

	entry.touchOrigin(nowMs)

	sendBuf := make([]byte, len(payload)+wireproto.MaxFooterLen)
	copy(sendBuf, payload)
	replyFlow := entry.flipFlow()
	err := d.udpChan.SendHostPkt(sendBuf, len(payload), replyFlow, func(addr netip.AddrPort, pkt []byte) error {
		return d.tunnelConn.writeOne(addr, pkt)
	})
	if err != nil {
		d.logDrop("send to tunnel failed: %v", err)
		return
	}
	d.stats.OriginToTunnel.Add(1)
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// --- GC ----------------------------------------------------------------

// gc implements spec.md §4.4's periodic sweep: remove a flow whose both
// last-seen timestamps are idle past flowBothIdleTimeout, or whose either
// timestamp is idle past flowEitherIdleTimeout. Removal covers both lookup
// directions — the flow table and the owning socket's port index — so a
// stray origin packet after expiry cannot resurrect the flow.
func (d *DataPlane) gc() {
	nowMs := time.Now().UnixMilli()
	bothMs := flowBothIdleTimeout.Milliseconds()
	eitherMs := flowEitherIdleTimeout.Milliseconds()

	var expired []*flowEntry
	d.flowsMu.Lock()
	for k, e := range d.flows {
		minIdle, maxIdle := e.idleDurations(nowMs)
		if minIdle > bothMs || maxIdle > eitherMs {
			expired = append(expired, e)
			delete(d.flows, k)
		}
	}
	d.flowsMu.Unlock()

	for _, e := range expired {
		if e.socket != nil {
			e.socket.unregisterFlow(e)
		}
	}

	if len(expired) > 0 {
		d.stats.FlowsExpired.Add(int64(len(expired)))
		d.log.Debugf("udpclients", "gc: expired %d idle flow(s)", len(expired))
	}
}
