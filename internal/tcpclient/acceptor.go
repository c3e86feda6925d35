// Package tcpclient implements the TCP new-client acceptor spec.md §4.7
// describes: for every NewClient pushed by the control session, dial the
// tunnel-server-provided claim address, authenticate the claim, dial the
// origin, optionally prepend a PROXY-protocol header, and splice both
// halves until EOF.
//
// It is grounded on the teacher's TunnelProxy
// (internal/proxy/tunnel_proxy.go): the accept-loop-plus-per-connection-task
// shape and the half-duplex forward() helper carry over directly, adapted
// from "accept a redirected local connection, dial through a VPN provider"
// to "dial a server-pushed claim address, then dial the origin" — there is
// no local listener here, since every connection originates from a
// NewClient event rather than an OS-level accept().
package tcpclient

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/playit-oss/tunnelagent/internal/core"
	"github.com/playit-oss/tunnelagent/internal/lookup"
	"github.com/playit-oss/tunnelagent/internal/proxyproto"
	"github.com/playit-oss/tunnelagent/internal/wireproto"
)

const (
	claimDialTimeout  = 5 * time.Second
	claimAckTimeout   = 5 * time.Second
	originDialTimeout = 5 * time.Second

	// lingerAfterHalfClose is spec.md §3's "short linger" between the first
	// half-duplex close and the full close of both connections.
	lingerAfterHalfClose = 2 * time.Second

	dropLogBurst = 5
)

// Stats counts TCP-acceptor activity and the per-step failures spec.md §7
// enumerates for "Origin-side errors" and claim-address failures.
type Stats struct {
	Accepted          atomic.Int64
	Active            atomic.Int64
	DroppedNoEndpoint atomic.Int64
	ClaimDialErrors   atomic.Int64
	ClaimRejected     atomic.Int64
	OriginDialErrors  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Accepted          int64
	Active            int64
	DroppedNoEndpoint int64
	ClaimDialErrors   int64
	ClaimRejected     int64
	OriginDialErrors  int64
}

// Options tunes the acceptor's dial/ack timeouts (spec.md §6 "tcp_settings"
// tuning blob). A zero value for any field falls back to the package
// default.
type Options struct {
	ClaimDialTimeout  time.Duration
	ClaimAckTimeout   time.Duration
	OriginDialTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ClaimDialTimeout <= 0 {
		o.ClaimDialTimeout = claimDialTimeout
	}
	if o.ClaimAckTimeout <= 0 {
		o.ClaimAckTimeout = claimAckTimeout
	}
	if o.OriginDialTimeout <= 0 {
		o.OriginDialTimeout = originDialTimeout
	}
	return o
}

// Acceptor claims and splices every NewClient event it receives. One
// Acceptor serves the whole agent; each claimed connection runs on its own
// goroutine (spec.md §4.7 "Concurrency").
type Acceptor struct {
	log    *core.Logger
	lookup *lookup.Table
	opts   Options

	dropLimiter *rate.Limiter
	stats       Stats
	wg          sync.WaitGroup
}

// New returns an Acceptor resolving origin addresses against lookupTable.
func New(lookupTable *lookup.Table, log *core.Logger, opts Options) *Acceptor {
	if log == nil {
		log = core.Nop()
	}
	return &Acceptor{
		log:         log,
		lookup:      lookupTable,
		opts:        opts.withDefaults(),
		dropLimiter: rate.NewLimiter(rate.Every(time.Second), dropLogBurst),
	}
}

// StatsSnapshot returns a point-in-time copy of the acceptor counters.
func (a *Acceptor) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepted:          a.stats.Accepted.Load(),
		Active:            a.stats.Active.Load(),
		DroppedNoEndpoint: a.stats.DroppedNoEndpoint.Load(),
		ClaimDialErrors:   a.stats.ClaimDialErrors.Load(),
		ClaimRejected:     a.stats.ClaimRejected.Load(),
		OriginDialErrors:  a.stats.OriginDialErrors.Load(),
	}
}

// Run ranges over newClients, spawning one handler goroutine per event,
// until newClients is closed, ctx is done, or shutdown fires. It waits for
// every in-flight connection to finish before returning (design note 9:
// "cancellation propagates via dropping the join handle on shutdown" — here
// modeled as a WaitGroup the caller's Close can bound with its own timeout).
func (a *Acceptor) Run(ctx context.Context, shutdown *core.ShutdownToken, newClients <-chan wireproto.NewClient) error {
	defer a.wg.Wait()

	for {
		select {
		case <-shutdown.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case nc, ok := <-newClients:
			if !ok {
				return nil
			}
			a.stats.Accepted.Add(1)
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handle(ctx, nc)
			}()
		}
	}
}

func (a *Acceptor) logDrop(format string, args ...any) {
	if a.dropLimiter.Allow() {
		a.log.Warnf("tcpclient", format, args...)
	}
}

// handle implements spec.md §4.7 steps 1-6 for a single NewClient event.
func (a *Acceptor) handle(ctx context.Context, nc wireproto.NewClient) {
	ep, ok := a.lookup.Lookup(nc.ConnectAddr.Addr(), nc.ConnectAddr.Port(), wireproto.PortProtoTCP)
	if !ok {
		a.stats.DroppedNoEndpoint.Add(1)
		a.logDrop("no TCP endpoint for %v, dropping NewClient (tunnel_id=%d)", nc.ConnectAddr, nc.TunnelID)
		return
	}
	originAddr := netip.AddrPortFrom(ep.HostOriginAddr.Addr(), ep.OriginPort(nc.ConnectAddr.Port()))

	tunnelConn, err := a.dialClaim(ctx, nc)
	if err != nil {
		a.stats.ClaimDialErrors.Add(1)
		a.logDrop("claim %v failed (tunnel_id=%d): %v", nc.ClaimInstructions.Address, nc.TunnelID, err)
		return
	}
	defer tunnelConn.Close()

	originConn, err := net.DialTimeout("tcp", originAddr.String(), a.opts.OriginDialTimeout)
	if err != nil {
		a.stats.OriginDialErrors.Add(1)
		a.logDrop("dial origin %v failed: %v", originAddr, err)
		return
	}
	defer originConn.Close()

	if ep.ProxyProtocol != lookup.ProxyProtocolNone {
		mode := proxyproto.ModeV1
		if ep.ProxyProtocol == lookup.ProxyProtocolV2 {
			mode = proxyproto.ModeV2
		}
		src := net.TCPAddrFromAddrPort(nc.PeerAddr)
		dst := net.TCPAddrFromAddrPort(nc.ConnectAddr)
		if _, err := proxyproto.WriteTCPHeader(originConn, mode, src, dst); err != nil {
			a.logDrop("write proxy header to origin %v failed: %v", originAddr, err)
			return
		}
	}

	a.stats.Active.Add(1)
	defer a.stats.Active.Add(-1)
	a.splice(tunnelConn, originConn)
}

// dialClaim dials the tunnel-server-provided claim address, sends the claim
// token as the connection's first bytes, and waits for a ClaimAck (spec.md
// §4.7 step 3).
func (a *Acceptor) dialClaim(ctx context.Context, nc wireproto.NewClient) (net.Conn, error) {
	dialer := net.Dialer{Timeout: a.opts.ClaimDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", nc.ClaimInstructions.Address.String())
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(nc.ClaimInstructions.Token); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(a.opts.ClaimAckTimeout))
	ack, err := readClaimAck(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ack != wireproto.ClaimAccepted {
		a.stats.ClaimRejected.Add(1)
		conn.Close()
		return nil, errClaimRejected
	}
	return conn, nil
}

func readClaimAck(r net.Conn) (wireproto.ClaimAck, error) {
	var b [1]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return wireproto.ClaimAck(b[0]), nil
}

var errClaimRejected = claimRejectedError{}

type claimRejectedError struct{}

func (claimRejectedError) Error() string { return "tcpclient: claim rejected by tunnel server" }

// splice runs both half-duplex directions and, once the first side
// finishes, waits up to lingerAfterHalfClose before returning, giving the other
// direction a short window to flush (spec.md §3 TCP client connection
// lifecycle: "either half-duplex closes, then a short linger, then full
// close" — the deferred Close calls in handle provide the full close).
func (a *Acceptor) splice(tunnelConn, originConn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	finished := make(chan struct{}, 2)
	go func() { forward(originConn, tunnelConn, &wg); finished <- struct{}{} }()
	go func() { forward(tunnelConn, originConn, &wg); finished <- struct{}{} }()
	<-finished
	select {
	case <-finished:
	case <-time.After(lingerAfterHalfClose):
	}
}

// forward copies data from src to dst until EOF or error, then half-closes
// whichever side supports it. Adapted directly from the teacher's
// TunnelProxy.forward.
func forward(dst, src net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, 32*1024)
	io.CopyBuffer(dst, src, buf)

	if tc, ok := dst.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	if tc, ok := src.(*net.TCPConn); ok {
		tc.CloseRead()
	}
}
