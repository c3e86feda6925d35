package control

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/playit-oss/tunnelagent/internal/core"
	"github.com/playit-oss/tunnelagent/internal/wireproto"
)

func TestSortIPv6First(t *testing.T) {
	in := []netip.AddrPort{
		netip.MustParseAddrPort("1.2.3.4:100"),
		netip.MustParseAddrPort("[2001:db8::1]:200"),
		netip.MustParseAddrPort("5.6.7.8:300"),
	}
	out := sortIPv6First(in)
	if !out[0].Addr().Is6() {
		t.Fatalf("expected an IPv6 address first, got %v", out[0])
	}
	if len(out) != len(in) {
		t.Fatalf("length changed: %d vs %d", len(out), len(in))
	}
}

func TestAddrPortsEqual(t *testing.T) {
	a := []netip.AddrPort{netip.MustParseAddrPort("1.1.1.1:1")}
	b := []netip.AddrPort{netip.MustParseAddrPort("1.1.1.1:1")}
	c := []netip.AddrPort{netip.MustParseAddrPort("2.2.2.2:2")}

	if !addrPortsEqual(a, b) {
		t.Fatal("expected equal slices to compare equal")
	}
	if addrPortsEqual(a, c) {
		t.Fatal("expected differing slices to compare unequal")
	}
	if addrPortsEqual(a, nil) {
		t.Fatal("expected differing-length slices to compare unequal")
	}
}

func TestKeepAliveIntervalUrgentNearExpiry(t *testing.T) {
	s := &Session{clock: core.NewLogicalClock()}
	s.expiresAt = uint64(time.Now().UnixMilli()) + 5000 // 5s out, inside the 30s urgent window

	if got := s.keepAliveInterval(); got != keepAliveIntervalUrgent {
		t.Fatalf("keepAliveInterval = %v, want %v", got, keepAliveIntervalUrgent)
	}
}

func TestKeepAliveIntervalNormalFarFromExpiry(t *testing.T) {
	s := &Session{clock: core.NewLogicalClock()}
	s.expiresAt = uint64(time.Now().UnixMilli()) + 120_000

	if got := s.keepAliveInterval(); got != keepAliveInterval {
		t.Fatalf("keepAliveInterval = %v, want %v", got, keepAliveInterval)
	}
}

// fakeControlServer answers address-selection pings and registration
// requests on a loopback UDP socket, letting addressSelect/authenticate run
// against a real socket without a live tunnel server.
type fakeControlServer struct {
	conn *net.UDPConn
	addr netip.AddrPort
}

func newFakeControlServer(t *testing.T) *fakeControlServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return &fakeControlServer{conn: conn, addr: conn.LocalAddr().(*net.UDPAddr).AddrPort()}
}

func (f *fakeControlServer) close() { f.conn.Close() }

// serveOnePing replies to a single incoming Ping request with a Pong.
func (f *fakeControlServer) serveOnePing(t *testing.T, clientAddr, tunnelAddr netip.AddrPort) {
	t.Helper()
	buf := make([]byte, 2048)
	n, from, err := f.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Errorf("server read: %v", err)
		return
	}
	kind, rest, err := wireproto.DecodeControlDatagram(buf[:n])
	if err != nil || kind != wireproto.ControlDatagramRPC {
		t.Errorf("unexpected datagram: %v %v", kind, err)
		return
	}
	req, err := wireproto.DecodeControlRequestFrame(rest)
	if err != nil || req.Content.Kind != wireproto.ControlRequestPing {
		t.Errorf("expected Ping, got %+v err=%v", req, err)
		return
	}

	resp := wireproto.ControlResponseFrame{
		RequestID: req.RequestID,
		Content: wireproto.ControlResponse{
			Kind: wireproto.ControlResponsePong,
			Pong: wireproto.Pong{
				RequestNow: req.Content.Ping.Now,
				ServerNow:  req.Content.Ping.Now,
				ClientAddr: clientAddr,
				TunnelAddr: tunnelAddr,
			},
		},
	}
	datagram := wireproto.EncodeControlRequestDatagram(resp.Encode(nil))
	if _, err := f.conn.WriteToUDPAddrPort(datagram, from); err != nil {
		t.Errorf("server write: %v", err)
		return
	}
}

func TestAddressSelectFindsRespondingCandidate(t *testing.T) {
	srv := newFakeControlServer(t)
	defer srv.close()

	clientAddr := netip.MustParseAddrPort("9.9.9.9:4444")
	go srv.serveOnePing(t, clientAddr, srv.addr)

	s := &Session{clock: core.NewLogicalClock(), log: core.Nop()}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	addr, pong, err := s.addressSelect(context.Background(), conn, []netip.AddrPort{srv.addr})
	if err != nil {
		t.Fatalf("addressSelect: %v", err)
	}
	if addr != srv.addr {
		t.Fatalf("selected addr = %v, want %v", addr, srv.addr)
	}
	if pong.ClientAddr != clientAddr {
		t.Fatalf("pong.ClientAddr = %v, want %v", pong.ClientAddr, clientAddr)
	}
}

func TestAddressSelectFailsWhenNoCandidateResponds(t *testing.T) {
	deadConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	deadAddr := deadConn.LocalAddr().(*net.UDPAddr).AddrPort()
	deadConn.Close() // nothing listens here anymore

	s := &Session{clock: core.NewLogicalClock(), log: core.Nop()}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	_, _, err = s.addressSelect(context.Background(), conn, []netip.AddrPort{deadAddr})
	if !errors.Is(err, ErrFailedToConnect) {
		t.Fatalf("expected ErrFailedToConnect, got %v", err)
	}
}

func TestHandleResponseUnauthorizedForcesExpiry(t *testing.T) {
	s := &Session{clock: core.NewLogicalClock(), log: core.Nop(), queue: newRequestQueue(), state: NewStateTracker(nil)}
	pending := s.queue.enqueue(2, []byte("req"), time.Now())

	frame := wireproto.ControlResponseFrame{
		RequestID: 2,
		Content:   wireproto.ControlResponse{Kind: wireproto.ControlResponseUnauthorized},
	}
	s.handleResponse(frame, &loopState{})

	if !s.forceExpired {
		t.Fatal("expected forceExpired to be set after Unauthorized")
	}
	select {
	case <-pending.done:
	default:
		t.Fatal("expected the pending request to be completed")
	}
}

func TestHandleResponseSignatureExpiredAdjustsClock(t *testing.T) {
	s := &Session{clock: core.NewLogicalClock(), log: core.Nop(), queue: newRequestQueue(), state: NewStateTracker(nil)}
	s.queue.enqueue(2, []byte("req"), time.Now())

	frame := wireproto.ControlResponseFrame{
		RequestID: 2,
		Content: wireproto.ControlResponse{
			Kind:             wireproto.ControlResponseSignatureExpired,
			SignatureExpired: wireproto.SignatureExpired{Now: 10_000, Timestamp: 4_000},
		},
	}
	s.handleResponse(frame, &loopState{})

	if got := s.clock.Offset(); got != 6000 {
		t.Fatalf("clock offset = %d, want 6000", got)
	}
	if !s.forceExpired {
		t.Fatal("expected forceExpired after a large signature skew")
	}
}

func TestHandleResponseSignatureExpiredWithinToleranceDoesNotForceExpiry(t *testing.T) {
	s := &Session{clock: core.NewLogicalClock(), log: core.Nop(), queue: newRequestQueue(), state: NewStateTracker(nil)}
	s.queue.enqueue(2, []byte("req"), time.Now())

	frame := wireproto.ControlResponseFrame{
		RequestID: 2,
		Content: wireproto.ControlResponse{
			Kind:             wireproto.ControlResponseSignatureExpired,
			SignatureExpired: wireproto.SignatureExpired{Now: 1000, Timestamp: 500},
		},
	}
	s.handleResponse(frame, &loopState{})

	if s.forceExpired {
		t.Fatal("a skew within tolerance should not force re-authentication")
	}
	if s.clock.Offset() != 0 {
		t.Fatalf("clock offset = %d, want 0", s.clock.Offset())
	}
}

func TestHandleResponsePongUpdatesLastPongAt(t *testing.T) {
	s := &Session{clock: core.NewLogicalClock(), log: core.Nop(), queue: newRequestQueue(), state: NewStateTracker(nil)}
	st := &loopState{}

	frame := wireproto.ControlResponseFrame{
		RequestID: 1,
		Content:   wireproto.ControlResponse{Kind: wireproto.ControlResponsePong, Pong: wireproto.Pong{}},
	}
	s.handleResponse(frame, st)

	if st.lastPongAt.IsZero() {
		t.Fatal("expected lastPongAt to be set by a Pong response")
	}
}
