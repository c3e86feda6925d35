// Package control implements the agent's control-channel session
// (spec.md §4.2): address selection against the API-provided candidate
// list, signed registration, and the steady-state ping/keepalive/re-auth
// loop, all driven from a single cooperative select loop in the style of
// the teacher's FlowTable.StartTCPCleanup ticker-driven goroutines.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/playit-oss/tunnelagent/internal/apiclient"
	"github.com/playit-oss/tunnelagent/internal/core"
	"github.com/playit-oss/tunnelagent/internal/udpchannel"
	"github.com/playit-oss/tunnelagent/internal/wireproto"
)

const (
	pingInterval            = 1 * time.Second
	keepAliveInterval       = 60 * time.Second
	keepAliveIntervalUrgent = 10 * time.Second
	keepAliveUrgentWindow   = 30 * time.Second
	pongTimeout             = 6 * time.Second
	addressRecheckInterval  = 30 * time.Second
	setupUdpChannelMinGap   = 5 * time.Second

	addressSelectTimeout   = 500 * time.Millisecond
	addressSelectRetriesV4 = 3
	addressSelectRetriesV6 = 1

	authMaxAttempts     = 5
	authPollsPerAttempt = 5
	authPollInterval    = 500 * time.Millisecond
	authRetryDelay      = 1 * time.Second

	newClientQueueDepth = 256

	signatureSkewToleranceMillis = 3000
)

// ErrFailedToConnect is returned when no candidate control address
// responds to an address-selection Ping (spec.md §4.2).
var ErrFailedToConnect = errors.New("control: no candidate address responded")

// ErrAuthFailed is returned for the fatal authentication outcomes
// (InvalidSignature, Unauthorized) that require a credential refresh.
var ErrAuthFailed = errors.New("control: authentication rejected by server")

// Config carries the identity the control session registers under.
type Config struct {
	AccountID    uint64
	AgentID      uint64
	AgentVersion uint64
}

// Session drives one agent's control-channel state machine end to end:
// address selection, authentication, and the steady-state loop, including
// re-authentication and address reselection.
type Session struct {
	cfg Config
	api apiclient.Client

	clock *core.LogicalClock
	log   *core.Logger
	bus   *core.EventBus
	state *StateTracker
	queue *requestQueue

	udpChan *udpchannel.Channel

	newClientCh chan wireproto.NewClient

	mu                sync.Mutex
	conn              *net.UDPConn
	controlAddr       netip.AddrPort
	candidateAddrs    []netip.AddrPort
	pongAtAuth        wireproto.Pong
	sessionID         wireproto.AgentSessionID
	expiresAt         uint64
	forceExpired      bool
	currentPingMillis uint32
}

// StatsSnapshot is a point-in-time copy of the session's health counters
// (current state, measured control-channel latency, request-queue resend
// and abandonment counts).
type StatsSnapshot struct {
	State             core.ControlState
	CurrentPingMillis uint32
	Resends           int64
	Failed            int64
}

// NewSession constructs a Session. udpChan may be nil if the agent does not
// run a UDP data plane (TCP-only deployments still need control traffic).
func NewSession(cfg Config, api apiclient.Client, clock *core.LogicalClock, bus *core.EventBus, log *core.Logger, udpChan *udpchannel.Channel) *Session {
	if log == nil {
		log = core.Nop()
	}
	if clock == nil {
		clock = core.NewLogicalClock()
	}
	return &Session{
		cfg:         cfg,
		api:         api,
		clock:       clock,
		log:         log,
		bus:         bus,
		state:       NewStateTracker(bus),
		queue:       newRequestQueue(),
		udpChan:     udpChan,
		newClientCh: make(chan wireproto.NewClient, newClientQueueDepth),
	}
}

// NewClients returns the channel the TCP acceptor ranges over for incoming
// connections to claim (spec.md §4.2 "New-client dispatch").
func (s *Session) NewClients() <-chan wireproto.NewClient { return s.newClientCh }

// State exposes the control-state tracker for stats/health checks.
func (s *Session) State() *StateTracker { return s.state }

// StatsSnapshot returns a point-in-time copy of the session's counters.
func (s *Session) StatsSnapshot() StatsSnapshot {
	s.mu.Lock()
	ping := s.currentPingMillis
	s.mu.Unlock()
	return StatsSnapshot{
		State:             s.state.Current(),
		CurrentPingMillis: ping,
		Resends:           s.queue.resends.Load(),
		Failed:            s.queue.failed.Load(),
	}
}

// SessionID returns the currently registered session identity. Only
// meaningful once the session has reached StateAuthenticated.
func (s *Session) SessionID() wireproto.AgentSessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Run connects, authenticates, and drives the steady-state loop until ctx
// is done, shutdown fires, or a fatal error occurs (address-selection
// failure or a permanent authentication rejection).
func (s *Session) Run(ctx context.Context, shutdown *core.ShutdownToken) error {
	if err := s.connectAndAuthenticate(ctx); err != nil {
		return err
	}
	defer func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}()
	return s.steadyState(ctx, shutdown)
}

// --- address selection & authentication -----------------------------------

func (s *Session) connectAndAuthenticate(ctx context.Context) error {
	s.state.Transition(core.StateDisconnected)

	addrs, err := s.api.ControlAddrs(ctx)
	if err != nil {
		return fmt.Errorf("control: fetch control addresses: %w", err)
	}
	candidates := sortIPv6First(addrs)

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("control: bind control socket: %w", err)
	}

	controlAddr, pong, err := s.addressSelect(ctx, conn, candidates)
	if err != nil {
		conn.Close()
		return err
	}
	s.state.Transition(core.StateAddressSelected)

	sessionID, expiresAt, err := s.authenticate(ctx, conn, controlAddr, pong)
	if err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.controlAddr = controlAddr
	s.candidateAddrs = candidates
	s.pongAtAuth = pong
	s.sessionID = sessionID
	s.expiresAt = expiresAt
	s.forceExpired = false
	s.mu.Unlock()

	s.log.Infof("control", "agent %d registered session %d via %v, expires_at=%d", s.cfg.AgentID, sessionID.SessionID, controlAddr, expiresAt)
	s.state.Transition(core.StateAuthenticated)
	return nil
}

// addressSelect iterates candidates in order, probing each with an unsigned
// Ping up to addressSelectRetriesV4/V6 times with a 500ms receive timeout,
// and returns the first address that answers (spec.md §4.2 "Address
// selection").
func (s *Session) addressSelect(ctx context.Context, conn *net.UDPConn, candidates []netip.AddrPort) (netip.AddrPort, wireproto.Pong, error) {
	for _, addr := range candidates {
		retries := addressSelectRetriesV4
		if addr.Addr().Is6() && !addr.Addr().Is4In6() {
			retries = addressSelectRetriesV6
		}
		for attempt := 0; attempt < retries; attempt++ {
			select {
			case <-ctx.Done():
				return netip.AddrPort{}, wireproto.Pong{}, ctx.Err()
			default:
			}
			pong, ok, err := s.pingOnce(conn, addr)
			if err != nil {
				return netip.AddrPort{}, wireproto.Pong{}, err
			}
			if ok {
				return addr, pong, nil
			}
		}
	}
	return netip.AddrPort{}, wireproto.Pong{}, ErrFailedToConnect
}

func (s *Session) pingOnce(conn *net.UDPConn, addr netip.AddrPort) (wireproto.Pong, bool, error) {
	req := wireproto.ControlRequestFrame{
		RequestID: 1,
		Content:   wireproto.ControlRequest{Kind: wireproto.ControlRequestPing, Ping: wireproto.Ping{Now: uint64(s.clock.NowUnixMillis())}},
	}
	payload := wireproto.EncodeControlRequestDatagram(req.Encode(nil))
	if _, err := conn.WriteToUDPAddrPort(payload, addr); err != nil {
		return wireproto.Pong{}, false, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(addressSelectTimeout)); err != nil {
		return wireproto.Pong{}, false, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return wireproto.Pong{}, false, nil
			}
			return wireproto.Pong{}, false, err
		}
		if !sameAddrPort(from, addr) {
			continue
		}
		kind, rest, err := wireproto.DecodeControlDatagram(buf[:n])
		if err != nil || kind != wireproto.ControlDatagramRPC {
			continue
		}
		frame, err := wireproto.DecodeControlResponseFrame(rest)
		if err != nil || frame.Content.Kind != wireproto.ControlResponsePong {
			continue
		}
		return frame.Content.Pong, true, nil
	}
}

// authenticate calls the external signing API for a registration blob and
// sends it raw, polling for a terminal response (spec.md §4.2
// "Authentication").
func (s *Session) authenticate(ctx context.Context, conn *net.UDPConn, controlAddr netip.AddrPort, pong wireproto.Pong) (wireproto.AgentSessionID, uint64, error) {
attempts:
	for attempt := 0; attempt < authMaxAttempts; attempt++ {
		raw, err := s.api.SignRegistration(ctx, pong.ClientAddr, pong.TunnelAddr)
		if err != nil {
			return wireproto.AgentSessionID{}, 0, fmt.Errorf("control: sign registration: %w", err)
		}
		if _, err := conn.WriteToUDPAddrPort(wireproto.EncodeControlRequestDatagram(raw), controlAddr); err != nil {
			return wireproto.AgentSessionID{}, 0, err
		}

		for poll := 0; poll < authPollsPerAttempt; poll++ {
			resp, ok, err := s.recvAuthResponse(conn, controlAddr)
			if err != nil {
				return wireproto.AgentSessionID{}, 0, err
			}
			if !ok {
				continue
			}
			switch resp.Kind {
			case wireproto.ControlResponseAgentRegistered:
				return resp.AgentRegistered.ID, resp.AgentRegistered.ExpiresAt, nil
			case wireproto.ControlResponseInvalidSignature, wireproto.ControlResponseUnauthorized:
				return wireproto.AgentSessionID{}, 0, ErrAuthFailed
			case wireproto.ControlResponseRequestQueued:
				select {
				case <-time.After(authRetryDelay):
				case <-ctx.Done():
					return wireproto.AgentSessionID{}, 0, ctx.Err()
				}
				continue attempts
			}
		}
	}
	return wireproto.AgentSessionID{}, 0, fmt.Errorf("control: authentication timed out after %d attempts", authMaxAttempts)
}

func (s *Session) recvAuthResponse(conn *net.UDPConn, controlAddr netip.AddrPort) (wireproto.ControlResponse, bool, error) {
	if err := conn.SetReadDeadline(time.Now().Add(authPollInterval)); err != nil {
		return wireproto.ControlResponse{}, false, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 2048)
	n, from, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return wireproto.ControlResponse{}, false, nil
		}
		return wireproto.ControlResponse{}, false, err
	}
	if !sameAddrPort(from, controlAddr) {
		return wireproto.ControlResponse{}, false, nil
	}
	kind, rest, err := wireproto.DecodeControlDatagram(buf[:n])
	if err != nil || kind != wireproto.ControlDatagramRPC {
		return wireproto.ControlResponse{}, false, nil
	}
	frame, err := wireproto.DecodeControlResponseFrame(rest)
	if err != nil {
		return wireproto.ControlResponse{}, false, nil
	}
	return frame.Content, true, nil
}

// --- steady state ----------------------------------------------------------

type incomingDatagram struct {
	from netip.AddrPort
	buf  []byte
}

// loopState holds the mutable timers owned exclusively by the steadyState
// goroutine; keeping them off Session avoids locking for fields no other
// goroutine touches.
type loopState struct {
	lastPongAt      time.Time
	nextKeepAliveAt time.Time
	nextAddrCheckAt time.Time
	lastSetupUdpAt  time.Time
	lastDriftAddr   netip.AddrPort
}

func (s *Session) steadyState(ctx context.Context, shutdown *core.ShutdownToken) error {
	s.mu.Lock()
	conn := s.conn
	controlAddr := s.controlAddr
	s.mu.Unlock()

	incoming := make(chan incomingDatagram, 64)
	go s.readLoop(conn, incoming)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	st := &loopState{
		lastPongAt:      time.Now(),
		nextKeepAliveAt: time.Now(),
		nextAddrCheckAt: time.Now().Add(addressRecheckInterval),
	}

	for {
		select {
		case <-shutdown.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()

		case dg := <-incoming:
			s.handleDatagram(dg, st)

		case now := <-ticker.C:
			s.sendPing(conn, controlAddr)
			s.queue.tick(now, func(payload []byte) error {
				_, err := conn.WriteToUDPAddrPort(wireproto.EncodeControlRequestDatagram(payload), controlAddr)
				if err != nil {
					s.log.Warnf("control", "request resend failed: %v", err)
				}
				return err
			})

			if !st.lastPongAt.IsZero() && now.Sub(st.lastPongAt) >= pongTimeout {
				s.state.Transition(core.StateExpired)
			}

			if err := s.reauthenticateIfNeeded(ctx, conn, controlAddr); err != nil {
				return err
			}

			if now.After(st.nextKeepAliveAt) || now.Equal(st.nextKeepAliveAt) {
				s.sendKeepAlive(conn, controlAddr)
				st.nextKeepAliveAt = now.Add(s.keepAliveInterval())
			}

			if s.udpChan != nil && s.udpChan.RequiresAuth() && now.Sub(st.lastSetupUdpAt) >= setupUdpChannelMinGap {
				s.sendSetupUdpChannel(conn, controlAddr)
				st.lastSetupUdpAt = now
			}

			if now.After(st.nextAddrCheckAt) {
				st.nextAddrCheckAt = now.Add(addressRecheckInterval)
				if newConn, newAddr, ok := s.recheckAddress(ctx); ok {
					oldConn := conn
					conn = newConn
					controlAddr = newAddr
					go s.readLoop(conn, incoming)
					oldConn.Close()
				}
			}
		}
	}
}

// reauthenticateIfNeeded re-runs authentication in place when the session
// has expired (or Unauthorized forced it), per spec.md §4.2 "Steady state".
func (s *Session) reauthenticateIfNeeded(ctx context.Context, conn *net.UDPConn, controlAddr netip.AddrPort) error {
	s.mu.Lock()
	nowMillis := uint64(s.clock.NowUnixMillis())
	expired := s.forceExpired || (s.expiresAt != 0 && nowMillis >= s.expiresAt)
	pong := s.pongAtAuth
	s.mu.Unlock()
	if !expired {
		return nil
	}

	s.state.Transition(core.StateReestablishing)
	id, expiresAt, err := s.authenticate(ctx, conn, controlAddr, pong)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessionID = id
	s.expiresAt = expiresAt
	s.forceExpired = false
	s.mu.Unlock()
	s.state.Transition(core.StateAuthenticated)
	return nil
}

// keepAliveInterval returns 10s when the session expires within
// keepAliveUrgentWindow, else 60s (spec.md §4.2 "Steady state"). Expiry is
// judged on the logical clock since expires_at is a server timestamp.
func (s *Session) keepAliveInterval() time.Duration {
	s.mu.Lock()
	expiresAt := s.expiresAt
	s.mu.Unlock()

	if expiresAt == 0 {
		return keepAliveInterval
	}
	nowMillis := uint64(s.clock.NowUnixMillis())
	if expiresAt <= nowMillis || expiresAt-nowMillis < uint64(keepAliveUrgentWindow.Milliseconds()) {
		return keepAliveIntervalUrgent
	}
	return keepAliveInterval
}

func (s *Session) recheckAddress(ctx context.Context) (*net.UDPConn, netip.AddrPort, bool) {
	addrs, err := s.api.ControlAddrs(ctx)
	if err != nil {
		s.log.Warnf("control", "address recheck failed: %v", err)
		return nil, netip.AddrPort{}, false
	}
	candidates := sortIPv6First(addrs)

	s.mu.Lock()
	unchanged := addrPortsEqual(candidates, s.candidateAddrs)
	s.mu.Unlock()
	if unchanged {
		return nil, netip.AddrPort{}, false
	}

	newConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		s.log.Warnf("control", "address reselect: bind failed: %v", err)
		return nil, netip.AddrPort{}, false
	}
	newAddr, pong, err := s.addressSelect(ctx, newConn, candidates)
	if err != nil {
		s.log.Warnf("control", "address reselect found no live candidate, keeping current: %v", err)
		newConn.Close()
		return nil, netip.AddrPort{}, false
	}

	s.mu.Lock()
	s.conn = newConn
	s.controlAddr = newAddr
	s.candidateAddrs = candidates
	s.pongAtAuth = pong
	s.mu.Unlock()

	s.log.Infof("control", "switched control address to %v", newAddr)
	return newConn, newAddr, true
}

func (s *Session) readLoop(conn *net.UDPConn, out chan<- incomingDatagram) {
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		out <- incomingDatagram{from: from, buf: cp}
	}
}

func (s *Session) sendPing(conn *net.UDPConn, controlAddr netip.AddrPort) {
	s.mu.Lock()
	sessID := s.sessionID
	ping := s.currentPingMillis
	s.mu.Unlock()

	var currentPing *uint32
	if ping > 0 {
		currentPing = &ping
	}
	req := wireproto.ControlRequestFrame{
		RequestID: 1,
		Content: wireproto.ControlRequest{
			Kind: wireproto.ControlRequestPing,
			Ping: wireproto.Ping{Now: uint64(s.clock.NowUnixMillis()), CurrentPing: currentPing, SessionID: &sessID},
		},
	}
	if _, err := conn.WriteToUDPAddrPort(wireproto.EncodeControlRequestDatagram(req.Encode(nil)), controlAddr); err != nil {
		s.log.Warnf("control", "ping send failed: %v", err)
	}
}

func (s *Session) sendKeepAlive(conn *net.UDPConn, controlAddr netip.AddrPort) {
	s.mu.Lock()
	sessID := s.sessionID
	s.mu.Unlock()

	id := s.queue.allocateID()
	req := wireproto.ControlRequestFrame{
		RequestID: id,
		Content:   wireproto.ControlRequest{Kind: wireproto.ControlRequestAgentKeepAlive, AgentKeepAlive: sessID},
	}
	payload := req.Encode(nil)
	s.queue.enqueue(id, payload, time.Now())
	if _, err := conn.WriteToUDPAddrPort(wireproto.EncodeControlRequestDatagram(payload), controlAddr); err != nil {
		s.log.Warnf("control", "keepalive send failed: %v", err)
	}
}

func (s *Session) sendSetupUdpChannel(conn *net.UDPConn, controlAddr netip.AddrPort) {
	s.mu.Lock()
	sessID := s.sessionID
	s.mu.Unlock()

	id := s.queue.allocateID()
	req := wireproto.ControlRequestFrame{
		RequestID: id,
		Content:   wireproto.ControlRequest{Kind: wireproto.ControlRequestSetupUdpChannel, SetupUdpChannel: sessID},
	}
	payload := req.Encode(nil)
	s.queue.enqueue(id, payload, time.Now())
	if _, err := conn.WriteToUDPAddrPort(wireproto.EncodeControlRequestDatagram(payload), controlAddr); err != nil {
		s.log.Warnf("control", "setup-udp-channel send failed: %v", err)
	}
}

// CheckPortMapping asks the server whether r is currently claimed, blocking
// until a response arrives, the request is abandoned after
// maxRequestAttempts resends, or ctx is done.
func (s *Session) CheckPortMapping(ctx context.Context, r wireproto.PortRange) (wireproto.AgentPortMapping, error) {
	s.mu.Lock()
	sessID := s.sessionID
	conn := s.conn
	controlAddr := s.controlAddr
	s.mu.Unlock()

	id := s.queue.allocateID()
	req := wireproto.ControlRequestFrame{
		RequestID: id,
		Content: wireproto.ControlRequest{
			Kind:                  wireproto.ControlRequestAgentCheckPortMapping,
			AgentCheckPortMapping: wireproto.AgentCheckPortMapping{AgentSessionID: sessID, PortRange: r},
		},
	}
	payload := req.Encode(nil)
	pending := s.queue.enqueue(id, payload, time.Now())

	if _, err := conn.WriteToUDPAddrPort(wireproto.EncodeControlRequestDatagram(payload), controlAddr); err != nil {
		return wireproto.AgentPortMapping{}, err
	}

	select {
	case <-pending.done:
		if pending.failed {
			return wireproto.AgentPortMapping{}, errors.New("control: check-port-mapping abandoned after max attempts")
		}
		resp, err := wireproto.DecodeControlResponse(pending.response)
		if err != nil {
			return wireproto.AgentPortMapping{}, err
		}
		if resp.Kind != wireproto.ControlResponseAgentPortMapping {
			return wireproto.AgentPortMapping{}, fmt.Errorf("control: unexpected response kind %d to port-mapping check", resp.Kind)
		}
		return resp.AgentPortMapping, nil
	case <-ctx.Done():
		return wireproto.AgentPortMapping{}, ctx.Err()
	}
}

func (s *Session) handleDatagram(dg incomingDatagram, st *loopState) {
	kind, rest, err := wireproto.DecodeControlDatagram(dg.buf)
	if err != nil {
		s.log.Debugf("control", "short control datagram from %v: %v", dg.from, err)
		return
	}

	switch kind {
	case wireproto.ControlDatagramNewClient:
		nc, err := wireproto.DecodeNewClient(rest)
		if err != nil {
			s.log.Debugf("control", "bad NewClient push: %v", err)
			return
		}
		select {
		case s.newClientCh <- nc:
			s.publish(core.Event{Type: core.EventNewClient, Payload: nc})
		default:
			s.log.Warnf("control", "new-client queue full, dropping tunnel_id=%d", nc.TunnelID)
		}

	case wireproto.ControlDatagramRPC:
		frame, err := wireproto.DecodeControlResponseFrame(rest)
		if err != nil {
			s.log.Debugf("control", "bad control response: %v", err)
			return
		}
		s.handleResponse(frame, st)
	}
}

func (s *Session) handleResponse(frame wireproto.ControlResponseFrame, st *loopState) {
	if frame.RequestID == 1 {
		if frame.Content.Kind == wireproto.ControlResponsePong {
			st.lastPongAt = time.Now()
			pong := frame.Content.Pong

			s.mu.Lock()
			if rtt := s.clock.NowUnixMillis() - int64(pong.RequestNow); rtt >= 0 && rtt < int64(^uint32(0)) {
				s.currentPingMillis = uint32(rtt)
			}
			authClientAddr := s.pongAtAuth.ClientAddr
			if pong.SessionExpireAt != nil {
				s.expiresAt = *pong.SessionExpireAt
			}
			s.mu.Unlock()

			// Client-address drift means a NAT rebind since authentication;
			// log only, the session stays valid until the server objects.
			if authClientAddr.IsValid() && pong.ClientAddr != authClientAddr && pong.ClientAddr != st.lastDriftAddr {
				st.lastDriftAddr = pong.ClientAddr
				s.log.Infof("control", "client address drifted: %v at auth, %v now", authClientAddr, pong.ClientAddr)
			}

			if s.state.Current() == core.StateExpired {
				s.state.Transition(core.StateAuthenticated)
			}
		}
		return
	}

	s.queue.complete(frame.RequestID, frame.Content.Encode(nil))

	switch frame.Content.Kind {
	case wireproto.ControlResponseUnauthorized:
		s.mu.Lock()
		s.forceExpired = true
		s.mu.Unlock()

	case wireproto.ControlResponseUdpChannelDetails:
		if s.udpChan != nil {
			s.udpChan.UpdateSession(frame.Content.UdpChannelDetails.TunnelAddr, frame.Content.UdpChannelDetails.Token)
			s.publish(core.Event{Type: core.EventUdpChannelUpdated, Payload: frame.Content.UdpChannelDetails.TunnelAddr})
		}

	case wireproto.ControlResponseSignatureExpired:
		delta := frame.Content.SignatureExpired.DeltaMillis()
		if delta > signatureSkewToleranceMillis || delta < -signatureSkewToleranceMillis {
			s.clock.Adjust(delta)
			s.mu.Lock()
			s.forceExpired = true
			s.mu.Unlock()
			s.log.Infof("control", "server reports %dms clock skew, adjusting logical clock", delta)
			s.publish(core.Event{Type: core.EventClockAdjusted, Payload: core.ClockAdjustedPayload{DeltaMillis: delta}})
		}
	}
}

func (s *Session) publish(e core.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// --- helpers -----------------------------------------------------------

func sortIPv6First(addrs []netip.AddrPort) []netip.AddrPort {
	out := make([]netip.AddrPort, len(addrs))
	copy(out, addrs)
	sort.SliceStable(out, func(i, j int) bool {
		iv6 := out[i].Addr().Is6() && !out[i].Addr().Is4In6()
		jv6 := out[j].Addr().Is6() && !out[j].Addr().Is4In6()
		return iv6 && !jv6
	})
	return out
}

// sameAddrPort compares two addresses ignoring IPv4-in-IPv6 mapping: a
// dual-stack socket reports an IPv4 peer as ::ffff:a.b.c.d.
func sameAddrPort(a, b netip.AddrPort) bool {
	return a.Addr().Unmap() == b.Addr().Unmap() && a.Port() == b.Port()
}

func addrPortsEqual(a, b []netip.AddrPort) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
