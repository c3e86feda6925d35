// Package udpchannel maintains the authenticated UDP data-plane session
// (spec.md §4.3): the token handshake with the tunnel server's UDP
// endpoint, the 8-slot address-history ring that keeps in-flight replies
// acceptable across a token rotation, and the resend/confirm timers that
// decide when the control session needs to refresh the session.
//
// It is grounded on the teacher's UDPProxy (internal/proxy/udp_proxy.go):
// the session-liveness bookkeeping there (atomic lastActive, RWMutex-guarded
// state, ticker-driven timeout sweep) is adapted here from a per-client NAT
// session table to the single shared tunnel-session state this package
// owns.
package udpchannel

import (
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/playit-oss/tunnelagent/internal/wireproto"
)

const addrHistoryCap = 8

// session is the current {tunnel_addr, token} pair, replaced wholesale by
// UpdateSession.
type session struct {
	tunnelAddr netip.AddrPort
	token      []byte
}

// ParsedKind discriminates the result of Channel.ParsePacket.
type ParsedKind int

const (
	ParsedNone ParsedKind = iota
	ParsedReceivedPacket
	ParsedConfirmedConnection
	ParsedUpdatedConnection
)

// ParseResult is the outcome of ParsePacket.
type ParseResult struct {
	Kind       ParsedKind
	Flow       wireproto.Flow
	PayloadLen int
}

// ErrUnknownSource is returned by ParsePacket when source matches neither
// the current tunnel address nor any address in history.
var ErrUnknownSource = errors.New("udpchannel: packet source does not match current or historical tunnel address")

// Channel owns the authenticated UDP session state. All methods are safe
// for concurrent use; the data-plane read loop and the control session's
// token-resend path both touch it.
type Channel struct {
	mu sync.Mutex

	current      *session
	addrHistory  []netip.AddrPort // most recent last; capped at addrHistoryCap
	lastConfirmS int64
	lastSendS    int64
	resendNow    bool // set by UpdateSession, consumed by CheckResend
}

// New returns an unauthenticated Channel (no current session).
func New() *Channel {
	return &Channel{}
}

// UpdateSession installs a new {tunnel_addr, token}. If the tunnel address
// differs from the previous session's, the old address is pushed into
// addr_history so in-flight replies from it are still accepted. The send
// timer is reset so the next CheckResend triggers an immediate token send
// (spec.md §4.3: a session update always triggers a resend).
func (c *Channel) UpdateSession(tunnelAddr netip.AddrPort, token []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.tunnelAddr != tunnelAddr {
		c.pushHistoryLocked(c.current.tunnelAddr)
	}
	c.current = &session{tunnelAddr: tunnelAddr, token: append([]byte(nil), token...)}
	// Force an immediate resend on the next CheckResend, whatever the
	// confirm/send timers say.
	c.lastSendS = 0
	c.resendNow = true
}

func (c *Channel) pushHistoryLocked(addr netip.AddrPort) {
	c.addrHistory = append(c.addrHistory, addr)
	if len(c.addrHistory) > addrHistoryCap {
		c.addrHistory = c.addrHistory[len(c.addrHistory)-addrHistoryCap:]
	}
}

// SendToken writes the current token to tunnel_addr via send, updating
// last_send_s to nowS. Returns an error if there is no current session.
func (c *Channel) SendToken(nowS int64, send func(addr netip.AddrPort, token []byte) error) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur == nil {
		return errors.New("udpchannel: no current session")
	}
	if err := send(cur.tunnelAddr, cur.token); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastSendS = nowS
	c.mu.Unlock()
	return nil
}

// CheckResend reports whether a token resend is due: true when
// max(last_confirm_s+10, last_send_s+5) < now_s, or on the first call after
// UpdateSession. If true, last_send_s is bumped to now_s (the caller is
// expected to resend immediately after).
func (c *Channel) CheckResend(nowS int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	due := max64(c.lastConfirmS+10, c.lastSendS+5)
	if due >= nowS && !c.resendNow {
		return false
	}
	c.resendNow = false
	c.lastSendS = nowS
	return true
}

// RequiresAuth reports whether the UDP task should ask the control session
// to run SetupUdpChannel: true while no session has been issued at all, or
// when last_confirm_s+8 < last_send_s (no confirmation within 8s of our
// last send).
func (c *Channel) RequiresAuth() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return true
	}
	return c.lastConfirmS+8 < c.lastSendS
}

// ParsePacket implements the per-packet state machine described in
// spec.md §4.3. source must be the address the packet was received from.
func (c *Channel) ParsePacket(buf []byte, source netip.AddrPort, nowS int64) (ParseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sourceAcceptedLocked(source) {
		return ParseResult{}, ErrUnknownSource
	}

	magic, err := wireproto.PeekMagic(buf)
	if err != nil {
		return ParseResult{}, err
	}

	if magic == wireproto.UDPChannelEstablishID {
		body := buf[:len(buf)-8]
		if c.current != nil && tokenEqual(body, c.current.token) {
			c.lastConfirmS = nowS
			return ParseResult{Kind: ParsedConfirmedConnection}, nil
		}

		if c.current != nil && c.current.tunnelAddr != source {
			c.pushHistoryLocked(c.current.tunnelAddr)
		}
		c.current = &session{tunnelAddr: source, token: append([]byte(nil), body...)}
		c.lastConfirmS = nowS
		return ParseResult{Kind: ParsedUpdatedConnection}, nil
	}

	flow, footerLen, err := wireproto.ParseFooter(buf)
	if err != nil {
		return ParseResult{}, err
	}
	return ParseResult{
		Kind:       ParsedReceivedPacket,
		Flow:       flow,
		PayloadLen: len(buf) - footerLen,
	}, nil
}

func (c *Channel) sourceAcceptedLocked(source netip.AddrPort) bool {
	if c.current != nil && c.current.tunnelAddr == source {
		return true
	}
	for _, a := range c.addrHistory {
		if a == source {
			return true
		}
	}
	return false
}

// SendHostPkt appends the footer for flow after buf[:dataLen] and sends the
// resulting packet to the current tunnel_addr via send. buf must have at
// least flow.FooterLen() bytes of capacity beyond dataLen.
func (c *Channel) SendHostPkt(buf []byte, dataLen int, flow wireproto.Flow, send func(addr netip.AddrPort, pkt []byte) error) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur == nil {
		return errors.New("udpchannel: no current session")
	}

	footerLen := flow.FooterLen()
	if len(buf) < dataLen+footerLen {
		return errors.New("udpchannel: buffer too small for footer")
	}
	if _, err := wireproto.EncodeFooter(buf[dataLen:dataLen+footerLen], flow); err != nil {
		return err
	}
	return send(cur.tunnelAddr, buf[:dataLen+footerLen])
}

// CurrentTunnelAddr returns the active tunnel address, if any.
func (c *Channel) CurrentTunnelAddr() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return netip.AddrPort{}, false
	}
	return c.current.tunnelAddr, true
}

func tokenEqual(a, b []byte) bool {
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

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ResolveUDPAddr is a small convenience used by callers sending raw UDP
// packets with net.UDPConn, which wants *net.UDPAddr rather than
// netip.AddrPort.
func ResolveUDPAddr(ap netip.AddrPort) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(ap)
}
