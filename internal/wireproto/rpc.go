package wireproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrShortRead is returned by the decode helpers when buf ends before the
// field they are about to read.
var ErrShortRead = errors.New("wireproto: short read")

// PortProto is the protocol a TunnelEndpoint's port range applies to.
type PortProto uint8

const (
	PortProtoTCP PortProto = iota
	PortProtoUDP
	PortProtoBoth
)

// PortRange is an inclusive-exclusive public port range on a single IP,
// scoped to a protocol.
type PortRange struct {
	IP        netip.Addr
	PortStart uint16
	PortEnd   uint16
	Proto     PortProto
}

// AgentSessionID is the {session_id, account_id, agent_id} triple identifying
// a registered session (spec.md §3).
type AgentSessionID struct {
	SessionID uint64
	AccountID uint64
	AgentID   uint64
}

// --- primitive encoding helpers -------------------------------------------

func putUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, ErrShortRead
	}
	return binary.BigEndian.Uint64(buf[:8]), buf[8:], nil
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, ErrShortRead
	}
	return binary.BigEndian.Uint32(buf[:4]), buf[4:], nil
}

func readUint16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, ErrShortRead
	}
	return binary.BigEndian.Uint16(buf[:2]), buf[2:], nil
}

// putBytes writes a u64-length-prefixed byte array, mirroring the original
// Vec<u8> encoding (encoding.rs): an 8-byte big-endian length followed by the
// raw bytes.
func putBytes(buf []byte, b []byte) []byte {
	buf = putUint64(buf, uint64(len(b)))
	return append(buf, b...)
}

func readBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := readUint64(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, ErrShortRead
	}
	return rest[:n], rest[n:], nil
}

// putOptionU32 / readOptionU32 implement Option<u32>: a 1-byte discriminant
// (0 = absent, 1 = present) followed by the payload when present.
func putOptionU32(buf []byte, v *uint32) []byte {
	if v == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return putUint32(buf, *v)
}

func readOptionU32(buf []byte) (*uint32, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, ErrShortRead
	}
	tag, rest := buf[0], buf[1:]
	if tag == 0 {
		return nil, rest, nil
	}
	v, rest, err := readUint32(rest)
	if err != nil {
		return nil, nil, err
	}
	return &v, rest, nil
}

func putOptionU64(buf []byte, v *uint64) []byte {
	if v == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return putUint64(buf, *v)
}

func readOptionU64(buf []byte) (*uint64, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, ErrShortRead
	}
	tag, rest := buf[0], buf[1:]
	if tag == 0 {
		return nil, rest, nil
	}
	v, rest, err := readUint64(rest)
	if err != nil {
		return nil, nil, err
	}
	return &v, rest, nil
}

func putOptionSessionID(buf []byte, v *AgentSessionID) []byte {
	if v == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return putSessionID(buf, *v)
}

func readOptionSessionID(buf []byte) (*AgentSessionID, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, ErrShortRead
	}
	tag, rest := buf[0], buf[1:]
	if tag == 0 {
		return nil, rest, nil
	}
	v, rest, err := readSessionID(rest)
	if err != nil {
		return nil, nil, err
	}
	return &v, rest, nil
}

func putSessionID(buf []byte, id AgentSessionID) []byte {
	buf = putUint64(buf, id.SessionID)
	buf = putUint64(buf, id.AccountID)
	buf = putUint64(buf, id.AgentID)
	return buf
}

func readSessionID(buf []byte) (AgentSessionID, []byte, error) {
	sid, buf, err := readUint64(buf)
	if err != nil {
		return AgentSessionID{}, nil, err
	}
	aid, buf, err := readUint64(buf)
	if err != nil {
		return AgentSessionID{}, nil, err
	}
	gid, buf, err := readUint64(buf)
	if err != nil {
		return AgentSessionID{}, nil, err
	}
	return AgentSessionID{SessionID: sid, AccountID: aid, AgentID: gid}, buf, nil
}

// putSocketAddr / readSocketAddr implement SocketAddr: a 1-byte family tag (4
// or 6), the raw address bytes, then a big-endian u16 port.
func putSocketAddr(buf []byte, ap netip.AddrPort) []byte {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		buf = append(buf, 4)
		a := addr.As4()
		buf = append(buf, a[:]...)
	} else {
		buf = append(buf, 6)
		a := addr.As16()
		buf = append(buf, a[:]...)
	}
	return putUint16(buf, ap.Port())
}

func readSocketAddr(buf []byte) (netip.AddrPort, []byte, error) {
	if len(buf) < 1 {
		return netip.AddrPort{}, nil, ErrShortRead
	}
	family, rest := buf[0], buf[1:]
	var addr netip.Addr
	switch family {
	case 4:
		if len(rest) < 4 {
			return netip.AddrPort{}, nil, ErrShortRead
		}
		addr = addr4(rest[:4])
		rest = rest[4:]
	case 6:
		if len(rest) < 16 {
			return netip.AddrPort{}, nil, ErrShortRead
		}
		addr = addr16(rest[:16])
		rest = rest[16:]
	default:
		return netip.AddrPort{}, nil, fmt.Errorf("wireproto: unknown socket address family %d", family)
	}
	port, rest, err := readUint16(rest)
	if err != nil {
		return netip.AddrPort{}, nil, err
	}
	return netip.AddrPortFrom(addr, port), rest, nil
}

func putPortRange(buf []byte, r PortRange) []byte {
	buf = putSocketAddr(buf, netip.AddrPortFrom(r.IP, 0))
	buf = putUint16(buf, r.PortStart)
	buf = putUint16(buf, r.PortEnd)
	buf = append(buf, byte(r.Proto))
	return buf
}

func readPortRange(buf []byte) (PortRange, []byte, error) {
	ipPort, buf, err := readSocketAddr(buf)
	if err != nil {
		return PortRange{}, nil, err
	}
	start, buf, err := readUint16(buf)
	if err != nil {
		return PortRange{}, nil, err
	}
	end, buf, err := readUint16(buf)
	if err != nil {
		return PortRange{}, nil, err
	}
	if len(buf) < 1 {
		return PortRange{}, nil, ErrShortRead
	}
	proto := PortProto(buf[0])
	buf = buf[1:]
	return PortRange{IP: ipPort.Addr(), PortStart: start, PortEnd: end, Proto: proto}, buf, nil
}

// --- control request (agent → server) -------------------------------------

// controlRequestTag values mirror ControlRequestId in the original
// implementation. Tag 1 (the retired PingV1) is not accepted; PingV2 (6)
// is the only ping tag, and retired numbers are never reused.
type controlRequestTag uint32

const (
	tagAgentRegisterV1         controlRequestTag = 2
	tagAgentKeepAliveV1        controlRequestTag = 3
	tagSetupUdpChannelV1       controlRequestTag = 4
	tagAgentCheckPortMappingV1 controlRequestTag = 5
	tagPingV2                  controlRequestTag = 6
)

// Ping is an unsigned liveness probe, sent both during address selection
// (request_id=1, current_ping/session_id absent) and in the steady-state
// loop (session_id present once authenticated).
type Ping struct {
	Now         uint64
	CurrentPing *uint32
	SessionID   *AgentSessionID
}

// AgentRegister is the signed registration request. Signature is computed by
// the signedreq package over the plain fields (account_id, agent_id,
// agent_version, timestamp, client_addr, tunnel_addr), matching
// AgentRegister::write_plain in the original implementation.
type AgentRegister struct {
	AccountID    uint64
	AgentID      uint64
	AgentVersion uint64
	Timestamp    uint64
	ClientAddr   netip.AddrPort
	TunnelAddr   netip.AddrPort
	Signature    [32]byte
}

// WritePlain appends the fields covered by the signature, in wire order, to
// buf. Used by the signedreq signer/verifier; never includes the signature
// itself.
func (r AgentRegister) WritePlain(buf []byte) []byte {
	buf = putUint64(buf, r.AccountID)
	buf = putUint64(buf, r.AgentID)
	buf = putUint64(buf, r.AgentVersion)
	buf = putUint64(buf, r.Timestamp)
	buf = putSocketAddr(buf, r.ClientAddr)
	buf = putSocketAddr(buf, r.TunnelAddr)
	return buf
}

// AgentCheckPortMapping asks the server whether a port range is currently
// claimed, and if so by which session.
type AgentCheckPortMapping struct {
	AgentSessionID AgentSessionID
	PortRange      PortRange
}

// ControlRequestKind discriminates the ControlRequest tagged union.
type ControlRequestKind int

const (
	ControlRequestPing ControlRequestKind = iota
	ControlRequestAgentRegister
	ControlRequestAgentKeepAlive
	ControlRequestSetupUdpChannel
	ControlRequestAgentCheckPortMapping
)

// ControlRequest is the agent→server tagged union (spec.md §6).
type ControlRequest struct {
	Kind                  ControlRequestKind
	Ping                  Ping
	AgentRegister         AgentRegister
	AgentKeepAlive        AgentSessionID
	SetupUdpChannel       AgentSessionID
	AgentCheckPortMapping AgentCheckPortMapping
}

// Encode appends the wire representation of r to buf.
func (r ControlRequest) Encode(buf []byte) []byte {
	switch r.Kind {
	case ControlRequestPing:
		buf = putUint32(buf, uint32(tagPingV2))
		buf = putUint64(buf, r.Ping.Now)
		buf = putOptionU32(buf, r.Ping.CurrentPing)
		buf = putOptionSessionID(buf, r.Ping.SessionID)
	case ControlRequestAgentRegister:
		buf = putUint32(buf, uint32(tagAgentRegisterV1))
		reg := r.AgentRegister
		buf = reg.WritePlain(buf)
		buf = append(buf, reg.Signature[:]...)
	case ControlRequestAgentKeepAlive:
		buf = putUint32(buf, uint32(tagAgentKeepAliveV1))
		buf = putSessionID(buf, r.AgentKeepAlive)
	case ControlRequestSetupUdpChannel:
		buf = putUint32(buf, uint32(tagSetupUdpChannelV1))
		buf = putSessionID(buf, r.SetupUdpChannel)
	case ControlRequestAgentCheckPortMapping:
		buf = putUint32(buf, uint32(tagAgentCheckPortMappingV1))
		buf = putSessionID(buf, r.AgentCheckPortMapping.AgentSessionID)
		buf = putPortRange(buf, r.AgentCheckPortMapping.PortRange)
	}
	return buf
}

// DecodeControlRequest parses a ControlRequest from buf.
func DecodeControlRequest(buf []byte) (ControlRequest, error) {
	tag, buf, err := readUint32(buf)
	if err != nil {
		return ControlRequest{}, err
	}

	switch controlRequestTag(tag) {
	case tagPingV2:
		now, buf, err := readUint64(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		cur, buf, err := readOptionU32(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		sess, _, err := readOptionSessionID(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		return ControlRequest{Kind: ControlRequestPing, Ping: Ping{Now: now, CurrentPing: cur, SessionID: sess}}, nil

	case tagAgentRegisterV1:
		accountID, buf, err := readUint64(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		agentID, buf, err := readUint64(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		version, buf, err := readUint64(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		ts, buf, err := readUint64(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		clientAddr, buf, err := readSocketAddr(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		tunnelAddr, buf, err := readSocketAddr(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		if len(buf) < 32 {
			return ControlRequest{}, ErrShortRead
		}
		var sig [32]byte
		copy(sig[:], buf[:32])
		return ControlRequest{
			Kind: ControlRequestAgentRegister,
			AgentRegister: AgentRegister{
				AccountID:    accountID,
				AgentID:      agentID,
				AgentVersion: version,
				Timestamp:    ts,
				ClientAddr:   clientAddr,
				TunnelAddr:   tunnelAddr,
				Signature:    sig,
			},
		}, nil

	case tagAgentKeepAliveV1:
		sess, _, err := readSessionID(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		return ControlRequest{Kind: ControlRequestAgentKeepAlive, AgentKeepAlive: sess}, nil

	case tagSetupUdpChannelV1:
		sess, _, err := readSessionID(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		return ControlRequest{Kind: ControlRequestSetupUdpChannel, SetupUdpChannel: sess}, nil

	case tagAgentCheckPortMappingV1:
		sess, buf, err := readSessionID(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		pr, _, err := readPortRange(buf)
		if err != nil {
			return ControlRequest{}, err
		}
		return ControlRequest{Kind: ControlRequestAgentCheckPortMapping, AgentCheckPortMapping: AgentCheckPortMapping{AgentSessionID: sess, PortRange: pr}}, nil

	default:
		return ControlRequest{}, fmt.Errorf("wireproto: unknown control request tag %d", tag)
	}
}

// --- control response (server → agent) ------------------------------------

type controlResponseTag uint32

const (
	tagPong              controlResponseTag = 1
	tagInvalidSignature  controlResponseTag = 2
	tagUnauthorized      controlResponseTag = 3
	tagRequestQueued     controlResponseTag = 4
	tagTryAgainLater     controlResponseTag = 5
	tagAgentRegistered   controlResponseTag = 6
	tagAgentPortMapping  controlResponseTag = 7
	tagUdpChannelDetails controlResponseTag = 8
	tagSignatureExpired  controlResponseTag = 9
)

// SignatureExpired carries the server's view of time when it rejected a
// signed request as outside the allowed clock skew (spec.md §3 "Clock
// drift"). DeltaMillis = int64(Now) - int64(Timestamp); the agent applies it
// to its LogicalClock and retries.
type SignatureExpired struct {
	Now       uint64
	Timestamp uint64
}

// DeltaMillis returns Now - Timestamp as a signed millisecond delta.
func (s SignatureExpired) DeltaMillis() int64 {
	return int64(s.Now) - int64(s.Timestamp)
}

// Pong answers a Ping with server-side clock and session state.
type Pong struct {
	RequestNow      uint64
	ServerNow       uint64
	ServerID        uint64
	DataCenterID    uint32
	ClientAddr      netip.AddrPort
	TunnelAddr      netip.AddrPort
	SessionExpireAt *uint64
}

// AgentRegistered confirms successful authentication.
type AgentRegistered struct {
	ID        AgentSessionID
	ExpiresAt uint64
}

// AgentPortMappingFoundKind discriminates AgentPortMappingFound.
type AgentPortMappingFoundKind int

const (
	AgentPortMappingFoundNone AgentPortMappingFoundKind = iota
	AgentPortMappingFoundToAgent
)

// AgentPortMapping answers AgentCheckPortMapping.
type AgentPortMapping struct {
	Range     PortRange
	FoundKind AgentPortMappingFoundKind
	ToAgent   AgentSessionID
}

// UdpChannelDetails is the {tunnel_addr, token} pair handed to the UDP
// channel (spec.md §3).
type UdpChannelDetails struct {
	TunnelAddr netip.AddrPort
	Token      []byte
}

// ControlResponseKind discriminates the ControlResponse tagged union.
type ControlResponseKind int

const (
	ControlResponsePong ControlResponseKind = iota
	ControlResponseInvalidSignature
	ControlResponseUnauthorized
	ControlResponseRequestQueued
	ControlResponseTryAgainLater
	ControlResponseAgentRegistered
	ControlResponseAgentPortMapping
	ControlResponseUdpChannelDetails
	ControlResponseSignatureExpired
)

// ControlResponse is the server→agent tagged union (spec.md §6).
type ControlResponse struct {
	Kind              ControlResponseKind
	Pong              Pong
	AgentRegistered   AgentRegistered
	AgentPortMapping  AgentPortMapping
	UdpChannelDetails UdpChannelDetails
	SignatureExpired  SignatureExpired
}

// Encode appends the wire representation of r to buf.
func (r ControlResponse) Encode(buf []byte) []byte {
	switch r.Kind {
	case ControlResponsePong:
		buf = putUint32(buf, uint32(tagPong))
		p := r.Pong
		buf = putUint64(buf, p.RequestNow)
		buf = putUint64(buf, p.ServerNow)
		buf = putUint64(buf, p.ServerID)
		buf = putUint32(buf, p.DataCenterID)
		buf = putSocketAddr(buf, p.ClientAddr)
		buf = putSocketAddr(buf, p.TunnelAddr)
		buf = putOptionU64(buf, p.SessionExpireAt)
	case ControlResponseInvalidSignature:
		buf = putUint32(buf, uint32(tagInvalidSignature))
	case ControlResponseUnauthorized:
		buf = putUint32(buf, uint32(tagUnauthorized))
	case ControlResponseRequestQueued:
		buf = putUint32(buf, uint32(tagRequestQueued))
	case ControlResponseTryAgainLater:
		buf = putUint32(buf, uint32(tagTryAgainLater))
	case ControlResponseAgentRegistered:
		buf = putUint32(buf, uint32(tagAgentRegistered))
		buf = putSessionID(buf, r.AgentRegistered.ID)
		buf = putUint64(buf, r.AgentRegistered.ExpiresAt)
	case ControlResponseAgentPortMapping:
		buf = putUint32(buf, uint32(tagAgentPortMapping))
		buf = putPortRange(buf, r.AgentPortMapping.Range)
		if r.AgentPortMapping.FoundKind == AgentPortMappingFoundNone {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			buf = putUint32(buf, 1) // AgentPortMappingFound::ToAgent tag
			buf = putSessionID(buf, r.AgentPortMapping.ToAgent)
		}
	case ControlResponseUdpChannelDetails:
		buf = putUint32(buf, uint32(tagUdpChannelDetails))
		buf = putSocketAddr(buf, r.UdpChannelDetails.TunnelAddr)
		buf = putBytes(buf, r.UdpChannelDetails.Token)
	case ControlResponseSignatureExpired:
		buf = putUint32(buf, uint32(tagSignatureExpired))
		buf = putUint64(buf, r.SignatureExpired.Now)
		buf = putUint64(buf, r.SignatureExpired.Timestamp)
	}
	return buf
}

// DecodeControlResponse parses a ControlResponse from buf.
func DecodeControlResponse(buf []byte) (ControlResponse, error) {
	tag, buf, err := readUint32(buf)
	if err != nil {
		return ControlResponse{}, err
	}

	switch controlResponseTag(tag) {
	case tagPong:
		requestNow, buf, err := readUint64(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		serverNow, buf, err := readUint64(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		serverID, buf, err := readUint64(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		dc, buf, err := readUint32(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		clientAddr, buf, err := readSocketAddr(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		tunnelAddr, buf, err := readSocketAddr(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		expireAt, _, err := readOptionU64(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		return ControlResponse{Kind: ControlResponsePong, Pong: Pong{
			RequestNow: requestNow, ServerNow: serverNow, ServerID: serverID,
			DataCenterID: dc, ClientAddr: clientAddr, TunnelAddr: tunnelAddr,
			SessionExpireAt: expireAt,
		}}, nil

	case tagInvalidSignature:
		return ControlResponse{Kind: ControlResponseInvalidSignature}, nil
	case tagUnauthorized:
		return ControlResponse{Kind: ControlResponseUnauthorized}, nil
	case tagRequestQueued:
		return ControlResponse{Kind: ControlResponseRequestQueued}, nil
	case tagTryAgainLater:
		return ControlResponse{Kind: ControlResponseTryAgainLater}, nil

	case tagAgentRegistered:
		id, buf, err := readSessionID(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		expiresAt, _, err := readUint64(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		return ControlResponse{Kind: ControlResponseAgentRegistered, AgentRegistered: AgentRegistered{ID: id, ExpiresAt: expiresAt}}, nil

	case tagAgentPortMapping:
		pr, buf, err := readPortRange(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		if len(buf) < 1 {
			return ControlResponse{}, ErrShortRead
		}
		hasFound, buf := buf[0], buf[1:]
		resp := ControlResponse{Kind: ControlResponseAgentPortMapping, AgentPortMapping: AgentPortMapping{Range: pr}}
		if hasFound != 0 {
			foundTag, rest, err := readUint32(buf)
			if err != nil {
				return ControlResponse{}, err
			}
			if foundTag != 1 {
				return ControlResponse{}, fmt.Errorf("wireproto: unknown AgentPortMappingFound tag %d", foundTag)
			}
			toAgent, _, err := readSessionID(rest)
			if err != nil {
				return ControlResponse{}, err
			}
			resp.AgentPortMapping.FoundKind = AgentPortMappingFoundToAgent
			resp.AgentPortMapping.ToAgent = toAgent
		}
		return resp, nil

	case tagUdpChannelDetails:
		tunnelAddr, buf, err := readSocketAddr(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		token, _, err := readBytes(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		return ControlResponse{Kind: ControlResponseUdpChannelDetails, UdpChannelDetails: UdpChannelDetails{TunnelAddr: tunnelAddr, Token: token}}, nil

	case tagSignatureExpired:
		now, buf, err := readUint64(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		ts, _, err := readUint64(buf)
		if err != nil {
			return ControlResponse{}, err
		}
		return ControlResponse{Kind: ControlResponseSignatureExpired, SignatureExpired: SignatureExpired{Now: now, Timestamp: ts}}, nil

	default:
		return ControlResponse{}, fmt.Errorf("wireproto: unknown control response tag %d", tag)
	}
}

// --- RPC envelope -----------------------------------------------------------

// ControlRequestFrame is the {request_id, content} envelope sent by the
// agent (spec.md §6).
type ControlRequestFrame struct {
	RequestID uint64
	Content   ControlRequest
}

// Encode appends the wire representation of the frame to buf.
func (f ControlRequestFrame) Encode(buf []byte) []byte {
	buf = putUint64(buf, f.RequestID)
	return f.Content.Encode(buf)
}

// DecodeControlRequestFrame parses a ControlRequestFrame from buf.
func DecodeControlRequestFrame(buf []byte) (ControlRequestFrame, error) {
	requestID, rest, err := readUint64(buf)
	if err != nil {
		return ControlRequestFrame{}, err
	}
	content, err := DecodeControlRequest(rest)
	if err != nil {
		return ControlRequestFrame{}, err
	}
	return ControlRequestFrame{RequestID: requestID, Content: content}, nil
}

// ControlResponseFrame is the {request_id, content} envelope sent by the
// server.
type ControlResponseFrame struct {
	RequestID uint64
	Content   ControlResponse
}

// Encode appends the wire representation of the frame to buf.
func (f ControlResponseFrame) Encode(buf []byte) []byte {
	buf = putUint64(buf, f.RequestID)
	return f.Content.Encode(buf)
}

// DecodeControlResponseFrame parses a ControlResponseFrame from buf.
func DecodeControlResponseFrame(buf []byte) (ControlResponseFrame, error) {
	requestID, rest, err := readUint64(buf)
	if err != nil {
		return ControlResponseFrame{}, err
	}
	content, err := DecodeControlResponse(rest)
	if err != nil {
		return ControlResponseFrame{}, err
	}
	return ControlResponseFrame{RequestID: requestID, Content: content}, nil
}
