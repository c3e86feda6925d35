// Package proxyproto implements the PROXY protocol v1/v2 codec spec.md §4.5
// needs for both the TCP acceptor (stream) and the UDP origin-socket pool
// (datagram) paths. TCP header construction is delegated to
// github.com/pires/go-proxyproto, the library the wider example pack already
// depends on for exactly this purpose (grounded on
// XTLS-Xray-core/proxy/freedom/freedom.go's HeaderProxyFromAddrs call); the
// UDP variant reuses the same Header.Format() encoding but prepends the
// bytes into caller-reserved headroom instead of writing to a stream, since
// spec.md requires the prepend to be a pointer move rather than a copy.
package proxyproto

import (
	"errors"
	"fmt"
	"io"
	"net"

	libproxyproto "github.com/pires/go-proxyproto"
)

// Mode is the PROXY-protocol behavior configured on a TunnelEndpoint.
type Mode int

const (
	ModeNone Mode = iota
	ModeV1
	ModeV2
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeV1:
		return "v1"
	case ModeV2:
		return "v2"
	default:
		return "unknown"
	}
}

// version returns the byte HeaderProxyFromAddrs expects for m, or 0 if m is
// ModeNone (callers must not invoke header construction in that case).
func (m Mode) version() byte {
	switch m {
	case ModeV1:
		return 1
	case ModeV2:
		return 2
	default:
		return 0
	}
}

// ErrNoHeader is returned when building a header for ModeNone.
var ErrNoHeader = errors.New("proxyproto: no header for ModeNone")

// UDPMaxHeaderLen is the largest PROXY v2 DGRAM header this package
// produces: 16-byte fixed part + 36-byte IPv6 address block (spec.md §4.5).
// Callers reserve this much headroom before the UDP payload.
const UDPMaxHeaderLen = 16 + 36

// WriteTCPHeader writes the v1 or v2 header for a connection between src and
// dst onto w (the origin-side TCP connection), matching the reference
// pack's freedom.go usage of Header.WriteTo.
func WriteTCPHeader(w io.Writer, mode Mode, src, dst net.Addr) (int64, error) {
	if mode == ModeNone {
		return 0, ErrNoHeader
	}
	header := libproxyproto.HeaderProxyFromAddrs(mode.version(), src, dst)
	return header.WriteTo(w)
}

// BuildHeaderBytes formats the v1/v2 header for (src, dst) without writing
// it anywhere, for callers (the UDP path) that need the raw bytes.
func BuildHeaderBytes(mode Mode, src, dst net.Addr) ([]byte, error) {
	if mode == ModeNone {
		return nil, ErrNoHeader
	}
	header := libproxyproto.HeaderProxyFromAddrs(mode.version(), src, dst)
	return header.Format()
}

// PrependUDPHeader writes the PROXY header for (src, dst) into
// buf[:headroom], right-aligned so it sits immediately before the payload
// that already occupies buf[headroom:]. It returns the offset the caller
// should send from (headroom - len(header)); no payload bytes are copied.
func PrependUDPHeader(buf []byte, headroom int, mode Mode, src, dst *net.UDPAddr) (int, error) {
	header, err := BuildHeaderBytes(mode, src, dst)
	if err != nil {
		return 0, err
	}
	if len(header) > headroom {
		return 0, fmt.Errorf("proxyproto: header needs %d bytes, only %d reserved", len(header), headroom)
	}
	start := headroom - len(header)
	copy(buf[start:headroom], header)
	return start, nil
}

// v2Signature is the fixed 12-byte PROXY protocol v2 signature (HAProxy
// spec §2.2). libproxyproto.Read expects a *bufio.Reader and cannot report
// an exact consumed length without risking a read past the header into the
// UDP payload, so the receive side is hand-rolled directly against the
// wire layout spec.md §4.5 tabulates; the send side above still reuses the
// library since building bytes has no such streaming hazard.
var v2Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	famProtoInetDgram  = 0x12
	famProtoInet6Dgram = 0x22
)

// ParseUDPHeader parses a PROXY v2 DGRAM header from the front of buf and
// returns the embedded source/destination addresses plus the number of
// header bytes consumed. Only v2 is supported on the receive side, matching
// spec.md §4.4 step 3 ("parse and strip the v2 UDP header").
func ParseUDPHeader(buf []byte) (src, dst *net.UDPAddr, consumed int, err error) {
	const fixedLen = 16 // 12 signature + 1 ver/cmd + 1 fam/proto + 2 length
	if len(buf) < fixedLen {
		return nil, nil, 0, fmt.Errorf("proxyproto: %w: need %d bytes, have %d", ErrTooShort, fixedLen, len(buf))
	}
	if [12]byte(buf[0:12]) != v2Signature {
		return nil, nil, 0, errors.New("proxyproto: bad v2 signature")
	}
	// ver_cmd := buf[12] // version in high nibble, command in low nibble; unchecked, both LOCAL and PROXY carry the same address block layout here
	famProto := buf[13]
	addrLen := int(buf[14])<<8 | int(buf[15])

	var addrBlockLen int
	switch famProto {
	case famProtoInetDgram:
		addrBlockLen = 12
	case famProtoInet6Dgram:
		addrBlockLen = 36
	default:
		return nil, nil, 0, fmt.Errorf("proxyproto: unsupported family/protocol byte %#02x", famProto)
	}
	if addrLen < addrBlockLen {
		return nil, nil, 0, fmt.Errorf("proxyproto: address length field %d shorter than %d-byte block", addrLen, addrBlockLen)
	}
	total := fixedLen + addrLen
	if len(buf) < total {
		return nil, nil, 0, fmt.Errorf("proxyproto: %w: need %d bytes, have %d", ErrTooShort, total, len(buf))
	}

	addr := buf[fixedLen : fixedLen+addrBlockLen]
	if famProto == famProtoInetDgram {
		srcIP := net.IPv4(addr[0], addr[1], addr[2], addr[3])
		dstIP := net.IPv4(addr[4], addr[5], addr[6], addr[7])
		srcPort := int(addr[8])<<8 | int(addr[9])
		dstPort := int(addr[10])<<8 | int(addr[11])
		src = &net.UDPAddr{IP: srcIP, Port: srcPort}
		dst = &net.UDPAddr{IP: dstIP, Port: dstPort}
	} else {
		srcIP := make(net.IP, 16)
		copy(srcIP, addr[0:16])
		dstIP := make(net.IP, 16)
		copy(dstIP, addr[16:32])
		srcPort := int(addr[32])<<8 | int(addr[33])
		dstPort := int(addr[34])<<8 | int(addr[35])
		src = &net.UDPAddr{IP: srcIP, Port: srcPort}
		dst = &net.UDPAddr{IP: dstIP, Port: dstPort}
	}

	// the fixed 16-byte header always counts even when addrLen carries TLVs
	// beyond the address block; this codec never emits TLVs so addrLen ==
	// addrBlockLen in practice, but total still reflects the wire value.
	return src, dst, total, nil
}

// ErrTooShort is returned by ParseUDPHeader when buf does not contain a
// complete header.
var ErrTooShort = errors.New("buffer too short")
