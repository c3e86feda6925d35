// Package wireproto implements the on-wire framing for the UDP data plane
// (the trailing flow footer, spec.md §3/§6) and the control-channel RPC
// envelope (spec.md §6). Every tunneled UDP packet carries its flow
// identifier as a *trailing* footer rather than a leading header, so
// payload bytes sit at offset 0 of the receive buffer and are forwarded
// without a copy.
package wireproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Footer magic constants — the last 8 bytes of every tunneled UDP packet,
// distinguishing address family and wire-format version. Despite the
// resemblance between the two IPv4 magics, they are distinct versions: v1
// carries no extension, v2 carries the client_server_id/tunnel_id/
// port_offset/fragmentation extension described below.
const (
	FooterIPv4V1 uint64 = 0x5cb867cf788173b2
	FooterIPv4V2 uint64 = 0x5cb867cf78817399
	FooterIPv6V1 uint64 = 0x6668676f68616366
	FooterIPv6V2 uint64 = 0x6cb667cf78817369

	// UDPChannelEstablishID identifies a UDP-session token/confirmation
	// packet. Such packets carry no flow and are handled by the udpchannel
	// package before ParseFooter is ever called.
	UDPChannelEstablishID uint64 = 0xd01fe6830ddce781
)

const (
	extLen = 18 // client_server_id(8) + tunnel_id(8) + port_offset(2)

	ip4LenV1 = 20 // src_ip(4) dst_ip(4) src_port(2) dst_port(2) magic(8)

	// The v2 IPv4 footer always carries a 2-byte fragmentation discriminant
	// (packet_id) immediately before the magic (zero means "no
	// fragmentation", matching the discriminant-based parse the original
	// implementation performs); the additional 3-byte {has_more,
	// frag_offset} pair sits between the extension and packet_id and is
	// present only when that discriminant is nonzero.
	ip4LenV2NoFrag   = ip4LenV1 + extLen + 2 // 40
	ip4LenV2WithFrag = ip4LenV2NoFrag + 3    // 43

	ip6LenV1 = 48                      // addrs(32) ports(4) flow_label(4) magic(8)
	ip6LenV2 = ip6LenV1 - 4 + extLen   // 62, flow_label dropped in favor of the extension
)

// MaxFooterLen is the largest footer any variant can produce (IPv6 v2);
// callers that need receive-buffer headroom should reserve at least this
// much after the maximum payload size.
const MaxFooterLen = ip6LenV2

// Extension carries the v2-only fields. ClientServerID and TunnelID are
// always nonzero on the wire; a Flow with Extension == nil is a v1 footer.
type Extension struct {
	ClientServerID uint64
	TunnelID       uint64
	PortOffset     uint16
}

// Fragment is the optional per-packet fragmentation triple, valid only for
// IPv4 v2 footers.
type Fragment struct {
	PacketID   uint16 // nonzero; zero is reserved to mean "no fragmentation"
	FragOffset uint16
	HasMore    bool
}

// Flow identifies a single UDP client↔tunnel conversation by its 4-tuple.
// Src and Dst must be the same address family (both 4-in-6-free IPv4, or
// both IPv6); Frag is only meaningful when Src/Dst are IPv4 and Extension
// is set.
type Flow struct {
	Src       netip.AddrPort
	Dst       netip.AddrPort
	Extension *Extension
	Frag      *Fragment
}

// Flip swaps Src and Dst, used to turn an inbound flow into the
// corresponding outbound (reply-path) flow.
func (f Flow) Flip() Flow {
	f.Src, f.Dst = f.Dst, f.Src
	return f
}

// IsV4 reports whether this flow uses the IPv4 footer variants.
func (f Flow) IsV4() bool {
	return f.Src.Addr().Is4()
}

// FooterLen returns the exact number of bytes EncodeFooter will write for
// this flow.
func (f Flow) FooterLen() int {
	if f.IsV4() {
		if f.Extension == nil {
			return ip4LenV1
		}
		if f.Frag != nil {
			return ip4LenV2WithFrag
		}
		return ip4LenV2NoFrag
	}
	if f.Extension == nil {
		return ip6LenV1
	}
	return ip6LenV2
}

// ErrBufferTooSmall is returned by EncodeFooter when dst has less than
// FooterLen() bytes available.
var ErrBufferTooSmall = errors.New("wireproto: buffer too small for footer")

// ErrTooShort is returned by ParseFooter when buf is shorter than the
// 8-byte magic, or shorter than the footer length implied by the magic.
var ErrTooShort = errors.New("wireproto: packet too short for footer")

// UnknownFooterError is returned by ParseFooter when the trailing 8 bytes
// do not match any recognized magic.
type UnknownFooterError struct {
	ID uint64
}

func (e *UnknownFooterError) Error() string {
	return fmt.Sprintf("wireproto: unknown footer magic %#016x", e.ID)
}

// EncodeFooter writes the footer for f into dst[:f.FooterLen()]. dst must
// be a slice positioned at the tail of the packet buffer — the caller is
// responsible for placing the payload bytes before dst[0]. Returns the
// number of bytes written (== f.FooterLen()).
func EncodeFooter(dst []byte, f Flow) (int, error) {
	n := f.FooterLen()
	if len(dst) < n {
		return 0, ErrBufferTooSmall
	}
	b := dst[:n]

	if f.IsV4() {
		srcIP := f.Src.Addr().As4()
		dstIP := f.Dst.Addr().As4()
		copy(b[0:4], srcIP[:])
		copy(b[4:8], dstIP[:])
		binary.BigEndian.PutUint16(b[8:10], f.Src.Port())
		binary.BigEndian.PutUint16(b[10:12], f.Dst.Port())

		if f.Extension == nil {
			binary.BigEndian.PutUint64(b[12:20], FooterIPv4V1)
			return n, nil
		}

		binary.BigEndian.PutUint64(b[12:20], f.Extension.ClientServerID)
		binary.BigEndian.PutUint64(b[20:28], f.Extension.TunnelID)
		binary.BigEndian.PutUint16(b[28:30], f.Extension.PortOffset)

		if f.Frag == nil {
			binary.BigEndian.PutUint16(b[30:32], 0)
			binary.BigEndian.PutUint64(b[32:40], FooterIPv4V2)
			return n, nil
		}

		if f.Frag.HasMore {
			b[30] = 1
		} else {
			b[30] = 0
		}
		binary.BigEndian.PutUint16(b[31:33], f.Frag.FragOffset)
		binary.BigEndian.PutUint16(b[33:35], f.Frag.PacketID)
		binary.BigEndian.PutUint64(b[35:43], FooterIPv4V2)
		return n, nil
	}

	srcIP := f.Src.Addr().As16()
	dstIP := f.Dst.Addr().As16()
	copy(b[0:16], srcIP[:])
	copy(b[16:32], dstIP[:])
	binary.BigEndian.PutUint16(b[32:34], f.Src.Port())
	binary.BigEndian.PutUint16(b[34:36], f.Dst.Port())

	if f.Extension == nil {
		binary.BigEndian.PutUint32(b[36:40], 0) // flow label, unused
		binary.BigEndian.PutUint64(b[40:48], FooterIPv6V1)
		return n, nil
	}

	binary.BigEndian.PutUint64(b[36:44], f.Extension.ClientServerID)
	binary.BigEndian.PutUint64(b[44:52], f.Extension.TunnelID)
	binary.BigEndian.PutUint16(b[52:54], f.Extension.PortOffset)
	binary.BigEndian.PutUint64(b[54:62], FooterIPv6V2)
	return n, nil
}

// PeekMagic reads the trailing 8-byte magic without fully parsing the
// footer, so callers (the UDP channel) can dispatch UDP_CHANNEL_ESTABLISH
// packets before ParseFooter is invoked.
func PeekMagic(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, ErrTooShort
	}
	return binary.BigEndian.Uint64(buf[len(buf)-8:]), nil
}

// ParseFooter reads the footer from the tail of buf and returns the parsed
// Flow plus the number of footer bytes consumed (payload length is
// len(buf) - footerLen). buf must contain the full packet (payload +
// footer); ParseFooter reads backward from the end.
func ParseFooter(buf []byte) (Flow, int, error) {
	magic, err := PeekMagic(buf)
	if err != nil {
		return Flow{}, 0, err
	}

	switch magic {
	case FooterIPv4V1:
		if len(buf) < ip4LenV1 {
			return Flow{}, 0, ErrTooShort
		}
		b := buf[len(buf)-ip4LenV1:]
		f := Flow{
			Src: netip.AddrPortFrom(addr4(b[0:4]), binary.BigEndian.Uint16(b[8:10])),
			Dst: netip.AddrPortFrom(addr4(b[4:8]), binary.BigEndian.Uint16(b[10:12])),
		}
		return f, ip4LenV1, nil

	case FooterIPv4V2:
		if len(buf) < ip4LenV2NoFrag {
			return Flow{}, 0, ErrTooShort
		}
		// Peek the fragmentation discriminant: the 2 bytes immediately
		// before the magic, in either layout.
		noFragTail := buf[len(buf)-ip4LenV2NoFrag:]
		packetID := binary.BigEndian.Uint16(noFragTail[30:32])

		var b []byte
		if packetID == 0 {
			b = noFragTail
		} else {
			if len(buf) < ip4LenV2WithFrag {
				return Flow{}, 0, ErrTooShort
			}
			b = buf[len(buf)-ip4LenV2WithFrag:]
		}

		ext := &Extension{
			ClientServerID: binary.BigEndian.Uint64(b[12:20]),
			TunnelID:       binary.BigEndian.Uint64(b[20:28]),
			PortOffset:     binary.BigEndian.Uint16(b[28:30]),
		}

		f := Flow{
			Src:       netip.AddrPortFrom(addr4(b[0:4]), binary.BigEndian.Uint16(b[8:10])),
			Dst:       netip.AddrPortFrom(addr4(b[4:8]), binary.BigEndian.Uint16(b[10:12])),
			Extension: ext,
		}
		if packetID != 0 {
			f.Frag = &Fragment{
				PacketID:   packetID,
				HasMore:    b[30] != 0,
				FragOffset: binary.BigEndian.Uint16(b[31:33]),
			}
		}
		return f, len(b), nil

	case FooterIPv6V1:
		if len(buf) < ip6LenV1 {
			return Flow{}, 0, ErrTooShort
		}
		b := buf[len(buf)-ip6LenV1:]
		f := Flow{
			Src: netip.AddrPortFrom(addr16(b[0:16]), binary.BigEndian.Uint16(b[32:34])),
			Dst: netip.AddrPortFrom(addr16(b[16:32]), binary.BigEndian.Uint16(b[34:36])),
		}
		return f, ip6LenV1, nil

	case FooterIPv6V2:
		if len(buf) < ip6LenV2 {
			return Flow{}, 0, ErrTooShort
		}
		b := buf[len(buf)-ip6LenV2:]
		ext := &Extension{
			ClientServerID: binary.BigEndian.Uint64(b[36:44]),
			TunnelID:       binary.BigEndian.Uint64(b[44:52]),
			PortOffset:     binary.BigEndian.Uint16(b[52:54]),
		}
		f := Flow{
			Src:       netip.AddrPortFrom(addr16(b[0:16]), binary.BigEndian.Uint16(b[32:34])),
			Dst:       netip.AddrPortFrom(addr16(b[16:32]), binary.BigEndian.Uint16(b[34:36])),
			Extension: ext,
		}
		return f, ip6LenV2, nil

	default:
		return Flow{}, 0, &UnknownFooterError{ID: magic}
	}
}

func addr4(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
}

func addr16(b []byte) netip.Addr {
	var a [16]byte
	copy(a[:], b)
	return netip.AddrFrom16(a)
}
