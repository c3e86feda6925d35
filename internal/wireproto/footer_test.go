package wireproto

import (
	"errors"
	"net/netip"
	"reflect"
	"testing"
)

func mustAddrPort(s string) netip.AddrPort {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return ap
}

func TestFooterRoundTripAllVariants(t *testing.T) {
	cases := []struct {
		name string
		flow Flow
	}{
		{
			name: "ipv4 v1",
			flow: Flow{Src: mustAddrPort("4.2.1.3:1234"), Dst: mustAddrPort("1.2.3.4:5512")},
		},
		{
			name: "ipv4 v2 no frag",
			flow: Flow{
				Src:       mustAddrPort("4.2.1.3:1234"),
				Dst:       mustAddrPort("1.2.3.4:5512"),
				Extension: &Extension{ClientServerID: 12, TunnelID: 123, PortOffset: 7},
			},
		},
		{
			name: "ipv4 v2 with frag",
			flow: Flow{
				Src:       mustAddrPort("4.2.1.3:1234"),
				Dst:       mustAddrPort("1.2.3.4:5512"),
				Extension: &Extension{ClientServerID: 12, TunnelID: 123, PortOffset: 7},
				Frag:      &Fragment{PacketID: 9, FragOffset: 42, HasMore: true},
			},
		},
		{
			name: "ipv6 v1",
			flow: Flow{
				Src: mustAddrPort("[2601:1c2:c100:555:20f:53ff:fe4e:e541]:100"),
				Dst: mustAddrPort("[2601:1c2:c100:555:20f:53ff:fe4e:e541]:999"),
			},
		},
		{
			name: "ipv6 v2",
			flow: Flow{
				Src:       mustAddrPort("[2601:1c2:c100:555:20f:53ff:fe4e:e541]:100"),
				Dst:       mustAddrPort("[2601:1c2:c100:555:20f:53ff:fe4e:e541]:999"),
				Extension: &Extension{ClientServerID: 12, TunnelID: 123, PortOffset: 999},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := []byte("hello world")
			buf := make([]byte, len(payload)+MaxFooterLen)
			copy(buf, payload)

			n, err := EncodeFooter(buf[len(payload):], tc.flow)
			if err != nil {
				t.Fatalf("EncodeFooter: %v", err)
			}
			if n != tc.flow.FooterLen() {
				t.Fatalf("EncodeFooter wrote %d bytes, FooterLen()=%d", n, tc.flow.FooterLen())
			}

			total := buf[:len(payload)+n]
			parsed, consumed, err := ParseFooter(total)
			if err != nil {
				t.Fatalf("ParseFooter: %v", err)
			}
			if consumed != n {
				t.Fatalf("ParseFooter consumed %d bytes, want %d", consumed, n)
			}
			if !reflect.DeepEqual(parsed, tc.flow) {
				t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", parsed, tc.flow)
			}

			payloadLen := len(total) - consumed
			if payloadLen != len(payload) {
				t.Fatalf("payload length = %d, want %d", payloadLen, len(payload))
			}
		})
	}
}

func TestFooterMagicStability(t *testing.T) {
	want := map[uint64]string{
		0x5cb867cf788173b2: "ipv4 v1",
		0x5cb867cf78817399: "ipv4 v2",
		0x6668676f68616366: "ipv6 v1",
		0x6cb667cf78817369: "ipv6 v2",
	}
	got := map[uint64]string{
		FooterIPv4V1: "ipv4 v1",
		FooterIPv4V2: "ipv4 v2",
		FooterIPv6V1: "ipv6 v1",
		FooterIPv6V2: "ipv6 v2",
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("magic constants changed: got %v, want %v", got, want)
	}
}

func TestParseFooterRejectsUnknownMagic(t *testing.T) {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = 0xAB
	}
	_, _, err := ParseFooter(buf)
	var unknown *UnknownFooterError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownFooterError, got %T: %v", err, err)
	}
}

func TestParseFooterTooShort(t *testing.T) {
	if _, _, err := ParseFooter([]byte{1, 2, 3}); err != ErrTooShort {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestEncodeFooterBufferTooSmall(t *testing.T) {
	flow := Flow{Src: mustAddrPort("4.2.1.3:1234"), Dst: mustAddrPort("1.2.3.4:5512")}
	_, err := EncodeFooter(make([]byte, 4), flow)
	if err != ErrBufferTooSmall {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestFooterLenMatchesSpecTable(t *testing.T) {
	v4 := Flow{Src: mustAddrPort("1.2.3.4:1"), Dst: mustAddrPort("1.2.3.4:2")}
	if got := v4.FooterLen(); got != 20 {
		t.Errorf("ipv4 v1 footer len = %d, want 20", got)
	}
	v4.Extension = &Extension{ClientServerID: 1, TunnelID: 1}
	if got := v4.FooterLen(); got != 40 {
		t.Errorf("ipv4 v2 (no frag) footer len = %d, want 40", got)
	}
	v4.Frag = &Fragment{PacketID: 1}
	if got := v4.FooterLen(); got != 43 {
		t.Errorf("ipv4 v2 (frag) footer len = %d, want 43", got)
	}

	v6 := Flow{Src: mustAddrPort("[::1]:1"), Dst: mustAddrPort("[::1]:2")}
	if got := v6.FooterLen(); got != 48 {
		t.Errorf("ipv6 v1 footer len = %d, want 48", got)
	}
	v6.Extension = &Extension{ClientServerID: 1, TunnelID: 1}
	if got := v6.FooterLen(); got != 62 {
		t.Errorf("ipv6 v2 footer len = %d, want 62", got)
	}
}
