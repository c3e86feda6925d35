package udpchannel

import (
	"net/netip"
	"testing"

	"github.com/playit-oss/tunnelagent/internal/wireproto"
)

func TestUpdateSessionPushesHistoryOnAddrChange(t *testing.T) {
	ch := New()
	addr1 := netip.MustParseAddrPort("1.2.3.4:1111")
	addr2 := netip.MustParseAddrPort("5.6.7.8:2222")

	ch.UpdateSession(addr1, []byte("token-a"))
	ch.UpdateSession(addr2, []byte("token-b"))

	if !ch.sourceAcceptedLocked(addr1) {
		t.Fatal("old address should remain accepted via history")
	}
	got, ok := ch.CurrentTunnelAddr()
	if !ok || got != addr2 {
		t.Fatalf("current tunnel addr = %v, %v, want %v", got, ok, addr2)
	}
}

func TestCheckResendTiming(t *testing.T) {
	ch := New()
	addr := netip.MustParseAddrPort("1.2.3.4:1111")
	ch.UpdateSession(addr, []byte("tok"))

	if !ch.CheckResend(1000) {
		t.Fatal("expected resend due immediately after session update")
	}
	if ch.CheckResend(1001) {
		t.Fatal("resend should not be due 1s after a just-sent token")
	}
	if !ch.CheckResend(1006) {
		t.Fatal("resend should be due 5s after last send")
	}
}

func TestRequiresAuth(t *testing.T) {
	ch := New()
	if !ch.RequiresAuth() {
		t.Fatal("a channel with no session at all needs the control task to set one up")
	}
	addr := netip.MustParseAddrPort("1.2.3.4:1111")
	ch.UpdateSession(addr, []byte("tok"))
	ch.CheckResend(1000) // bumps lastSendS to 1000, lastConfirmS stays 0

	if !ch.RequiresAuth() {
		t.Fatal("expected RequiresAuth: no confirm has ever arrived, last_confirm_s(0)+8 < last_send_s(1000)")
	}

	token := []byte("tok")
	buf := make([]byte, 0, len(token)+8)
	buf = append(buf, token...)
	var magicBytes [8]byte
	putBE64(magicBytes[:], wireproto.UDPChannelEstablishID)
	buf = append(buf, magicBytes[:]...)
	if _, err := ch.ParsePacket(buf, addr, 998); err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}

	if ch.RequiresAuth() {
		t.Fatal("should not require auth right after a fresh confirmation")
	}
}

func TestParsePacketRejectsUnknownSource(t *testing.T) {
	ch := New()
	ch.UpdateSession(netip.MustParseAddrPort("1.2.3.4:1"), []byte("tok"))

	_, err := ch.ParsePacket([]byte{1, 2, 3, 4, 5, 6, 7, 8}, netip.MustParseAddrPort("9.9.9.9:1"), 0)
	if err != ErrUnknownSource {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestParsePacketConfirmedConnection(t *testing.T) {
	ch := New()
	tunnelAddr := netip.MustParseAddrPort("1.2.3.4:1")
	token := []byte("session-token")
	ch.UpdateSession(tunnelAddr, token)

	buf := make([]byte, 0, len(token)+8)
	buf = append(buf, token...)
	var magicBytes [8]byte
	putBE64(magicBytes[:], wireproto.UDPChannelEstablishID)
	buf = append(buf, magicBytes[:]...)

	result, err := ch.ParsePacket(buf, tunnelAddr, 42)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if result.Kind != ParsedConfirmedConnection {
		t.Fatalf("kind = %v, want ParsedConfirmedConnection", result.Kind)
	}
}

func TestParsePacketUpdatedConnectionOnNewToken(t *testing.T) {
	ch := New()
	tunnelAddr := netip.MustParseAddrPort("1.2.3.4:1")
	ch.UpdateSession(tunnelAddr, []byte("old-token"))

	newToken := []byte("brand-new-token")
	buf := make([]byte, 0, len(newToken)+8)
	buf = append(buf, newToken...)
	var magicBytes [8]byte
	putBE64(magicBytes[:], wireproto.UDPChannelEstablishID)
	buf = append(buf, magicBytes[:]...)

	result, err := ch.ParsePacket(buf, tunnelAddr, 7)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if result.Kind != ParsedUpdatedConnection {
		t.Fatalf("kind = %v, want ParsedUpdatedConnection", result.Kind)
	}
}

func TestParsePacketReceivedPacket(t *testing.T) {
	ch := New()
	tunnelAddr := netip.MustParseAddrPort("1.2.3.4:1")
	ch.UpdateSession(tunnelAddr, []byte("tok"))

	flow := wireproto.Flow{
		Src: netip.MustParseAddrPort("10.0.0.1:5000"),
		Dst: netip.MustParseAddrPort("10.0.0.2:6000"),
	}
	payload := []byte("ping")
	buf := make([]byte, len(payload)+wireproto.MaxFooterLen)
	copy(buf, payload)
	n, err := wireproto.EncodeFooter(buf[len(payload):], flow)
	if err != nil {
		t.Fatalf("EncodeFooter: %v", err)
	}
	buf = buf[:len(payload)+n]

	result, err := ch.ParsePacket(buf, tunnelAddr, 1)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if result.Kind != ParsedReceivedPacket {
		t.Fatalf("kind = %v, want ParsedReceivedPacket", result.Kind)
	}
	if result.PayloadLen != len(payload) {
		t.Fatalf("payload len = %d, want %d", result.PayloadLen, len(payload))
	}
}

func TestSendHostPkt(t *testing.T) {
	ch := New()
	tunnelAddr := netip.MustParseAddrPort("1.2.3.4:1")
	ch.UpdateSession(tunnelAddr, []byte("tok"))

	flow := wireproto.Flow{
		Src: netip.MustParseAddrPort("10.0.0.1:5000"),
		Dst: netip.MustParseAddrPort("10.0.0.2:6000"),
	}
	payload := []byte("pong")
	buf := make([]byte, len(payload)+wireproto.MaxFooterLen)
	copy(buf, payload)

	var sentTo netip.AddrPort
	var sentBuf []byte
	err := ch.SendHostPkt(buf, len(payload), flow, func(addr netip.AddrPort, pkt []byte) error {
		sentTo = addr
		sentBuf = append([]byte(nil), pkt...)
		return nil
	})
	if err != nil {
		t.Fatalf("SendHostPkt: %v", err)
	}
	if sentTo != tunnelAddr {
		t.Fatalf("sent to %v, want %v", sentTo, tunnelAddr)
	}
	if len(sentBuf) != len(payload)+flow.FooterLen() {
		t.Fatalf("sent len %d, want %d", len(sentBuf), len(payload)+flow.FooterLen())
	}
}

func putBE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}
