package wireproto

import (
	"net/netip"
	"reflect"
	"testing"
)

func u32ptr(v uint32) *uint32 { return &v }
func u64ptr(v uint64) *uint64 { return &v }

func TestControlRequestRoundTrip(t *testing.T) {
	sess := AgentSessionID{SessionID: 1, AccountID: 2, AgentID: 3}

	cases := []ControlRequest{
		{Kind: ControlRequestPing, Ping: Ping{Now: 123}},
		{Kind: ControlRequestPing, Ping: Ping{Now: 123, CurrentPing: u32ptr(55), SessionID: &sess}},
		{
			Kind: ControlRequestAgentRegister,
			AgentRegister: AgentRegister{
				AccountID:    1,
				AgentID:      2,
				AgentVersion: 3,
				Timestamp:    4,
				ClientAddr:   mustAddrPort("1.2.3.4:1111"),
				TunnelAddr:   mustAddrPort("[::1]:2222"),
				Signature:    [32]byte{1, 2, 3},
			},
		},
		{Kind: ControlRequestAgentKeepAlive, AgentKeepAlive: sess},
		{Kind: ControlRequestSetupUdpChannel, SetupUdpChannel: sess},
		{
			Kind: ControlRequestAgentCheckPortMapping,
			AgentCheckPortMapping: AgentCheckPortMapping{
				AgentSessionID: sess,
				PortRange: PortRange{
					IP:        netip.MustParseAddr("10.0.0.1"),
					PortStart: 100,
					PortEnd:   200,
					Proto:     PortProtoBoth,
				},
			},
		},
	}

	for i, want := range cases {
		buf := want.Encode(nil)
		got, err := DecodeControlRequest(buf)
		if err != nil {
			t.Fatalf("case %d: decode error: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("case %d: round trip mismatch:\n got  %+v\n want %+v", i, got, want)
		}
	}
}

func TestControlResponseRoundTrip(t *testing.T) {
	sess := AgentSessionID{SessionID: 9, AccountID: 8, AgentID: 7}

	cases := []ControlResponse{
		{Kind: ControlResponsePong, Pong: Pong{
			RequestNow: 1, ServerNow: 2, ServerID: 3, DataCenterID: 4,
			ClientAddr: mustAddrPort("1.2.3.4:1"), TunnelAddr: mustAddrPort("5.6.7.8:2"),
		}},
		{Kind: ControlResponsePong, Pong: Pong{
			RequestNow: 1, ServerNow: 2, ServerID: 3, DataCenterID: 4,
			ClientAddr: mustAddrPort("[::1]:1"), TunnelAddr: mustAddrPort("[::2]:2"),
			SessionExpireAt: u64ptr(99999),
		}},
		{Kind: ControlResponseInvalidSignature},
		{Kind: ControlResponseUnauthorized},
		{Kind: ControlResponseRequestQueued},
		{Kind: ControlResponseTryAgainLater},
		{Kind: ControlResponseAgentRegistered, AgentRegistered: AgentRegistered{ID: sess, ExpiresAt: 42}},
		{Kind: ControlResponseAgentPortMapping, AgentPortMapping: AgentPortMapping{
			Range: PortRange{IP: netip.MustParseAddr("10.0.0.1"), PortStart: 1, PortEnd: 2, Proto: PortProtoTCP},
		}},
		{Kind: ControlResponseAgentPortMapping, AgentPortMapping: AgentPortMapping{
			Range:     PortRange{IP: netip.MustParseAddr("10.0.0.1"), PortStart: 1, PortEnd: 2, Proto: PortProtoUDP},
			FoundKind: AgentPortMappingFoundToAgent,
			ToAgent:   sess,
		}},
		{Kind: ControlResponseUdpChannelDetails, UdpChannelDetails: UdpChannelDetails{
			TunnelAddr: mustAddrPort("1.2.3.4:5678"),
			Token:      []byte{0xde, 0xad, 0xbe, 0xef},
		}},
		{Kind: ControlResponseSignatureExpired, SignatureExpired: SignatureExpired{Now: 1000, Timestamp: 400}},
	}

	for i, want := range cases {
		buf := want.Encode(nil)
		got, err := DecodeControlResponse(buf)
		if err != nil {
			t.Fatalf("case %d: decode error: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("case %d: round trip mismatch:\n got  %+v\n want %+v", i, got, want)
		}
	}
}

func TestControlRequestFrameRoundTrip(t *testing.T) {
	frame := ControlRequestFrame{
		RequestID: 0xdeadbeef,
		Content:   ControlRequest{Kind: ControlRequestPing, Ping: Ping{Now: 7}},
	}
	buf := frame.Encode(nil)
	got, err := DecodeControlRequestFrame(buf)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !reflect.DeepEqual(got, frame) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, frame)
	}
}

func TestControlResponseFrameRoundTrip(t *testing.T) {
	frame := ControlResponseFrame{
		RequestID: 0x1122334455,
		Content:   ControlResponse{Kind: ControlResponseUnauthorized},
	}
	buf := frame.Encode(nil)
	got, err := DecodeControlResponseFrame(buf)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !reflect.DeepEqual(got, frame) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, frame)
	}
}

func TestDecodeControlRequestUnknownTag(t *testing.T) {
	buf := putUint32(nil, 9999)
	if _, err := DecodeControlRequest(buf); err == nil {
		t.Fatal("expected error for unknown control request tag")
	}
}

func TestDecodeControlResponseUnknownTag(t *testing.T) {
	buf := putUint32(nil, 9999)
	if _, err := DecodeControlResponse(buf); err == nil {
		t.Fatal("expected error for unknown control response tag")
	}
}

func TestDecodeControlRequestShortBuffer(t *testing.T) {
	if _, err := DecodeControlRequest([]byte{0, 0}); err != ErrShortRead {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}
