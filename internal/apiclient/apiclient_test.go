package apiclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestHTTPClientControlAddrs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Agent-Signature") == "" {
			t.Error("expected X-Agent-Signature header on every request")
		}
		if r.Header.Get("Authorization") != "Bearer test-secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(controlAddrsResponse{Addresses: []string{"[2001:db8::1]:5525", "203.0.113.9:5525"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 42, "test-secret")
	addrs, err := c.ControlAddrs(context.Background())
	if err != nil {
		t.Fatalf("ControlAddrs: %v", err)
	}
	want := []netip.AddrPort{netip.MustParseAddrPort("[2001:db8::1]:5525"), netip.MustParseAddrPort("203.0.113.9:5525")}
	if len(addrs) != len(want) {
		t.Fatalf("got %v, want %v", addrs, want)
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Errorf("addrs[%d] = %v, want %v", i, addrs[i], want[i])
		}
	}
}

func TestHTTPClientSignRegistration(t *testing.T) {
	rawBlob := []byte{0xde, 0xad, 0xbe, 0xef}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req signRegistrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ClientAddr != "1.2.3.4:5555" {
			t.Errorf("client_addr = %q", req.ClientAddr)
		}
		json.NewEncoder(w).Encode(signRegistrationResponse{Blob: hex.EncodeToString(rawBlob)})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 42, "test-secret")
	got, err := c.SignRegistration(context.Background(),
		netip.MustParseAddrPort("1.2.3.4:5555"),
		netip.MustParseAddrPort("9.9.9.9:1"))
	if err != nil {
		t.Fatalf("SignRegistration: %v", err)
	}
	if hex.EncodeToString(got) != hex.EncodeToString(rawBlob) {
		t.Fatalf("got %x, want %x", got, rawBlob)
	}
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad secret"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 42, "wrong-secret")
	if _, err := c.ControlAddrs(context.Background()); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}
