package agent

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/playit-oss/tunnelagent/internal/core"
	"github.com/playit-oss/tunnelagent/internal/lookup"
	"github.com/playit-oss/tunnelagent/internal/wireproto"
)

// erroringAPI fails ControlAddrs immediately, driving the control session
// to a fast, deterministic failure so Run returns without needing a live
// tunnel server.
type erroringAPI struct{ err error }

func (a erroringAPI) ControlAddrs(ctx context.Context) ([]netip.AddrPort, error) {
	return nil, a.err
}

func (a erroringAPI) SignRegistration(ctx context.Context, clientAddr, tunnelAddr netip.AddrPort) ([]byte, error) {
	return nil, errors.New("not reached")
}

var errNoAddrs = errors.New("no control addresses configured")

func TestAgentRunReturnsControlErrorPromptly(t *testing.T) {
	a, err := New(Config{}, erroringAPI{err: errNoAddrs}, core.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil || !errors.Is(err, errNoAddrs) {
			t.Fatalf("Run() = %v, want an error wrapping %v", err, errNoAddrs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return in time")
	}
}

func TestAgentRunTreatsContextCancelAsCleanShutdown(t *testing.T) {
	a, err := New(Config{}, erroringAPI{err: context.Canceled}, core.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil for a context.Canceled-shaped failure", err)
	}
}

func TestAgentInstanceIDIsStableAndUnique(t *testing.T) {
	a1, err := New(Config{}, erroringAPI{err: errNoAddrs}, core.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a2, err := New(Config{}, erroringAPI{err: errNoAddrs}, core.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if a1.InstanceID() == a2.InstanceID() {
		t.Fatal("two agents should not share an instance ID")
	}
	if a1.InstanceID() != a1.InstanceID() {
		t.Fatal("InstanceID should be stable across calls")
	}
}

func TestAgentUDPDisabledSkipsDataPlane(t *testing.T) {
	a, err := New(Config{UDP: UDPSettings{Disabled: true}}, erroringAPI{err: errNoAddrs}, core.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.dataPlane != nil {
		t.Fatal("dataPlane should be nil when UDP is disabled")
	}
	if a.tunnelConn != nil {
		t.Fatal("tunnelConn should be nil when UDP is disabled")
	}

	snap := a.Stats()
	if snap.UDP != (Stats{}).UDP {
		t.Fatalf("UDP stats should be zero-valued, got %+v", snap.UDP)
	}
}

func TestAgentRefreshLookupIsVisibleImmediately(t *testing.T) {
	a, err := New(Config{}, erroringAPI{err: errNoAddrs}, core.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	publicIP := netip.MustParseAddr("5.6.7.8")
	a.RefreshLookup([]lookup.TunnelEndpoint{{
		TunnelID:       1,
		PublicAddr:     publicIP,
		HostOriginAddr: netip.MustParseAddrPort("127.0.0.1:20000"),
		FromPort:       1000,
		ToPort:         1010,
		Proto:          wireproto.PortProtoTCP,
	}})

	ep, ok := a.Lookup().Lookup(publicIP, 1005, wireproto.PortProtoTCP)
	if !ok {
		t.Fatal("expected the refreshed endpoint to be found")
	}
	if ep.TunnelID != 1 {
		t.Fatalf("TunnelID = %d, want 1", ep.TunnelID)
	}
}

func TestAgentCloseReturnsPromptlyAfterRunExits(t *testing.T) {
	a, err := New(Config{}, erroringAPI{err: errNoAddrs}, core.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Run already returned (fast control failure) before Close is ever
	// called, so stopped is already closed and Close must return
	// immediately rather than blocking for shutdownJoinTimeout.
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail fast against erroringAPI")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
