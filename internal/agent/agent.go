// Package agent wires the control session, UDP data plane, and TCP
// acceptor into the single supervised task group spec.md §4.8 describes as
// the agent orchestrator. It is grounded on the teacher's
// cmd/awg-split-tunnel runVPN function: the same construct-everything,
// then run-until-signal, then timed-graceful-shutdown shape, factored out
// of a flat main function into a reusable Agent type. Task supervision
// uses golang.org/x/sync/errgroup rather than the teacher's bare
// sync.WaitGroup, since the orchestrator also needs the first task error
// to cancel its siblings.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/playit-oss/tunnelagent/internal/apiclient"
	"github.com/playit-oss/tunnelagent/internal/control"
	"github.com/playit-oss/tunnelagent/internal/core"
	"github.com/playit-oss/tunnelagent/internal/lookup"
	"github.com/playit-oss/tunnelagent/internal/tcpclient"
	"github.com/playit-oss/tunnelagent/internal/udpchannel"
	"github.com/playit-oss/tunnelagent/internal/udpclients"
)

// shutdownJoinTimeout bounds how long Close waits for every supervised task
// to exit after requesting shutdown (spec.md §5).
const shutdownJoinTimeout = 5 * time.Second

// Agent owns one agent's full runtime: the control session, the optional
// UDP data plane, the TCP acceptor, and the shared core.ShutdownToken,
// core.LogicalClock, core.EventBus, and lookup.Table every one of them
// reads or writes.
type Agent struct {
	log *core.Logger

	// instanceID identifies this running process (a fresh value on every
	// start), for log correlation when operating a fleet of agents (grounded on
	// cloudflared's Supervisor.cloudflaredUUID).
	instanceID uuid.UUID

	clock    *core.LogicalClock
	bus      *core.EventBus
	shutdown *core.ShutdownToken
	lookup   *lookup.Table

	session   *control.Session
	acceptor  *tcpclient.Acceptor
	dataPlane *udpclients.DataPlane

	tunnelConn *net.UDPConn
	stopped    chan struct{}
}

// New wires every component per spec.md §4 but starts nothing; call Run to
// begin. api is the external API-client collaborator that owns HTTPS
// registration traffic (spec.md §1, "surrounding functionality... out of
// scope" lists the API surface itself as external).
func New(cfg Config, api apiclient.Client, log *core.Logger) (*Agent, error) {
	if log == nil {
		log = core.Nop()
	}

	clock := core.NewLogicalClock()
	bus := core.NewEventBus()
	lookupTable := lookup.New()

	var udpChan *udpchannel.Channel
	var tunnelConn *net.UDPConn
	var dataPlane *udpclients.DataPlane
	if !cfg.UDP.Disabled {
		udpChan = udpchannel.New()
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			return nil, fmt.Errorf("agent: bind UDP tunnel socket: %w", err)
		}
		if cfg.UDP.RecvBufferBytes > 0 {
			if err := conn.SetReadBuffer(cfg.UDP.RecvBufferBytes); err != nil {
				log.Warnf("agent", "set UDP recv buffer to %d: %v", cfg.UDP.RecvBufferBytes, err)
			}
		}
		if cfg.UDP.SendBufferBytes > 0 {
			if err := conn.SetWriteBuffer(cfg.UDP.SendBufferBytes); err != nil {
				log.Warnf("agent", "set UDP send buffer to %d: %v", cfg.UDP.SendBufferBytes, err)
			}
		}
		tunnelConn = conn
		dataPlane = udpclients.New(conn, lookupTable, udpChan, log, cfg.UDP.MaxClientSockets)
	}

	session := control.NewSession(cfg.Control, api, clock, bus, log, udpChan)
	acceptor := tcpclient.New(lookupTable, log, tcpclient.Options{
		ClaimDialTimeout:  cfg.TCP.ClaimDialTimeout,
		ClaimAckTimeout:   cfg.TCP.ClaimAckTimeout,
		OriginDialTimeout: cfg.TCP.OriginDialTimeout,
	})

	return &Agent{
		log:        log,
		instanceID: uuid.New(),
		clock:      clock,
		bus:        bus,
		shutdown:   core.NewShutdownToken(context.Background()),
		lookup:     lookupTable,
		session:    session,
		acceptor:   acceptor,
		dataPlane:  dataPlane,
		tunnelConn: tunnelConn,
		stopped:    make(chan struct{}),
	}, nil
}

// Events returns the agent's event bus, for callers (e.g. a metrics
// reporter or the entrypoint's log line on state change) that want to
// subscribe without reaching into the control session directly.
func (a *Agent) Events() *core.EventBus { return a.bus }

// InstanceID identifies this running process, stable for its lifetime and
// distinct across restarts — useful for correlating log lines from a
// single agent process when operating a fleet of them.
func (a *Agent) InstanceID() uuid.UUID { return a.instanceID }

// Lookup returns the address-lookup table, for callers that need direct
// read access (a health-check endpoint, e.g.) without routing through
// RefreshLookup.
func (a *Agent) Lookup() *lookup.Table { return a.lookup }

// RefreshLookup replaces the address-lookup table wholesale. Callers drive
// this from whatever external source of truth owns tunnel-to-origin
// mappings (spec.md §4.6 describes the table's read side; refreshing it is
// outside the wire protocol this agent implements).
func (a *Agent) RefreshLookup(endpoints []lookup.TunnelEndpoint) {
	a.lookup.Update(endpoints)
}

// Run starts the control task, the UDP data-plane task (if enabled), and
// the TCP acceptor's dispatch loop under one errgroup.Group, and blocks
// until all three exit. A parent-context cancellation is treated as a
// normal shutdown request and reported as a nil error; any other task
// failure is returned as-is and cancels its siblings.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.stopped)
	if a.tunnelConn != nil {
		defer a.tunnelConn.Close()
	}

	a.log.Infof("agent", "starting, instance=%s", a.instanceID)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.session.Run(gctx, a.shutdown) })
	if a.dataPlane != nil {
		g.Go(func() error { return a.dataPlane.Run(gctx, a.shutdown) })
	}
	g.Go(func() error { return a.acceptor.Run(gctx, a.shutdown, a.session.NewClients()) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close requests shutdown and waits up to shutdownJoinTimeout for every
// supervised task to exit (spec.md §5).
func (a *Agent) Close(ctx context.Context) error {
	a.shutdown.Shutdown()
	select {
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(shutdownJoinTimeout):
		return errors.New("agent: timed out waiting for tasks to stop")
	}
}

// Stats aggregates the counters spec.md §7 calls out, across every
// component that tracks them.
type Stats struct {
	Control           control.StatsSnapshot
	ClockOffsetMillis int64
	TCP               tcpclient.StatsSnapshot
	UDP               udpclients.StatsSnapshot
}

// Stats returns a point-in-time snapshot of the agent's health counters.
func (a *Agent) Stats() Stats {
	s := Stats{
		Control:           a.session.StatsSnapshot(),
		ClockOffsetMillis: a.clock.Offset(),
		TCP:               a.acceptor.StatsSnapshot(),
	}
	if a.dataPlane != nil {
		s.UDP = a.dataPlane.StatsSnapshot()
	}
	return s
}
