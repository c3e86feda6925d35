package agent

import (
	"time"

	"github.com/playit-oss/tunnelagent/internal/control"
)

// Config is the orchestrator's full configuration surface (spec.md §6):
// the identity to register under, plus the tcp_settings/udp_settings
// tuning blobs an external loader parses from the operator's config file
// and hands in by value. The core never reads a config file itself, in
// keeping with the teacher's separation between its Settings struct (owned
// by the UI/CLI layer) and the tunnel components that only ever consume an
// already-parsed struct.
type Config struct {
	Control control.Config `yaml:"-"`
	TCP     TCPSettings    `yaml:"tcp_settings,omitempty"`
	UDP     UDPSettings    `yaml:"udp_settings,omitempty"`
}

// TCPSettings tunes the TCP acceptor's dial and claim-ack timeouts. Zero
// values fall back to the acceptor's own defaults.
type TCPSettings struct {
	ClaimDialTimeout  time.Duration `yaml:"claim_dial_timeout,omitempty"`
	ClaimAckTimeout   time.Duration `yaml:"claim_ack_timeout,omitempty"`
	OriginDialTimeout time.Duration `yaml:"origin_dial_timeout,omitempty"`
}

// UDPSettings tunes the UDP data plane. Disabled skips binding the tunnel
// data socket entirely, for deployments that only forward TCP.
// MaxClientSockets caps the origin-socket pool (0 or less selects the data
// plane's own default cap of 256 sockets). RecvBufferBytes/SendBufferBytes size the
// tunnel socket's kernel buffers; zero keeps the OS defaults.
type UDPSettings struct {
	Disabled         bool `yaml:"disabled,omitempty"`
	MaxClientSockets int  `yaml:"max_client_sockets,omitempty"`
	RecvBufferBytes  int  `yaml:"recv_buffer_bytes,omitempty"`
	SendBufferBytes  int  `yaml:"send_buffer_bytes,omitempty"`
}
