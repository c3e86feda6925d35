// Package apiclient defines the interface the control session uses to
// reach the HTTPS REST API (address discovery, registration signing) and
// provides a default net/http-based implementation. spec.md explicitly
// treats "the HTTPS REST API client" as an external collaborator outside
// the core's scope; this package is that collaborator's default, swappable
// implementation, not a core dependency — internal/control only depends on
// the Client interface below.
package apiclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/playit-oss/tunnelagent/internal/signedreq"
)

// Client is the external signing/discovery API surface the control session
// calls. account_id/agent_id/secret_key scoping is entirely up to the
// implementation; the core only needs addresses and signed bytes back.
type Client interface {
	// ControlAddrs returns the current candidate control addresses,
	// IPv6 entries first (spec.md §4.2 "Address selection").
	ControlAddrs(ctx context.Context) ([]netip.AddrPort, error)

	// SignRegistration asks the API to produce the raw, ready-to-send
	// AgentRegister request (already HMAC-signed) for the given observed
	// client/tunnel addresses (spec.md §4.2 "Authentication").
	SignRegistration(ctx context.Context, clientAddr, tunnelAddr netip.AddrPort) ([]byte, error)
}

// HTTPClient is the default Client implementation: a thin JSON/HTTP caller
// against api_url (spec.md §6 "Configuration surface"). Every request body
// is additionally HMAC-signed with signedreq.Key.SystemSign over
// {body, account_id, timestamp}, the same primitive the reference
// implementation's external signing service uses to authenticate the agent
// (agent_common::auth.rs) — the bearer header alone authenticates the
// account, the signature binds it to this exact request.
type HTTPClient struct {
	baseURL    string
	accountID  uint64
	secretKey  string
	signingKey signedreq.Key
	httpClient *http.Client
}

// NewHTTPClient returns a Client backed by baseURL, authenticating with
// secretKey via a bearer Authorization header plus a per-request HMAC
// signature under accountID.
func NewHTTPClient(baseURL string, accountID uint64, secretKey string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		accountID:  accountID,
		secretKey:  secretKey,
		signingKey: signedreq.NewKey([]byte(secretKey)),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type controlAddrsResponse struct {
	Addresses []string `json:"addresses"`
}

// ControlAddrs implements Client.
func (c *HTTPClient) ControlAddrs(ctx context.Context) ([]netip.AddrPort, error) {
	var out controlAddrsResponse
	if err := c.getJSON(ctx, "/agents/control-addresses", &out); err != nil {
		return nil, err
	}

	addrs := make([]netip.AddrPort, 0, len(out.Addresses))
	for _, s := range out.Addresses {
		addr, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("apiclient: invalid control address %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

type signRegistrationRequest struct {
	ClientAddr string `json:"client_addr"`
	TunnelAddr string `json:"tunnel_addr"`
}

type signRegistrationResponse struct {
	Blob string `json:"blob"` // hex-encoded raw request bytes
}

// SignRegistration implements Client.
func (c *HTTPClient) SignRegistration(ctx context.Context, clientAddr, tunnelAddr netip.AddrPort) ([]byte, error) {
	reqBody, err := json.Marshal(signRegistrationRequest{
		ClientAddr: clientAddr.String(),
		TunnelAddr: tunnelAddr.String(),
	})
	if err != nil {
		return nil, err
	}

	var out signRegistrationResponse
	if err := c.postJSON(ctx, "/agents/sign-registration", reqBody, &out); err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(out.Blob)
	if err != nil {
		return nil, fmt.Errorf("apiclient: invalid signed blob: %w", err)
	}
	return raw, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.sign(req, nil)
	return c.do(req, out)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, body)
	return c.do(req, out)
}

// sign attaches the timestamp/signature headers the API uses to verify the
// request came from the holder of secretKey.
func (c *HTTPClient) sign(req *http.Request, body []byte) {
	timestamp := uint64(time.Now().UnixMilli())
	sig := c.signingKey.SystemSign(c.accountID, timestamp, body)
	req.Header.Set("X-Agent-Timestamp", strconv.FormatUint(timestamp, 10))
	req.Header.Set("X-Agent-Signature", hex.EncodeToString(sig[:]))
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("apiclient: %s returned status %d: %s", req.URL.Path, resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
