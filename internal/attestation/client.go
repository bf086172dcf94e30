package attestation

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/roach88/conclave/internal/protocol"
)

const (
	clientDialTimeout     = 5 * time.Second
	clientResponseTimeout = 30 * time.Second
	maxGatewayResponse    = 64 * 1024
)

// Client talks to a Gateway. Each call opens a new connection.
type Client struct {
	addr      string
	publicKey ed25519.PublicKey

	// Now is the clock tokens are verified against. Defaults to
	// time.Now.
	Now func() time.Time
}

// NewClient returns a client for the gateway at addr whose tokens are
// verified with publicKey.
func NewClient(addr string, publicKey ed25519.PublicKey) *Client {
	return &Client{addr: addr, publicKey: publicKey, Now: time.Now}
}

// Addr returns the gateway address.
func (c *Client) Addr() string {
	return c.addr
}

// EstablishTrust asks the gateway for the token of the endpoint at
// endpointAddress and verifies it. Every failure is a *Failure.
func (c *Client) EstablishTrust(ctx context.Context, endpointAddress string) (*TrustToken, error) {
	return c.call(ctx, request{Action: ActionTrust, EndpointAddress: endpointAddress})
}

// Register submits endpoint evidence and returns the issued token.
func (c *Client) Register(ctx context.Context, ev Evidence) (*TrustToken, error) {
	return c.call(ctx, request{Action: ActionAttest, Evidence: &ev})
}

func (c *Client) call(ctx context.Context, req request) (*TrustToken, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, &Failure{Reason: fmt.Sprintf("gateway %s unreachable", c.addr), Err: err}
	}
	if !resp.OK {
		return nil, fail("%s", resp.Error)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return VerifyToken(resp.Token, c.publicKey, now())
}

func (c *Client) send(ctx context.Context, req request) (*response, error) {
	dialer := net.Dialer{Timeout: clientDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(clientResponseTimeout))
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}

	var resp response
	if err := protocol.NewDecoder(io.LimitReader(conn, maxGatewayResponse)).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &resp, nil
}
