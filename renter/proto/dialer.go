package proto

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/renterhost"
)

// DefaultTimeout is the default deadline applied to each RPC.
const DefaultTimeout = 30 * time.Second

// UserAgent identifies this implementation to providers.
const UserAgent = "farm/" + renterhost.ProtocolVersion

// A Dialer establishes sessions with providers, optionally through a SOCKS5
// proxy.
type Dialer struct {
	Key     renterhost.PeerKey
	Proxy   string // SOCKS5 address; empty means direct
	Timeout time.Duration
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

// DialContext dials addr, routing through the configured proxy if any.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.Proxy == "" {
		return (&net.Dialer{Timeout: d.timeout()}).DialContext(ctx, network, addr)
	}
	forward := &net.Dialer{Timeout: d.timeout()}
	pd, err := proxy.SOCKS5("tcp", d.Proxy, nil, forward)
	if err != nil {
		return nil, errors.Wrap(err, "could not create proxy dialer")
	}
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return pd.Dial(network, addr)
}

// Dial initiates a new session with the provider described by c.
func (d *Dialer) Dial(ctx context.Context, c hostdb.Contact) (_ *Session, err error) {
	defer wrapErr(&err, "Dial")
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(d.timeout())
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)
	s, err := renterhost.NewRenterSession(conn, c.Identity, d.Key, UserAgent)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Session{
		sess:    s,
		conn:    conn,
		contact: c,
		timeout: d.timeout(),
	}, nil
}
