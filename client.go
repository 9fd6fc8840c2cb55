// Package amqp implements a client and listener for the AMQP 1.0 wire protocol.
package amqp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is a connection to an AMQP broker or peer. A Client owns zero or more Sessions, each
// of which owns zero or more Senders/Receivers.
type Client struct {
	conn *conn
}

// ConnOption configures a Dial or New call.
type ConnOption func(*conn) error

// ConnContainerID sets the container-id sent in the Open performative. A random one is used
// if this option is not supplied.
func ConnContainerID(id string) ConnOption {
	return func(c *conn) error {
		c.containerID = id
		return nil
	}
}

// ConnServerHostname overrides the hostname sent in the Open performative and used for TLS SNI.
func ConnServerHostname(hostname string) ConnOption {
	return func(c *conn) error {
		c.hostname = hostname
		return nil
	}
}

// ConnIdleTimeout sets the idle-timeout announced to the peer in the Open performative. Zero
// announces none. Heartbeats are sent at half the peer's announced idle-timeout, and reads
// time out at twice the peer's announced idle-timeout; neither is derived from this value.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		if d < 0 {
			return errors.New("amqp: idle timeout must not be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnMaxFrameSize sets the largest frame size this peer is willing to receive.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *conn) error {
		if n < minMaxFrameSize {
			return fmt.Errorf("amqp: max frame size must be >= %d", minMaxFrameSize)
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnSASLPlain configures the connection to authenticate with the PLAIN mechanism.
func ConnSASLPlain(username, password string) ConnOption {
	return func(c *conn) error {
		c.saslMechanisms = append(c.saslMechanisms, saslPlain(username, password))
		return nil
	}
}

// ConnSASLAnonymous configures the connection to authenticate with the ANONYMOUS mechanism.
func ConnSASLAnonymous() ConnOption {
	return func(c *conn) error {
		c.saslMechanisms = append(c.saslMechanisms, saslAnonymous())
		return nil
	}
}

// ConnSASLSHA256 configures the connection to authenticate with the SCRAM-SHA-256 mechanism.
func ConnSASLSHA256(username, password string) ConnOption {
	return func(c *conn) error {
		c.saslMechanisms = append(c.saslMechanisms, saslSCRAMSHA256(username, password))
		return nil
	}
}

// ConnSASLSHA512 configures the connection to authenticate with the SCRAM-SHA-512 mechanism.
func ConnSASLSHA512(username, password string) ConnOption {
	return func(c *conn) error {
		c.saslMechanisms = append(c.saslMechanisms, saslSCRAMSHA512(username, password))
		return nil
	}
}

// ConnTLSConfig sets the TLS configuration used for amqps:// and explicit TLS dials.
func ConnTLSConfig(tc *tls.Config) ConnOption {
	return func(c *conn) error {
		c.tlsConfig = tc
		return nil
	}
}

func connDialer(d dialer) ConnOption {
	return func(c *conn) error {
		c.dialer = d
		return nil
	}
}

const minMaxFrameSize = 512

// Dial connects to an AMQP broker at addr, which must be an amqp:// or amqps:// URL, performs
// the protocol handshake, optional SASL negotiation, and Open exchange, and returns a Client
// ready to create Sessions.
func Dial(addr string, opts ...ConnOption) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("amqp: invalid URL %q: %w", addr, err)
	}

	host, port := u.Hostname(), u.Port()
	if port == "" {
		if u.Scheme == "amqps" {
			port = "5671"
		} else {
			port = "5672"
		}
	}

	c, err := newConn(nil, opts...)
	if err != nil {
		return nil, err
	}
	if c.hostname == "" {
		c.hostname = host
	}
	if u.User != nil {
		user := u.User.Username()
		pass, _ := u.User.Password()
		c.saslMechanisms = append(c.saslMechanisms, saslPlain(user, pass))
	}

	if c.dialer == nil {
		c.dialer = netDialer{}
	}

	if u.Scheme == "amqps" {
		if err := c.dialer.TLSDialWithDialer(c, host, port); err != nil {
			return nil, err
		}
	} else {
		if err := c.dialer.NetDialerDial(c, host, port); err != nil {
			return nil, err
		}
	}

	if err := c.start(); err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// New wraps an already-established net.Conn (e.g. one dialed through a proxy, or a mock used
// in tests) and performs the handshake, SASL negotiation, and Open exchange over it.
func New(netConn net.Conn, opts ...ConnOption) (*Client, error) {
	c, err := newConn(netConn, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.start(); err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// Close terminates the connection, sending a Close performative to the peer if it's still
// reachable, and detaches every Session still open on it.
func (c *Client) Close() error {
	return c.conn.Close()
}

// NewSession opens a new Session multiplexed over the connection's next available channel.
func (c *Client) NewSession(opts ...SessionOption) (*Session, error) {
	select {
	case <-c.conn.done:
		return nil, ErrConnClosed
	default:
	}

	ch, err := c.conn.allocateChannel()
	if err != nil {
		return nil, err
	}

	s := newSession(c.conn, ch)
	for _, opt := range opts {
		if err := opt(s); err != nil {
			c.conn.deallocateChannel(ch)
			return nil, err
		}
	}

	if err := s.begin(); err != nil {
		c.conn.deallocateChannel(ch)
		return nil, err
	}
	return s, nil
}

// dialer abstracts the network dial step so tests can substitute a mock net.Conn. It mirrors
// the shape used by net.Dialer/tls.Dialer without importing either directly into conn.
type dialer interface {
	NetDialerDial(c *conn, host, port string) error
	TLSDialWithDialer(c *conn, host, port string) error
}

type netDialer struct{}

func (netDialer) NetDialerDial(c *conn, host, port string) error {
	nc, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 30*time.Second)
	if err != nil {
		return err
	}
	c.net = nc
	return nil
}

func (netDialer) TLSDialWithDialer(c *conn, host, port string) error {
	nd := &net.Dialer{Timeout: 30 * time.Second}
	tc := c.tlsConfig
	if tc == nil {
		tc = &tls.Config{} //nolint:gosec // the caller opts in to default verification
	}
	if tc.ServerName == "" {
		tc = tc.Clone()
		tc.ServerName = c.hostname
	}
	nc, err := tls.DialWithDialer(nd, "tcp", net.JoinHostPort(host, port), tc)
	if err != nil {
		return err
	}
	c.net = nc
	return nil
}

func defaultContainerID() string {
	return "go-amqp10-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ErrConnClosed is returned by operations attempted after the connection has closed.
var ErrConnClosed = errors.New("amqp: connection closed")
