package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dgandalf/go-amqp10/internal/encoding"
	"github.com/dgandalf/go-amqp10/internal/frames"
)

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	// ContainerID sent in this listener's Open performative. A random one is used if empty.
	ContainerID string

	// IdleTimeout is the maximum period of inactivity, in either direction, before a connection
	// is considered dead. Zero disables idle-timeout negotiation.
	IdleTimeout time.Duration

	// MaxFrameSize is the largest frame size this listener is willing to receive.
	MaxFrameSize uint32

	// AllowAnonymous accepts connections authenticating with the SASL ANONYMOUS mechanism.
	AllowAnonymous bool

	// Authenticate, when non-nil, accepts connections authenticating with the SASL PLAIN
	// mechanism whose username/password it approves. Leave nil to refuse PLAIN entirely.
	Authenticate func(user, password string) bool
}

// Listener accepts incoming AMQP 1.0 connections, performing the server side of protocol
// negotiation, optional SASL, and the Open exchange for each.
type Listener struct {
	net  net.Listener
	opts ListenerOptions
}

// NewListener wraps an already-bound net.Listener (e.g. from net.Listen or tls.NewListener) to
// accept AMQP connections.
func NewListener(netListener net.Listener, opts *ListenerOptions) *Listener {
	l := &Listener{net: netListener}
	if opts != nil {
		l.opts = *opts
	}
	return l
}

// Accept blocks until a peer connects and completes the AMQP handshake, or ctx is done, or the
// listener is closed.
func (l *Listener) Accept(ctx context.Context) (*Client, error) {
	type result struct {
		nc  net.Conn
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		nc, err := l.net.Accept()
		accepted <- result{nc, err}
	}()

	var nc net.Conn
	select {
	case res := <-accepted:
		if res.err != nil {
			return nil, res.err
		}
		nc = res.nc
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c, err := newConn(nc)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	if l.opts.ContainerID != "" {
		c.containerID = l.opts.ContainerID
	}
	c.idleTimeout = l.opts.IdleTimeout
	if l.opts.MaxFrameSize != 0 {
		c.maxFrameSize = l.opts.MaxFrameSize
	}
	c.allowAnonymous = l.opts.AllowAnonymous
	c.authenticate = l.opts.Authenticate

	if err := c.startServer(); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return &Client{conn: c}, nil
}

// Close stops accepting new connections. Connections already accepted are unaffected.
func (l *Listener) Close() error {
	return l.net.Close()
}

// startServer performs the listener side of protocol negotiation (reading the peer's header
// first instead of writing one), optional SASL, and the Open exchange, then launches the
// connection's mux loop. It is the server-role mirror of conn.start.
func (c *conn) startServer() error {
	c.isServer = true
	c.pendingBegins = make(chan beginRequest, 16)

	if err := c.negotiateProtoServer(); err != nil {
		return err
	}

	fr, err := c.readFrame()
	if err != nil {
		return err
	}
	peerOpen, ok := fr.(*frames.PerformOpen)
	if !ok {
		return fmt.Errorf("amqp: expected open, got %T", fr)
	}
	c.PeerMaxFrameSize = peerOpen.MaxFrameSize
	if peerOpen.IdleTimeout > 0 {
		c.peerIdleTimeout = time.Duration(peerOpen.IdleTimeout)
	}

	open := &frames.PerformOpen{
		ContainerID:  c.containerID,
		Hostname:     c.hostname,
		MaxFrameSize: c.maxFrameSize,
		ChannelMax:   c.channelMax,
		IdleTimeout:  encoding.Milliseconds(c.idleTimeout),
	}
	if err := c.writeFrame(0, open); err != nil {
		return err
	}

	go c.mux()
	return nil
}

// negotiateProtoServer reads the peer's protocol header and echoes it back, running SASL as
// the mechanism-advertising party when the peer requests it.
func (c *conn) negotiateProtoServer() error {
	hdr := make([]byte, 8)
	if _, err := c.readFull(hdr); err != nil {
		return err
	}
	for i := 0; i < 4; i++ {
		if hdr[i] != "AMQP"[i] {
			return errors.New("amqp: invalid protocol header received")
		}
	}
	if _, err := c.net.Write(hdr); err != nil {
		return err
	}

	if hdr[4] == 0x3 {
		if err := c.negotiateSASLServer(); err != nil {
			return err
		}
		hdr2 := make([]byte, 8)
		if _, err := c.readFull(hdr2); err != nil {
			return err
		}
		if _, err := c.net.Write(hdr2); err != nil {
			return err
		}
	}
	return nil
}

// AcceptSession waits for the peer to begin a new session, replies, and returns it ready for
// AcceptSender/AcceptReceiver calls.
func (c *Client) AcceptSession(ctx context.Context) (*Session, error) {
	var req beginRequest
	select {
	case req = <-c.conn.pendingBegins:
	case <-c.conn.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s := newSession(c.conn, req.channel)
	if err := s.beginServer(req.begin); err != nil {
		return nil, err
	}
	return s, nil
}

// AcceptReceiver waits for the peer to attach a link in the sender role, so that this side
// receives messages sent to it, and returns a Receiver ready to read from.
func (s *Session) AcceptReceiver(ctx context.Context, opts *ReceiverOptions) (*Receiver, error) {
	pa, err := s.waitForAttach(ctx, encoding.RoleSender)
	if err != nil {
		return nil, err
	}

	address := ""
	if pa.Source != nil {
		address = pa.Source.Address
	}
	r, err := newReceiver(address, s, opts)
	if err != nil {
		return nil, err
	}
	r.key.name = pa.Name
	r.source = pa.Source
	if pa.Target != nil {
		r.target = pa.Target
	}

	if err := s.claimHandle(&r.link, pa.Handle); err != nil {
		return nil, err
	}

	reply := &frames.PerformAttach{
		Name:               pa.Name,
		Handle:             pa.Handle,
		Role:               encoding.RoleReceiver,
		SenderSettleMode:   r.senderSettleMode,
		ReceiverSettleMode: r.receiverSettleMode,
		Source:             r.source,
		Target:             r.target,
		InitialDeliveryCount: r.deliveryCount,
	}
	if err := s.txFrame(reply, nil); err != nil {
		return nil, err
	}

	go r.mux()
	return r, nil
}

// AcceptSender waits for the peer to attach a link in the receiver role, so that this side
// sends messages to it, and returns a Sender ready to use.
func (s *Session) AcceptSender(ctx context.Context, opts *SenderOptions) (*Sender, error) {
	pa, err := s.waitForAttach(ctx, encoding.RoleReceiver)
	if err != nil {
		return nil, err
	}

	address := ""
	if pa.Target != nil {
		address = pa.Target.Address
	}
	snd, err := newSender(address, s, opts)
	if err != nil {
		return nil, err
	}
	snd.key.name = pa.Name
	snd.target = pa.Target
	if pa.Source != nil {
		snd.source = pa.Source
	}

	if err := s.claimHandle(&snd.link, pa.Handle); err != nil {
		return nil, err
	}

	reply := &frames.PerformAttach{
		Name:               pa.Name,
		Handle:             pa.Handle,
		Role:               encoding.RoleSender,
		SenderSettleMode:   snd.senderSettleMode,
		ReceiverSettleMode: snd.receiverSettleMode,
		Source:             snd.source,
		Target:             snd.target,
		InitialDeliveryCount: snd.deliveryCount,
	}
	if err := s.txFrame(reply, nil); err != nil {
		return nil, err
	}

	snd.transfers = make(chan frames.PerformTransfer)
	go snd.mux()
	return snd, nil
}

// waitForAttach blocks until the session sees a pending Attach whose Role matches peerRole
// (i.e. the opposite of the link this side is about to create).
func (s *Session) waitForAttach(ctx context.Context, peerRole encoding.Role) (*frames.PerformAttach, error) {
	for {
		select {
		case pa := <-s.pendingAttaches:
			if pa.Role == peerRole {
				return pa, nil
			}
		case <-s.done:
			return nil, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// waitForCoordinatorAttach blocks until the session sees a pending Attach carrying a
// Coordinator target, i.e. a transaction controller asking this side to act as its resource.
func (s *Session) waitForCoordinatorAttach(ctx context.Context) (*frames.PerformAttach, error) {
	for {
		select {
		case pa := <-s.pendingAttaches:
			if pa.CoordinatorTarget != nil {
				return pa, nil
			}
		case <-s.done:
			return nil, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
