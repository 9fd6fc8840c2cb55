package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dgandalf/go-amqp10/internal/buffer"
	"github.com/dgandalf/go-amqp10/internal/debug"
	"github.com/dgandalf/go-amqp10/internal/encoding"
	"github.com/dgandalf/go-amqp10/internal/frames"
)

const (
	defaultMaxFrameSize = 65536
	defaultChannelMax   = 4095
	defaultIdleTimeout  = 1 * time.Minute
)

// conn represents a single TCP (or TLS) connection carrying the AMQP wire protocol. It owns
// protocol-header negotiation, optional SASL, the Open exchange, idle-timeout heartbeats, and
// demultiplexes incoming frames to the Session that owns each channel.
type conn struct {
	net       net.Conn
	dialer    dialer
	tlsConfig *tls.Config

	containerID    string
	hostname       string
	idleTimeout    time.Duration
	maxFrameSize   uint32
	channelMax     uint16
	saslMechanisms []saslMechanism

	PeerMaxFrameSize uint32
	peerIdleTimeout  time.Duration

	writeMu sync.Mutex

	mu                sync.Mutex
	sessionsByChannel map[uint16]*Session
	nextChannel       uint16

	// isServer is set by startServer, whose negotiateProtoServer/Open handling runs instead of
	// the client-role start/negotiateProto; it also gates dispatch's delivery of unrouted Begin
	// performatives to pendingBegins instead of just logging and dropping them.
	isServer       bool
	allowAnonymous bool
	authenticate   func(user, password string) bool
	pendingBegins  chan beginRequest

	done chan struct{}
	err  error
}

// beginRequest is an inbound Begin performative addressed to a channel with no registered
// Session yet, captured by dispatch for a listener to accept via Client.AcceptSession.
type beginRequest struct {
	channel uint16
	begin   *frames.PerformBegin
}

func newConn(netConn net.Conn, opts ...ConnOption) (*conn, error) {
	c := &conn{
		net:               netConn,
		containerID:       defaultContainerID(),
		idleTimeout:       defaultIdleTimeout,
		maxFrameSize:      defaultMaxFrameSize,
		channelMax:        defaultChannelMax,
		sessionsByChannel: make(map[uint16]*Session),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// start performs the protocol header exchange, optional SASL negotiation, and the Open
// performative exchange, then launches the frame-reading goroutine.
func (c *conn) start() error {
	if err := c.negotiateProto(); err != nil {
		return err
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

	fr, err := c.readFrame()
	if err != nil {
		return err
	}
	peerOpen, ok := fr.(*frames.PerformOpen)
	if !ok {
		return fmt.Errorf("amqp: expected open, got %T", fr)
	}
	c.PeerMaxFrameSize = peerOpen.MaxFrameSize
	if peerOpen.ChannelMax < c.channelMax {
		c.channelMax = peerOpen.ChannelMax
	}
	if peerOpen.IdleTimeout > 0 {
		c.peerIdleTimeout = time.Duration(peerOpen.IdleTimeout)
	}

	go c.mux()
	return nil
}

// negotiateProto exchanges the 8-byte protocol header, falling back to a SASL header first
// when any SASL mechanism has been configured.
func (c *conn) negotiateProto() error {
	proto := byte(0x0)
	if len(c.saslMechanisms) > 0 {
		proto = 0x3
	}

	hdr := []byte{'A', 'M', 'Q', 'P', proto, 1, 0, 0}
	if _, err := c.net.Write(hdr); err != nil {
		return err
	}
	resp := make([]byte, 8)
	if _, err := c.readFull(resp); err != nil {
		return err
	}
	for i := 0; i < 4; i++ {
		if resp[i] != hdr[i] {
			return errors.New("amqp: invalid protocol header received")
		}
	}

	if proto == 0x3 {
		if err := c.negotiateSASL(); err != nil {
			return err
		}
		// after SASL succeeds, the AMQP header is exchanged again
		hdr2 := []byte{'A', 'M', 'Q', 'P', 0x0, 1, 0, 0}
		if _, err := c.net.Write(hdr2); err != nil {
			return err
		}
		resp2 := make([]byte, 8)
		if _, err := c.readFull(resp2); err != nil {
			return err
		}
	}
	return nil
}

// handshakeTimeout bounds reads made before the peer's idle-timeout has been negotiated.
const handshakeTimeout = 30 * time.Second

// readDeadline returns how long a single blocking read may take: twice the peer's advertised
// idle-timeout once the peer's Open has announced a non-zero one, or the fixed handshake
// timeout otherwise (before the Open exchange, and after it when the peer announced none).
func (c *conn) readDeadline() time.Duration {
	if c.peerIdleTimeout > 0 {
		return 2 * c.peerIdleTimeout
	}
	return handshakeTimeout
}

// readFull sets a read deadline derived from the negotiated idle-timeout and reads until buf
// is full or the deadline/connection error fires.
func (c *conn) readFull(buf []byte) (int, error) {
	if err := c.net.SetReadDeadline(time.Now().Add(c.readDeadline())); err != nil {
		return 0, err
	}
	total := 0
	for total < len(buf) {
		n, err := c.net.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// writeFrame encodes fr as an AMQP frame on channel ch and writes it, serialized against
// every other writer on this connection.
func (c *conn) writeFrame(ch uint16, fr frames.FrameBody) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	bodyBuf := buffer.New(nil)
	if err := encoding.Marshal(bodyBuf, fr); err != nil {
		return err
	}
	body := bodyBuf.Detach()

	hdr := frames.Header{
		Size:       uint32(len(body)) + frames.HeaderSize,
		DataOffset: 2,
		FrameType:  frames.TypeAMQP,
		Channel:    ch,
	}
	hdrBuf := buffer.New(nil)
	if err := hdr.Marshal(hdrBuf); err != nil {
		return err
	}
	raw := append(hdrBuf.Detach(), body...)

	debug.Log(context.Background(), slog.LevelDebug, "TX frame", slog.Int("channel", int(ch)), slog.Any("frame", fr))
	_, err := c.net.Write(raw)
	return err
}

// readFrame blocks until a non-empty frame arrives and returns its decoded body; empty
// heartbeat frames read along the way are skipped.
func (c *conn) readFrame() (frames.FrameBody, error) {
	for {
		fr, _, err := c.readFrameChannel()
		if err != nil {
			return nil, err
		}
		if fr == nil {
			continue // heartbeat
		}
		return fr, nil
	}
}

func (c *conn) readFrameChannel() (frames.FrameBody, uint16, error) {
	hdrBytes := make([]byte, frames.HeaderSize)
	if _, err := c.readFull(hdrBytes); err != nil {
		return nil, 0, err
	}
	hdr, err := frames.ParseHeader(buffer.New(hdrBytes))
	if err != nil {
		return nil, 0, err
	}
	bodySize := int(hdr.Size) - frames.HeaderSize
	if bodySize <= 0 {
		return nil, hdr.Channel, nil
	}
	body := make([]byte, bodySize)
	if _, err := c.readFull(body); err != nil {
		return nil, 0, err
	}
	fr, err := frames.ParseBody(buffer.New(body))
	if err != nil {
		return nil, 0, err
	}
	return fr, hdr.Channel, nil
}

// mux reads frames off the wire for the lifetime of the connection, dispatching each to the
// Session that owns its channel, and sends idle-timeout heartbeats.
func (c *conn) mux() {
	defer c.shutdown(nil)

	var heartbeat *time.Ticker
	if c.peerIdleTimeout > 0 {
		heartbeat = time.NewTicker(c.peerIdleTimeout / 2)
		defer heartbeat.Stop()
	}

	type readResult struct {
		fr  frames.FrameBody
		ch  uint16
		err error
	}
	rxCh := make(chan readResult, 1)
	go func() {
		for {
			fr, ch, err := c.readFrameChannel()
			rxCh <- readResult{fr, ch, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case res := <-rxCh:
			if res.err != nil {
				c.shutdown(res.err)
				return
			}
			if res.fr == nil {
				continue // heartbeat received, resets the peer's idle clock only
			}
			c.dispatch(res.ch, res.fr)
		case <-c.done:
			return
		case <-tickerC(heartbeat):
			c.writeMu.Lock()
			_, _ = c.net.Write([]byte{0, 0, 0, 8, 2, 0, 0, 0})
			c.writeMu.Unlock()
		}
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (c *conn) dispatch(ch uint16, fr frames.FrameBody) {
	if _, ok := fr.(*frames.PerformClose); ok {
		c.shutdown(nil)
		return
	}
	// a Begin reply names the local channel it answers in remote-channel
	if begin, isBegin := fr.(*frames.PerformBegin); isBegin && begin.RemoteChannel != nil {
		ch = *begin.RemoteChannel
	}

	c.mu.Lock()
	s, ok := c.sessionsByChannel[ch]
	c.mu.Unlock()
	if !ok {
		if begin, isBegin := fr.(*frames.PerformBegin); isBegin && c.isServer {
			select {
			case c.pendingBegins <- beginRequest{channel: ch, begin: begin}:
			default:
				debug.Log(context.Background(), slog.LevelWarn, "pending begin queue full", slog.Int("channel", int(ch)))
			}
			return
		}
		debug.Log(context.Background(), slog.LevelWarn, "frame for unknown channel", slog.Int("channel", int(ch)))
		return
	}

	select {
	case s.rx <- fr:
	case <-s.done:
	}
}

func (c *conn) allocateChannel() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if uint16(len(c.sessionsByChannel)) > c.channelMax {
		return 0, errors.New("amqp: connection has reached its channel-max")
	}
	for {
		ch := c.nextChannel
		c.nextChannel++
		if _, taken := c.sessionsByChannel[ch]; !taken {
			c.sessionsByChannel[ch] = nil
			return ch, nil
		}
		if c.nextChannel > c.channelMax {
			return 0, errors.New("amqp: no channels available")
		}
	}
}

func (c *conn) deallocateChannel(ch uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessionsByChannel, ch)
}

func (c *conn) registerSession(ch uint16, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsByChannel[ch] = s
}

// Close sends a Close performative (best effort) and tears down every Session still open.
func (c *conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	_ = c.writeFrame(0, &frames.PerformClose{})
	c.shutdown(nil)
	return nil
}

func (c *conn) shutdown(err error) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	if c.err == nil {
		c.err = err
	}
	if c.err == nil {
		c.err = ErrConnClosed
	}
	sessions := make([]*Session, 0, len(c.sessionsByChannel))
	for _, s := range c.sessionsByChannel {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	close(c.done)
	c.mu.Unlock()

	for _, s := range sessions {
		s.connLost(c.err)
	}
	_ = c.net.Close()
}
