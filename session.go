package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/dgandalf/go-amqp10/internal/debug"
	"github.com/dgandalf/go-amqp10/internal/encoding"
	"github.com/dgandalf/go-amqp10/internal/frames"
)

const defaultWindow = 5000

// Session is a bidirectional, flow-controlled channel within a connection. It owns zero or
// more Sender/Receiver links and sequences the delivery-ids shared across them.
type Session struct {
	conn    *conn
	channel uint16

	incomingWindow uint32
	outgoingWindow uint32
	handleMax      uint32

	// nextOutgoingID/nextIncomingID/remoteIncomingWindow track the session transfer-window
	// state; they are only ever touched from the mux goroutine.
	nextOutgoingID       uint32
	nextIncomingID       uint32
	remoteIncomingWindow uint32
	incomingWindowLeft   uint32

	nextDeliveryID uint32 // atomic

	mu         sync.Mutex
	linksByKey map[linkKey]*link
	handles    map[uint32]*link
	nextHandle uint32

	rx         chan frames.FrameBody
	tx         chan frames.FrameBody
	txTransfer chan *frames.PerformTransfer

	// pendingAttaches receives an inbound Attach that doesn't match any link this session
	// already knows about, for a listener to consume via AcceptSender/AcceptReceiver. Left nil
	// on client-role sessions, where an unmatched Attach is always an error.
	pendingAttaches chan *frames.PerformAttach

	close chan struct{}
	done  chan struct{}
	err   error
}

// SessionOption configures a Session before Begin is sent.
type SessionOption func(*Session) error

// SessionIncomingWindow sets the number of transfer frames the session is willing to receive
// before it must issue another Flow.
func SessionIncomingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.incomingWindow = window
		return nil
	}
}

// SessionOutgoingWindow sets the number of transfer frames the session may send before it
// must wait for the peer's Flow.
func SessionOutgoingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.outgoingWindow = window
		return nil
	}
}

// SessionMaxLinks limits the number of links (handles) the session will allow to be attached
// concurrently, in [1, 4294967295].
func SessionMaxLinks(n int) SessionOption {
	return func(s *Session) error {
		if n < 1 || n > math.MaxUint32 {
			return fmt.Errorf("amqp: max links must be in the range [1, %d]", uint32(math.MaxUint32))
		}
		s.handleMax = uint32(n) - 1
		return nil
	}
}

func newSession(c *conn, channel uint16) *Session {
	return &Session{
		conn:           c,
		channel:        channel,
		incomingWindow: defaultWindow,
		outgoingWindow: defaultWindow,
		handleMax:      math.MaxUint32,
		linksByKey:     make(map[linkKey]*link),
		handles:        make(map[uint32]*link),
		rx:             make(chan frames.FrameBody, 1),
		tx:             make(chan frames.FrameBody, 1),
		txTransfer:     make(chan *frames.PerformTransfer),
		close:          make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// begin sends the Begin performative, waits for the peer's reply, registers the session on
// its connection, and starts the session's mux loop.
func (s *Session) begin() error {
	s.incomingWindowLeft = s.incomingWindow
	begin := &frames.PerformBegin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	s.conn.registerSession(s.channel, s)

	if err := s.conn.writeFrame(s.channel, begin); err != nil {
		s.conn.deallocateChannel(s.channel)
		return err
	}

	var fr frames.FrameBody
	select {
	case fr = <-s.rx:
	case <-s.conn.done:
		s.conn.deallocateChannel(s.channel)
		return s.conn.err
	}

	resp, ok := fr.(*frames.PerformBegin)
	if !ok {
		s.conn.deallocateChannel(s.channel)
		return fmt.Errorf("amqp: expected begin response, got %T", fr)
	}
	if resp.RemoteChannel == nil {
		s.conn.deallocateChannel(s.channel)
		return errors.New("amqp: begin response is missing remote-channel")
	}
	if resp.HandleMax < s.handleMax {
		s.handleMax = resp.HandleMax
	}
	s.remoteIncomingWindow = resp.IncomingWindow
	s.nextIncomingID = resp.NextOutgoingID

	go s.mux()
	return nil
}

// beginServer replies to a peer-initiated Begin, registers the session under the channel the
// peer used, and starts its mux loop. It is the listener-side mirror of begin; this package
// treats a session's channel number as shared between both ends rather than negotiating
// independent per-direction numbers, so no separate local channel is allocated here.
func (s *Session) beginServer(peerBegin *frames.PerformBegin) error {
	s.pendingAttaches = make(chan *frames.PerformAttach, 8)
	s.incomingWindowLeft = s.incomingWindow
	s.conn.registerSession(s.channel, s)

	if peerBegin.HandleMax < s.handleMax {
		s.handleMax = peerBegin.HandleMax
	}
	s.remoteIncomingWindow = peerBegin.IncomingWindow
	s.nextIncomingID = peerBegin.NextOutgoingID

	remoteChannel := s.channel
	reply := &frames.PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	if err := s.conn.writeFrame(s.channel, reply); err != nil {
		s.conn.deallocateChannel(s.channel)
		return err
	}

	go s.mux()
	return nil
}

// mux is the session's event loop: it routes incoming frames to the owning link, sequences
// and writes outgoing transfers against the outgoing window, and forwards other outgoing
// frames as-is.
func (s *Session) mux() {
	defer close(s.done)

	for {
		// outgoing transfers block here whenever the peer's declared incoming-window has been
		// exhausted: the session must wait for a Flow that replenishes remote-incoming-window
		// before sending another Transfer.
		var txTransfer chan *frames.PerformTransfer
		if s.remoteIncomingWindow > 0 {
			txTransfer = s.txTransfer
		}

		select {
		case fr := <-s.rx:
			if err := s.handleFrame(fr); err != nil {
				s.err = err
				return
			}

		case fr := <-s.tx:
			if err := s.conn.writeFrame(s.channel, fr); err != nil {
				s.err = err
				return
			}

		case tr := <-txTransfer:
			if err := s.conn.writeFrame(s.channel, tr); err != nil {
				s.err = err
				return
			}
			s.remoteIncomingWindow--
			s.nextOutgoingID++

		case <-s.close:
			_ = s.conn.writeFrame(s.channel, &frames.PerformEnd{})
			s.err = ErrSessionClosed
			return

		case <-s.conn.done:
			s.err = s.conn.err
			return
		}
	}
}

func (s *Session) handleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformEnd:
		debug.Log(context.Background(), slog.LevelDebug, "RX end", slog.Int("channel", int(s.channel)))
		_ = s.conn.writeFrame(s.channel, &frames.PerformEnd{})
		if fr.Error != nil {
			return &SessionError{RemoteError: fr.Error}
		}
		return ErrSessionClosed

	case *frames.PerformAttach:
		s.mu.Lock()
		l, ok := s.linksByKey[linkKey{fr.Name, oppositeRole(fr.Role)}]
		s.mu.Unlock()
		if !ok {
			if s.pendingAttaches != nil {
				select {
				case s.pendingAttaches <- fr:
				default:
					return fmt.Errorf("amqp: pending attach queue full for link %q", fr.Name)
				}
				return nil
			}
			return fmt.Errorf("amqp: attach response for unknown link %q", fr.Name)
		}
		return s.deliverToLink(l, fr)

	case *frames.PerformFlow:
		// the four session window numbers are carried on every Flow, whether or not it also
		// targets a specific link
		s.remoteIncomingWindow = fr.IncomingWindow
		s.nextIncomingID = fr.NextOutgoingID
		if fr.Handle == nil {
			return nil
		}
		s.mu.Lock()
		l, ok := s.handles[*fr.Handle]
		s.mu.Unlock()
		if !ok {
			return nil
		}
		return s.deliverToLink(l, fr)

	case *frames.PerformTransfer:
		s.mu.Lock()
		l, ok := s.handles[fr.Handle]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("amqp: transfer for unattached handle %d", fr.Handle)
		}

		s.nextIncomingID++
		if s.incomingWindowLeft > 0 {
			s.incomingWindowLeft--
		}
		if s.incomingWindowLeft == 0 {
			s.incomingWindowLeft = s.incomingWindow
			nextIncomingID := s.nextIncomingID
			flow := &frames.PerformFlow{
				NextIncomingID: &nextIncomingID,
				IncomingWindow: s.incomingWindowLeft,
				NextOutgoingID: s.nextOutgoingID,
				OutgoingWindow: s.outgoingWindow,
			}
			if err := s.conn.writeFrame(s.channel, flow); err != nil {
				return err
			}
		}

		return s.deliverToLink(l, fr)

	case *frames.PerformDisposition:
		s.mu.Lock()
		links := make([]*link, 0, len(s.handles))
		for _, l := range s.handles {
			links = append(links, l)
		}
		s.mu.Unlock()
		for _, l := range links {
			_ = s.deliverToLink(l, fr)
		}
		return nil

	case *frames.PerformDetach:
		s.mu.Lock()
		l, ok := s.handles[fr.Handle]
		s.mu.Unlock()
		if !ok {
			return nil
		}
		return s.deliverToLink(l, fr)

	default:
		return fmt.Errorf("amqp: session received unexpected frame type %T", fr)
	}
}

func (s *Session) deliverToLink(l *link, fr frames.FrameBody) error {
	select {
	case l.rx <- fr:
		return nil
	case <-l.detached:
		return nil
	}
}

func oppositeRole(r encoding.Role) encoding.Role {
	if r == encoding.RoleSender {
		return encoding.RoleReceiver
	}
	return encoding.RoleSender
}

// txFrame queues fr to be written on this session's channel by the session mux. done, when
// non-nil, is closed once fr has been handed to the mux, before it is written.
func (s *Session) txFrame(fr frames.FrameBody, done chan error) error {
	select {
	case s.tx <- fr:
		if done != nil {
			close(done)
		}
		return nil
	case <-s.done:
		return s.err
	}
}

// allocateHandle assigns l the next available handle and registers it by key and handle. It
// fails without consuming a handle if doing so would exceed the negotiated handle-max: at most
// handle-max+1 links (handles 0..handle-max) may be attached concurrently.
func (s *Session) allocateHandle(l *link) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint32(len(s.handles)) > s.handleMax {
		return 0, fmt.Errorf("amqp: cannot attach new link: session has reached its handle-max (%d)", s.handleMax)
	}

	h := s.nextHandle
	s.nextHandle++
	l.rx = make(chan frames.FrameBody, 1)
	s.handles[h] = l
	s.linksByKey[l.key] = l
	return h, nil
}

// claimHandle registers l under handle, a peer-chosen handle number, mirroring allocateHandle
// for the listener side where this package's shared handle-numbering model means the reply
// must reuse the same number the peer's Attach carried. It rejects a handle beyond handle-max
// or already in use, which a misbehaving peer could otherwise request.
func (s *Session) claimHandle(l *link, handle uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handle > s.handleMax {
		return fmt.Errorf("amqp: attach handle %d exceeds session handle-max (%d)", handle, s.handleMax)
	}
	if _, taken := s.handles[handle]; taken {
		return fmt.Errorf("amqp: attach handle %d is already in use", handle)
	}

	l.handle = handle
	l.rx = make(chan frames.FrameBody, 1)
	s.handles[handle] = l
	s.linksByKey[l.key] = l
	return nil
}

func (s *Session) deallocateHandle(h uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.handles[h]; ok {
		delete(s.linksByKey, l.key)
	}
	delete(s.handles, h)
}

// connLost notifies every link on this session that the underlying connection died.
func (s *Session) connLost(err error) {
	s.mu.Lock()
	links := make([]*link, 0, len(s.handles))
	for _, l := range s.handles {
		links = append(links, l)
	}
	s.mu.Unlock()

	s.err = &ConnectionError{inner: err}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	for _, l := range links {
		l.muxDetach(&ConnectionError{inner: err}, nil)
	}
}

// Close ends the session, detaching every link still attached to it.
func (s *Session) Close(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case <-s.close:
	default:
		close(s.close)
	}
	select {
	case <-s.done:
		if errors.Is(s.err, ErrSessionClosed) {
			return nil
		}
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewSender opens a sending link on the session targeting addr.
func (s *Session) NewSender(target string, opts *SenderOptions) (*Sender, error) {
	snd, err := newSender(target, s, opts)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := snd.attach(ctx, s); err != nil {
		return nil, err
	}
	return snd, nil
}

// NewReceiver opens a receiving link on the session sourcing from addr.
func (s *Session) NewReceiver(source string, opts *ReceiverOptions) (*Receiver, error) {
	rcv, err := newReceiver(source, s, opts)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := rcv.attach(ctx, s); err != nil {
		return nil, err
	}
	return rcv, nil
}

// SessionError is returned by links and callers when the session has ended, possibly with a
// peer-supplied error.
type SessionError struct {
	RemoteError *Error
}

func (e *SessionError) Error() string {
	if e.RemoteError == nil {
		return "amqp: session ended"
	}
	return fmt.Sprintf("amqp: session ended, reason: %+v", e.RemoteError)
}
