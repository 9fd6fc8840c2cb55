package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgandalf/go-amqp10/internal/debug"
	"github.com/dgandalf/go-amqp10/internal/encoding"
	"github.com/dgandalf/go-amqp10/internal/frames"
)

// maxTransferFrameHeader is a conservative estimate of a transfer frame's non-payload bytes,
// used to decide how much of a message's encoded bytes fit in one outgoing frame.
const maxTransferFrameHeader = 66

// linkKey identifies a link within its session: its name plus which end it is, since a sender
// and a receiver may legitimately share a link name.
type linkKey struct {
	name string
	role encoding.Role
}

// link holds the state and negotiation logic shared by Sender and Receiver. It is always
// embedded, never used standalone.
type link struct {
	key     linkKey
	session *Session
	handle  uint32

	source *frames.Source
	target *frames.Target

	dynamicAddr bool

	senderSettleMode   *encoding.SenderSettleMode
	receiverSettleMode *encoding.ReceiverSettleMode
	maxMessageSize     uint64
	properties         map[encoding.Symbol]interface{}

	linkCredit    uint32
	deliveryCount uint32

	rx chan frames.FrameBody

	close    chan struct{} // closed to request the mux to shut down
	detached chan struct{} // closed once the mux has torn down
	err      error         // valid once detached is closed
}

// closeLink requests the link's mux stop and waits for the shutdown handshake, or for ctx to
// expire first.
func (l *link) closeLink(ctx context.Context) error {
	select {
	case <-l.detached:
		if errors.Is(l.err, ErrLinkClosed) {
			return nil
		}
		return l.err
	default:
	}

	if err := l.session.txFrame(&frames.PerformDetach{
		Handle: l.handle,
		Closed: true,
	}, nil); err != nil {
		return err
	}

	select {
	case <-l.close:
	default:
		close(l.close)
	}

	select {
	case <-l.detached:
		if errors.Is(l.err, ErrLinkClosed) {
			return nil
		}
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attachLink sends a PerformAttach built from the link's current state (after applying
// beforeSend, e.g. to set Role), then waits for the peer's reply, adopts any settle modes the
// reply carries, and applies afterReceive to incorporate whatever else it negotiated
// differently (e.g. a dynamic address).
func (l *link) attachLink(ctx context.Context, s *Session, beforeSend, afterReceive func(*frames.PerformAttach)) error {
	l.session = s
	handle, err := s.allocateHandle(l)
	if err != nil {
		return err
	}
	l.handle = handle

	attach := &frames.PerformAttach{
		Name:                l.key.name,
		Handle:              l.handle,
		SenderSettleMode:    l.senderSettleMode,
		ReceiverSettleMode:  l.receiverSettleMode,
		Source:              l.source,
		Target:              l.target,
		MaxMessageSize:      l.maxMessageSize,
		Properties:          l.properties,
		InitialDeliveryCount: l.deliveryCount,
	}
	if beforeSend != nil {
		beforeSend(attach)
	}
	l.senderSettleMode = attach.SenderSettleMode
	l.receiverSettleMode = attach.ReceiverSettleMode

	if err := s.txFrame(attach, nil); err != nil {
		return err
	}

	var fr frames.FrameBody
	select {
	case fr = <-l.rx:
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}

	resp, ok := fr.(*frames.PerformAttach)
	if !ok {
		return fmt.Errorf("amqp: expected attach response, got %T", fr)
	}

	if resp.MaxMessageSize != 0 && (l.maxMessageSize == 0 || resp.MaxMessageSize < l.maxMessageSize) {
		l.maxMessageSize = resp.MaxMessageSize
	}
	if resp.SenderSettleMode != nil {
		l.senderSettleMode = resp.SenderSettleMode
	}
	if resp.ReceiverSettleMode != nil {
		l.receiverSettleMode = resp.ReceiverSettleMode
	}
	if resp.Role == encoding.RoleSender {
		l.deliveryCount = resp.InitialDeliveryCount
	}
	if afterReceive != nil {
		afterReceive(resp)
	}

	return nil
}

// muxHandleFrame applies behavior common to sender and receiver links; link-type-specific mux
// loops fall through to this for any frame they don't handle themselves.
func (l *link) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformDetach:
		debug.Log(context.Background(), slog.LevelDebug, "RX detach", slog.String("link", l.key.name))
		if !fr.Closed {
			return &DetachError{fr.Error}
		}
		_ = l.session.txFrame(&frames.PerformDetach{Handle: l.handle, Closed: true}, nil)
		if fr.Error != nil {
			return &DetachError{fr.Error}
		}
		return ErrLinkClosed
	default:
		return fmt.Errorf("amqp: link received unexpected frame type %T", fr)
	}
}

// muxDetach finalizes link shutdown: deregisters the handle from the session, records the
// terminal error (preferring the one already set by the mux loop), and signals detached.
func (l *link) muxDetach(err error, _ *frames.PerformDetach) {
	select {
	case <-l.detached:
		return
	default:
	}

	if l.err == nil {
		l.err = err
	}
	if l.err == nil {
		l.err = ErrLinkClosed
	}

	l.session.deallocateHandle(l.handle)
	close(l.detached)
}

func senderSettleModeValue(m *encoding.SenderSettleMode) encoding.SenderSettleMode {
	if m == nil {
		return ModeMixed
	}
	return *m
}

func receiverSettleModeValue(m *encoding.ReceiverSettleMode) encoding.ReceiverSettleMode {
	if m == nil {
		return ModeFirst
	}
	return *m
}
