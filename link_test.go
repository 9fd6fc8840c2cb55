package amqp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgandalf/go-amqp10/internal/encoding"
	"github.com/dgandalf/go-amqp10/internal/frames"
	"github.com/dgandalf/go-amqp10/internal/mocks"
	"github.com/stretchr/testify/require"
)

func TestSenderSettleModeValueDefault(t *testing.T) {
	require.Equal(t, ModeMixed, senderSettleModeValue(nil))
	m := ModeSettled
	require.Equal(t, ModeSettled, senderSettleModeValue(&m))
}

func TestReceiverSettleModeValueDefault(t *testing.T) {
	require.Equal(t, ModeFirst, receiverSettleModeValue(nil))
	m := ModeSecond
	require.Equal(t, ModeSecond, receiverSettleModeValue(&m))
}

func TestLinkAttachAndCloseHandshake(t *testing.T) {
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return attachReply(tt, ModeMixed, ModeFirst)
		case *frames.PerformDetach:
			require.True(t, tt.Closed)
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	snd, err := session.NewSender("addr", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.closeLink(ctx))

	// closing twice is a no-op, not a second detach round-trip
	require.NoError(t, snd.closeLink(ctx))
}

func TestLinkAttachUnexpectedResponse(t *testing.T) {
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *frames.PerformAttach:
			// reply with the wrong performative type
			return mocks.PerformEnd(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	snd, err := session.NewSender("addr", nil)
	require.Error(t, err)
	require.Nil(t, snd)
}

func TestLinkDetachedByPeer(t *testing.T) {
	var handle uint32
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			handle = tt.Handle
			return attachReply(tt, ModeMixed, ModeFirst)
		case *frames.PerformDetach:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	snd, err := session.NewSender("addr", nil)
	require.NoError(t, err)

	detach, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformDetach{
		Handle: handle,
		Closed: true,
		Error:  &encoding.Error{Condition: encoding.ErrCondDetachForced},
	})
	require.NoError(t, err)
	session.conn.net.(*mocks.MockConnection).SendFrame(detach)

	select {
	case <-snd.detached:
		var detachErr *DetachError
		require.ErrorAs(t, snd.err, &detachErr)
	case <-time.After(time.Second):
		t.Fatal("link never detached")
	}
}
