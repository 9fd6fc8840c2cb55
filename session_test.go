package amqp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgandalf/go-amqp10/internal/frames"
	"github.com/dgandalf/go-amqp10/internal/mocks"
	"github.com/stretchr/testify/require"
)

func TestSessionHandleMaxRejectsOverAttach(t *testing.T) {
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return attachReply(tt, ModeMixed, ModeFirst)
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	// basicResponder's Begin reply carries handle-max = math.MaxInt16, so bound the session's
	// own handle-max down to where only two links (handles 0 and 1) fit.
	session.handleMax = 1

	snd1, err := session.NewSender("addr1", &SenderOptions{})
	require.NoError(t, err)
	snd2, err := session.NewSender("addr2", &SenderOptions{})
	require.NoError(t, err)

	snd3, err := session.NewSender("addr3", &SenderOptions{})
	require.Error(t, err)
	require.Nil(t, snd3)

	require.Len(t, session.handles, 2)
	require.Equal(t, uint32(0), snd1.handle)
	require.Equal(t, uint32(1), snd2.handle)
}

func TestSessionOutgoingTransferBlocksOnZeroRemoteWindow(t *testing.T) {
	flows := make(chan *frames.PerformFlow, 4)
	transfers := make(chan *frames.PerformTransfer, 4)
	netConn := mocks.NewNetConn(func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("test-peer")
		case *frames.PerformBegin:
			// declare zero incoming-window: the session must not send a Transfer until a
			// Flow replenishes it.
			return mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformBegin{
				RemoteChannel:  ref(uint16(0)),
				NextOutgoingID: 1,
				IncomingWindow: 0,
				OutgoingWindow: 1000,
				HandleMax:      1000,
			})
		case *frames.PerformAttach:
			return attachReply(tt, ModeSettled, ModeFirst)
		case *frames.PerformFlow:
			flows <- tt
			return nil, nil
		case *frames.PerformTransfer:
			transfers <- tt
			return nil, nil
		case *frames.PerformEnd:
			return mocks.PerformEnd(nil)
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	client, err := New(netConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	session, err := client.NewSession()
	require.NoError(t, err)

	snd, err := session.NewSender("addr", &SenderOptions{})
	require.NoError(t, err)

	// grant the sender its own link-credit so only the session window can be blocking it
	linkCredit := uint32(10)
	deliveryCount := uint32(0)
	fr, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformFlow{
		Handle:        &snd.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit,
	})
	require.NoError(t, err)
	session.conn.net.(*mocks.MockConnection).SendFrame(fr)

	sendDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		sendDone <- snd.Send(ctx, NewMessage([]byte("blocked")))
	}()

	select {
	case err := <-sendDone:
		require.Error(t, err, "send must block while remote-incoming-window is zero")
	case <-time.After(500 * time.Millisecond):
		t.Fatal("send goroutine never returned")
	}
	select {
	case <-transfers:
		t.Fatal("transfer was written to the wire despite a zero remote-incoming-window")
	default:
	}

	// replenish the session window by 2: one credit drains the abandoned first transfer that
	// the sender's mux is still retrying in the background, the other lets the new send through.
	sessionIncomingWindow := uint32(2)
	nextIncomingID := uint32(1)
	windowFlow, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformFlow{
		NextIncomingID: &nextIncomingID,
		IncomingWindow: sessionIncomingWindow,
		NextOutgoingID: 0,
		OutgoingWindow: 1000,
	})
	require.NoError(t, err)
	session.conn.net.(*mocks.MockConnection).SendFrame(windowFlow)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Send(ctx, NewMessage([]byte("unblocked"))))

	select {
	case <-transfers:
	case <-time.After(time.Second):
		t.Fatal("transfer never reached the wire after the window was replenished")
	}
}

func ref[T any](v T) *T { return &v }
