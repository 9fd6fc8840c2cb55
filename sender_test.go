package amqp

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgandalf/go-amqp10/internal/encoding"
	"github.com/dgandalf/go-amqp10/internal/frames"
	"github.com/dgandalf/go-amqp10/internal/mocks"
	"github.com/stretchr/testify/require"
)

func TestSenderInvalidOptions(t *testing.T) {
	_, session := newTestClientAndSession(t, nil)

	bad := SenderSettleMode(3)
	snd, err := session.NewSender("target", &SenderOptions{SettlementMode: &bad})
	require.Error(t, err)
	require.Nil(t, snd)
}

func TestSenderAttachAndClose(t *testing.T) {
	var attached atomic.Bool
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			require.Equal(t, DurabilityUnsettledState, tt.Source.Durable)
			require.Equal(t, ExpiryNever, tt.Source.ExpiryPolicy)
			require.EqualValues(t, 300, tt.Source.Timeout)
			attached.Store(true)
			return attachReply(tt, ModeMixed, ModeFirst)
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	const (
		linkAddr = "addr1"
		linkName = "test1"
	)
	snd, err := session.NewSender(linkAddr, &SenderOptions{
		Name:          linkName,
		Durability:    DurabilityUnsettledState,
		ExpiryPolicy:  ExpiryNever,
		ExpiryTimeout: 300,
	})
	require.NoError(t, err)
	require.True(t, attached.Load())
	require.Equal(t, linkAddr, snd.Address())
	require.Equal(t, linkName, snd.LinkName())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Close(ctx))
}

func TestSenderSendSettled(t *testing.T) {
	var gotTransfer atomic.Bool
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return attachReply(tt, ModeSettled, ModeFirst)
		case *frames.PerformFlow:
			return nil, nil
		case *frames.PerformTransfer:
			gotTransfer.Store(true)
			require.False(t, tt.More)
			require.True(t, tt.Settled)
			return nil, nil
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	snd, err := session.NewSender("addr", &SenderOptions{})
	require.NoError(t, err)

	// sender has no link credit until the peer flows some; simulate an unsolicited flow.
	linkCredit := uint32(10)
	deliveryCount := uint32(0)
	fr, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformFlow{
		Handle:         &snd.handle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &linkCredit,
		IncomingWindow: 5000, // the session window the peer's Begin announced
	})
	require.NoError(t, err)
	session.conn.net.(*mocks.MockConnection).SendFrame(fr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Send(ctx, NewMessage([]byte("hello"))))
	require.Eventually(t, gotTransfer.Load, time.Second, 10*time.Millisecond)
}

func TestSenderDrainAdvancesDeliveryCountAndEchoesZeroCredit(t *testing.T) {
	flows := make(chan *frames.PerformFlow, 4)
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return attachReply(tt, ModeMixed, ModeFirst)
		case *frames.PerformFlow:
			flows <- tt
			return nil, nil
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	snd, err := session.NewSender("addr", &SenderOptions{})
	require.NoError(t, err)

	linkCredit := uint32(10)
	deliveryCount := uint32(0)
	fr, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformFlow{
		Handle:        &snd.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit,
		Drain:         true,
	})
	require.NoError(t, err)
	session.conn.net.(*mocks.MockConnection).SendFrame(fr)

	select {
	case echoed := <-flows:
		require.True(t, echoed.Drain)
		require.EqualValues(t, 0, *echoed.LinkCredit)
		require.EqualValues(t, 10, *echoed.DeliveryCount)
	case <-time.After(time.Second):
		t.Fatal("drain never echoed a zero-credit flow")
	}
}

func TestSenderSendRejected(t *testing.T) {
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return attachReply(tt, ModeUnsettled, ModeFirst)
		case *frames.PerformTransfer:
			return mocks.PerformDisposition(*tt.DeliveryID, &encoding.StateRejected{
				Error: &Error{Condition: encoding.ErrCondMessageSizeExceeded, Description: "too big"},
			})
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	snd, err := session.NewSender("addr", &SenderOptions{})
	require.NoError(t, err)

	linkCredit := uint32(10)
	deliveryCount := uint32(0)
	fr, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformFlow{
		Handle:         &snd.handle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &linkCredit,
		IncomingWindow: 5000, // the session window the peer's Begin announced
	})
	require.NoError(t, err)
	session.conn.net.(*mocks.MockConnection).SendFrame(fr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = snd.Send(ctx, NewMessage([]byte("hello")))
	require.Error(t, err)
	var detachErr *DetachError
	require.ErrorAs(t, err, &detachErr)
}
