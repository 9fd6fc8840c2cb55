package amqp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgandalf/go-amqp10/internal/buffer"
	"github.com/dgandalf/go-amqp10/internal/encoding"
	"github.com/dgandalf/go-amqp10/internal/frames"
	"github.com/dgandalf/go-amqp10/internal/mocks"
	"github.com/stretchr/testify/require"
)

// applicationDataPayload encodes data as a single AMQP ApplicationData section, the shape a
// Transfer frame's raw payload bytes carry.
func applicationDataPayload(t *testing.T, data []byte) []byte {
	t.Helper()
	buf := &buffer.Buffer{}
	encoding.WriteDescriptor(buf, encoding.TypeCodeApplicationData)
	require.NoError(t, encoding.WriteBinary(buf, data))
	return buf.Detach()
}

func TestReceiverReceiveAndAutoCredit(t *testing.T) {
	var conn *mocks.MockConnection
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return attachReply(tt, ModeMixed, ModeFirst)
		case *frames.PerformFlow:
			return nil, nil
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})
	conn = session.conn.net.(*mocks.MockConnection)

	rcv, err := session.NewReceiver("source", &ReceiverOptions{Credit: 2})
	require.NoError(t, err)

	fr, err := mocks.PerformTransfer(rcv.handle, 1, []byte("hello"))
	require.NoError(t, err)
	conn.SendFrame(fr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), msg.GetData())
}

func TestReceiverManualCredit(t *testing.T) {
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

	rcv, err := session.NewReceiver("source", &ReceiverOptions{ManualCredits: true})
	require.NoError(t, err)

	require.Error(t, (&Receiver{}).IssueCredit(1), "a non-manual-credit receiver rejects IssueCredit")
	require.NoError(t, rcv.IssueCredit(5))

	select {
	case fl := <-flows:
		require.EqualValues(t, 5, *fl.LinkCredit)
	case <-time.After(time.Second):
		t.Fatal("IssueCredit never produced an outbound flow frame")
	}
}

func TestReceiverMultiFrameTransfer(t *testing.T) {
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return attachReply(tt, ModeMixed, ModeFirst)
		case *frames.PerformFlow:
			return nil, nil
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})
	conn := session.conn.net.(*mocks.MockConnection)

	rcv, err := session.NewReceiver("source", &ReceiverOptions{Credit: 2})
	require.NoError(t, err)

	payload := applicationDataPayload(t, []byte("a reassembled delivery spanning multiple transfer frames"))
	split := len(payload) / 2
	deliveryID := uint32(3)
	format := uint32(0)

	first, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformTransfer{
		Handle:        rcv.handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag"),
		MessageFormat: &format,
		More:          true,
		Payload:       payload[:split],
	})
	require.NoError(t, err)
	last, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformTransfer{
		Handle:  rcv.handle,
		Payload: payload[split:],
	})
	require.NoError(t, err)

	conn.SendFrame(first)
	conn.SendFrame(last)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("a reassembled delivery spanning multiple transfer frames"), msg.GetData())
}

func TestReceiverAbortedTransferDiscardsBytesWithoutConsumingCredit(t *testing.T) {
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return attachReply(tt, ModeMixed, ModeFirst)
		case *frames.PerformFlow:
			return nil, nil
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})
	conn := session.conn.net.(*mocks.MockConnection)

	rcv, err := session.NewReceiver("source", &ReceiverOptions{Credit: 2})
	require.NoError(t, err)

	deliveryID := uint32(1)
	aborted, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformTransfer{
		Handle:     rcv.handle,
		DeliveryID: &deliveryID,
		More:       true,
		Payload:    []byte("partial"),
	})
	require.NoError(t, err)
	abort, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformTransfer{
		Handle:  rcv.handle,
		Aborted: true,
	})
	require.NoError(t, err)

	conn.SendFrame(aborted)
	conn.SendFrame(abort)

	complete, err := mocks.PerformTransfer(rcv.handle, 2, []byte("next delivery"))
	require.NoError(t, err)
	conn.SendFrame(complete)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("next delivery"), msg.GetData())
}

func TestReceiverSettlement(t *testing.T) {
	dispositions := make(chan *frames.PerformDisposition, 4)
	var rcv *Receiver
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return attachReply(tt, ModeMixed, ModeSecond)
		case *frames.PerformFlow:
			return nil, nil
		case *frames.PerformDisposition:
			dispositions <- tt
			return nil, nil
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	var err error
	rcv, err = session.NewReceiver("source", &ReceiverOptions{
		SettlementMode: func() *ReceiverSettleMode { m := ModeSecond; return &m }(),
	})
	require.NoError(t, err)

	fr, err := mocks.PerformTransfer(rcv.handle, 7, []byte("payload"))
	require.NoError(t, err)
	session.conn.net.(*mocks.MockConnection).SendFrame(fr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, rcv.AcceptMessage(ctx, msg))

	select {
	case d := <-dispositions:
		require.Equal(t, uint32(7), d.First)
		require.IsType(t, &encoding.StateAccepted{}, d.State)
	case <-time.After(time.Second):
		t.Fatal("no disposition sent")
	}
}
