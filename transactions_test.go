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

func TestTransactionControllerDeclareAndDischarge(t *testing.T) {
	const txnID = "txn-1"

	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			require.NotNil(t, tt.CoordinatorTarget)
			require.Nil(t, tt.Target)
			resp := &frames.PerformAttach{
				Name:              tt.Name,
				Handle:            tt.Handle,
				Role:              oppositeRole(tt.Role),
				CoordinatorTarget: tt.CoordinatorTarget,
			}
			return mocks.EncodeFrame(mocks.FrameAMQP, resp)
		case *frames.PerformFlow:
			return nil, nil
		case *frames.PerformTransfer:
			switch v := tt.Payload; {
			case len(v) > 0:
				var msg Message
				require.NoError(t, msg.Unmarshal(buffer.New(v)))
				switch val := msg.Value.(type) {
				case *encoding.Declare:
					return mocks.PerformDisposition(*tt.DeliveryID, &encoding.StateDeclared{TransactionID: []byte(txnID)})
				case *encoding.Discharge:
					require.Equal(t, []byte(txnID), val.TransactionID)
					require.False(t, val.Fail)
					return mocks.PerformDisposition(*tt.DeliveryID, &encoding.StateAccepted{})
				default:
					return nil, fmt.Errorf("unexpected message value %T", val)
				}
			default:
				return nil, fmt.Errorf("empty transfer payload")
			}
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, true, nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	tc, err := session.NewTransactionController(nil)
	require.NoError(t, err)

	linkCredit := uint32(10)
	deliveryCount := uint32(0)
	fr, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformFlow{
		Handle:         &tc.sender.handle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &linkCredit,
		IncomingWindow: 5000, // the session window the peer's Begin announced
	})
	require.NoError(t, err)
	session.conn.net.(*mocks.MockConnection).SendFrame(fr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	gotID, err := tc.Declare(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte(txnID), gotID)

	require.NoError(t, tc.Discharge(ctx, gotID, false))
	require.NoError(t, tc.Close(ctx))
}

func TestTransactionResourceDeclareAndDischarge(t *testing.T) {
	dispositions := make(chan *frames.PerformDisposition, 4)
	_, session := newTestClientAndSession(t, func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformDisposition:
			dispositions <- tt
			return nil, nil
		case *frames.PerformAttach, *frames.PerformFlow:
			// the resource's Attach reply and its credit Flow need no answer
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	// a listener-accepted session has pendingAttaches set up by beginServer; simulate that here
	// since this session was created through the client-role bootstrap helper.
	session.pendingAttaches = make(chan *frames.PerformAttach, 1)

	const handle = uint32(7)
	attachFrame, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformAttach{
		Name:              "txn-ctl",
		Handle:            handle,
		Role:              encoding.RoleSender,
		CoordinatorTarget: &frames.Coordinator{},
	})
	require.NoError(t, err)
	session.conn.net.(*mocks.MockConnection).SendFrame(attachFrame)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tr, err := session.AcceptTransactionResource(ctx)
	require.NoError(t, err)

	sendControlTransfer(t, session, handle, 1, &encoding.Declare{})

	var declareDisp *frames.PerformDisposition
	select {
	case declareDisp = <-dispositions:
	case <-time.After(time.Second):
		t.Fatal("declare never produced a disposition")
	}
	declared, ok := declareDisp.State.(*encoding.StateDeclared)
	require.True(t, ok)
	require.NotEmpty(t, declared.TransactionID)

	committed := false
	require.NoError(t, tr.Associate(declared.TransactionID, func(commit bool) { committed = commit }))

	sendControlTransfer(t, session, handle, 2, &encoding.Discharge{TransactionID: declared.TransactionID, Fail: false})

	var dischargeDisp *frames.PerformDisposition
	select {
	case dischargeDisp = <-dispositions:
	case <-time.After(time.Second):
		t.Fatal("discharge never produced a disposition")
	}
	_, ok = dischargeDisp.State.(*encoding.StateAccepted)
	require.True(t, ok)
	require.True(t, committed)

	require.Error(t, tr.Associate(declared.TransactionID, func(bool) {}), "transaction id is discarded once discharged")
}

// sendControlTransfer pushes a single-frame Transfer carrying value as its Message.Value onto
// session's connection, as if the peer had sent it.
func sendControlTransfer(t *testing.T, session *Session, handle uint32, deliveryID uint32, value interface{}) {
	t.Helper()

	var buf buffer.Buffer
	msg := &Message{Value: value}
	require.NoError(t, msg.Marshal(&buf))

	fr, err := mocks.EncodeFrame(mocks.FrameAMQP, &frames.PerformTransfer{
		Handle:     handle,
		DeliveryID: &deliveryID,
		Payload:    buf.Detach(),
	})
	require.NoError(t, err)
	session.conn.net.(*mocks.MockConnection).SendFrame(fr)
}
