package amqp

import (
	"fmt"
	"math"
	"testing"

	"github.com/dgandalf/go-amqp10/internal/encoding"
	"github.com/dgandalf/go-amqp10/internal/frames"
	"github.com/dgandalf/go-amqp10/internal/mocks"
	"github.com/stretchr/testify/require"
)

// basicResponder replies to the connection/session bootstrap frames every test needs
// (protocol header, Open, Begin) and delegates anything else to next.
func basicResponder(t *testing.T, next func(req frames.FrameBody) ([]byte, error)) func(frames.FrameBody) ([]byte, error) {
	return func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("test-peer")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformEnd:
			return mocks.PerformEnd(nil)
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		}
		if next == nil {
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
		return next(req)
	}
}

// newTestClientAndSession dials a mock connection through the full handshake and opens a
// single session on it, using resp for every frame the bootstrap doesn't already answer.
func newTestClientAndSession(t *testing.T, resp func(frames.FrameBody) ([]byte, error)) (*Client, *Session) {
	t.Helper()

	netConn := mocks.NewNetConn(basicResponder(t, resp))
	client, err := New(netConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	session, err := client.NewSession()
	require.NoError(t, err)

	return client, session
}

// attachReply builds a PerformAttach response frame mirroring what a well-behaved peer
// would send back for req, with role flipped to the opposite side.
func attachReply(req *frames.PerformAttach, ssm encoding.SenderSettleMode, rsm encoding.ReceiverSettleMode) ([]byte, error) {
	resp := &frames.PerformAttach{
		Name:               req.Name,
		Handle:             req.Handle,
		Role:               oppositeRole(req.Role),
		SenderSettleMode:   &ssm,
		ReceiverSettleMode: &rsm,
		Source:             req.Source,
		Target:             req.Target,
		MaxMessageSize:     math.MaxUint32,
	}
	return mocks.EncodeFrame(mocks.FrameAMQP, resp)
}
