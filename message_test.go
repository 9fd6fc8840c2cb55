package amqp

import (
	"testing"
	"time"

	"github.com/dgandalf/go-amqp10/internal/buffer"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTripDataBody(t *testing.T) {
	msg := &Message{
		Header: &MessageHeader{
			Durable:  true,
			Priority: 4,
			TTL:      30 * time.Second,
		},
		Properties: &MessageProperties{
			MessageID:   "msg-1",
			To:          "queue1",
			ContentType: "application/json",
		},
		ApplicationProperties: map[string]interface{}{
			"x-custom": int32(42),
		},
		Data: [][]byte{[]byte("hello world")},
	}

	buf := &buffer.Buffer{}
	require.NoError(t, msg.Marshal(buf))

	var got Message
	require.NoError(t, got.Unmarshal(buffer.New(buf.Detach())))

	require.NotNil(t, got.Header)
	require.True(t, got.Header.Durable)
	require.EqualValues(t, 4, got.Header.Priority)
	require.Equal(t, 30*time.Second, got.Header.TTL)

	require.NotNil(t, got.Properties)
	require.Equal(t, "msg-1", got.Properties.MessageID)
	require.Equal(t, "queue1", got.Properties.To)
	require.Equal(t, "application/json", got.Properties.ContentType)

	require.EqualValues(t, 42, got.ApplicationProperties["x-custom"])
	require.Equal(t, []byte("hello world"), got.GetData())
}

func TestMessageRoundTripAnnotationsAndFooter(t *testing.T) {
	msg := &Message{
		MessageAnnotations: Annotations{"x-opt-key": "value"},
		Footer:             Annotations{"x-trailer": int32(1)},
		Data:               [][]byte{[]byte("body")},
	}

	buf := &buffer.Buffer{}
	require.NoError(t, msg.Marshal(buf))

	var got Message
	require.NoError(t, got.Unmarshal(buffer.New(buf.Detach())))

	require.Equal(t, "value", got.MessageAnnotations["x-opt-key"])
	require.EqualValues(t, 1, got.Footer["x-trailer"])
}

func TestNewMessageSingleDataSection(t *testing.T) {
	msg := NewMessage([]byte("payload"))
	require.Equal(t, []byte("payload"), msg.GetData())
}
