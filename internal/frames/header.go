// Package frames implements the AMQP 1.0 frame header and performative bodies: the types
// exchanged once the byte stream has been segmented into frames by the connection layer.
package frames

import (
	"fmt"

	"github.com/dgandalf/go-amqp10/internal/buffer"
)

// AMQP frame types, carried in the frame header's type byte.
const (
	TypeAMQP uint8 = 0x0
	TypeSASL uint8 = 0x1
)

// HeaderSize is the fixed 8-byte size of a frame header.
const HeaderSize = 8

// Header is the fixed 8-byte prefix of every frame.
type Header struct {
	// Size is the total frame size, including this header, in bytes.
	Size uint32
	// DataOffset is the position of the frame body, in 4-byte words; always >= 2.
	DataOffset uint8
	FrameType  uint8
	Channel    uint16
}

func (h Header) Marshal(wr *buffer.Buffer) error {
	wr.AppendUint32(h.Size)
	wr.AppendByte(h.DataOffset)
	wr.AppendByte(h.FrameType)
	wr.AppendUint16(h.Channel)
	return nil
}

// ParseHeader reads and validates a frame header from buf.
func ParseHeader(buf *buffer.Buffer) (Header, error) {
	size, err := buf.ReadUint32()
	if err != nil {
		return Header{}, err
	}
	doff, err := buf.ReadByte()
	if err != nil {
		return Header{}, err
	}
	typ, err := buf.ReadByte()
	if err != nil {
		return Header{}, err
	}
	channel, err := buf.ReadUint16()
	if err != nil {
		return Header{}, err
	}
	if size < HeaderSize {
		return Header{}, fmt.Errorf("frames: invalid header, size %d is less than minimum %d", size, HeaderSize)
	}
	if doff < 2 {
		return Header{}, fmt.Errorf("frames: invalid header, data offset %d is less than minimum 2", doff)
	}
	return Header{Size: size, DataOffset: doff, FrameType: typ, Channel: channel}, nil
}

// FrameBody is implemented by every performative (AMQP and SASL).
type FrameBody interface {
	frameBody()
}
