// Package buffer provides the byte cursor used by internal/encoding and internal/frames
// to read and write the AMQP wire format. It owns no AMQP semantics of its own.
package buffer

import "errors"

// Buffer is a growable byte cursor with independent read and write positions.
// The zero value is an empty, ready-to-use Buffer.
type Buffer struct {
	b   []byte
	off int
}

// New creates a Buffer wrapping buf. Writes append past len(buf); reads start at index 0.
func New(buf []byte) *Buffer {
	return &Buffer{b: buf}
}

// Detach returns the buffer's backing slice and resets the Buffer to empty.
// The caller takes ownership of the returned slice.
func (b *Buffer) Detach() []byte {
	out := b.b
	b.b = nil
	b.off = 0
	return out
}

// Reset discards all unread bytes and resets the write position to zero.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.off = 0
}

// Bytes returns the unread portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.b[b.off:]
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

// Size returns the total number of bytes written to the buffer, read or not.
func (b *Buffer) Size() int {
	return len(b.b)
}

// Append appends p to the buffer.
func (b *Buffer) Append(p []byte) {
	b.b = append(b.b, p...)
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(v byte) {
	b.b = append(b.b, v)
}

// AppendString appends s as raw bytes, with no length prefix.
func (b *Buffer) AppendString(s string) {
	b.b = append(b.b, s...)
}

// AppendUint16 appends v in network byte order.
func (b *Buffer) AppendUint16(v uint16) {
	b.b = append(b.b, byte(v>>8), byte(v))
}

// AppendUint32 appends v in network byte order.
func (b *Buffer) AppendUint32(v uint32) {
	b.b = append(b.b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// AppendUint64 appends v in network byte order.
func (b *Buffer) AppendUint64(v uint64) {
	b.b = append(b.b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// ReadByte consumes and returns the next byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, errors.New("buffer: insufficient bytes to read byte")
	}
	v := b.b[b.off]
	b.off++
	return v, nil
}

// PeekByte returns the next byte without consuming it.
func (b *Buffer) PeekByte() (byte, error) {
	if b.Len() < 1 {
		return 0, errors.New("buffer: insufficient bytes to peek byte")
	}
	return b.b[b.off], nil
}

// ReadUint16 consumes and returns the next two bytes as a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Len() < 2 {
		return 0, errors.New("buffer: insufficient bytes to read uint16")
	}
	v := uint16(b.b[b.off])<<8 | uint16(b.b[b.off+1])
	b.off += 2
	return v, nil
}

// ReadUint32 consumes and returns the next four bytes as a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Len() < 4 {
		return 0, errors.New("buffer: insufficient bytes to read uint32")
	}
	v := uint32(b.b[b.off])<<24 | uint32(b.b[b.off+1])<<16 | uint32(b.b[b.off+2])<<8 | uint32(b.b[b.off+3])
	b.off += 4
	return v, nil
}

// ReadUint64 consumes and returns the next eight bytes as a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Len() < 8 {
		return 0, errors.New("buffer: insufficient bytes to read uint64")
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b.b[b.off+i])
	}
	b.off += 8
	return v, nil
}

// Next consumes and returns the next n bytes. ok is false if fewer than n bytes remain.
func (b *Buffer) Next(n int64) (buf []byte, ok bool) {
	if int64(b.Len()) < n {
		return nil, false
	}
	buf = b.b[b.off : b.off+int(n)]
	b.off += int(n)
	return buf, true
}

// Skip advances the read position by n bytes without returning them.
func (b *Buffer) Skip(n int) error {
	if b.Len() < n {
		return errors.New("buffer: insufficient bytes to skip")
	}
	b.off += n
	return nil
}
