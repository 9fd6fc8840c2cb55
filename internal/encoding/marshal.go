package encoding

import (
	"fmt"
	"math"
	"time"

	"github.com/dgandalf/go-amqp10/internal/buffer"
)

// Marshaler is implemented by any type that knows how to encode itself onto a Buffer.
type Marshaler interface {
	Marshal(wr *buffer.Buffer) error
}

// Field is one positional field of a composite list, paired with whether it may be elided
// because it and every field after it are at their wire default.
type Field struct {
	Value interface{}
	Omit  bool
}

// Marshal encodes v onto wr, dispatching on v's concrete type.
func Marshal(wr *buffer.Buffer, v interface{}) error {
	switch v := v.(type) {
	case nil:
		wr.AppendByte(byte(TypeCodeNull))
		return nil
	case bool:
		return writeBool(wr, v)
	case *bool:
		return writeBool(wr, *v)
	case uint8:
		return writeUbyte(wr, v)
	case *uint8:
		return writeUbyte(wr, *v)
	case uint16:
		return writeUshort(wr, v)
	case *uint16:
		return writeUshort(wr, *v)
	case uint32:
		return writeUint32(wr, v)
	case *uint32:
		return writeUint32(wr, *v)
	case uint64:
		return writeUint64(wr, v)
	case *uint64:
		return writeUint64(wr, *v)
	case int8:
		return writeByte(wr, v)
	case *int8:
		return writeByte(wr, *v)
	case int16:
		return writeShort(wr, v)
	case *int16:
		return writeShort(wr, *v)
	case int32:
		return writeInt32(wr, v)
	case *int32:
		return writeInt32(wr, *v)
	case int:
		return writeInt64(wr, int64(v))
	case int64:
		return writeInt64(wr, v)
	case *int64:
		return writeInt64(wr, *v)
	case float32:
		return writeFloat(wr, v)
	case float64:
		return writeDouble(wr, v)
	case string:
		return WriteString(wr, v)
	case *string:
		return WriteString(wr, *v)
	case []byte:
		return WriteBinary(wr, v)
	case Symbol:
		return writeSymbol(wr, v)
	case *Symbol:
		return writeSymbol(wr, *v)
	case []Symbol:
		return writeSymbolArray(wr, v)
	case Milliseconds:
		wr.AppendByte(byte(TypeCodeUint))
		wr.AppendUint32(uint32(time.Duration(v) / time.Millisecond))
		return nil
	case time.Time:
		return writeTimestamp(wr, v)
	case UUID:
		return writeUUID(wr, v)
	case *UUID:
		return writeUUID(wr, *v)
	case ErrCond:
		return writeSymbol(wr, Symbol(v))
	case *ErrCond:
		return writeSymbol(wr, Symbol(*v))
	case Role:
		return writeBool(wr, bool(v))
	case SenderSettleMode:
		return writeUbyte(wr, uint8(v))
	case *SenderSettleMode:
		return writeUbyte(wr, uint8(*v))
	case ReceiverSettleMode:
		return writeUbyte(wr, uint8(v))
	case *ReceiverSettleMode:
		return writeUbyte(wr, uint8(*v))
	case Durability:
		return writeUint32(wr, uint32(v))
	case ExpiryPolicy:
		return writeSymbol(wr, Symbol(v))
	case map[string]interface{}:
		return writeMap(wr, v)
	case map[Symbol]interface{}:
		return writeMap(wr, v)
	case map[interface{}]interface{}:
		return writeMap(wr, v)
	case Marshaler:
		return v.Marshal(wr)
	default:
		return fmt.Errorf("encoding: marshal not implemented for type %T", v)
	}
}

func writeBool(wr *buffer.Buffer, b bool) error {
	if b {
		wr.AppendByte(byte(TypeCodeBoolTrue))
	} else {
		wr.AppendByte(byte(TypeCodeBoolFalse))
	}
	return nil
}

func writeUbyte(wr *buffer.Buffer, v uint8) error {
	wr.AppendByte(byte(TypeCodeUbyte))
	wr.AppendByte(v)
	return nil
}

func writeByte(wr *buffer.Buffer, v int8) error {
	wr.AppendByte(byte(TypeCodeByte))
	wr.AppendByte(byte(v))
	return nil
}

func writeUshort(wr *buffer.Buffer, v uint16) error {
	wr.AppendByte(byte(TypeCodeUshort))
	wr.AppendUint16(v)
	return nil
}

func writeShort(wr *buffer.Buffer, v int16) error {
	wr.AppendByte(byte(TypeCodeShort))
	wr.AppendUint16(uint16(v))
	return nil
}

// writeUint32 picks the smallest legal encoding for v.
func writeUint32(wr *buffer.Buffer, v uint32) error {
	switch {
	case v == 0:
		wr.AppendByte(byte(TypeCodeUint0))
	case v <= math.MaxUint8:
		wr.AppendByte(byte(TypeCodeSmallUint))
		wr.AppendByte(byte(v))
	default:
		wr.AppendByte(byte(TypeCodeUint))
		wr.AppendUint32(v)
	}
	return nil
}

// writeUint64 picks the smallest legal encoding for v.
func writeUint64(wr *buffer.Buffer, v uint64) error {
	switch {
	case v == 0:
		wr.AppendByte(byte(TypeCodeUlong0))
	case v <= math.MaxUint8:
		wr.AppendByte(byte(TypeCodeSmallUlong))
		wr.AppendByte(byte(v))
	default:
		wr.AppendByte(byte(TypeCodeUlong))
		wr.AppendUint64(v)
	}
	return nil
}

func writeInt32(wr *buffer.Buffer, v int32) error {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		wr.AppendByte(byte(TypeCodeSmallint))
		wr.AppendByte(byte(v))
		return nil
	}
	wr.AppendByte(byte(TypeCodeInt))
	wr.AppendUint32(uint32(v))
	return nil
}

func writeInt64(wr *buffer.Buffer, v int64) error {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		wr.AppendByte(byte(TypeCodeSmalllong))
		wr.AppendByte(byte(v))
		return nil
	}
	wr.AppendByte(byte(TypeCodeLong))
	wr.AppendUint64(uint64(v))
	return nil
}

func writeFloat(wr *buffer.Buffer, v float32) error {
	wr.AppendByte(byte(TypeCodeFloat))
	wr.AppendUint32(math.Float32bits(v))
	return nil
}

func writeDouble(wr *buffer.Buffer, v float64) error {
	wr.AppendByte(byte(TypeCodeDouble))
	wr.AppendUint64(math.Float64bits(v))
	return nil
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) error {
	wr.AppendByte(byte(TypeCodeTimestamp))
	ms := t.UnixNano() / int64(time.Millisecond)
	wr.AppendUint64(uint64(ms))
	return nil
}

func writeUUID(wr *buffer.Buffer, u UUID) error {
	wr.AppendByte(byte(TypeCodeUUID))
	wr.Append(u[:])
	return nil
}

// WriteString writes s using the smallest legal str8/str32 encoding.
func WriteString(wr *buffer.Buffer, s string) error {
	l := len(s)
	switch {
	case l <= math.MaxUint8:
		wr.AppendByte(byte(TypeCodeStr8))
		wr.AppendByte(byte(l))
	default:
		wr.AppendByte(byte(TypeCodeStr32))
		wr.AppendUint32(uint32(l))
	}
	wr.AppendString(s)
	return nil
}

func writeSymbol(wr *buffer.Buffer, s Symbol) error {
	l := len(s)
	switch {
	case l <= math.MaxUint8:
		wr.AppendByte(byte(TypeCodeSym8))
		wr.AppendByte(byte(l))
	default:
		wr.AppendByte(byte(TypeCodeSym32))
		wr.AppendUint32(uint32(l))
	}
	wr.AppendString(string(s))
	return nil
}

// WriteBinary writes b using the smallest legal vbin8/vbin32 encoding.
func WriteBinary(wr *buffer.Buffer, b []byte) error {
	l := len(b)
	switch {
	case l <= math.MaxUint8:
		wr.AppendByte(byte(TypeCodeVbin8))
		wr.AppendByte(byte(l))
	default:
		wr.AppendByte(byte(TypeCodeVbin32))
		wr.AppendUint32(uint32(l))
	}
	wr.Append(b)
	return nil
}

// writeSymbolArray writes a single-element-type array of symbols, used for capability lists.
func writeSymbolArray(wr *buffer.Buffer, a []Symbol) error {
	if len(a) == 0 {
		wr.AppendByte(byte(TypeCodeNull))
		return nil
	}
	wr.AppendByte(byte(TypeCodeArray32))
	sizeIdx := wr.Size()
	wr.AppendUint32(0)
	wr.AppendUint32(uint32(len(a)))
	wr.AppendByte(byte(TypeCodeSym32)) // element constructor: always size-prefixed form in arrays
	for _, s := range a {
		wr.AppendUint32(uint32(len(s)))
		wr.AppendString(string(s))
	}
	b := wr.Detach()
	size := uint32(len(b) - sizeIdx - 4)
	b[sizeIdx] = byte(size >> 24)
	b[sizeIdx+1] = byte(size >> 16)
	b[sizeIdx+2] = byte(size >> 8)
	b[sizeIdx+3] = byte(size)
	wr.Append(b)
	return nil
}

// WriteDescriptor writes a numeric-code descriptor for a composite type.
func WriteDescriptor(wr *buffer.Buffer, code TypeCode) {
	wr.AppendByte(0x00) // descriptor constructor
	_ = writeUint64(wr, uint64(code))
}

func writeMapHeader(wr *buffer.Buffer, entries int, placeholder int) (fixup func()) {
	wr.AppendByte(byte(TypeCodeMap32))
	sizeIdx := wr.Size()
	wr.AppendUint32(0)
	countIdx := wr.Size()
	wr.AppendUint32(uint32(entries))
	return func() {
		b := wr.Detach()
		size := uint32(len(b) - sizeIdx - 4)
		_ = countIdx
		b[sizeIdx] = byte(size >> 24)
		b[sizeIdx+1] = byte(size >> 16)
		b[sizeIdx+2] = byte(size >> 8)
		b[sizeIdx+3] = byte(size)
		wr.Append(b)
	}
}

func writeMap(wr *buffer.Buffer, m interface{}) error {
	switch m := m.(type) {
	case map[string]interface{}:
		fixup := writeMapHeader(wr, len(m)*2, 0)
		for k, v := range m {
			if err := WriteString(wr, k); err != nil {
				return err
			}
			if err := Marshal(wr, v); err != nil {
				return err
			}
		}
		fixup()
		return nil
	case map[Symbol]interface{}:
		fixup := writeMapHeader(wr, len(m)*2, 0)
		for k, v := range m {
			if err := writeSymbol(wr, k); err != nil {
				return err
			}
			if err := Marshal(wr, v); err != nil {
				return err
			}
		}
		fixup()
		return nil
	case map[interface{}]interface{}:
		fixup := writeMapHeader(wr, len(m)*2, 0)
		for k, v := range m {
			if err := Marshal(wr, k); err != nil {
				return err
			}
			if err := Marshal(wr, v); err != nil {
				return err
			}
		}
		fixup()
		return nil
	default:
		return fmt.Errorf("encoding: writeMap not implemented for type %T", m)
	}
}

// MarshalComposite encodes a composite (described list) value: the descriptor, followed by a
// list whose trailing null fields are elided per the AMQP composite encoding rule.
func MarshalComposite(wr *buffer.Buffer, code TypeCode, fields []Field) error {
	WriteDescriptor(wr, code)

	// trim trailing omitted fields
	last := len(fields)
	for last > 0 && fields[last-1].Omit {
		last--
	}
	fields = fields[:last]

	if len(fields) == 0 {
		wr.AppendByte(byte(TypeCodeList0))
		return nil
	}

	wr.AppendByte(byte(TypeCodeList32))
	sizeIdx := wr.Size()
	wr.AppendUint32(0)
	wr.AppendUint32(uint32(len(fields)))

	for _, f := range fields {
		if f.Omit {
			wr.AppendByte(byte(TypeCodeNull))
			continue
		}
		if err := Marshal(wr, f.Value); err != nil {
			return err
		}
	}

	b := wr.Detach()
	size := uint32(len(b) - sizeIdx - 4)
	b[sizeIdx] = byte(size >> 24)
	b[sizeIdx+1] = byte(size >> 16)
	b[sizeIdx+2] = byte(size >> 8)
	b[sizeIdx+3] = byte(size)
	wr.Append(b)
	return nil
}
