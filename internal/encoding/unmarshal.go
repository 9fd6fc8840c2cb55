package encoding

import (
	"fmt"
	"time"

	"github.com/dgandalf/go-amqp10/internal/buffer"
)

// Unmarshaler is implemented by any type that knows how to decode itself from a Buffer. The
// leading format code has already been peeked but not consumed when Unmarshal is called.
type Unmarshaler interface {
	Unmarshal(r *buffer.Buffer) error
}

// UnmarshalField is one positional field of a composite list being decoded. HandleNull, if set,
// is invoked instead of leaving Field untouched when the wire list omits this field (either by
// being shorter than expected or by encoding an explicit null). Mandatory fields with no
// HandleNull must not be null on the wire; UnmarshalComposite rejects the decode if one is.
type UnmarshalField struct {
	Field      interface{}
	HandleNull func() error
	Mandatory  bool
}

// IsTypeCode reports whether the next byte in r is the given type code, without consuming it.
func IsTypeCode(r *buffer.Buffer, code TypeCode) (bool, error) {
	b, err := r.PeekByte()
	if err != nil {
		return false, err
	}
	return TypeCode(b) == code, nil
}

// TryReadNull consumes a null code if present and reports whether it did.
func TryReadNull(r *buffer.Buffer) bool {
	b, err := r.PeekByte()
	if err != nil {
		return false
	}
	if TypeCode(b) == TypeCodeNull {
		_, _ = r.ReadByte()
		return true
	}
	return false
}

// ReadDescriptor reads a composite's descriptor and returns its numeric code. Symbolic
// descriptors are read and discarded in favor of the canonical numeric code comparison --
// callers that need the symbol should read the raw value themselves before calling this.
func ReadDescriptor(r *buffer.Buffer) (TypeCode, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b != 0x00 {
		return 0, fmt.Errorf("encoding: expected descriptor constructor 0x00, got %#02x", b)
	}
	var v interface{}
	if err := Unmarshal(r, &v); err != nil {
		return 0, err
	}
	switch v := v.(type) {
	case uint64:
		return TypeCode(v), nil
	case Symbol:
		code, ok := symbolToCode[v]
		if !ok {
			return 0, fmt.Errorf("encoding: unknown descriptor symbol %q", v)
		}
		return code, nil
	default:
		return 0, fmt.Errorf("encoding: unexpected descriptor type %T", v)
	}
}

var symbolToCode = map[Symbol]TypeCode{
	"amqp:open:list":        TypeCodeOpen,
	"amqp:begin:list":       TypeCodeBegin,
	"amqp:attach:list":      TypeCodeAttach,
	"amqp:flow:list":        TypeCodeFlow,
	"amqp:transfer:list":    TypeCodeTransfer,
	"amqp:disposition:list": TypeCodeDisposition,
	"amqp:detach:list":      TypeCodeDetach,
	"amqp:end:list":         TypeCodeEnd,
	"amqp:close:list":       TypeCodeClose,
	"amqp:source:list":      TypeCodeSource,
	"amqp:target:list":      TypeCodeTarget,
	"amqp:error:list":       TypeCodeError,
	"amqp:accepted:list":    TypeCodeStateAccepted,
	"amqp:rejected:list":    TypeCodeStateRejected,
	"amqp:released:list":    TypeCodeStateReleased,
	"amqp:modified:list":    TypeCodeStateModified,
	"amqp:received:list":    TypeCodeStateReceived,
	"amqp:declare:list":     TypeCodeDeclare,
	"amqp:discharge:list":   TypeCodeDischarge,
	"amqp:declared:list":    TypeCodeStateDeclared,
	"amqp:transactional-state:list": TypeCodeTransactionalState,
	"amqp:coordinator:list": TypeCodeCoordinator,
	"amqp:sasl-mechanisms:list": TypeCodeSASLMechanism,
	"amqp:sasl-init:list":       TypeCodeSASLInit,
	"amqp:sasl-challenge:list":  TypeCodeSASLChallenge,
	"amqp:sasl-response:list":   TypeCodeSASLResponse,
	"amqp:sasl-outcome:list":    TypeCodeSASLOutcome,
}

// UnmarshalComposite decodes a composite's descriptor (asserting it equals code) and then its
// positional list fields into fields, filling defaults via HandleNull for any field the wire
// list omitted (trailing-null elision). A field marked Mandatory with no HandleNull must be
// present and non-null; a missing or null mandatory field fails the decode with an
// amqp:decode-error condition rather than silently leaving the field at its Go zero value.
func UnmarshalComposite(r *buffer.Buffer, code TypeCode, fields []UnmarshalField) error {
	got, err := ReadDescriptor(r)
	if err != nil {
		return err
	}
	if got != code {
		return fmt.Errorf("encoding: expected composite %#02x, got %#02x", code, got)
	}

	count, isList0, err := readListHeader(r)
	if err != nil {
		return err
	}
	if isList0 {
		count = 0
	}

	for i, f := range fields {
		if uint32(i) >= count {
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
				continue
			}
			if f.Mandatory {
				return mandatoryFieldError(code, i)
			}
			continue
		}
		if TryReadNull(r) {
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
				continue
			}
			if f.Mandatory {
				return mandatoryFieldError(code, i)
			}
			continue
		}
		if err := Unmarshal(r, f.Field); err != nil {
			return fmt.Errorf("encoding: decoding field %d of composite %#02x: %w", i, code, err)
		}
	}
	return nil
}

func mandatoryFieldError(code TypeCode, field int) *Error {
	return &Error{
		Condition:   ErrCondDecodeError,
		Description: fmt.Sprintf("mandatory field %d of composite %#02x is missing or null", field, code),
	}
}

func readListHeader(r *buffer.Buffer) (count uint32, isList0 bool, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch TypeCode(b) {
	case TypeCodeList0:
		return 0, true, nil
	case TypeCodeList8:
		if _, err := r.ReadByte(); err != nil { // size
			return 0, false, err
		}
		n, err := r.ReadByte()
		return uint32(n), false, err
	case TypeCodeList32:
		if _, err := r.ReadUint32(); err != nil { // size
			return 0, false, err
		}
		n, err := r.ReadUint32()
		return n, false, err
	default:
		return 0, false, fmt.Errorf("encoding: expected list, got type code %#02x", b)
	}
}

// Unmarshal decodes the next value in r into v, which must be a pointer.
func Unmarshal(r *buffer.Buffer, v interface{}) error {
	if u, ok := v.(Unmarshaler); ok {
		return u.Unmarshal(r)
	}

	b, err := r.PeekByte()
	if err != nil {
		return err
	}
	code := TypeCode(b)

	switch p := v.(type) {
	case *interface{}:
		val, err := readAny(r)
		if err != nil {
			return err
		}
		*p = val
		return nil
	case *bool:
		val, err := readBool(r)
		if err == nil {
			*p = val
		}
		return err
	case *uint8:
		val, err := readUint(r)
		if err == nil {
			*p = uint8(val)
		}
		return err
	case *uint16:
		val, err := readUint(r)
		if err == nil {
			*p = uint16(val)
		}
		return err
	case *uint32:
		val, err := readUint(r)
		if err == nil {
			*p = uint32(val)
		}
		return err
	case *uint64:
		val, err := readUint(r)
		if err == nil {
			*p = val
		}
		return err
	case *int8:
		val, err := readInt(r)
		if err == nil {
			*p = int8(val)
		}
		return err
	case *int16:
		val, err := readInt(r)
		if err == nil {
			*p = int16(val)
		}
		return err
	case *int32:
		val, err := readInt(r)
		if err == nil {
			*p = int32(val)
		}
		return err
	case *int64:
		val, err := readInt(r)
		if err == nil {
			*p = val
		}
		return err
	case *int:
		val, err := readInt(r)
		if err == nil {
			*p = int(val)
		}
		return err
	case *float32:
		if _, err := r.ReadByte(); err != nil {
			return err
		}
		bits, err := r.ReadUint32()
		if err != nil {
			return err
		}
		*p = float32frombits(bits)
		return nil
	case *float64:
		if _, err := r.ReadByte(); err != nil {
			return err
		}
		bits, err := r.ReadUint64()
		if err != nil {
			return err
		}
		*p = float64frombits(bits)
		return nil
	case *string:
		val, err := readString(r)
		if err == nil {
			*p = val
		}
		return err
	case *[]byte:
		val, err := readBinary(r)
		if err == nil {
			*p = val
		}
		return err
	case *Symbol:
		val, err := readString(r)
		if err == nil {
			*p = Symbol(val)
		}
		return err
	case *ErrCond:
		val, err := readString(r)
		if err == nil {
			*p = ErrCond(val)
		}
		return err
	case *Role:
		return Unmarshal(r, (*bool)(p))
	case *Durability:
		return Unmarshal(r, (*uint32)(p))
	case *ExpiryPolicy:
		return Unmarshal(r, (*Symbol)(p))
	case *[]Symbol:
		val, err := readSymbolArray(r)
		if err == nil {
			*p = val
		}
		return err
	case *Milliseconds:
		val, err := readUint(r)
		if err == nil {
			*p = Milliseconds(time.Duration(val) * time.Millisecond)
		}
		return err
	case *time.Time:
		val, err := readTimestamp(r)
		if err == nil {
			*p = val
		}
		return err
	case *UUID:
		val, err := readUUID(r)
		if err == nil {
			*p = val
		}
		return err
	case *map[string]interface{}:
		val, err := readAny(r)
		if err != nil {
			return err
		}
		m, _ := val.(map[string]interface{})
		*p = m
		return nil
	case *map[Symbol]interface{}:
		val, err := readAny(r)
		if err != nil {
			return err
		}
		m, _ := val.(map[Symbol]interface{})
		*p = m
		return nil
	case *DeliveryState:
		val, err := readDeliveryState(r)
		if err == nil {
			*p = val
		}
		return err
	default:
		_ = code
		return fmt.Errorf("encoding: unmarshal not implemented for type %T", v)
	}
}

func readDeliveryState(r *buffer.Buffer) (DeliveryState, error) {
	if TryReadNull(r) {
		return nil, nil
	}
	// peek descriptor code without consuming beyond it permanently: ReadDescriptor consumes,
	// so operate on a save point by re-reading via Unmarshal dispatch on concrete types.
	save := *r
	code, err := ReadDescriptor(r)
	if err != nil {
		return nil, err
	}
	*r = save
	switch code {
	case TypeCodeStateReceived:
		v := new(StateReceived)
		return v, v.Unmarshal(r)
	case TypeCodeStateAccepted:
		v := new(StateAccepted)
		return v, v.Unmarshal(r)
	case TypeCodeStateRejected:
		v := new(StateRejected)
		return v, v.Unmarshal(r)
	case TypeCodeStateReleased:
		v := new(StateReleased)
		return v, v.Unmarshal(r)
	case TypeCodeStateModified:
		v := new(StateModified)
		return v, v.Unmarshal(r)
	case TypeCodeStateDeclared:
		v := new(StateDeclared)
		return v, v.Unmarshal(r)
	case TypeCodeTransactionalState:
		v := new(StateTransactional)
		return v, v.Unmarshal(r)
	default:
		return nil, fmt.Errorf("encoding: unknown delivery state descriptor %#02x", code)
	}
}
