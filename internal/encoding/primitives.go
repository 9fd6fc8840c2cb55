package encoding

import (
	"fmt"
	"math"
	"time"

	"github.com/dgandalf/go-amqp10/internal/buffer"
)

func float32frombits(b uint32) float32 { return math.Float32frombits(b) }
func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

func readBool(r *buffer.Buffer) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	switch TypeCode(b) {
	case TypeCodeBoolTrue:
		return true, nil
	case TypeCodeBoolFalse:
		return false, nil
	case TypeCodeBool:
		v, err := r.ReadByte()
		return v != 0, err
	default:
		return false, fmt.Errorf("encoding: invalid bool type code %#02x", b)
	}
}

func readUint(r *buffer.Buffer) (uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch TypeCode(b) {
	case TypeCodeUint0, TypeCodeUlong0:
		return 0, nil
	case TypeCodeUbyte, TypeCodeSmallUint, TypeCodeSmallUlong:
		v, err := r.ReadByte()
		return uint64(v), err
	case TypeCodeUshort:
		v, err := r.ReadUint16()
		return uint64(v), err
	case TypeCodeUint:
		v, err := r.ReadUint32()
		return uint64(v), err
	case TypeCodeUlong:
		return r.ReadUint64()
	default:
		return 0, fmt.Errorf("encoding: invalid unsigned int type code %#02x", b)
	}
}

func readInt(r *buffer.Buffer) (int64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch TypeCode(b) {
	case TypeCodeByte, TypeCodeSmallint, TypeCodeSmalllong:
		v, err := r.ReadByte()
		return int64(int8(v)), err
	case TypeCodeShort:
		v, err := r.ReadUint16()
		return int64(int16(v)), err
	case TypeCodeInt:
		v, err := r.ReadUint32()
		return int64(int32(v)), err
	case TypeCodeLong:
		v, err := r.ReadUint64()
		return int64(v), err
	default:
		return 0, fmt.Errorf("encoding: invalid signed int type code %#02x", b)
	}
}

func readString(r *buffer.Buffer) (string, error) {
	b, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	var n int64
	switch TypeCode(b) {
	case TypeCodeStr8, TypeCodeSym8:
		v, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		n = int64(v)
	case TypeCodeStr32, TypeCodeSym32:
		v, err := r.ReadUint32()
		if err != nil {
			return "", err
		}
		n = int64(v)
	default:
		return "", fmt.Errorf("encoding: invalid string/symbol type code %#02x", b)
	}
	buf, ok := r.Next(n)
	if !ok {
		return "", fmt.Errorf("encoding: insufficient bytes for string of length %d", n)
	}
	return string(buf), nil
}

func readBinary(r *buffer.Buffer) ([]byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var n int64
	switch TypeCode(b) {
	case TypeCodeVbin8:
		v, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		n = int64(v)
	case TypeCodeVbin32:
		v, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		n = int64(v)
	default:
		return nil, fmt.Errorf("encoding: invalid binary type code %#02x", b)
	}
	buf, ok := r.Next(n)
	if !ok {
		return nil, fmt.Errorf("encoding: insufficient bytes for binary of length %d", n)
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func readTimestamp(r *buffer.Buffer) (time.Time, error) {
	b, err := r.ReadByte()
	if err != nil {
		return time.Time{}, err
	}
	if TypeCode(b) != TypeCodeTimestamp {
		return time.Time{}, fmt.Errorf("encoding: invalid timestamp type code %#02x", b)
	}
	ms, err := r.ReadUint64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func readUUID(r *buffer.Buffer) (UUID, error) {
	var u UUID
	b, err := r.ReadByte()
	if err != nil {
		return u, err
	}
	if TypeCode(b) != TypeCodeUUID {
		return u, fmt.Errorf("encoding: invalid uuid type code %#02x", b)
	}
	buf, ok := r.Next(16)
	if !ok {
		return u, fmt.Errorf("encoding: insufficient bytes for uuid")
	}
	copy(u[:], buf)
	return u, nil
}

// readAny decodes the next value as its natural Go type, used for map values, array elements of
// the generic described type, and descriptor bodies.
func readAny(r *buffer.Buffer) (interface{}, error) {
	b, err := r.PeekByte()
	if err != nil {
		return nil, err
	}
	code := TypeCode(b)
	switch code {
	case TypeCodeNull:
		_, _ = r.ReadByte()
		return nil, nil
	case TypeCodeBoolTrue, TypeCodeBoolFalse, TypeCodeBool:
		return readBool(r)
	case TypeCodeUbyte, TypeCodeUshort, TypeCodeUint, TypeCodeSmallUint, TypeCodeUint0,
		TypeCodeUlong, TypeCodeSmallUlong, TypeCodeUlong0:
		return readUint(r)
	case TypeCodeByte, TypeCodeShort, TypeCodeInt, TypeCodeSmallint, TypeCodeLong, TypeCodeSmalllong:
		return readInt(r)
	case TypeCodeFloat:
		var f float32
		err := Unmarshal(r, &f)
		return f, err
	case TypeCodeDouble:
		var f float64
		err := Unmarshal(r, &f)
		return f, err
	case TypeCodeStr8, TypeCodeStr32:
		return readString(r)
	case TypeCodeSym8, TypeCodeSym32:
		s, err := readString(r)
		return Symbol(s), err
	case TypeCodeVbin8, TypeCodeVbin32:
		return readBinary(r)
	case TypeCodeTimestamp:
		return readTimestamp(r)
	case TypeCodeUUID:
		return readUUID(r)
	case TypeCodeList0, TypeCodeList8, TypeCodeList32:
		return readAnyList(r)
	case TypeCodeMap8, TypeCodeMap32:
		return readAnyMap(r)
	case TypeCodeArray8, TypeCodeArray32:
		return readAnyArray(r)
	case 0x00: // described type
		return readDescribedAny(r)
	default:
		return nil, fmt.Errorf("encoding: readAny not implemented for type code %#02x", b)
	}
}

func readDescribedAny(r *buffer.Buffer) (interface{}, error) {
	save := *r
	code, err := ReadDescriptor(r)
	if err != nil {
		return nil, err
	}
	switch code {
	case TypeCodeStateDeclared:
		*r = save
		v := new(StateDeclared)
		return v, v.Unmarshal(r)
	case TypeCodeTransactionalState:
		*r = save
		v := new(StateTransactional)
		return v, v.Unmarshal(r)
	case TypeCodeStateAccepted:
		*r = save
		v := new(StateAccepted)
		return v, v.Unmarshal(r)
	case TypeCodeStateRejected:
		*r = save
		v := new(StateRejected)
		return v, v.Unmarshal(r)
	case TypeCodeStateReleased:
		*r = save
		v := new(StateReleased)
		return v, v.Unmarshal(r)
	case TypeCodeStateModified:
		*r = save
		v := new(StateModified)
		return v, v.Unmarshal(r)
	case TypeCodeDeclare:
		*r = save
		v := new(Declare)
		return v, v.Unmarshal(r)
	case TypeCodeDischarge:
		*r = save
		v := new(Discharge)
		return v, v.Unmarshal(r)
	default:
		// unknown described type: return the raw body value, discarding the descriptor code
		val, err := readAny(r)
		return val, err
	}
}

func readAnyList(r *buffer.Buffer) ([]interface{}, error) {
	count, isList0, err := readListHeader(r)
	if err != nil {
		return nil, err
	}
	if isList0 {
		return nil, nil
	}
	out := make([]interface{}, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readMapHeader(r *buffer.Buffer) (uint32, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch TypeCode(b) {
	case TypeCodeMap8:
		if _, err := r.ReadByte(); err != nil {
			return 0, err
		}
		n, err := r.ReadByte()
		return uint32(n), err
	case TypeCodeMap32:
		if _, err := r.ReadUint32(); err != nil {
			return 0, err
		}
		return r.ReadUint32()
	default:
		return 0, fmt.Errorf("encoding: invalid map type code %#02x", b)
	}
}

func readAnyMap(r *buffer.Buffer) (map[string]interface{}, error) {
	count, err := readMapHeader(r)
	if err != nil {
		return nil, err
	}
	m := make(map[string]interface{}, count/2)
	for i := uint32(0); i < count; i += 2 {
		k, err := readAny(r)
		if err != nil {
			return nil, err
		}
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		m[fmt.Sprintf("%v", k)] = v
	}
	return m, nil
}

func readArrayHeader(r *buffer.Buffer) (count uint32, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch TypeCode(b) {
	case TypeCodeArray8:
		if _, err := r.ReadByte(); err != nil {
			return 0, err
		}
		n, err := r.ReadByte()
		return uint32(n), err
	case TypeCodeArray32:
		if _, err := r.ReadUint32(); err != nil {
			return 0, err
		}
		return r.ReadUint32()
	default:
		return 0, fmt.Errorf("encoding: invalid array type code %#02x", b)
	}
}

// readArrayElement decodes one element whose format was fixed by the array's single shared
// constructor code (array elements, unlike list/map members, don't repeat their type code).
func readArrayElement(r *buffer.Buffer, ctor TypeCode) (interface{}, error) {
	switch ctor {
	case TypeCodeSym8:
		n, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf, ok := r.Next(int64(n))
		if !ok {
			return nil, fmt.Errorf("encoding: insufficient bytes for array symbol element")
		}
		return Symbol(buf), nil
	case TypeCodeSym32:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		buf, ok := r.Next(int64(n))
		if !ok {
			return nil, fmt.Errorf("encoding: insufficient bytes for array symbol element")
		}
		return Symbol(buf), nil
	case TypeCodeStr8:
		n, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf, ok := r.Next(int64(n))
		if !ok {
			return nil, fmt.Errorf("encoding: insufficient bytes for array string element")
		}
		return string(buf), nil
	case TypeCodeStr32:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		buf, ok := r.Next(int64(n))
		if !ok {
			return nil, fmt.Errorf("encoding: insufficient bytes for array string element")
		}
		return string(buf), nil
	case TypeCodeUbyte, TypeCodeByte:
		v, err := r.ReadByte()
		return v, err
	case TypeCodeUshort, TypeCodeShort:
		return r.ReadUint16()
	case TypeCodeUint, TypeCodeInt:
		return r.ReadUint32()
	case TypeCodeUlong, TypeCodeLong:
		return r.ReadUint64()
	case TypeCodeUUID:
		buf, ok := r.Next(16)
		if !ok {
			return nil, fmt.Errorf("encoding: insufficient bytes for array uuid element")
		}
		var u UUID
		copy(u[:], buf)
		return u, nil
	default:
		return nil, fmt.Errorf("encoding: readArrayElement not implemented for constructor %#02x", ctor)
	}
}

func readAnyArray(r *buffer.Buffer) ([]interface{}, error) {
	count, err := readArrayHeader(r)
	if err != nil {
		return nil, err
	}
	ctor, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := readArrayElement(r, TypeCode(ctor))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// readSymbolArray decodes a size-prefixed array of symbols, the wire shape used for capability
// and outcome lists. A bare null is accepted as an empty/absent list.
func readSymbolArray(r *buffer.Buffer) ([]Symbol, error) {
	if TryReadNull(r) {
		return nil, nil
	}
	count, err := readArrayHeader(r)
	if err != nil {
		return nil, err
	}
	ctor, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	out := make([]Symbol, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := readArrayElement(r, TypeCode(ctor))
		if err != nil {
			return nil, err
		}
		s, _ := v.(Symbol)
		out = append(out, s)
	}
	return out, nil
}

// Marshal/Unmarshal implementations for the delivery-state composites.

func (s *StateReceived) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReceived, []Field{
		{Value: s.SectionNumber},
		{Value: s.SectionOffset},
	})
}

func (s *StateReceived) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReceived, []UnmarshalField{
		{Field: &s.SectionNumber},
		{Field: &s.SectionOffset},
	})
}

func (s *StateAccepted) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateAccepted, nil)
}

func (s *StateAccepted) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateAccepted, nil)
}

func (s *StateRejected) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateRejected, []Field{
		{Value: s.Error, Omit: s.Error == nil},
	})
}

func (s *StateRejected) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateRejected, []UnmarshalField{
		{Field: errorField{&s.Error}},
	})
}

func (s *StateReleased) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReleased, nil)
}

func (s *StateReleased) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReleased, nil)
}

func (s *StateModified) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateModified, []Field{
		{Value: s.DeliveryFailed, Omit: !s.DeliveryFailed},
		{Value: s.UndeliverableHere, Omit: !s.UndeliverableHere},
		{Value: mapSymbolAny(s.MessageAnnotations), Omit: len(s.MessageAnnotations) == 0},
	})
}

func (s *StateModified) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateModified, []UnmarshalField{
		{Field: &s.DeliveryFailed},
		{Field: &s.UndeliverableHere},
		{Field: (*map[Symbol]interface{})(&s.MessageAnnotations)},
	})
}

func (s *StateDeclared) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateDeclared, []Field{
		{Value: s.TransactionID},
	})
}

func (s *StateDeclared) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateDeclared, []UnmarshalField{
		{Field: &s.TransactionID},
	})
}

func (s *StateTransactional) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTransactionalState, []Field{
		{Value: s.TransactionID},
		{Value: s.Outcome, Omit: s.Outcome == nil},
	})
}

func (s *StateTransactional) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeTransactionalState, []UnmarshalField{
		{Field: &s.TransactionID},
		{Field: &s.Outcome},
	})
}

// Declare is sent by a transaction controller to request a new transaction id from the
// coordinator. GlobalID is left nil for a local (AMQP-only) transaction.
type Declare struct {
	GlobalID interface{}
}

func (d *Declare) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDeclare, []Field{
		{Value: d.GlobalID, Omit: d.GlobalID == nil},
	})
}

func (d *Declare) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDeclare, []UnmarshalField{
		{Field: &d.GlobalID},
	})
}

// Discharge is sent by a transaction controller to end a transaction, either committing
// (Fail == false) or rolling back (Fail == true) every operation performed under TransactionID.
type Discharge struct {
	TransactionID []byte
	Fail          bool
}

func (d *Discharge) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDischarge, []Field{
		{Value: d.TransactionID},
		{Value: d.Fail, Omit: !d.Fail},
	})
}

func (d *Discharge) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDischarge, []UnmarshalField{
		{Field: &d.TransactionID},
		{Field: &d.Fail},
	})
}

// Marshal implements Marshaler for *Error so it can be used directly as a composite field value.
func (e *Error) Marshal(wr *buffer.Buffer) error {
	if e == nil {
		wr.AppendByte(byte(TypeCodeNull))
		return nil
	}
	return MarshalComposite(wr, TypeCodeError, []Field{
		{Value: e.Condition},
		{Value: e.Description, Omit: e.Description == ""},
		{Value: e.Info, Omit: len(e.Info) == 0},
	})
}

// Unmarshal implements Unmarshaler for *Error.
func (e *Error) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeError, []UnmarshalField{
		{Field: &e.Condition},
		{Field: &e.Description},
		{Field: (*map[string]interface{})(&e.Info)},
	})
}

type mapSymbolAny map[Symbol]interface{}

func (m mapSymbolAny) Marshal(wr *buffer.Buffer) error {
	if m == nil {
		wr.AppendByte(byte(TypeCodeNull))
		return nil
	}
	return writeMap(wr, map[Symbol]interface{}(m))
}

// errorField adapts a **Error so it can flow through UnmarshalComposite's Unmarshaler dispatch.
type errorField struct {
	target **Error
}

// ErrorField wraps target so it can be passed as an UnmarshalField.Field value, decoding an
// optional nested *Error composite (used by Close/Detach/End performatives and StateRejected).
func ErrorField(target **Error) Unmarshaler {
	return errorField{target: target}
}

func (e errorField) Unmarshal(r *buffer.Buffer) error {
	if TryReadNull(r) {
		*e.target = nil
		return nil
	}
	ae := new(Error)
	if err := ae.Unmarshal(r); err != nil {
		return err
	}
	*e.target = ae
	return nil
}
