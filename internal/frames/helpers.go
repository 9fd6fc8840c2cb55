package frames

import (
	"github.com/dgandalf/go-amqp10/internal/buffer"
	"github.com/dgandalf/go-amqp10/internal/encoding"
)

// optionalUint32 adapts a **uint32 so an absent field decodes to a nil pointer rather than a
// zero value, distinguishing "not sent" from "sent as zero" for fields like delivery-id.
type optionalUint32 struct {
	target **uint32
}

func (o optionalUint32) Unmarshal(r *buffer.Buffer) error {
	var v uint32
	if err := encoding.Unmarshal(r, &v); err != nil {
		return err
	}
	*o.target = &v
	return nil
}

type optionalUint16 struct {
	target **uint16
}

func (o optionalUint16) Unmarshal(r *buffer.Buffer) error {
	var v uint16
	if err := encoding.Unmarshal(r, &v); err != nil {
		return err
	}
	*o.target = &v
	return nil
}

type optionalSenderSettleMode struct {
	target **encoding.SenderSettleMode
}

func (o optionalSenderSettleMode) Unmarshal(r *buffer.Buffer) error {
	var v uint8
	if err := encoding.Unmarshal(r, &v); err != nil {
		return err
	}
	m := encoding.SenderSettleMode(v)
	*o.target = &m
	return nil
}

type optionalReceiverSettleMode struct {
	target **encoding.ReceiverSettleMode
}

func (o optionalReceiverSettleMode) Unmarshal(r *buffer.Buffer) error {
	var v uint8
	if err := encoding.Unmarshal(r, &v); err != nil {
		return err
	}
	m := encoding.ReceiverSettleMode(v)
	*o.target = &m
	return nil
}

type sourceField struct {
	target **Source
}

func (s sourceField) Unmarshal(r *buffer.Buffer) error {
	src := new(Source)
	if err := src.Unmarshal(r); err != nil {
		return err
	}
	*s.target = src
	return nil
}

type targetField struct {
	target **Target
}

func (t targetField) Unmarshal(r *buffer.Buffer) error {
	tgt := new(Target)
	if err := tgt.Unmarshal(r); err != nil {
		return err
	}
	*t.target = tgt
	return nil
}

// terminusField decodes an attach's target-terminus slot, which is either an ordinary Target
// or, for a transaction controller/coordinator link, a Coordinator - the two share no fields
// but are distinguished by descriptor code.
type terminusField struct {
	target      **Target
	coordinator **Coordinator
}

func (t terminusField) Unmarshal(r *buffer.Buffer) error {
	if encoding.TryReadNull(r) {
		return nil
	}
	save := *r
	code, err := encoding.ReadDescriptor(r)
	if err != nil {
		return err
	}
	*r = save
	if code == encoding.TypeCodeCoordinator {
		c := new(Coordinator)
		if err := c.Unmarshal(r); err != nil {
			return err
		}
		*t.coordinator = c
		return nil
	}
	tgt := new(Target)
	if err := tgt.Unmarshal(r); err != nil {
		return err
	}
	*t.target = tgt
	return nil
}
