package frames

import (
	"fmt"

	"github.com/dgandalf/go-amqp10/internal/buffer"
	"github.com/dgandalf/go-amqp10/internal/encoding"
)

func (*PerformOpen) frameBody()        {}
func (*PerformBegin) frameBody()       {}
func (*PerformAttach) frameBody()      {}
func (*PerformFlow) frameBody()        {}
func (*PerformTransfer) frameBody()    {}
func (*PerformDisposition) frameBody() {}
func (*PerformDetach) frameBody()      {}
func (*PerformEnd) frameBody()         {}
func (*PerformClose) frameBody()       {}

// PerformOpen is the first performative exchanged on a connection after the protocol header.
type PerformOpen struct {
	ContainerID  string
	Hostname     string
	MaxFrameSize uint32
	ChannelMax   uint16
	IdleTimeout  encoding.Milliseconds
	// OutgoingLocales and IncomingLocales are omitted: no SPEC_FULL.md component negotiates
	// locale-sensitive error text.
	OfferedCapabilities []encoding.Symbol
	DesiredCapabilities []encoding.Symbol
	Properties          map[encoding.Symbol]interface{}
}

func (o *PerformOpen) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeOpen, []encoding.Field{
		{Value: o.ContainerID},
		{Value: o.Hostname, Omit: o.Hostname == ""},
		{Value: o.MaxFrameSize, Omit: o.MaxFrameSize == 0},
		{Value: o.ChannelMax, Omit: o.ChannelMax == 0},
		{Value: o.IdleTimeout, Omit: o.IdleTimeout == 0},
		{Value: nil, Omit: true}, // outgoing-locales
		{Value: nil, Omit: true}, // incoming-locales
		{Value: symbolSlice(o.OfferedCapabilities), Omit: len(o.OfferedCapabilities) == 0},
		{Value: symbolSlice(o.DesiredCapabilities), Omit: len(o.DesiredCapabilities) == 0},
		{Value: o.Properties, Omit: len(o.Properties) == 0},
	})
}

func (o *PerformOpen) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeOpen, []encoding.UnmarshalField{
		{Field: &o.ContainerID, Mandatory: true},
		{Field: &o.Hostname},
		{Field: &o.MaxFrameSize, HandleNull: func() error { o.MaxFrameSize = 4294967295; return nil }},
		{Field: &o.ChannelMax, HandleNull: func() error { o.ChannelMax = 65535; return nil }},
		{Field: &o.IdleTimeout},
		{}, // outgoing-locales
		{}, // incoming-locales
		{Field: (*[]encoding.Symbol)(&o.OfferedCapabilities)},
		{Field: (*[]encoding.Symbol)(&o.DesiredCapabilities)},
		{Field: (*map[encoding.Symbol]interface{})(&o.Properties)},
	})
}

// PerformBegin begins a session on a channel.
type PerformBegin struct {
	RemoteChannel  *uint16
	NextOutgoingID uint32
	IncomingWindow uint32
	OutgoingWindow uint32
	HandleMax      uint32
	OfferedCapabilities []encoding.Symbol
	DesiredCapabilities []encoding.Symbol
	Properties     map[encoding.Symbol]interface{}
}

func (b *PerformBegin) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeBegin, []encoding.Field{
		{Value: b.RemoteChannel, Omit: b.RemoteChannel == nil},
		{Value: b.NextOutgoingID},
		{Value: b.IncomingWindow},
		{Value: b.OutgoingWindow},
		{Value: b.HandleMax, Omit: b.HandleMax == 4294967295},
		{Value: symbolSlice(b.OfferedCapabilities), Omit: len(b.OfferedCapabilities) == 0},
		{Value: symbolSlice(b.DesiredCapabilities), Omit: len(b.DesiredCapabilities) == 0},
		{Value: b.Properties, Omit: len(b.Properties) == 0},
	})
}

func (b *PerformBegin) Unmarshal(r *buffer.Buffer) error {
	b.HandleMax = 4294967295
	return encoding.UnmarshalComposite(r, encoding.TypeCodeBegin, []encoding.UnmarshalField{
		{Field: optionalUint16{&b.RemoteChannel}},
		{Field: &b.NextOutgoingID, Mandatory: true},
		{Field: &b.IncomingWindow, Mandatory: true},
		{Field: &b.OutgoingWindow, Mandatory: true},
		{Field: &b.HandleMax},
		{Field: (*[]encoding.Symbol)(&b.OfferedCapabilities)},
		{Field: (*[]encoding.Symbol)(&b.DesiredCapabilities)},
		{Field: (*map[encoding.Symbol]interface{})(&b.Properties)},
	})
}

// PerformAttach attaches a link to a session.
type PerformAttach struct {
	Name               string
	Handle             uint32
	Role               encoding.Role
	SenderSettleMode   *encoding.SenderSettleMode
	ReceiverSettleMode *encoding.ReceiverSettleMode
	Source             *Source
	Target             *Target
	// CoordinatorTarget is set instead of Target when this link attaches a transaction
	// controller to its coordinator.
	CoordinatorTarget  *Coordinator
	Unsettled          map[string]encoding.DeliveryState
	IncompleteUnsettled bool
	InitialDeliveryCount uint32
	MaxMessageSize     uint64
	OfferedCapabilities []encoding.Symbol
	DesiredCapabilities []encoding.Symbol
	Properties         map[encoding.Symbol]interface{}
}

func (a *PerformAttach) Marshal(wr *buffer.Buffer) error {
	var terminus interface{}
	switch {
	case a.CoordinatorTarget != nil:
		terminus = a.CoordinatorTarget
	case a.Target != nil:
		terminus = a.Target
	}
	return encoding.MarshalComposite(wr, encoding.TypeCodeAttach, []encoding.Field{
		{Value: a.Name},
		{Value: a.Handle},
		{Value: a.Role},
		{Value: a.SenderSettleMode, Omit: a.SenderSettleMode == nil},
		{Value: a.ReceiverSettleMode, Omit: a.ReceiverSettleMode == nil},
		{Value: a.Source, Omit: a.Source == nil},
		{Value: terminus, Omit: terminus == nil},
		{Value: nil, Omit: true}, // unsettled (resumption; not used by this core)
		{Value: a.IncompleteUnsettled, Omit: !a.IncompleteUnsettled},
		{Value: a.InitialDeliveryCount, Omit: a.Role == encoding.RoleReceiver},
		{Value: a.MaxMessageSize, Omit: a.MaxMessageSize == 0},
		{Value: symbolSlice(a.OfferedCapabilities), Omit: len(a.OfferedCapabilities) == 0},
		{Value: symbolSlice(a.DesiredCapabilities), Omit: len(a.DesiredCapabilities) == 0},
		{Value: a.Properties, Omit: len(a.Properties) == 0},
	})
}

func (a *PerformAttach) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeAttach, []encoding.UnmarshalField{
		{Field: &a.Name, Mandatory: true},
		{Field: &a.Handle, Mandatory: true},
		{Field: &a.Role, Mandatory: true},
		{Field: optionalSenderSettleMode{&a.SenderSettleMode}},
		{Field: optionalReceiverSettleMode{&a.ReceiverSettleMode}},
		{Field: sourceField{&a.Source}},
		{Field: terminusField{&a.Target, &a.CoordinatorTarget}},
		{}, // unsettled
		{Field: &a.IncompleteUnsettled},
		{Field: &a.InitialDeliveryCount},
		{Field: &a.MaxMessageSize},
		{Field: (*[]encoding.Symbol)(&a.OfferedCapabilities)},
		{Field: (*[]encoding.Symbol)(&a.DesiredCapabilities)},
		{Field: (*map[encoding.Symbol]interface{})(&a.Properties)},
	})
}

// PerformFlow updates session transfer-window and/or link-credit state.
type PerformFlow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[encoding.Symbol]interface{}
}

func (f *PerformFlow) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeFlow, []encoding.Field{
		{Value: f.NextIncomingID, Omit: f.NextIncomingID == nil},
		{Value: f.IncomingWindow},
		{Value: f.NextOutgoingID},
		{Value: f.OutgoingWindow},
		{Value: f.Handle, Omit: f.Handle == nil},
		{Value: f.DeliveryCount, Omit: f.DeliveryCount == nil},
		{Value: f.LinkCredit, Omit: f.LinkCredit == nil},
		{Value: f.Available, Omit: f.Available == nil},
		{Value: f.Drain, Omit: !f.Drain},
		{Value: f.Echo, Omit: !f.Echo},
		{Value: f.Properties, Omit: len(f.Properties) == 0},
	})
}

func (f *PerformFlow) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeFlow, []encoding.UnmarshalField{
		{Field: optionalUint32{&f.NextIncomingID}},
		{Field: &f.IncomingWindow, Mandatory: true},
		{Field: &f.NextOutgoingID, Mandatory: true},
		{Field: &f.OutgoingWindow, Mandatory: true},
		{Field: optionalUint32{&f.Handle}},
		{Field: optionalUint32{&f.DeliveryCount}},
		{Field: optionalUint32{&f.LinkCredit}},
		{Field: optionalUint32{&f.Available}},
		{Field: &f.Drain},
		{Field: &f.Echo},
		{Field: (*map[encoding.Symbol]interface{})(&f.Properties)},
	})
}

// PerformTransfer carries delivery payload for a link.
type PerformTransfer struct {
	Handle        uint32
	DeliveryID    *uint32
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       bool
	More          bool
	ReceiverSettleMode *encoding.ReceiverSettleMode
	State         encoding.DeliveryState
	Resume        bool
	Aborted       bool
	Batchable     bool
	Payload       []byte

	// Done, set by the sender, is signaled with the delivery's terminal state once the peer
	// disposes it (nil if the transfer was sent settled).
	Done chan encoding.DeliveryState
}

// Marshal encodes the transfer performative followed by its raw payload. The payload is not a
// list member: per the AMQP frame layout, a transfer frame's body is the performative list
// immediately followed by the message bytes, so it's appended after MarshalComposite returns.
func (t *PerformTransfer) Marshal(wr *buffer.Buffer) error {
	if err := encoding.MarshalComposite(wr, encoding.TypeCodeTransfer, []encoding.Field{
		{Value: t.Handle},
		{Value: t.DeliveryID, Omit: t.DeliveryID == nil},
		{Value: t.DeliveryTag, Omit: len(t.DeliveryTag) == 0},
		{Value: t.MessageFormat, Omit: t.MessageFormat == nil},
		{Value: t.Settled, Omit: !t.Settled},
		{Value: t.More, Omit: !t.More},
		{Value: t.ReceiverSettleMode, Omit: t.ReceiverSettleMode == nil},
		{Value: t.State, Omit: t.State == nil},
		{Value: t.Resume, Omit: !t.Resume},
		{Value: t.Aborted, Omit: !t.Aborted},
		{Value: t.Batchable, Omit: !t.Batchable},
	}); err != nil {
		return err
	}
	wr.Append(t.Payload)
	return nil
}

func (t *PerformTransfer) Unmarshal(r *buffer.Buffer) error {
	if err := encoding.UnmarshalComposite(r, encoding.TypeCodeTransfer, []encoding.UnmarshalField{
		{Field: &t.Handle, Mandatory: true},
		{Field: optionalUint32{&t.DeliveryID}},
		{Field: &t.DeliveryTag},
		{Field: optionalUint32{&t.MessageFormat}},
		{Field: &t.Settled},
		{Field: &t.More},
		{Field: optionalReceiverSettleMode{&t.ReceiverSettleMode}},
		{Field: &t.State},
		{Field: &t.Resume},
		{Field: &t.Aborted},
		{Field: &t.Batchable},
	}); err != nil {
		return err
	}
	if r.Len() > 0 {
		t.Payload = append([]byte(nil), r.Bytes()...)
		_ = r.Skip(r.Len())
	}
	return nil
}

// PerformDisposition notifies the peer of a delivery's (possibly batched) terminal state.
type PerformDisposition struct {
	Role    encoding.Role
	First   uint32
	Last    *uint32
	Settled bool
	State   encoding.DeliveryState
	Batchable bool
}

func (d *PerformDisposition) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDisposition, []encoding.Field{
		{Value: d.Role},
		{Value: d.First},
		{Value: d.Last, Omit: d.Last == nil},
		{Value: d.Settled, Omit: !d.Settled},
		{Value: d.State, Omit: d.State == nil},
		{Value: d.Batchable, Omit: !d.Batchable},
	})
}

func (d *PerformDisposition) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDisposition, []encoding.UnmarshalField{
		{Field: &d.Role, Mandatory: true},
		{Field: &d.First, Mandatory: true},
		{Field: optionalUint32{&d.Last}},
		{Field: &d.Settled},
		{Field: &d.State},
		{Field: &d.Batchable},
	})
}

// PerformDetach detaches a link, optionally for good.
type PerformDetach struct {
	Handle uint32
	Closed bool
	Error  *encoding.Error
}

func (d *PerformDetach) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDetach, []encoding.Field{
		{Value: d.Handle},
		{Value: d.Closed, Omit: !d.Closed},
		{Value: d.Error, Omit: d.Error == nil},
	})
}

func (d *PerformDetach) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDetach, []encoding.UnmarshalField{
		{Field: &d.Handle, Mandatory: true},
		{Field: &d.Closed},
		{Field: encoding.ErrorField(&d.Error)},
	})
}

// PerformEnd ends a session.
type PerformEnd struct {
	Error *encoding.Error
}

func (e *PerformEnd) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeEnd, []encoding.Field{
		{Value: e.Error, Omit: e.Error == nil},
	})
}

func (e *PerformEnd) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeEnd, []encoding.UnmarshalField{
		{Field: encoding.ErrorField(&e.Error)},
	})
}

// PerformClose closes a connection.
type PerformClose struct {
	Error *encoding.Error
}

func (c *PerformClose) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeClose, []encoding.Field{
		{Value: c.Error, Omit: c.Error == nil},
	})
}

func (c *PerformClose) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeClose, []encoding.UnmarshalField{
		{Field: encoding.ErrorField(&c.Error)},
	})
}

// ParseBody decodes a frame body given its leading descriptor, dispatching to the matching
// performative type.
func ParseBody(r *buffer.Buffer) (FrameBody, error) {
	code, err := peekCode(r)
	if err != nil {
		return nil, err
	}
	var body FrameBody
	switch code {
	case encoding.TypeCodeOpen:
		body = new(PerformOpen)
	case encoding.TypeCodeBegin:
		body = new(PerformBegin)
	case encoding.TypeCodeAttach:
		body = new(PerformAttach)
	case encoding.TypeCodeFlow:
		body = new(PerformFlow)
	case encoding.TypeCodeTransfer:
		body = new(PerformTransfer)
	case encoding.TypeCodeDisposition:
		body = new(PerformDisposition)
	case encoding.TypeCodeDetach:
		body = new(PerformDetach)
	case encoding.TypeCodeEnd:
		body = new(PerformEnd)
	case encoding.TypeCodeClose:
		body = new(PerformClose)
	case encoding.TypeCodeSASLMechanism:
		body = new(SASLMechanisms)
	case encoding.TypeCodeSASLInit:
		body = new(SASLInit)
	case encoding.TypeCodeSASLChallenge:
		body = new(SASLChallenge)
	case encoding.TypeCodeSASLResponse:
		body = new(SASLResponse)
	case encoding.TypeCodeSASLOutcome:
		body = new(SASLOutcome)
	default:
		return nil, fmt.Errorf("frames: unknown performative descriptor %#02x", code)
	}
	if u, ok := body.(interface{ Unmarshal(*buffer.Buffer) error }); ok {
		if err := u.Unmarshal(r); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// peekCode reads the descriptor code without consuming the buffer.
func peekCode(r *buffer.Buffer) (encoding.TypeCode, error) {
	save := *r
	code, err := encoding.ReadDescriptor(r)
	*r = save
	return code, err
}

func symbolSlice(s []encoding.Symbol) interface{} {
	if s == nil {
		return nil
	}
	return s
}
