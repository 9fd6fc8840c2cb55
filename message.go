package amqp

import (
	"fmt"
	"time"

	"github.com/dgandalf/go-amqp10/internal/buffer"
	"github.com/dgandalf/go-amqp10/internal/encoding"
)

// Annotations carries symbol-keyed metadata attached to delivery-annotations, message-
// annotations, and footer sections.
type Annotations map[string]interface{}

func (a Annotations) Marshal(wr *buffer.Buffer) error {
	return encoding.Marshal(wr, symbolAnnotations(a))
}

func (a *Annotations) Unmarshal(r *buffer.Buffer) error {
	var m map[string]interface{}
	if err := encoding.Unmarshal(r, &m); err != nil {
		return err
	}
	*a = m
	return nil
}

// MessageHeader carries transport-level delivery hints: durability, priority, time-to-live,
// and whether this delivery has been attempted before.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageHeader, []encoding.Field{
		{Value: h.Durable, Omit: !h.Durable},
		{Value: h.Priority, Omit: h.Priority == 0},
		{Value: encoding.Milliseconds(h.TTL), Omit: h.TTL == 0},
		{Value: h.FirstAcquirer, Omit: !h.FirstAcquirer},
		{Value: h.DeliveryCount, Omit: h.DeliveryCount == 0},
	})
}

func (h *MessageHeader) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageHeader, []encoding.UnmarshalField{
		{Field: &h.Durable},
		{Field: &h.Priority},
		{Field: (*encoding.Milliseconds)(&h.TTL)},
		{Field: &h.FirstAcquirer},
		{Field: &h.DeliveryCount},
	})
}

// MessageProperties carries application-visible, broker-significant identification fields.
type MessageProperties struct {
	MessageID          interface{}
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      interface{}
	ContentType        string
	ContentEncoding    string
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

func (p *MessageProperties) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageProperties, []encoding.Field{
		{Value: p.MessageID, Omit: p.MessageID == nil},
		{Value: p.UserID, Omit: len(p.UserID) == 0},
		{Value: p.To, Omit: p.To == ""},
		{Value: p.Subject, Omit: p.Subject == ""},
		{Value: p.ReplyTo, Omit: p.ReplyTo == ""},
		{Value: p.CorrelationID, Omit: p.CorrelationID == nil},
		{Value: encoding.Symbol(p.ContentType), Omit: p.ContentType == ""},
		{Value: encoding.Symbol(p.ContentEncoding), Omit: p.ContentEncoding == ""},
		{Value: p.AbsoluteExpiryTime, Omit: p.AbsoluteExpiryTime.IsZero()},
		{Value: p.CreationTime, Omit: p.CreationTime.IsZero()},
		{Value: p.GroupID, Omit: p.GroupID == ""},
		{Value: p.GroupSequence, Omit: p.GroupSequence == 0},
		{Value: p.ReplyToGroupID, Omit: p.ReplyToGroupID == ""},
	})
}

func (p *MessageProperties) Unmarshal(r *buffer.Buffer) error {
	var contentType, contentEncoding encoding.Symbol
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeMessageProperties, []encoding.UnmarshalField{
		{Field: &p.MessageID},
		{Field: &p.UserID},
		{Field: &p.To},
		{Field: &p.Subject},
		{Field: &p.ReplyTo},
		{Field: &p.CorrelationID},
		{Field: &contentType},
		{Field: &contentEncoding},
		{Field: &p.AbsoluteExpiryTime},
		{Field: &p.CreationTime},
		{Field: &p.GroupID},
		{Field: &p.GroupSequence},
		{Field: &p.ReplyToGroupID},
	})
	p.ContentType = string(contentType)
	p.ContentEncoding = string(contentEncoding)
	return err
}

// Message is a single AMQP message: the header, annotation, property, and application-property
// sections plus one body (Data, or a decoded AMQP value/sequence) and an optional footer.
type Message struct {
	Header                 *MessageHeader
	DeliveryAnnotations    Annotations
	MessageAnnotations     Annotations
	Properties             *MessageProperties
	ApplicationProperties  map[string]interface{}
	Data                   [][]byte
	Value                  interface{}
	Footer                 Annotations

	Format      uint32
	DeliveryTag []byte
	// SendSettled marks this delivery pre-settled when the sender's negotiated
	// settlement mode is Mixed; it has no effect under Settled or Unsettled.
	SendSettled bool

	// deliveryID and linkName are populated by the Receiver on inbound messages and
	// are unused when a Message is constructed for sending.
	deliveryID uint32
	linkName   string
}

// NewMessage wraps data as a single-section Data body.
func NewMessage(data []byte) *Message {
	return &Message{Data: [][]byte{data}}
}

// GetData returns the concatenated bytes of every Data section, or nil if the body is an
// AMQP value instead.
func (m *Message) GetData() []byte {
	if len(m.Data) == 1 {
		return m.Data[0]
	}
	var out []byte
	for _, d := range m.Data {
		out = append(out, d...)
	}
	return out
}

// Marshal encodes every populated section of the message onto wr, in wire order.
func (m *Message) Marshal(wr *buffer.Buffer) error {
	if m.Header != nil {
		if err := m.Header.Marshal(wr); err != nil {
			return err
		}
	}
	if len(m.DeliveryAnnotations) > 0 {
		encoding.WriteDescriptor(wr, encoding.TypeCodeDeliveryAnnotations)
		if err := m.DeliveryAnnotations.Marshal(wr); err != nil {
			return err
		}
	}
	if len(m.MessageAnnotations) > 0 {
		encoding.WriteDescriptor(wr, encoding.TypeCodeMessageAnnotations)
		if err := m.MessageAnnotations.Marshal(wr); err != nil {
			return err
		}
	}
	if m.Properties != nil {
		if err := m.Properties.Marshal(wr); err != nil {
			return err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		encoding.WriteDescriptor(wr, encoding.TypeCodeApplicationProperties)
		if err := encoding.Marshal(wr, m.ApplicationProperties); err != nil {
			return err
		}
	}
	for _, d := range m.Data {
		encoding.WriteDescriptor(wr, encoding.TypeCodeApplicationData)
		if err := encoding.WriteBinary(wr, d); err != nil {
			return err
		}
	}
	if m.Value != nil {
		encoding.WriteDescriptor(wr, encoding.TypeCodeAMQPValue)
		if err := encoding.Marshal(wr, m.Value); err != nil {
			return err
		}
	}
	if len(m.Footer) > 0 {
		encoding.WriteDescriptor(wr, encoding.TypeCodeFooter)
		if err := m.Footer.Marshal(wr); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal decodes every section present in r into m, dispatching on each section's
// descriptor until r is exhausted.
func (m *Message) Unmarshal(r *buffer.Buffer) error {
	for r.Len() > 0 {
		save := *r
		code, err := encoding.ReadDescriptor(r)
		if err != nil {
			return err
		}
		*r = save

		switch code {
		case encoding.TypeCodeMessageHeader:
			m.Header = new(MessageHeader)
			if err := m.Header.Unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeDeliveryAnnotations:
			if _, err := encoding.ReadDescriptor(r); err != nil {
				return err
			}
			if err := m.DeliveryAnnotations.Unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeMessageAnnotations:
			if _, err := encoding.ReadDescriptor(r); err != nil {
				return err
			}
			if err := m.MessageAnnotations.Unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeMessageProperties:
			m.Properties = new(MessageProperties)
			if err := m.Properties.Unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeApplicationProperties:
			if _, err := encoding.ReadDescriptor(r); err != nil {
				return err
			}
			if err := encoding.Unmarshal(r, &m.ApplicationProperties); err != nil {
				return err
			}
		case encoding.TypeCodeApplicationData:
			if _, err := encoding.ReadDescriptor(r); err != nil {
				return err
			}
			var d []byte
			if err := encoding.Unmarshal(r, &d); err != nil {
				return err
			}
			m.Data = append(m.Data, d)
		case encoding.TypeCodeAMQPValue:
			if _, err := encoding.ReadDescriptor(r); err != nil {
				return err
			}
			if err := encoding.Unmarshal(r, &m.Value); err != nil {
				return err
			}
		case encoding.TypeCodeAMQPSequence:
			if _, err := encoding.ReadDescriptor(r); err != nil {
				return err
			}
			var seq interface{}
			if err := encoding.Unmarshal(r, &seq); err != nil {
				return err
			}
			m.Value = seq
		case encoding.TypeCodeFooter:
			if _, err := encoding.ReadDescriptor(r); err != nil {
				return err
			}
			if err := m.Footer.Unmarshal(r); err != nil {
				return err
			}
		default:
			return fmt.Errorf("amqp: unexpected message section descriptor %#02x", code)
		}
	}
	return nil
}
