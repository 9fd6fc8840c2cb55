package frames

import (
	"fmt"

	"github.com/dgandalf/go-amqp10/internal/buffer"
	"github.com/dgandalf/go-amqp10/internal/encoding"
)

// Source describes a receiving link's or transaction's addressable origin.
type Source struct {
	Address               string
	Durable               encoding.Durability
	ExpiryPolicy          encoding.ExpiryPolicy
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[encoding.Symbol]interface{}
	DistributionMode      encoding.Symbol
	Filter                map[encoding.Symbol]interface{}
	DefaultOutcome        encoding.DeliveryState
	Outcomes              []encoding.Symbol
	Capabilities          []encoding.Symbol
}

func (s *Source) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSource, []encoding.Field{
		{Value: s.Address, Omit: s.Address == ""},
		{Value: s.Durable, Omit: s.Durable == encoding.DurabilityNone},
		{Value: s.ExpiryPolicy, Omit: s.ExpiryPolicy == "" || s.ExpiryPolicy == encoding.ExpirySessionEnd},
		{Value: s.Timeout, Omit: s.Timeout == 0},
		{Value: s.Dynamic, Omit: !s.Dynamic},
		{Value: s.DynamicNodeProperties, Omit: len(s.DynamicNodeProperties) == 0},
		{Value: s.DistributionMode, Omit: s.DistributionMode == ""},
		{Value: s.Filter, Omit: len(s.Filter) == 0},
		{Value: s.DefaultOutcome, Omit: s.DefaultOutcome == nil},
		{Value: s.Outcomes, Omit: len(s.Outcomes) == 0},
		{Value: s.Capabilities, Omit: len(s.Capabilities) == 0},
	})
}

func (s *Source) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSource, []encoding.UnmarshalField{
		{Field: &s.Address},
		{Field: &s.Durable},
		{Field: &s.ExpiryPolicy, HandleNull: func() error { s.ExpiryPolicy = encoding.ExpirySessionEnd; return nil }},
		{Field: &s.Timeout},
		{Field: &s.Dynamic},
		{Field: (*map[encoding.Symbol]interface{})(&s.DynamicNodeProperties)},
		{Field: &s.DistributionMode},
		{Field: (*map[encoding.Symbol]interface{})(&s.Filter)},
		{Field: &s.DefaultOutcome},
		{Field: symbolArrayField{&s.Outcomes}},
		{Field: symbolArrayField{&s.Capabilities}},
	})
}

func (s *Source) String() string {
	return fmt.Sprintf("Source{Address: %q, Durable: %v, ExpiryPolicy: %v, Dynamic: %v}",
		s.Address, s.Durable, s.ExpiryPolicy, s.Dynamic)
}

// Target describes a sending link's addressable destination.
type Target struct {
	Address               string
	Durable               encoding.Durability
	ExpiryPolicy          encoding.ExpiryPolicy
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[encoding.Symbol]interface{}
	Capabilities          []encoding.Symbol
}

func (t *Target) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeTarget, []encoding.Field{
		{Value: t.Address, Omit: t.Address == ""},
		{Value: t.Durable, Omit: t.Durable == encoding.DurabilityNone},
		{Value: t.ExpiryPolicy, Omit: t.ExpiryPolicy == "" || t.ExpiryPolicy == encoding.ExpirySessionEnd},
		{Value: t.Timeout, Omit: t.Timeout == 0},
		{Value: t.Dynamic, Omit: !t.Dynamic},
		{Value: t.DynamicNodeProperties, Omit: len(t.DynamicNodeProperties) == 0},
		{Value: t.Capabilities, Omit: len(t.Capabilities) == 0},
	})
}

func (t *Target) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeTarget, []encoding.UnmarshalField{
		{Field: &t.Address},
		{Field: &t.Durable},
		{Field: &t.ExpiryPolicy, HandleNull: func() error { t.ExpiryPolicy = encoding.ExpirySessionEnd; return nil }},
		{Field: &t.Timeout},
		{Field: &t.Dynamic},
		{Field: (*map[encoding.Symbol]interface{})(&t.DynamicNodeProperties)},
		{Field: symbolArrayField{&t.Capabilities}},
	})
}

func (t *Target) String() string {
	return fmt.Sprintf("Target{Address: %q, Durable: %v, ExpiryPolicy: %v, Dynamic: %v}",
		t.Address, t.Durable, t.ExpiryPolicy, t.Dynamic)
}

// Coordinator is the target terminus for a transaction controller link.
type Coordinator struct {
	Capabilities []encoding.Symbol
}

func (c *Coordinator) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeCoordinator, []encoding.Field{
		{Value: c.Capabilities, Omit: len(c.Capabilities) == 0},
	})
}

func (c *Coordinator) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeCoordinator, []encoding.UnmarshalField{
		{Field: symbolArrayField{&c.Capabilities}},
	})
}

type symbolArrayField struct {
	target *[]encoding.Symbol
}

func (s symbolArrayField) Unmarshal(r *buffer.Buffer) error {
	return encoding.Unmarshal(r, s.target)
}
