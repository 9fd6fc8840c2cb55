package frames

import (
	"github.com/dgandalf/go-amqp10/internal/buffer"
	"github.com/dgandalf/go-amqp10/internal/encoding"
)

// SASLMechanisms is sent by the server to advertise the mechanisms it supports.
type SASLMechanisms struct {
	Mechanisms []encoding.Symbol
}

func (s *SASLMechanisms) frameBody() {}

func (s *SASLMechanisms) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLMechanism, []encoding.Field{
		{Value: s.Mechanisms, Omit: len(s.Mechanisms) == 0},
	})
}

func (s *SASLMechanisms) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLMechanism, []encoding.UnmarshalField{
		{Field: symbolArrayField{&s.Mechanisms}},
	})
}

// SASLInit is sent by the client to choose a mechanism and kick off the exchange.
type SASLInit struct {
	Mechanism       encoding.Symbol
	InitialResponse []byte
	Hostname        string
}

func (s *SASLInit) frameBody() {}

func (s *SASLInit) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLInit, []encoding.Field{
		{Value: s.Mechanism},
		{Value: s.InitialResponse, Omit: s.InitialResponse == nil},
		{Value: s.Hostname, Omit: s.Hostname == ""},
	})
}

func (s *SASLInit) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLInit, []encoding.UnmarshalField{
		{Field: &s.Mechanism},
		{Field: &s.InitialResponse},
		{Field: &s.Hostname},
	})
}

// SASLChallenge carries a server challenge mid-exchange.
type SASLChallenge struct {
	Challenge []byte
}

func (s *SASLChallenge) frameBody() {}

func (s *SASLChallenge) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLChallenge, []encoding.Field{
		{Value: s.Challenge},
	})
}

func (s *SASLChallenge) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLChallenge, []encoding.UnmarshalField{
		{Field: &s.Challenge},
	})
}

// SASLResponse carries a client response to a challenge.
type SASLResponse struct {
	Response []byte
}

func (s *SASLResponse) frameBody() {}

func (s *SASLResponse) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLResponse, []encoding.Field{
		{Value: s.Response},
	})
}

func (s *SASLResponse) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLResponse, []encoding.UnmarshalField{
		{Field: &s.Response},
	})
}

// SASLCode is the outcome of a SASL exchange.
type SASLCode uint8

const (
	SASLCodeOK      SASLCode = iota // authentication succeeded
	SASLCodeAuth                    // failed due to bad credentials
	SASLCodeSys                     // system error, may retry
	SASLCodeSysPerm                 // system error that will not be corrected by retrying
	SASLCodeSysTemp                 // transient system error, may retry
)

// SASLOutcome terminates a SASL exchange with a result code.
type SASLOutcome struct {
	Code           SASLCode
	AdditionalData []byte
}

func (s *SASLOutcome) frameBody() {}

func (s *SASLOutcome) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLOutcome, []encoding.Field{
		{Value: uint8(s.Code)},
		{Value: s.AdditionalData, Omit: s.AdditionalData == nil},
	})
}

func (s *SASLOutcome) Unmarshal(r *buffer.Buffer) error {
	var code uint8
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeSASLOutcome, []encoding.UnmarshalField{
		{Field: &code},
		{Field: &s.AdditionalData},
	})
	s.Code = SASLCode(code)
	return err
}
