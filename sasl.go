package amqp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xdg/scram"

	"github.com/dgandalf/go-amqp10/internal/buffer"
	"github.com/dgandalf/go-amqp10/internal/debug"
	"github.com/dgandalf/go-amqp10/internal/encoding"
	"github.com/dgandalf/go-amqp10/internal/frames"
)

const (
	saslMechanismPLAIN      encoding.Symbol = "PLAIN"
	saslMechanismANONYMOUS  encoding.Symbol = "ANONYMOUS"
	saslMechanismSHA256     encoding.Symbol = "SCRAM-SHA-256"
	saslMechanismSHA512     encoding.Symbol = "SCRAM-SHA-512"
)

// saslMechanism drives one side of a SASL negotiation. init returns the mechanism name and the
// initial response (possibly empty); step answers a server challenge with a response, or
// reports the conversation complete.
type saslMechanism interface {
	init() (encoding.Symbol, []byte)
	step(challenge []byte) (response []byte, done bool, err error)
}

type plainMechanism struct {
	username, password string
}

func saslPlain(username, password string) saslMechanism {
	return &plainMechanism{username: username, password: password}
}

func (p *plainMechanism) init() (encoding.Symbol, []byte) {
	resp := make([]byte, 0, len(p.username)+len(p.password)+2)
	resp = append(resp, 0)
	resp = append(resp, p.username...)
	resp = append(resp, 0)
	resp = append(resp, p.password...)
	return saslMechanismPLAIN, resp
}

func (p *plainMechanism) step([]byte) ([]byte, bool, error) {
	return nil, true, nil
}

type anonymousMechanism struct{}

func saslAnonymous() saslMechanism {
	return anonymousMechanism{}
}

func (anonymousMechanism) init() (encoding.Symbol, []byte) {
	return saslMechanismANONYMOUS, nil
}

func (anonymousMechanism) step([]byte) ([]byte, bool, error) {
	return nil, true, nil
}

// xdgSCRAMClient adapts github.com/xdg/scram's conversation state machine to saslMechanism.
type xdgSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
	mechanism encoding.Symbol
}

// saslSCRAMSHA256 authenticates with the SCRAM-SHA-256 mechanism.
func saslSCRAMSHA256(username, password string) saslMechanism {
	return newSCRAMMechanism(saslMechanismSHA256, sha256.New, username, password)
}

// saslSCRAMSHA512 authenticates with the SCRAM-SHA-512 mechanism.
func saslSCRAMSHA512(username, password string) saslMechanism {
	return newSCRAMMechanism(saslMechanismSHA512, sha512.New, username, password)
}

func newSCRAMMechanism(mechanism encoding.Symbol, gen scram.HashGeneratorFcn, username, password string) saslMechanism {
	x := &xdgSCRAMClient{HashGeneratorFcn: gen, mechanism: mechanism}
	var err error
	x.Client, err = x.HashGeneratorFcn.NewClient(username, password, "")
	if err != nil {
		return &brokenMechanism{mechanism: mechanism, err: err}
	}
	x.ClientConversation = x.Client.NewConversation()
	return x
}

func (x *xdgSCRAMClient) init() (encoding.Symbol, []byte) {
	first, err := x.ClientConversation.Step("")
	if err != nil {
		return x.mechanism, nil
	}
	return x.mechanism, []byte(first)
}

func (x *xdgSCRAMClient) step(challenge []byte) ([]byte, bool, error) {
	if x.ClientConversation.Done() {
		return nil, true, nil
	}
	resp, err := x.ClientConversation.Step(string(challenge))
	if err != nil {
		return nil, false, err
	}
	return []byte(resp), x.ClientConversation.Done(), nil
}

// brokenMechanism carries a construction-time error through the init/step interface so it
// surfaces from negotiateSASL instead of panicking at option-application time.
type brokenMechanism struct {
	mechanism encoding.Symbol
	err       error
}

func (b *brokenMechanism) init() (encoding.Symbol, []byte) { return b.mechanism, nil }
func (b *brokenMechanism) step([]byte) ([]byte, bool, error) {
	return nil, true, b.err
}

// negotiateSASL runs the SASL-Mechanisms/Init/Challenge*/Response*/Outcome exchange using the
// first of c.saslMechanisms whose name the peer advertises.
func (c *conn) negotiateSASL() error {
	fr, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("amqp: reading sasl-mechanisms: %w", err)
	}
	mechs, ok := fr.(*frames.SASLMechanisms)
	if !ok {
		return fmt.Errorf("amqp: expected sasl-mechanisms, got %T", fr)
	}

	var (
		chosen      saslMechanism
		name        encoding.Symbol
		initialResp []byte
	)
	for _, m := range c.saslMechanisms {
		n, resp := m.init()
		for _, offered := range mechs.Mechanisms {
			if offered == n {
				chosen, name, initialResp = m, n, resp
				goto negotiate
			}
		}
	}
	return fmt.Errorf("amqp: no matching sasl mechanism, server offered %v", mechs.Mechanisms)

negotiate:
	debug.Log(context.Background(), slog.LevelDebug, "sasl init", slog.String("mechanism", string(name)))
	if err := c.writeSASLFrame(&frames.SASLInit{
		Mechanism:       name,
		InitialResponse: initialResp,
		Hostname:        c.hostname,
	}); err != nil {
		return err
	}

	for {
		fr, err := c.readFrame()
		if err != nil {
			return fmt.Errorf("amqp: reading sasl challenge/outcome: %w", err)
		}
		switch fr := fr.(type) {
		case *frames.SASLOutcome:
			if fr.Code != frames.SASLCodeOK {
				return fmt.Errorf("amqp: sasl authentication failed, code %d", fr.Code)
			}
			return nil
		case *frames.SASLChallenge:
			resp, _, err := chosen.step(fr.Challenge)
			if err != nil {
				return fmt.Errorf("amqp: sasl step: %w", err)
			}
			if err := c.writeSASLFrame(&frames.SASLResponse{Response: resp}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("amqp: unexpected frame %T during sasl negotiation", fr)
		}
	}
}

// negotiateSASLServer advertises this listener's supported mechanisms, validates the peer's
// SASLInit against allowAnonymous/authenticate, and issues the outcome. Only PLAIN and
// ANONYMOUS are supported in the server role; SCRAM requires a credential lookup this package
// does not implement.
func (c *conn) negotiateSASLServer() error {
	var mechs []encoding.Symbol
	if c.allowAnonymous {
		mechs = append(mechs, saslMechanismANONYMOUS)
	}
	if c.authenticate != nil {
		mechs = append(mechs, saslMechanismPLAIN)
	}
	if len(mechs) == 0 {
		return errors.New("amqp: listener has no sasl mechanisms configured")
	}

	if err := c.writeSASLFrame(&frames.SASLMechanisms{Mechanisms: mechs}); err != nil {
		return err
	}

	fr, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("amqp: reading sasl-init: %w", err)
	}
	init, ok := fr.(*frames.SASLInit)
	if !ok {
		return fmt.Errorf("amqp: expected sasl-init, got %T", fr)
	}

	var outcome frames.SASLOutcome
	switch init.Mechanism {
	case saslMechanismANONYMOUS:
		if !c.allowAnonymous {
			outcome.Code = frames.SASLCodeAuth
			break
		}
		outcome.Code = frames.SASLCodeOK
	case saslMechanismPLAIN:
		user, pass, perr := parsePlainResponse(init.InitialResponse)
		if perr != nil || c.authenticate == nil || !c.authenticate(user, pass) {
			outcome.Code = frames.SASLCodeAuth
			break
		}
		outcome.Code = frames.SASLCodeOK
	default:
		outcome.Code = frames.SASLCodeAuth
	}

	debug.Log(context.Background(), slog.LevelDebug, "sasl outcome", slog.Any("mechanism", init.Mechanism), slog.Int("code", int(outcome.Code)))
	if err := c.writeSASLFrame(&outcome); err != nil {
		return err
	}
	if outcome.Code != frames.SASLCodeOK {
		return fmt.Errorf("amqp: sasl authentication rejected for mechanism %v", init.Mechanism)
	}
	return nil
}

// parsePlainResponse splits a PLAIN initial response of the form "\0user\0pass".
func parsePlainResponse(resp []byte) (user, pass string, err error) {
	parts := bytes.SplitN(resp, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("amqp: malformed PLAIN response")
	}
	return string(parts[1]), string(parts[2]), nil
}

func (c *conn) writeSASLFrame(fr frames.FrameBody) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	bodyBuf := buffer.New(nil)
	if err := encoding.Marshal(bodyBuf, fr); err != nil {
		return err
	}
	body := bodyBuf.Detach()

	hdr := frames.Header{
		Size:       uint32(len(body)) + frames.HeaderSize,
		DataOffset: 2,
		FrameType:  frames.TypeSASL,
	}
	hdrBuf := buffer.New(nil)
	if err := hdr.Marshal(hdrBuf); err != nil {
		return err
	}
	raw := append(hdrBuf.Detach(), body...)
	_, err := c.net.Write(raw)
	return err
}
