package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgandalf/go-amqp10/internal/buffer"
	"github.com/dgandalf/go-amqp10/internal/debug"
	"github.com/dgandalf/go-amqp10/internal/encoding"
	"github.com/dgandalf/go-amqp10/internal/frames"
	"github.com/dgandalf/go-amqp10/internal/shared"
)

const defaultLinkCredit = 1000

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	link

	manualCredit bool
	creditor     *manualCreditor
	creditReqs   chan struct{} // signals mux to flush pending IssueCredit/Drain state

	messages chan *Message

	// assembling accumulates the payload of a delivery split across multiple Transfer frames
	// (more=true on all but the last); nil when no delivery is in progress.
	assembling *partialDelivery
}

// partialDelivery holds the bytes received so far for a delivery still in progress across
// multiple Transfer frames, keyed by the delivery-id the sender used on the first frame.
type partialDelivery struct {
	deliveryID uint32
	payload    []byte
}

// LinkName is the name of the link used for this Receiver.
func (r *Receiver) LinkName() string {
	return r.key.name
}

// MaxMessageSize is the maximum size of a single message accepted on this link.
func (r *Receiver) MaxMessageSize() uint64 {
	return r.maxMessageSize
}

// Address returns the link's source address.
func (r *Receiver) Address() string {
	if r.source == nil {
		return ""
	}
	return r.source.Address
}

// Receive returns the next message on the link, blocking until one is available, the link
// detaches, or ctx is done.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-r.messages:
		return msg, nil
	case <-r.detached:
		return nil, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prefetched returns a message buffered locally, if one exists, without blocking.
func (r *Receiver) Prefetched() *Message {
	select {
	case msg := <-r.messages:
		return msg
	default:
		return nil
	}
}

// IssueCredit requests additional credits from the sender. It is only valid when the receiver
// was created with ReceiverOptions.ManualCredits set.
func (r *Receiver) IssueCredit(credits uint32) error {
	if !r.manualCredit {
		return errors.New("amqp: IssueCredit requires manual credit management, see ReceiverOptions.ManualCredits")
	}
	if err := r.creditor.IssueCredit(credits, r); err != nil {
		return err
	}
	select {
	case r.creditReqs <- struct{}{}:
	default:
		// mux hasn't drained the previous signal yet; it will see this
		// credit once it does, since FlowBits() reports all queued credit
	}
	return nil
}

// DrainCredit drains any outstanding credit, blocking until the peer confirms or ctx expires.
// It is only valid when the receiver was created with ReceiverOptions.ManualCredits set.
func (r *Receiver) DrainCredit(ctx context.Context) error {
	if !r.manualCredit {
		return errors.New("amqp: DrainCredit requires manual credit management, see ReceiverOptions.ManualCredits")
	}
	if err := r.sendFlow(r.linkCredit, true); err != nil {
		return err
	}
	return r.creditor.Drain(ctx, r)
}

// AcceptMessage notifies the sender that msg was accepted.
func (r *Receiver) AcceptMessage(ctx context.Context, msg *Message) error {
	return r.settleMessage(ctx, msg, &encoding.StateAccepted{})
}

// RejectMessage notifies the sender that msg was rejected and will not be redelivered.
func (r *Receiver) RejectMessage(ctx context.Context, msg *Message, e *Error) error {
	return r.settleMessage(ctx, msg, &encoding.StateRejected{Error: e})
}

// ReleaseMessage notifies the sender that msg was not processed and may be redelivered.
func (r *Receiver) ReleaseMessage(ctx context.Context, msg *Message) error {
	return r.settleMessage(ctx, msg, &encoding.StateReleased{})
}

// ModifyMessage notifies the sender msg was not processed but should be retried, optionally
// annotated and marked as a failed delivery attempt.
func (r *Receiver) ModifyMessage(ctx context.Context, msg *Message, deliveryFailed, undeliverableHere bool, annotations Annotations) error {
	return r.settleMessage(ctx, msg, &encoding.StateModified{
		DeliveryFailed:     deliveryFailed,
		UndeliverableHere:  undeliverableHere,
		MessageAnnotations: symbolAnnotations(annotations),
	})
}

// AcceptMessageTransactional accepts msg as part of the transaction identified by txnID; the
// outcome only takes effect when that transaction is discharged with fail=false.
func (r *Receiver) AcceptMessageTransactional(ctx context.Context, msg *Message, txnID []byte) error {
	return r.settleMessage(ctx, msg, transactionalState(txnID, &encoding.StateAccepted{}))
}

func symbolAnnotations(a Annotations) map[encoding.Symbol]interface{} {
	if a == nil {
		return nil
	}
	m := make(map[encoding.Symbol]interface{}, len(a))
	for k, v := range a {
		m[encoding.Symbol(k)] = v
	}
	return m
}

func (r *Receiver) settleMessage(ctx context.Context, msg *Message, state encoding.DeliveryState) error {
	if receiverSettleModeValue(r.receiverSettleMode) == ModeFirst {
		return nil // sender already considers it settled; nothing to acknowledge
	}

	select {
	case <-r.detached:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return r.session.txFrame(&frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   msg.deliveryID,
		Settled: true,
		State:   state,
	}, nil)
}

// Close closes the Receiver and its AMQP link.
func (r *Receiver) Close(ctx context.Context) error {
	return r.closeLink(ctx)
}

// newReceiver creates a new receiving link, not yet attached to a session.
func newReceiver(source string, s *Session, opts *ReceiverOptions) (*Receiver, error) {
	r := &Receiver{
		link: link{
			key:      linkKey{shared.RandString(40), encoding.RoleReceiver},
			session:  s,
			close:    make(chan struct{}),
			detached: make(chan struct{}),
			source:   &frames.Source{Address: source},
			target:   new(frames.Target),
		},
	}

	credit := uint32(defaultLinkCredit)
	if opts == nil {
		r.messages = make(chan *Message, credit)
		r.linkCredit = credit
		return r, nil
	}

	for _, v := range opts.Capabilities {
		r.target.Capabilities = append(r.target.Capabilities, encoding.Symbol(v))
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	r.target.Durable = opts.Durability
	if opts.DynamicAddress {
		r.source.Address = ""
		r.dynamicAddr = true
	}
	if opts.ExpiryPolicy != "" {
		if err := encoding.ValidateExpiryPolicy(opts.ExpiryPolicy); err != nil {
			return nil, err
		}
		r.source.ExpiryPolicy = opts.ExpiryPolicy
	}
	r.source.Timeout = opts.ExpiryTimeout
	if opts.Filters != nil {
		r.source.Filter = make(map[encoding.Symbol]interface{})
		for k, v := range opts.Filters {
			r.source.Filter[encoding.Symbol(k)] = v
		}
	}
	if opts.Credit > 0 {
		credit = opts.Credit
	}
	if opts.Name != "" {
		r.key.name = opts.Name
	}
	if opts.Properties != nil {
		r.properties = make(map[encoding.Symbol]interface{})
		for k, v := range opts.Properties {
			if k == "" {
				return nil, errors.New("link property key must not be empty")
			}
			r.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedSenderSettleMode != nil {
		if ssm := *opts.RequestedSenderSettleMode; ssm > ModeMixed {
			return nil, fmt.Errorf("invalid RequestedSenderSettleMode %d", ssm)
		}
		r.senderSettleMode = opts.RequestedSenderSettleMode
	}
	if opts.SettlementMode != nil {
		if rsm := *opts.SettlementMode; rsm > ModeSecond {
			return nil, fmt.Errorf("invalid SettlementMode %d", rsm)
		}
		r.receiverSettleMode = opts.SettlementMode
	}
	r.target.Address = opts.TargetAddress

	r.manualCredit = opts.ManualCredits
	if r.manualCredit {
		r.creditor = &manualCreditor{}
		r.creditReqs = make(chan struct{}, 1)
	}

	r.messages = make(chan *Message, credit)
	if !r.manualCredit {
		r.linkCredit = credit
	}
	return r, nil
}

func (r *Receiver) attach(ctx context.Context, session *Session) error {
	r.rx = make(chan frames.FrameBody, 1)

	return r.attachLink(ctx, session, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleReceiver
		if pa.Source == nil {
			pa.Source = new(frames.Source)
		}
		pa.Source.Dynamic = r.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		if r.source == nil {
			r.source = new(frames.Source)
		}
		if r.dynamicAddr && pa.Source != nil {
			r.source.Address = pa.Source.Address
		}

		go r.mux()
	})
}

func (r *Receiver) mux() {
	defer r.muxDetach(nil, nil)

	if !r.manualCredit {
		if err := r.sendFlow(r.linkCredit, false); err != nil {
			r.err = err
			return
		}
	}

	for {
		select {
		case fr := <-r.rx:
			r.err = r.muxHandleFrame(fr)
			if r.err != nil {
				return
			}
		case <-r.creditReqs:
			drain, credits := r.creditor.FlowBits()
			if credits > 0 {
				r.linkCredit += credits
				if err := r.sendFlow(r.linkCredit, false); err != nil {
					r.err = err
					return
				}
			}
			if drain {
				if err := r.sendFlow(r.linkCredit, true); err != nil {
					r.err = err
					return
				}
			}
		case <-r.close:
			r.err = ErrLinkClosed
			return
		case <-r.session.done:
			r.err = r.session.err
			return
		}
	}
}

func (r *Receiver) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformTransfer:
		debug.Log(context.Background(), slog.LevelDebug, "RX transfer", slog.Any("frame", fr))
		return r.muxReceive(fr)

	case *frames.PerformFlow:
		if !r.manualCredit {
			return nil
		}
		drain, credits := r.creditor.FlowBits()
		if credits > 0 {
			r.linkCredit += credits
			if err := r.sendFlow(r.linkCredit, false); err != nil {
				return err
			}
		}
		if drain && fr.DeliveryCount != nil {
			r.linkCredit = 0
			r.creditor.EndDrain()
		}
		return nil

	default:
		return r.link.muxHandleFrame(fr)
	}
}

// muxReceive reassembles a delivery that may be split across multiple Transfer frames
// (all but the last carrying more=true) before handing the complete payload to Message.Unmarshal.
func (r *Receiver) muxReceive(fr *frames.PerformTransfer) error {
	if r.assembling != nil && fr.DeliveryID != nil && *fr.DeliveryID != r.assembling.deliveryID {
		return fmt.Errorf("amqp: transfer for delivery %d arrived while delivery %d was still in progress", *fr.DeliveryID, r.assembling.deliveryID)
	}

	if fr.Aborted {
		// discard accumulated bytes; credit was already granted for this delivery and is not
		// taken back
		r.assembling = nil
		return nil
	}

	if r.assembling == nil {
		deliveryID := uint32(0)
		if fr.DeliveryID != nil {
			deliveryID = *fr.DeliveryID
		}
		r.assembling = &partialDelivery{deliveryID: deliveryID}
	}
	r.assembling.payload = append(r.assembling.payload, fr.Payload...)

	if fr.More {
		return nil
	}

	payload := r.assembling.payload
	deliveryID := r.assembling.deliveryID
	r.assembling = nil

	msg := &Message{linkName: r.key.name, deliveryID: deliveryID}
	if err := msg.Unmarshal(buffer.New(payload)); err != nil {
		return err
	}

	select {
	case r.messages <- msg:
	default:
		return errors.New("amqp: receiver message buffer full")
	}

	if r.linkCredit > 0 {
		r.linkCredit--
	}
	if !r.manualCredit && r.linkCredit == 0 {
		r.linkCredit = defaultLinkCredit
		if err := r.sendFlow(r.linkCredit, false); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) sendFlow(credit uint32, drain bool) error {
	deliveryCount := r.deliveryCount
	resp := &frames.PerformFlow{
		Handle:        &r.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &credit,
		Drain:         drain,
	}
	return r.session.txFrame(resp, nil)
}
