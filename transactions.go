package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgandalf/go-amqp10/internal/buffer"
	"github.com/dgandalf/go-amqp10/internal/encoding"
	"github.com/dgandalf/go-amqp10/internal/frames"
	"github.com/dgandalf/go-amqp10/internal/shared"
)

// TransactionDeclare and TransactionDischarge are sent as a Message's Value to the
// transaction coordinator to begin and end a transaction.
type (
	TransactionDeclare   = encoding.Declare
	TransactionDischarge = encoding.Discharge
)

// TransactionControllerOptions configures a TransactionController created with
// Session.NewTransactionController.
type TransactionControllerOptions struct {
	// Capabilities advertised to the coordinator.
	Capabilities []string
}

// TransactionController declares and discharges transactions against a resource's
// transaction coordinator, per the AMQP 1.0 transactions extension.
//
// Reference: http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transactions-v1.0-os.html
type TransactionController struct {
	sender *Sender
}

// NewTransactionController attaches a transaction controller link to the session's peer
// coordinator.
func (s *Session) NewTransactionController(opts *TransactionControllerOptions) (*TransactionController, error) {
	snd := &Sender{
		link: link{
			key:      linkKey{shared.RandString(40), encoding.RoleSender},
			session:  s,
			close:    make(chan struct{}),
			detached: make(chan struct{}),
			source:   new(frames.Source),
		},
		detachOnDispositionError: true,
		pending:                  make(map[uint32]chan encoding.DeliveryState),
	}

	coordinator := &frames.Coordinator{}
	if opts != nil {
		for _, v := range opts.Capabilities {
			coordinator.Capabilities = append(coordinator.Capabilities, encoding.Symbol(v))
		}
	}

	snd.rx = make(chan frames.FrameBody, 1)

	ctx := context.Background()
	if err := snd.attachLink(ctx, s, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleSender
		pa.Target = nil
		pa.CoordinatorTarget = coordinator
	}, func(pa *frames.PerformAttach) {
		if pa.CoordinatorTarget == nil {
			snd.err = errors.New("amqp: peer did not attach a coordinator target")
		}
	}); err != nil {
		return nil, err
	}
	if snd.err != nil {
		return nil, snd.err
	}

	snd.transfers = make(chan frames.PerformTransfer)
	go snd.mux()

	return &TransactionController{sender: snd}, nil
}

// Declare asks the coordinator to start a new transaction, returning its assigned id.
func (tc *TransactionController) Declare(ctx context.Context) ([]byte, error) {
	done, err := tc.sender.send(ctx, &Message{Value: &TransactionDeclare{}})
	if err != nil {
		return nil, err
	}
	if done == nil {
		return nil, errors.New("amqp: coordinator did not settle the declare")
	}

	select {
	case state := <-done:
		declared, ok := state.(*encoding.StateDeclared)
		if !ok {
			return nil, fmt.Errorf("amqp: unexpected declare outcome %T", state)
		}
		return declared.TransactionID, nil
	case <-tc.sender.detached:
		return nil, tc.sender.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Discharge ends the transaction identified by txnID, committing it when fail is false or
// rolling back every operation performed under it when fail is true.
func (tc *TransactionController) Discharge(ctx context.Context, txnID []byte, fail bool) error {
	done, err := tc.sender.send(ctx, &Message{
		Value: &TransactionDischarge{TransactionID: txnID, Fail: fail},
	})
	if err != nil {
		return err
	}
	if done == nil {
		return nil
	}

	select {
	case state := <-done:
		if rej, ok := state.(*encoding.StateRejected); ok {
			return rej.Error
		}
		return nil
	case <-tc.sender.detached:
		return tc.sender.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the transaction controller's link.
func (tc *TransactionController) Close(ctx context.Context) error {
	return tc.sender.Close(ctx)
}

// transactionalState wraps a terminal delivery outcome so it is applied only once the
// transaction identified by txnID commits, per the AMQP transactional-state composite.
func transactionalState(txnID []byte, outcome encoding.DeliveryState) encoding.DeliveryState {
	return &encoding.StateTransactional{TransactionID: txnID, Outcome: outcome}
}

// txnRecord tracks the completions registered against one open transaction, run on discharge.
type txnRecord struct {
	completions []func(commit bool)
}

// TransactionResource is the coordinator side of the AMQP transactions extension: a link whose
// target terminus is a Coordinator rather than an ordinary Target. It assigns transaction ids
// on Declare and, per the accumulate-then-apply-on-commit shape a transaction resource follows,
// buffers each transaction's registered completions in txnState until the controller
// discharges it, applying them on commit and discarding them on rollback.
type TransactionResource struct {
	link

	mu       sync.Mutex
	txnState map[string]*txnRecord
}

// AcceptTransactionResource waits for a peer to attach a transaction-controller link and
// accepts it, acting as that transaction's coordinator.
func (s *Session) AcceptTransactionResource(ctx context.Context) (*TransactionResource, error) {
	pa, err := s.waitForCoordinatorAttach(ctx)
	if err != nil {
		return nil, err
	}

	tr := &TransactionResource{
		link: link{
			key:      linkKey{pa.Name, encoding.RoleReceiver},
			session:  s,
			close:    make(chan struct{}),
			detached: make(chan struct{}),
			source:   pa.Source,
		},
		txnState: make(map[string]*txnRecord),
	}
	if err := s.claimHandle(&tr.link, pa.Handle); err != nil {
		return nil, err
	}

	reply := &frames.PerformAttach{
		Name:              pa.Name,
		Handle:            pa.Handle,
		Role:              encoding.RoleReceiver,
		Source:            tr.source,
		CoordinatorTarget: pa.CoordinatorTarget,
	}
	if err := s.txFrame(reply, nil); err != nil {
		return nil, err
	}

	go tr.mux()
	return tr, nil
}

// Associate registers complete to run once the transaction identified by txnID is discharged:
// with commit=true if the controller committed, commit=false if it rolled back. Callers
// performing transactional sends/receives on other links of the same session use this to defer
// their own settlement until the transaction's fate is known.
func (tr *TransactionResource) Associate(txnID []byte, complete func(commit bool)) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rec, ok := tr.txnState[string(txnID)]
	if !ok {
		return fmt.Errorf("amqp: unknown transaction id %x", txnID)
	}
	rec.completions = append(rec.completions, complete)
	return nil
}

// Close closes the transaction resource's link.
func (tr *TransactionResource) Close(ctx context.Context) error {
	return tr.closeLink(ctx)
}

func (tr *TransactionResource) mux() {
	defer tr.muxDetach(nil, nil)

	credit := uint32(64)
	if err := tr.sendFlow(credit); err != nil {
		return
	}

	var payload []byte
	for {
		select {
		case fr := <-tr.rx:
			switch fr := fr.(type) {
			case *frames.PerformTransfer:
				payload = append(payload, fr.Payload...)
				if fr.More {
					continue
				}
				msg := &Message{}
				err := msg.Unmarshal(buffer.New(payload))
				payload = nil
				if err != nil {
					return
				}
				if err := tr.handleControlMessage(fr, msg); err != nil {
					return
				}
			case *frames.PerformFlow:
				// peer replenishing session/link windows; nothing for the resource to act on
			default:
				if err := tr.muxHandleFrame(fr); err != nil {
					return
				}
			}
		case <-tr.close:
			return
		case <-tr.session.done:
			return
		}
	}
}

func (tr *TransactionResource) sendFlow(credit uint32) error {
	deliveryCount := tr.deliveryCount
	return tr.session.txFrame(&frames.PerformFlow{
		Handle:        &tr.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &credit,
	}, nil)
}

// handleControlMessage applies a Declare or Discharge control message received from the
// transaction controller and replies with the matching disposition.
func (tr *TransactionResource) handleControlMessage(fr *frames.PerformTransfer, msg *Message) error {
	var deliveryID uint32
	if fr.DeliveryID != nil {
		deliveryID = *fr.DeliveryID
	}

	var state encoding.DeliveryState
	switch v := msg.Value.(type) {
	case *encoding.Declare:
		id := shared.RandString(16)
		tr.mu.Lock()
		tr.txnState[id] = &txnRecord{}
		tr.mu.Unlock()
		state = &encoding.StateDeclared{TransactionID: []byte(id)}

	case *encoding.Discharge:
		id := string(v.TransactionID)
		tr.mu.Lock()
		rec, ok := tr.txnState[id]
		delete(tr.txnState, id)
		tr.mu.Unlock()
		if !ok {
			state = &encoding.StateRejected{Error: &Error{Condition: ErrCondNotFound, Description: "unknown transaction id"}}
			break
		}
		for _, complete := range rec.completions {
			complete(!v.Fail)
		}
		state = &encoding.StateAccepted{}

	default:
		state = &encoding.StateRejected{Error: &Error{Condition: ErrCondNotImplemented}}
	}

	return tr.session.txFrame(&frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   deliveryID,
		Settled: true,
		State:   state,
	}, nil)
}
