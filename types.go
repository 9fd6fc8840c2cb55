package amqp

import "github.com/dgandalf/go-amqp10/internal/encoding"

// SenderSettleMode and ReceiverSettleMode control how delivery settlement is negotiated
// between a sender and receiver on a single link, per the AMQP 1.0 transport layer.
type (
	SenderSettleMode   = encoding.SenderSettleMode
	ReceiverSettleMode = encoding.ReceiverSettleMode
	Durability         = encoding.Durability
	ExpiryPolicy       = encoding.ExpiryPolicy
)

const (
	ModeUnsettled = encoding.SenderSettleModeUnsettled
	ModeSettled   = encoding.SenderSettleModeSettled
	ModeMixed     = encoding.SenderSettleModeMixed

	ModeFirst  = encoding.ReceiverSettleModeFirst
	ModeSecond = encoding.ReceiverSettleModeSecond

	DurabilityNone           = encoding.DurabilityNone
	DurabilityConfiguration  = encoding.DurabilityConfiguation
	DurabilityUnsettledState = encoding.DurabilityUnsettledState

	ExpiryLinkDetach      = encoding.ExpiryLinkDetach
	ExpirySessionEnd      = encoding.ExpirySessionEnd
	ExpiryConnectionClose = encoding.ExpiryConnectionClose
	ExpiryNever           = encoding.ExpiryNever
)

// SenderOptions configures a Sender created with Session.NewSender.
type SenderOptions struct {
	// Capabilities is added to the Source capabilities offered during attach.
	Capabilities []string

	// Durability requested of the Source terminus.
	Durability Durability

	// DynamicAddress requests the peer assign the target address.
	DynamicAddress bool

	// ExpiryPolicy requested of the Source terminus.
	ExpiryPolicy ExpiryPolicy

	// ExpiryTimeout, in seconds, requested of the Source terminus.
	ExpiryTimeout uint32

	// IgnoreDispositionErrors prevents a rejected disposition from detaching the link.
	IgnoreDispositionErrors bool

	// Name overrides the randomly generated link name.
	Name string

	// Properties attached to the attach frame.
	Properties map[string]interface{}

	// RequestedReceiverSettleMode requested of the peer.
	RequestedReceiverSettleMode *ReceiverSettleMode

	// SettlementMode this sender will operate under.
	SettlementMode *SenderSettleMode

	// SourceAddress overrides the Source address (normally left empty for a sender).
	SourceAddress string
}

// ReceiverOptions configures a Receiver created with Session.NewReceiver.
type ReceiverOptions struct {
	// Capabilities is added to the Target capabilities offered during attach.
	Capabilities []string

	// Credit is the number of messages the receiver is willing to buffer without
	// the caller issuing credit manually. When ManualCredits is true no credit is
	// issued automatically; Credit then only sizes the local message buffer, which
	// bounds how much credit IssueCredit accepts.
	Credit uint32

	// Durability requested of the Target terminus.
	Durability Durability

	// DynamicAddress requests the peer assign the source address.
	DynamicAddress bool

	// ExpiryPolicy requested of the Source terminus.
	ExpiryPolicy ExpiryPolicy

	// ExpiryTimeout, in seconds, requested of the Source terminus.
	ExpiryTimeout uint32

	// Filters applied to the Source terminus, keyed by filter name.
	Filters map[string]interface{}

	// ManualCredits disables automatic credit replenishment; the caller must call
	// Receiver.IssueCredit.
	ManualCredits bool

	// Name overrides the randomly generated link name.
	Name string

	// Properties attached to the attach frame.
	Properties map[string]interface{}

	// RequestedSenderSettleMode requested of the peer.
	RequestedSenderSettleMode *SenderSettleMode

	// SettlementMode this receiver will operate under.
	SettlementMode *ReceiverSettleMode

	// TargetAddress overrides the Target address (normally left empty for a receiver).
	TargetAddress string
}
