package solana

import (
	"context"

	"github.com/gagliardetto/solana-go/rpc"
)

// Commitment levels accepted by the subscription API.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// Dialer builds connections to the transaction feed.
type Dialer interface {
	// Dial establishes a new connection. Each call returns an independent connection.
	Dial(ctx context.Context) (Conn, error)
}

// Conn is a single live connection to the transaction feed.
type Conn interface {
	// Subscribe opens a transaction stream matching the request.
	Subscribe(ctx context.Context, req SubscribeRequest) (Stream, error)

	// Close closes the connection and terminates all of its streams.
	Close() error
}

// Stream yields feed updates in delivery order.
type Stream interface {
	// Recv blocks until the next update is available.
	// Returns io.EOF when the feed ended the stream cleanly.
	Recv(ctx context.Context) (*Update, error)
}

// TransactionFilter selects which transactions the feed delivers.
type TransactionFilter struct {
	Vote           bool
	Failed         bool
	AccountInclude []string
	AccountExclude []string
}

// SubscribeRequest defines a transaction subscription.
type SubscribeRequest struct {
	// FilterKey is a label naming the filter set.
	FilterKey  string
	Filter     TransactionFilter
	Commitment string
}

// UpdateKind discriminates feed updates.
type UpdateKind int

const (
	// UpdateKindOther is any notification that is not a transaction.
	UpdateKindOther UpdateKind = iota
	// UpdateKindTransaction carries a TransactionUpdate.
	UpdateKindTransaction
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateKindTransaction:
		return "transaction"
	default:
		return "other"
	}
}

// Update is a single item delivered by the feed.
type Update struct {
	Kind           UpdateKind
	Method         string // notification method as received
	SubscriptionID int64
	Transaction    *TransactionUpdate // set only for UpdateKindTransaction
}

// TransactionStatus reports how much of a transaction the feed resolved.
type TransactionStatus int

const (
	// TransactionPartial lacks the message or execution metadata.
	TransactionPartial TransactionStatus = iota
	// TransactionComplete has both message and metadata.
	TransactionComplete
)

// TransactionUpdate is a raw transaction notification.
type TransactionUpdate struct {
	Signature   string // base58, as delivered
	Slot        uint64
	Transaction *rpc.TransactionResultEnvelope
	Meta        *rpc.TransactionMeta

	// DecodeErr is set when the notification payload could not be decoded.
	DecodeErr error
}

// Status returns TransactionComplete when both message and metadata are present.
func (t *TransactionUpdate) Status() TransactionStatus {
	if t == nil || t.Transaction == nil || t.Meta == nil {
		return TransactionPartial
	}
	return TransactionComplete
}

// LogMessages returns the program log lines, or nil if unavailable.
func (t *TransactionUpdate) LogMessages() []string {
	if t == nil || t.Meta == nil {
		return nil
	}
	return t.Meta.LogMessages
}
