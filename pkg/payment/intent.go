package payment

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrIllegalTransition is returned when an intent is moved along an edge the lifecycle does not have.
var ErrIllegalTransition = errors.New("illegal payment status transition")

// Status is the lifecycle position of a payment intent.
type Status string

const (
	StatusDraft        Status = "draft"
	StatusSigning      Status = "signing"
	StatusBroadcast    Status = "broadcast"
	StatusConfirmed    Status = "confirmed"
	StatusRecordFailed Status = "record_failed"
	StatusFailed       Status = "failed"
)

// transitions lists the allowed next statuses of each status.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusSigning, StatusFailed},
	StatusSigning:   {StatusBroadcast, StatusFailed},
	StatusBroadcast: {StatusConfirmed, StatusFailed},
	StatusConfirmed: {StatusRecordFailed},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason codes of failed payments.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonUserDeclined       Reason = "user_declined"
	ReasonInsufficientFunds  Reason = "insufficient_funds"
	ReasonBroadcastFailed    Reason = "broadcast_failed"
	ReasonExecutionReverted  Reason = "execution_reverted"
	ReasonConfirmationFailed Reason = "confirmation_failed"
)

// Intent is one payment from user action to terminal status.
type Intent struct {
	ID          string    `json:"id"`
	Recipient   string    `json:"recipient"`
	Amount      string    `json:"amount"`
	Value       *big.Int  `json:"value"`
	Currency    string    `json:"currency"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Reason      Reason    `json:"reason,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// advance moves the intent to status to, refusing edges outside the table.
func (i *Intent) advance(to Status, now time.Time) error {
	if !CanTransition(i.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, i.Status, to)
	}
	i.Status = to
	i.UpdatedAt = now
	return nil
}

// Terminal reports whether the intent has no further lifecycle edges.
func (i Intent) Terminal() bool {
	return len(transitions[i.Status]) == 0
}

// OnChain reports whether value has moved, whatever the ledger says.
func (i Intent) OnChain() bool {
	return i.Status == StatusConfirmed || i.Status == StatusRecordFailed
}

func (i Intent) clone() Intent {
	if i.Value != nil {
		i.Value = new(big.Int).Set(i.Value)
	}
	return i
}
