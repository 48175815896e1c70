// Package wallet holds the views the wallet daemon returns to its callers.
package wallet

import (
	"time"

	"github.com/chainsafe/wallet-reconciler/pkg/identity"
	"github.com/chainsafe/wallet-reconciler/pkg/payment"
)

// SessionResponse is returned by login and signup
type SessionResponse struct {
	AccessToken string     `json:"access_token"`
	Username    string     `json:"username,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Overview is the resolved wallet identity
type Overview struct {
	Connected bool               `json:"connected"`
	Identity  *identity.Identity `json:"identity,omitempty"`
}

// ConnectResponse is returned after a successful binding
type ConnectResponse struct {
	Identity       *identity.Identity `json:"identity"`
	BackendAddress string             `json:"backend_address,omitempty"`
	Message        string             `json:"message,omitempty"`
}

// Balance is the cached balance of the canonical address and its conversions
type Balance struct {
	Address   string            `json:"address"`
	Known     bool              `json:"known"`
	Amount    string            `json:"amount,omitempty"`
	Currency  string            `json:"currency"`
	Converted map[string]string `json:"converted"`
	RateStale bool              `json:"rate_stale"`
}

// Settled is the outcome of the most recent confirmed payment
type Settled struct {
	Intent       payment.Intent `json:"intent"`
	Done         bool           `json:"done"`
	Recorded     bool           `json:"recorded"`
	RecordError  string         `json:"record_error,omitempty"`
	BalanceError string         `json:"balance_error,omitempty"`
	HistoryError string         `json:"history_error,omitempty"`
}

// PaymentStatus is the in-flight intent, if any, and the last settlement
type PaymentStatus struct {
	InFlight *payment.Intent `json:"in_flight,omitempty"`
	Last     *Settled        `json:"last,omitempty"`
}
