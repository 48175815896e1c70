// Package signer defines the contract of the external signing capability:
// report the active account, sign a message, broadcast a value transfer and
// await its confirmation receipt. Implementations may block indefinitely while
// the user decides; callers never impose a timeout of their own.
package signer

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrUnavailable means no signer is installed or reachable.
	ErrUnavailable = errors.New("signer unavailable")
	// ErrUserDeclined means the user rejected the request in the signer.
	ErrUserDeclined = errors.New("user declined the request")
	// ErrInsufficientFunds means the account cannot cover amount plus fees.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNoAccount means the signer has no active account.
	ErrNoAccount = errors.New("signer has no active account")
)

// TransferRequest is a native value transfer of exactly Value smallest units.
type TransferRequest struct {
	From  string
	To    string
	Value *big.Int
}

// Receipt is the confirmation result of a broadcast transfer.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
}

// Signer is the external signing capability.
type Signer interface {
	// Available reports whether the capability is installed and reachable.
	Available(ctx context.Context) bool
	// ActiveAccount returns the account the user currently has selected.
	ActiveAccount(ctx context.Context) (string, error)
	// SignMessage returns a hex EIP-191 personal_sign signature by account.
	SignMessage(ctx context.Context, account, message string) (string, error)
	// SendTransfer broadcasts the transfer and returns its transaction hash.
	SendTransfer(ctx context.Context, req TransferRequest) (string, error)
	// WaitReceipt blocks until the transaction is included and returns its receipt.
	WaitReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// BalanceReader reads the on-chain balance of an address in smallest units.
type BalanceReader interface {
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
}

// IsAvailable is a nil-safe availability check.
func IsAvailable(ctx context.Context, s Signer) bool {
	return s != nil && s.Available(ctx)
}
