package signer

import (
	"context"
	"math/big"
)

// FuncSigner adapts callback functions to the Signer and BalanceReader interfaces.
// A nil AvailableFunc reports the signer as available; other nil callbacks return
// ErrUnavailable.
type FuncSigner struct {
	AvailableFunc     func(ctx context.Context) bool
	ActiveAccountFunc func(ctx context.Context) (string, error)
	SignMessageFunc   func(ctx context.Context, account, message string) (string, error)
	SendTransferFunc  func(ctx context.Context, req TransferRequest) (string, error)
	WaitReceiptFunc   func(ctx context.Context, txHash string) (*Receipt, error)
	BalanceOfFunc     func(ctx context.Context, address string) (*big.Int, error)
}

// Available delegates to the configured callback.
func (f *FuncSigner) Available(ctx context.Context) bool {
	if f.AvailableFunc == nil {
		return true
	}
	return f.AvailableFunc(ctx)
}

// ActiveAccount delegates to the configured callback.
func (f *FuncSigner) ActiveAccount(ctx context.Context) (string, error) {
	if f.ActiveAccountFunc == nil {
		return "", ErrUnavailable
	}
	return f.ActiveAccountFunc(ctx)
}

// SignMessage delegates to the configured callback.
func (f *FuncSigner) SignMessage(ctx context.Context, account, message string) (string, error) {
	if f.SignMessageFunc == nil {
		return "", ErrUnavailable
	}
	return f.SignMessageFunc(ctx, account, message)
}

// SendTransfer delegates to the configured callback.
func (f *FuncSigner) SendTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if f.SendTransferFunc == nil {
		return "", ErrUnavailable
	}
	return f.SendTransferFunc(ctx, req)
}

// WaitReceipt delegates to the configured callback.
func (f *FuncSigner) WaitReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if f.WaitReceiptFunc == nil {
		return nil, ErrUnavailable
	}
	return f.WaitReceiptFunc(ctx, txHash)
}

// BalanceOf delegates to the configured callback.
func (f *FuncSigner) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if f.BalanceOfFunc == nil {
		return nil, ErrUnavailable
	}
	return f.BalanceOfFunc(ctx, address)
}
