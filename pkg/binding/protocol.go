// Package binding proves ownership of a signer account to the backend by a
// challenge/signature handshake and installs the proven address as the
// canonical wallet identity.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainsafe/wallet-reconciler/internal/metrics"
	apperrors "github.com/chainsafe/wallet-reconciler/pkg/app/errors"
	"github.com/chainsafe/wallet-reconciler/pkg/auth"
	"github.com/chainsafe/wallet-reconciler/pkg/identity"
	"github.com/chainsafe/wallet-reconciler/pkg/ledger"
	"github.com/chainsafe/wallet-reconciler/pkg/signer"
)

var (
	ErrSessionExpired      = errors.New("session expired")
	ErrNoUsername          = errors.New("session carries no username")
	ErrSignerUnavailable   = errors.New("signer unavailable")
	ErrAlreadyConnected    = identity.ErrAlreadyConnected
	ErrBindingInProgress   = identity.ErrBindingInProgress
	ErrUserDeclined        = errors.New("user declined the signature request")
	ErrInvalidSignature    = errors.New("invalid binding signature")
	ErrAddressAlreadyBound = errors.New("wallet address already bound to another account")
	ErrRejected            = errors.New("wallet binding rejected")
	ErrBindingConsumed     = errors.New("signature binding already submitted")
)

// State of the binding handshake.
type State int

const (
	StateIdle State = iota
	StateChallengeIssued
	StateSigned
	StateSubmitted
	StateBound
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChallengeIssued:
		return "challenge_issued"
	case StateSigned:
		return "signed"
	case StateSubmitted:
		return "submitted"
	case StateBound:
		return "bound"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SignatureBinding is one challenge, its signature and the address that
// produced it. It is submitted at most once.
type SignatureBinding struct {
	Challenge      string
	Signature      string
	SigningAddress string
	consumed       bool
}

func (b *SignatureBinding) consume() error {
	if b.consumed {
		return ErrBindingConsumed
	}
	b.consumed = true
	return nil
}

// Result of a successful Connect.
type Result struct {
	Identity *identity.Identity
	Binding  SignatureBinding
	// BackendAddress is the address the backend echoed, kept for diagnostics only.
	BackendAddress string
	Message        string
}

// Ledger is the backend capability the protocol needs.
type Ledger interface {
	ConnectWallet(ctx context.Context, sess *auth.Session, req ledger.ConnectRequest) (*ledger.ConnectResponse, error)
}

// IdentityOwner is the single owner of the canonical identity.
type IdentityOwner interface {
	BeginBinding() error
	CompleteBinding(address string) (*identity.Identity, error)
	AbortBinding()
}

// Protocol runs the binding handshake. Concurrent Connect calls are serialised
// by the identity owner's reservation; the losers are refused.
type Protocol struct {
	ledger   Ledger
	identity IdentityOwner
	signer   signer.Signer
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	state State
}

// NewProtocol creates a new binding Protocol.
func NewProtocol(l Ledger, owner IdentityOwner, s signer.Signer, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		ledger:   l,
		identity: owner,
		signer:   s,
		logger:   logger,
		now:      time.Now,
	}
}

// State returns the state of the last (or current) handshake.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Protocol) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Connect binds the signer's active account to the session's user.
//
// Signing waits for as long as the signer does; only ctx cancellation or the
// user's decision ends the wait. The bound address is the one recovered from
// the signature, never the backend's echo.
func (p *Protocol) Connect(ctx context.Context, sess *auth.Session) (res *Result, err error) {
	defer func() {
		metrics.BindingsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	}()

	if err := sess.Check(p.now()); err != nil {
		return nil, apperrors.UnAuthorizedError(fmt.Errorf("%w: %w", ErrSessionExpired, err), "session expired, please log in again")
	}
	if sess.Username == "" {
		return nil, apperrors.UnAuthorizedError(ErrNoUsername, "session has no username, please log in again")
	}
	if !signer.IsAvailable(ctx, p.signer) {
		return nil, apperrors.CapabilityError(ErrSignerUnavailable, "no wallet signer detected")
	}

	if err := p.identity.BeginBinding(); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyConnected):
			return nil, apperrors.ConflictError(err, "a wallet is already connected, disconnect it first")
		case errors.Is(err, ErrBindingInProgress):
			return nil, apperrors.BusyError(err, "a wallet connection is already in progress")
		default:
			return nil, apperrors.GeneralError(err)
		}
	}
	completed := false
	defer func() {
		if !completed {
			p.identity.AbortBinding()
		}
	}()

	account, err := p.signer.ActiveAccount(ctx)
	if err != nil {
		p.setState(StateIdle)
		if errors.Is(err, signer.ErrUserDeclined) {
			return nil, apperrors.CapabilityError(fmt.Errorf("%w: %w", ErrUserDeclined, err), "wallet connection declined")
		}
		return nil, apperrors.CapabilityError(err, "signer has no active account")
	}

	binding := &SignatureBinding{Challenge: p.challenge(sess.Username, account)}
	p.setState(StateChallengeIssued)

	binding.Signature, err = p.signer.SignMessage(ctx, account, binding.Challenge)
	if err != nil {
		p.setState(StateIdle)
		switch {
		case errors.Is(err, signer.ErrUserDeclined):
			return nil, apperrors.CapabilityError(fmt.Errorf("%w: %w", ErrUserDeclined, err), "signature request declined")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("wallet connection abandoned: %w", err)
		default:
			return nil, apperrors.CapabilityError(err, "signer failed to sign the challenge")
		}
	}
	p.setState(StateSigned)

	recovered, err := auth.VerifyEIP191Signature(binding.Challenge, binding.Signature)
	if err != nil {
		p.setState(StateRejected)
		return nil, apperrors.BadRequestError(fmt.Errorf("%w: %w", ErrInvalidSignature, err), "signer returned an invalid signature")
	}
	binding.SigningAddress = auth.NormalizeAddress(recovered.Hex())
	if !auth.SameAddress(binding.SigningAddress, account) {
		p.logger.Warn("Signature recovered to a different address than the active account",
			zap.String("active_account", account),
			zap.String("recovered", binding.SigningAddress))
	}

	if err := binding.consume(); err != nil {
		return nil, apperrors.GeneralError(err)
	}
	p.setState(StateSubmitted)

	resp, err := p.ledger.ConnectWallet(ctx, sess, ledger.ConnectRequest{
		Message:   binding.Challenge,
		Signature: binding.Signature,
	})
	if err != nil {
		p.setState(StateRejected)
		return nil, classifyRejection(err)
	}

	if resp.WalletAddress != "" && !auth.SameAddress(resp.WalletAddress, binding.SigningAddress) {
		p.logger.Warn("Backend echoed a different wallet address than the signing address",
			zap.String("backend", resp.WalletAddress),
			zap.String("signing_address", binding.SigningAddress))
	}

	id, err := p.identity.CompleteBinding(binding.SigningAddress)
	completed = true
	if err != nil {
		p.setState(StateRejected)
		return nil, apperrors.GeneralError(fmt.Errorf("install bound address: %w", err))
	}
	p.setState(StateBound)

	p.logger.Info("Wallet bound", zap.String("address", id.Address), zap.String("username", sess.Username))
	return &Result{
		Identity:       id,
		Binding:        *binding,
		BackendAddress: resp.WalletAddress,
		Message:        resp.Message,
	}, nil
}

// challenge builds a single-use message bound to the requesting user.
func (p *Protocol) challenge(username, account string) string {
	return fmt.Sprintf(
		"Connect wallet %s to account %s\nNonce: %s\nIssued At: %s",
		account,
		username,
		uuid.NewString(),
		p.now().UTC().Format(time.RFC3339),
	)
}

func classifyRejection(err error) error {
	switch apperrors.CategoryOf(err) {
	case apperrors.CategoryUnauthorized:
		return apperrors.UnAuthorizedError(fmt.Errorf("%w: %w", ErrSessionExpired, err), "session expired, please log in again")
	case apperrors.CategoryDataConflict:
		return apperrors.ConflictError(fmt.Errorf("%w: %w", ErrAddressAlreadyBound, err), "this wallet is already bound to another account")
	default:
		return apperrors.DependencyError(fmt.Errorf("%w: %w", ErrRejected, err), "wallet connection was rejected")
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "bound"
	case errors.Is(err, ErrUserDeclined):
		return "declined"
	case errors.Is(err, ErrAlreadyConnected), errors.Is(err, ErrBindingInProgress):
		return "refused"
	case errors.Is(err, ErrSignerUnavailable):
		return "signer_unavailable"
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrNoUsername):
		return "session_expired"
	case errors.Is(err, ErrAddressAlreadyBound):
		return "conflict"
	default:
		return "rejected"
	}
}
