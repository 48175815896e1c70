// Package payment drives one value transfer at a time through
// sign -> broadcast -> confirm -> record, then refreshes balance and history.
//
// Failures before confirmation abort the payment; no value moved and nothing
// is refreshed. After confirmation the ledger recording and the refreshes run
// in the background; their failures are reported through the Settlement and
// never turn a confirmed payment into a failed one.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainsafe/wallet-reconciler/internal/metrics"
	apperrors "github.com/chainsafe/wallet-reconciler/pkg/app/errors"
	"github.com/chainsafe/wallet-reconciler/pkg/auth"
	"github.com/chainsafe/wallet-reconciler/pkg/identity"
	"github.com/chainsafe/wallet-reconciler/pkg/ledger"
	"github.com/chainsafe/wallet-reconciler/pkg/signer"
	"github.com/chainsafe/wallet-reconciler/pkg/units"
)

var (
	ErrBusy               = errors.New("a payment is already in progress")
	ErrClosed             = errors.New("payment coordinator closed")
	ErrNoIdentity         = errors.New("no wallet connected")
	ErrInvalidRecipient   = errors.New("invalid recipient address")
	ErrInvalidAmount      = errors.New("amount must be a positive number")
	ErrSignerUnavailable  = errors.New("signer unavailable")
	ErrUserDeclined       = errors.New("payment declined")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrExecutionReverted  = errors.New("transaction reverted")
	ErrConfirmationFailed = errors.New("confirmation failed")
	ErrRecordFailed       = errors.New("on-chain succeeded, ledger recording failed")
)

// Request is a user-initiated payment.
type Request struct {
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// Ledger is the backend capability the coordinator needs.
type Ledger interface {
	RecordPayment(ctx context.Context, sess *auth.Session, req ledger.RecordPaymentRequest) (*ledger.RecordPaymentResponse, error)
}

// IdentitySource supplies the canonical wallet identity.
type IdentitySource interface {
	Current() *identity.Identity
}

// Refresher performs the post-payment refreshes.
type Refresher interface {
	RefreshBalance(ctx context.Context) error
	RefreshHistory(ctx context.Context, sess *auth.Session) error
}

// Coordinator runs at most one payment at a time.
type Coordinator struct {
	ledger    Ledger
	identity  IdentitySource
	signer    signer.Signer
	refresher Refresher
	currency  string
	decimals  int32
	logger    *zap.Logger
	now       func() time.Time
	observer  func(Intent)

	busy atomic.Bool

	mu      sync.Mutex
	current *Intent

	// confirmation waits and background settlements run on ctx, cancelled only by Close
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCurrency sets the currency code recorded with payments. Default ETH.
func WithCurrency(code string) Option {
	return func(c *Coordinator) { c.currency = code }
}

// WithDecimals sets the decimals of the transferred currency. Default 18.
func WithDecimals(d int32) Option {
	return func(c *Coordinator) { c.decimals = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithObserver registers fn to receive a copy of the intent after every transition.
func WithObserver(fn func(Intent)) Option {
	return func(c *Coordinator) { c.observer = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a new Coordinator. refresher may be nil.
func NewCoordinator(l Ledger, ids IdentitySource, s signer.Signer, refresher Refresher, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ledger:    l,
		identity:  ids,
		signer:    s,
		refresher: refresher,
		currency:  "ETH",
		decimals:  units.EtherDecimals,
		logger:    zap.NewNop(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pay sends req and waits for on-chain confirmation. A second call while a
// payment is in flight returns ErrBusy at once.
//
// ctx bounds signing only. Once the transfer is broadcast the confirmation wait
// runs on the coordinator's own context and only Close cancels it.
//
// On confirmation it returns a Settlement; recording and refreshes continue in
// the background. Errors before confirmation are returned directly and the
// intent is discarded.
func (c *Coordinator) Pay(ctx context.Context, sess *auth.Session, req Request) (*Settlement, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, apperrors.BusyError(ErrBusy, "a payment is already in progress")
	}
	if !c.enter() {
		c.busy.Store(false)
		return nil, apperrors.GeneralError(ErrClosed)
	}
	defer c.wg.Done()

	handedOff := false
	defer func() {
		if !handedOff {
			c.release()
		}
	}()

	from, value, err := c.preconditions(ctx, sess, req)
	if err != nil {
		return nil, err
	}

	signCtx, stopSign := c.untilClosed(ctx)
	defer stopSign()

	start := c.now()
	intent := &Intent{
		ID:          uuid.NewString(),
		Recipient:   auth.NormalizeAddress(req.Recipient),
		Amount:      req.Amount,
		Value:       value,
		Currency:    c.currency,
		Description: req.Description,
		Status:      StatusDraft,
		UpdatedAt:   start,
	}
	c.setCurrent(intent)
	metrics.PaymentInFlight.Set(1)

	c.transition(intent, StatusSigning)
	txHash, err := c.signer.SendTransfer(signCtx, signer.TransferRequest{
		From:  from,
		To:    intent.Recipient,
		Value: new(big.Int).Set(value),
	})
	if err != nil {
		reason, sentinel, msg := classifyBroadcast(err)
		c.fail(intent, reason, err)
		if reason == ReasonBroadcastFailed {
			return nil, apperrors.DependencyError(fmt.Errorf("%w: %w", sentinel, err), msg)
		}
		return nil, apperrors.CapabilityError(fmt.Errorf("%w: %w", sentinel, err), msg)
	}
	c.mu.Lock()
	intent.TxHash = txHash
	c.mu.Unlock()
	c.transition(intent, StatusBroadcast)

	receipt, err := c.signer.WaitReceipt(c.ctx, txHash)
	if err != nil {
		c.fail(intent, ReasonConfirmationFailed, err)
		return nil, apperrors.DependencyError(fmt.Errorf("%w: %w", ErrConfirmationFailed, err),
			"could not confirm the transaction, check it on-chain before retrying")
	}
	if receipt == nil || !receipt.Success {
		c.fail(intent, ReasonExecutionReverted, nil)
		return nil, apperrors.CapabilityError(ErrExecutionReverted, "transaction reverted on-chain")
	}
	c.transition(intent, StatusConfirmed)

	st := newSettlement(intent.clone())
	handedOff = true
	c.wg.Add(1)
	go c.settle(sess, intent, st, start)
	return st, nil
}

// preconditions runs every local check before any external call, including the
// session that recording needs once value has moved.
func (c *Coordinator) preconditions(ctx context.Context, sess *auth.Session, req Request) (string, *big.Int, error) {
	if err := sess.Check(c.now()); err != nil {
		if errors.Is(err, auth.ErrSessionExpired) {
			return "", nil, apperrors.UnAuthorizedError(err, "session expired, please log in again")
		}
		return "", nil, apperrors.UnAuthorizedError(err, "missing authentication token")
	}
	id := c.identity.Current()
	if id == nil || id.Address == "" {
		return "", nil, apperrors.BadRequestError(ErrNoIdentity, "connect a wallet before paying")
	}
	if !auth.ValidateEVMAddress(req.Recipient) {
		return "", nil, apperrors.BadRequestError(ErrInvalidRecipient, "recipient is not a valid address")
	}
	if !units.IsPositive(req.Amount) {
		return "", nil, apperrors.BadRequestError(ErrInvalidAmount, "amount must be a positive number")
	}
	value, err := units.ToSmallestUnit(req.Amount, c.decimals)
	if err != nil {
		if errors.Is(err, units.ErrPrecision) {
			return "", nil, apperrors.BadRequestError(err, fmt.Sprintf("amount has more than %d decimal places", c.decimals))
		}
		return "", nil, apperrors.BadRequestError(fmt.Errorf("%w: %w", ErrInvalidAmount, err), "amount must be a positive number")
	}
	if !signer.IsAvailable(ctx, c.signer) {
		return "", nil, apperrors.CapabilityError(ErrSignerUnavailable, "no wallet signer detected")
	}
	return id.Address, value, nil
}

// settle records the confirmed payment, releases the coordinator and then
// refreshes balance and history once each.
func (c *Coordinator) settle(sess *auth.Session, intent *Intent, st *Settlement, start time.Time) {
	defer c.wg.Done()
	out := &Outcome{}

	_, err := c.ledger.RecordPayment(c.ctx, sess, ledger.RecordPaymentRequest{
		Amount:          intent.Value.String(),
		Currency:        intent.Currency,
		Description:     intent.Description,
		ToAddress:       intent.Recipient,
		TransactionHash: intent.TxHash,
	})
	if err != nil {
		out.RecordErr = apperrors.PartialSuccessError(fmt.Errorf("%w: %w", ErrRecordFailed, err),
			"payment confirmed on-chain, but the ledger could not record it")
		c.logger.Error("Ledger recording failed after on-chain confirmation",
			zap.String("intent_id", intent.ID),
			zap.String("tx_hash", intent.TxHash),
			zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("payment", "record_failed").Inc()
		c.transition(intent, StatusRecordFailed)
	} else {
		c.logger.Info("Payment recorded",
			zap.String("intent_id", intent.ID),
			zap.String("tx_hash", intent.TxHash))
	}

	out.Intent = intent.clone()
	metrics.PaymentsTotal.WithLabelValues(string(intent.Status)).Inc()
	metrics.PaymentDuration.WithLabelValues(string(intent.Status)).Observe(c.now().Sub(start).Seconds())
	c.release()

	if c.refresher != nil {
		var g errgroup.Group
		g.Go(func() error {
			out.BalanceErr = c.refresher.RefreshBalance(c.ctx)
			return out.BalanceErr
		})
		g.Go(func() error {
			out.HistoryErr = c.refresher.RefreshHistory(c.ctx, sess)
			return out.HistoryErr
		})
		if err := g.Wait(); err != nil {
			c.logger.Warn("Post-payment refresh failed",
				zap.String("intent_id", intent.ID),
				zap.NamedError("balance_error", out.BalanceErr),
				zap.NamedError("history_error", out.HistoryErr))
		}
	}

	st.finish(out)
}

// Current returns a copy of the in-flight intent, nil when idle.
func (c *Coordinator) Current() *Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	cp := c.current.clone()
	return &cp
}

// Busy reports whether a payment holds the coordinator.
func (c *Coordinator) Busy() bool {
	return c.busy.Load()
}

// Close cancels in-flight confirmations and background settlements and waits
// for them to return. Later calls to Pay fail with ErrClosed.
func (c *Coordinator) Close() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// enter registers a Pay call with the wait group unless the coordinator is closed.
func (c *Coordinator) enter() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// untilClosed derives a context from ctx that Close also cancels.
func (c *Coordinator) untilClosed(ctx context.Context) (context.Context, func()) {
	out, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return out, func() {
		stop()
		cancel()
	}
}

func (c *Coordinator) fail(intent *Intent, reason Reason, cause error) {
	c.mu.Lock()
	intent.Reason = reason
	c.mu.Unlock()
	c.transition(intent, StatusFailed)
	c.logger.Warn("Payment failed",
		zap.String("intent_id", intent.ID),
		zap.String("reason", string(reason)),
		zap.String("tx_hash", intent.TxHash),
		zap.Error(cause))
	metrics.PaymentsTotal.WithLabelValues(string(StatusFailed)).Inc()
	metrics.PaymentFailures.WithLabelValues(string(reason)).Inc()
}

// transition advances the intent and notifies the observer. The lifecycle
// above only takes table edges, so a refusal is a programming error.
func (c *Coordinator) transition(intent *Intent, to Status) {
	c.mu.Lock()
	err := intent.advance(to, c.now())
	snapshot := intent.clone()
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("Refused payment transition", zap.String("intent_id", intent.ID), zap.Error(err))
		return
	}
	if c.observer != nil {
		c.observer(snapshot)
	}
}

func (c *Coordinator) setCurrent(intent *Intent) {
	c.mu.Lock()
	c.current = intent
	c.mu.Unlock()
}

// release clears the intent and frees the coordinator for the next payment.
func (c *Coordinator) release() {
	c.setCurrent(nil)
	metrics.PaymentInFlight.Set(0)
	c.busy.Store(false)
}

func classifyBroadcast(err error) (Reason, error, string) {
	switch {
	case errors.Is(err, signer.ErrUserDeclined):
		return ReasonUserDeclined, ErrUserDeclined, "payment declined in the signer"
	case errors.Is(err, signer.ErrInsufficientFunds):
		return ReasonInsufficientFunds, ErrInsufficientFunds, "insufficient funds for amount plus fees"
	default:
		return ReasonBroadcastFailed, ErrBroadcastFailed, "transaction could not be broadcast"
	}
}
