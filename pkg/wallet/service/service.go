package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/wallet-reconciler/pkg/app/errors"
	"github.com/chainsafe/wallet-reconciler/pkg/auth"
	"github.com/chainsafe/wallet-reconciler/pkg/binding"
	"github.com/chainsafe/wallet-reconciler/pkg/history"
	"github.com/chainsafe/wallet-reconciler/pkg/identity"
	"github.com/chainsafe/wallet-reconciler/pkg/ledger"
	"github.com/chainsafe/wallet-reconciler/pkg/payment"
	"github.com/chainsafe/wallet-reconciler/pkg/rates"
	"github.com/chainsafe/wallet-reconciler/pkg/signer"
	"github.com/chainsafe/wallet-reconciler/pkg/wallet"
)

var ErrPaymentInFlight = errors.New("a payment is in flight")

// Ledger is the backend surface the wallet service uses.
type Ledger interface {
	Login(ctx context.Context, req ledger.LoginRequest) (*auth.Session, error)
	Signup(ctx context.Context, req ledger.SignupRequest) (*auth.Session, error)
	WalletAddresses(ctx context.Context, sess *auth.Session) ([]string, error)
	AddressesByPhone(ctx context.Context, sess *auth.Session, phone string) ([]ledger.WalletAddress, error)
	ConnectWallet(ctx context.Context, sess *auth.Session, req ledger.ConnectRequest) (*ledger.ConnectResponse, error)
	RecordPayment(ctx context.Context, sess *auth.Session, req ledger.RecordPaymentRequest) (*ledger.RecordPaymentResponse, error)
	ListPayments(ctx context.Context, sess *auth.Session) ([]ledger.Record, error)
	TransactionDetails(ctx context.Context, hash string) (*ledger.TransactionDetails, error)
	ChangePassword(ctx context.Context, sess *auth.Session, req ledger.ChangePasswordRequest) (*ledger.AccountActionResponse, error)
	UpdateEmail(ctx context.Context, sess *auth.Session, req ledger.UpdateEmailRequest) (*ledger.AccountActionResponse, error)
	DeleteAccount(ctx context.Context, sess *auth.Session, req ledger.DeleteAccountRequest) (*ledger.AccountActionResponse, error)
}

// Service is the wallet daemon's business surface
type Service interface {
	Login(ctx context.Context, req ledger.LoginRequest) (*wallet.SessionResponse, error)
	Signup(ctx context.Context, req ledger.SignupRequest) (*wallet.SessionResponse, error)
	ResolveIdentity(ctx context.Context, sess *auth.Session) (*wallet.Overview, error)
	Connect(ctx context.Context, sess *auth.Session) (*wallet.ConnectResponse, error)
	Disconnect(ctx context.Context) error
	Balance(ctx context.Context, refresh bool) (*wallet.Balance, error)
	AddressesByPhone(ctx context.Context, sess *auth.Session, phone string) ([]ledger.WalletAddress, error)
	Pay(ctx context.Context, sess *auth.Session, req payment.Request) (*payment.Intent, error)
	CurrentPayment(ctx context.Context) *wallet.PaymentStatus
	History(ctx context.Context, sess *auth.Session) *history.Result
	Transaction(ctx context.Context, hash string) (*history.Details, error)
	Rates(ctx context.Context) rates.Table
	ChangePassword(ctx context.Context, sess *auth.Session, req ledger.ChangePasswordRequest) (*ledger.AccountActionResponse, error)
	UpdateEmail(ctx context.Context, sess *auth.Session, req ledger.UpdateEmailRequest) (*ledger.AccountActionResponse, error)
	DeleteAccount(ctx context.Context, sess *auth.Session, req ledger.DeleteAccountRequest) (*ledger.AccountActionResponse, error)
	Close()
}

// Settings are the currency parameters of the wallet
type Settings struct {
	Currency     string
	Decimals     int32
	HistoryLimit int
}

type walletService struct {
	ledger      Ledger
	identity    *identity.Reconciler
	binding     *binding.Protocol
	coordinator *payment.Coordinator
	history     *history.Reconciler
	rates       *rates.Cache
	settings    Settings
	validate    *validator.Validate
	logger      *zap.Logger

	mu   sync.Mutex
	last *payment.Settlement
}

// NewService wires the reconciliation components around one ledger client and
// one signer. s may be nil when no signer is configured.
func NewService(
	l Ledger,
	store identity.Store,
	s signer.Signer,
	rateCache *rates.Cache,
	settings Settings,
	logger *zap.Logger,
) Service {
	if settings.Currency == "" {
		settings.Currency = "ETH"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	idOpts := []identity.Option{
		identity.WithDecimals(settings.Decimals),
		identity.WithLogger(logger.Named("identity")),
	}
	if s != nil {
		idOpts = append(idOpts, identity.WithSigner(s))
		if br, ok := s.(signer.BalanceReader); ok {
			idOpts = append(idOpts, identity.WithBalanceReader(br))
		}
	}

	svc := &walletService{
		ledger:   l,
		identity: identity.NewReconciler(l, store, idOpts...),
		history:  history.NewReconciler(l, settings.HistoryLimit, settings.Decimals, logger.Named("history")),
		rates:    rateCache,
		settings: settings,
		validate: validator.New(),
		logger:   logger,
	}
	svc.binding = binding.NewProtocol(l, svc.identity, s, logger.Named("binding"))
	svc.coordinator = payment.NewCoordinator(l, svc.identity, s, svc,
		payment.WithCurrency(settings.Currency),
		payment.WithDecimals(settings.Decimals),
		payment.WithLogger(logger.Named("payment")),
	)
	return svc
}

// Login authenticates against the backend
func (s *walletService) Login(ctx context.Context, req ledger.LoginRequest) (*wallet.SessionResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, "email and password required")
	}
	sess, err := s.ledger.Login(ctx, req)
	if err != nil {
		return nil, err
	}
	return sessionResponse(sess), nil
}

// Signup creates an account on the backend
func (s *walletService) Signup(ctx context.Context, req ledger.SignupRequest) (*wallet.SessionResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, "username, email, phone number and a password of at least 6 characters required")
	}
	sess, err := s.ledger.Signup(ctx, req)
	if err != nil {
		return nil, err
	}
	return sessionResponse(sess), nil
}

// ResolveIdentity resolves the canonical wallet identity
func (s *walletService) ResolveIdentity(ctx context.Context, sess *auth.Session) (*wallet.Overview, error) {
	id, err := s.identity.Resolve(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &wallet.Overview{Connected: id != nil, Identity: id}, nil
}

// Connect binds the signer's active account
func (s *walletService) Connect(ctx context.Context, sess *auth.Session) (*wallet.ConnectResponse, error) {
	res, err := s.binding.Connect(ctx, sess)
	if err != nil {
		return nil, err
	}
	if _, err := s.identity.RefreshBalance(ctx); err != nil {
		s.logger.Debug("Balance not available after binding", zap.Error(err))
	}
	return &wallet.ConnectResponse{
		Identity:       res.Identity,
		BackendAddress: res.BackendAddress,
		Message:        res.Message,
	}, nil
}

// Disconnect forgets the canonical address. Refused while a payment is in flight.
func (s *walletService) Disconnect(ctx context.Context) error {
	if s.coordinator.Busy() {
		return apperrors.BusyError(ErrPaymentInFlight, "cannot disconnect while a payment is in flight")
	}
	if err := s.identity.Disconnect(ctx); err != nil {
		return apperrors.GeneralError(err)
	}
	return nil
}

// Balance returns the cached balance, optionally re-reading it first
func (s *walletService) Balance(ctx context.Context, refresh bool) (*wallet.Balance, error) {
	id := s.identity.Current()
	if id == nil {
		return nil, apperrors.BadRequestError(identity.ErrNoIdentity, "no wallet connected")
	}
	if refresh {
		if _, err := s.identity.RefreshBalance(ctx); err != nil {
			s.logger.Warn("Balance refresh failed, serving cached balance", zap.Error(err))
		}
	}

	out := &wallet.Balance{Address: id.Address, Currency: s.settings.Currency, Converted: map[string]string{}}
	amount, ok := s.identity.Balance()
	table := s.rates.GetRates(ctx)
	out.RateStale = table.Stale

	currencies := make([]string, 0, len(table.Rates))
	for cur := range table.Rates {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)
	for _, cur := range currencies {
		if ok {
			out.Converted[cur] = s.rates.Convert(amount, cur)
		} else {
			out.Converted[cur] = rates.Unavailable
		}
	}
	out.Known, out.Amount = ok, amount
	return out, nil
}

// AddressesByPhone looks up recipient addresses
func (s *walletService) AddressesByPhone(ctx context.Context, sess *auth.Session, phone string) ([]ledger.WalletAddress, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, apperrors.BadRequestError(nil, "phone number required")
	}
	return s.ledger.AddressesByPhone(ctx, sess, phone)
}

// Pay runs a payment up to confirmation; recording continues in the background
func (s *walletService) Pay(ctx context.Context, sess *auth.Session, req payment.Request) (*payment.Intent, error) {
	st, err := s.coordinator.Pay(ctx, sess, req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()

	intent := st.Intent()
	return &intent, nil
}

// CurrentPayment reports the in-flight intent and the latest settlement
func (s *walletService) CurrentPayment(_ context.Context) *wallet.PaymentStatus {
	status := &wallet.PaymentStatus{InFlight: s.coordinator.Current()}

	s.mu.Lock()
	st := s.last
	s.mu.Unlock()
	if st == nil {
		return status
	}

	settled := &wallet.Settled{Intent: st.Intent()}
	select {
	case <-st.Done():
		out, _ := st.Wait(context.Background())
		settled.Done = true
		settled.Intent = out.Intent
		settled.Recorded = out.Recorded()
		settled.RecordError = apperrors.MessageOf(out.RecordErr)
		settled.BalanceError = errString(out.BalanceErr)
		settled.HistoryError = errString(out.HistoryErr)
	default:
	}
	status.Last = settled
	return status
}

// History refreshes and returns the most recent ledger entries
func (s *walletService) History(ctx context.Context, sess *auth.Session) *history.Result {
	return s.history.Refresh(ctx, sess)
}

// Transaction looks up one transaction by hash
func (s *walletService) Transaction(ctx context.Context, hash string) (*history.Details, error) {
	return s.history.Lookup(ctx, hash)
}

// Rates returns the current exchange rate table
func (s *walletService) Rates(ctx context.Context) rates.Table {
	return s.rates.GetRates(ctx)
}

// ChangePassword changes the account password
func (s *walletService) ChangePassword(ctx context.Context, sess *auth.Session, req ledger.ChangePasswordRequest) (*ledger.AccountActionResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, "old password and a different new password of at least 6 characters required")
	}
	return s.ledger.ChangePassword(ctx, sess, req)
}

// UpdateEmail changes the account email
func (s *walletService) UpdateEmail(ctx context.Context, sess *auth.Session, req ledger.UpdateEmailRequest) (*ledger.AccountActionResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, "valid email and password required")
	}
	return s.ledger.UpdateEmail(ctx, sess, req)
}

// DeleteAccount deletes the account and forgets the local identity
func (s *walletService) DeleteAccount(ctx context.Context, sess *auth.Session, req ledger.DeleteAccountRequest) (*ledger.AccountActionResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, "password required")
	}
	if s.coordinator.Busy() {
		return nil, apperrors.BusyError(ErrPaymentInFlight, "cannot delete the account while a payment is in flight")
	}
	resp, err := s.ledger.DeleteAccount(ctx, sess, req)
	if err != nil {
		return nil, err
	}
	if err := s.identity.Disconnect(ctx); err != nil {
		s.logger.Warn("Failed to clear identity after account deletion", zap.Error(err))
	}
	return resp, nil
}

// Close stops background settlements
func (s *walletService) Close() {
	s.coordinator.Close()
}

// RefreshBalance implements payment.Refresher
func (s *walletService) RefreshBalance(ctx context.Context) error {
	_, err := s.identity.RefreshBalance(ctx)
	return err
}

// RefreshHistory implements payment.Refresher
func (s *walletService) RefreshHistory(ctx context.Context, sess *auth.Session) error {
	res := s.history.Refresh(ctx, sess)
	if res.FetchFailed {
		return fmt.Errorf("history refresh: %w", res.Err)
	}
	return nil
}

func sessionResponse(sess *auth.Session) *wallet.SessionResponse {
	resp := &wallet.SessionResponse{AccessToken: sess.AccessToken, Username: sess.Username}
	if !sess.ExpiresAt.IsZero() {
		exp := sess.ExpiresAt
		resp.ExpiresAt = &exp
	}
	return resp
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
