package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/wallet-reconciler/pkg/auth"
	"github.com/chainsafe/wallet-reconciler/pkg/history"
	"github.com/chainsafe/wallet-reconciler/pkg/ledger"
	"github.com/chainsafe/wallet-reconciler/pkg/payment"
	"github.com/chainsafe/wallet-reconciler/pkg/rates"
	"github.com/chainsafe/wallet-reconciler/pkg/wallet"
)

const serviceName = "WalletService"

// logService wraps Service with automatic logging of all method calls
type logService struct {
	svc    Service
	logger *zap.Logger
}

// NewLog creates a logging decorator for the wallet Service.
// It logs method entry/exit, duration and errors. Tokens and passwords are never logged.
func NewLog(svc Service, logger *zap.Logger) Service {
	return &logService{
		svc:    svc,
		logger: logger,
	}
}

func (ls *logService) started(method string, fields ...zap.Field) time.Time {
	ls.logger.Debug(method+" started", append([]zap.Field{
		zap.String("service", serviceName),
		zap.String("method", method),
	}, fields...)...)
	return time.Now()
}

func (ls *logService) finished(method string, start time.Time, err error, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("service", serviceName),
		zap.String("method", method),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		ls.logger.Error(method+" failed", append(base, zap.Error(err))...)
		return
	}
	ls.logger.Info(method+" completed", append(base, fields...)...)
}

// Login wraps the service method with logging
func (ls *logService) Login(ctx context.Context, req ledger.LoginRequest) (resp *wallet.SessionResponse, err error) {
	start := ls.started("Login", zap.String("email", req.Email))
	defer func() {
		ls.finished("Login", start, err, zap.String("email", req.Email))
	}()
	return ls.svc.Login(ctx, req)
}

// Signup wraps the service method with logging
func (ls *logService) Signup(ctx context.Context, req ledger.SignupRequest) (resp *wallet.SessionResponse, err error) {
	start := ls.started("Signup", zap.String("username", req.Username), zap.String("email", req.Email))
	defer func() {
		ls.finished("Signup", start, err, zap.String("username", req.Username))
	}()
	return ls.svc.Signup(ctx, req)
}

// ResolveIdentity wraps the service method with logging
func (ls *logService) ResolveIdentity(ctx context.Context, sess *auth.Session) (resp *wallet.Overview, err error) {
	start := ls.started("ResolveIdentity", zap.Bool("has_session", sess.Present()))
	defer func() {
		var fields []zap.Field
		if resp != nil && resp.Identity != nil {
			fields = append(fields,
				zap.String("address", resp.Identity.Address),
				zap.String("source", string(resp.Identity.Source)),
				zap.Bool("signer_mismatch", resp.Identity.SignerMismatch))
		}
		ls.finished("ResolveIdentity", start, err, fields...)
	}()
	return ls.svc.ResolveIdentity(ctx, sess)
}

// Connect wraps the service method with logging
func (ls *logService) Connect(ctx context.Context, sess *auth.Session) (resp *wallet.ConnectResponse, err error) {
	username := ""
	if sess != nil {
		username = sess.Username
	}
	start := ls.started("Connect", zap.String("username", username))
	defer func() {
		var fields []zap.Field
		if resp != nil && resp.Identity != nil {
			fields = append(fields, zap.String("address", resp.Identity.Address))
		}
		ls.finished("Connect", start, err, fields...)
	}()
	return ls.svc.Connect(ctx, sess)
}

// Disconnect wraps the service method with logging
func (ls *logService) Disconnect(ctx context.Context) (err error) {
	start := ls.started("Disconnect")
	defer func() { ls.finished("Disconnect", start, err) }()
	return ls.svc.Disconnect(ctx)
}

// Balance wraps the service method with logging
func (ls *logService) Balance(ctx context.Context, refresh bool) (resp *wallet.Balance, err error) {
	start := ls.started("Balance", zap.Bool("refresh", refresh))
	defer func() {
		var fields []zap.Field
		if resp != nil {
			fields = append(fields, zap.Bool("known", resp.Known), zap.Bool("rate_stale", resp.RateStale))
		}
		ls.finished("Balance", start, err, fields...)
	}()
	return ls.svc.Balance(ctx, refresh)
}

// AddressesByPhone wraps the service method with logging
func (ls *logService) AddressesByPhone(ctx context.Context, sess *auth.Session, phone string) (resp []ledger.WalletAddress, err error) {
	start := ls.started("AddressesByPhone")
	defer func() {
		ls.finished("AddressesByPhone", start, err, zap.Int("count", len(resp)))
	}()
	return ls.svc.AddressesByPhone(ctx, sess, phone)
}

// Pay wraps the service method with logging
func (ls *logService) Pay(ctx context.Context, sess *auth.Session, req payment.Request) (resp *payment.Intent, err error) {
	start := ls.started("Pay",
		zap.String("recipient", req.Recipient),
		zap.String("amount", req.Amount))
	defer func() {
		var fields []zap.Field
		if resp != nil {
			fields = append(fields,
				zap.String("intent_id", resp.ID),
				zap.String("tx_hash", resp.TxHash),
				zap.String("status", string(resp.Status)))
		}
		ls.finished("Pay", start, err, fields...)
	}()
	return ls.svc.Pay(ctx, sess, req)
}

// CurrentPayment is not logged; it is polled
func (ls *logService) CurrentPayment(ctx context.Context) *wallet.PaymentStatus {
	return ls.svc.CurrentPayment(ctx)
}

// History wraps the service method with logging
func (ls *logService) History(ctx context.Context, sess *auth.Session) *history.Result {
	start := ls.started("History")
	res := ls.svc.History(ctx, sess)
	ls.finished("History", start, res.Err,
		zap.Int("entries", len(res.Entries)),
		zap.Bool("fetch_failed", res.FetchFailed))
	return res
}

// Transaction wraps the service method with logging
func (ls *logService) Transaction(ctx context.Context, hash string) (resp *history.Details, err error) {
	start := ls.started("Transaction", zap.String("tx_hash", hash))
	defer func() { ls.finished("Transaction", start, err, zap.String("tx_hash", hash)) }()
	return ls.svc.Transaction(ctx, hash)
}

// Rates wraps the service method with logging
func (ls *logService) Rates(ctx context.Context) rates.Table {
	start := ls.started("Rates")
	table := ls.svc.Rates(ctx)
	ls.finished("Rates", start, nil, zap.Bool("stale", table.Stale), zap.Int("currencies", len(table.Rates)))
	return table
}

// ChangePassword wraps the service method with logging
func (ls *logService) ChangePassword(ctx context.Context, sess *auth.Session, req ledger.ChangePasswordRequest) (resp *ledger.AccountActionResponse, err error) {
	start := ls.started("ChangePassword")
	defer func() { ls.finished("ChangePassword", start, err) }()
	return ls.svc.ChangePassword(ctx, sess, req)
}

// UpdateEmail wraps the service method with logging
func (ls *logService) UpdateEmail(ctx context.Context, sess *auth.Session, req ledger.UpdateEmailRequest) (resp *ledger.AccountActionResponse, err error) {
	start := ls.started("UpdateEmail", zap.String("email", req.Email))
	defer func() { ls.finished("UpdateEmail", start, err) }()
	return ls.svc.UpdateEmail(ctx, sess, req)
}

// DeleteAccount wraps the service method with logging
func (ls *logService) DeleteAccount(ctx context.Context, sess *auth.Session, req ledger.DeleteAccountRequest) (resp *ledger.AccountActionResponse, err error) {
	start := ls.started("DeleteAccount")
	defer func() { ls.finished("DeleteAccount", start, err) }()
	return ls.svc.DeleteAccount(ctx, sess, req)
}

// Close closes the wrapped service
func (ls *logService) Close() {
	ls.logger.Info("Closing wallet service", zap.String("service", serviceName))
	ls.svc.Close()
}
