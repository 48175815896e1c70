// Package ledger is the client of the authoritative backend ledger API.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/wallet-reconciler/pkg/app/errors"
	"github.com/chainsafe/wallet-reconciler/pkg/auth"
)

const (
	maxResponseBytes = 1 << 20
	defaultTimeout   = 30 * time.Second
)

// Client talks to the backend ledger over HTTP. Every authenticated method takes
// an explicit *auth.Session; a missing credential fails locally and never reaches the wire.
type Client struct {
	baseURL  string
	http     *http.Client
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithClock overrides time.Now, used for session expiry checks
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// NewClient creates a backend client rooted at baseURL (e.g. "https://host/api").
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: defaultTimeout},
		logger:   zap.NewNop(),
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges credentials for a session
func (c *Client) Login(ctx context.Context, req LoginRequest) (*auth.Session, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, "email and password required")
	}
	var resp AuthResponse
	if err := c.do(ctx, nil, http.MethodPost, "/auth/login", nil, req, &resp); err != nil {
		return nil, err
	}
	return c.sessionFrom(resp, "")
}

// Signup creates an account and returns its session
func (c *Client) Signup(ctx context.Context, req SignupRequest) (*auth.Session, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, "username, email, phone number and password required")
	}
	var resp AuthResponse
	if err := c.do(ctx, nil, http.MethodPost, "/auth/signup", nil, req, &resp); err != nil {
		return nil, err
	}
	return c.sessionFrom(resp, req.Username)
}

// WalletAddresses returns the addresses the backend holds for the session user.
// A 404 is treated as "no address", not as an error.
func (c *Client) WalletAddresses(ctx context.Context, sess *auth.Session) ([]string, error) {
	var addrs []string
	err := c.do(ctx, sess, http.MethodGet, "/wallet/balances", nil, nil, &addrs)
	if apperrors.Is(err, apperrors.CategoryResourceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// AddressesByPhone looks up the wallet addresses registered to a phone number.
// Unknown numbers yield an empty slice.
func (c *Client) AddressesByPhone(ctx context.Context, sess *auth.Session, phone string) ([]WalletAddress, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, apperrors.BadRequestError(nil, "phone number required")
	}
	var addrs []WalletAddress
	err := c.do(ctx, sess, http.MethodGet, "/wallet/addresses/"+url.PathEscape(phone), nil, nil, &addrs)
	if apperrors.Is(err, apperrors.CategoryResourceNotFound) {
		return []WalletAddress{}, nil
	}
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// ConnectWallet submits a signed challenge to bind the signing address to the account
func (c *Client) ConnectWallet(ctx context.Context, sess *auth.Session, req ConnectRequest) (*ConnectResponse, error) {
	var resp ConnectResponse
	if err := c.do(ctx, sess, http.MethodPost, "/wallet/connect", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordPayment records a confirmed on-chain payment. The transaction hash doubles
// as the idempotency key so a retried submission cannot create a second record.
func (c *Client) RecordPayment(ctx context.Context, sess *auth.Session, req RecordPaymentRequest) (*RecordPaymentResponse, error) {
	if req.TransactionHash == "" {
		return nil, apperrors.BadRequestError(nil, "transaction hash required")
	}
	headers := map[string]string{"Idempotency-Key": req.TransactionHash}
	var resp RecordPaymentResponse
	if err := c.do(ctx, sess, http.MethodPost, "/payments", headers, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPayments returns the session user's ledger records in backend order.
func (c *Client) ListPayments(ctx context.Context, sess *auth.Session) ([]Record, error) {
	var raw json.RawMessage
	if err := c.do(ctx, sess, http.MethodGet, "/payments", nil, nil, &raw); err != nil {
		return nil, err
	}
	return decodeRecords(raw)
}

// TransactionDetails looks up a payment by transaction hash. No session is needed.
func (c *Client) TransactionDetails(ctx context.Context, hash string) (*TransactionDetails, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, apperrors.BadRequestError(nil, "transaction hash required")
	}
	var resp TransactionDetails
	if err := c.do(ctx, nil, http.MethodGet, "/payments/tx/"+url.PathEscape(hash), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChangePassword updates the account password
func (c *Client) ChangePassword(ctx context.Context, sess *auth.Session, req ChangePasswordRequest) (*AccountActionResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, "old and new password required and must differ")
	}
	return c.accountAction(ctx, sess, http.MethodPatch, "/account/change-password", req)
}

// UpdateEmail changes the account email
func (c *Client) UpdateEmail(ctx context.Context, sess *auth.Session, req UpdateEmailRequest) (*AccountActionResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, "valid email and password required")
	}
	return c.accountAction(ctx, sess, http.MethodPatch, "/account/update-email", req)
}

// DeleteAccount removes the account
func (c *Client) DeleteAccount(ctx context.Context, sess *auth.Session, req DeleteAccountRequest) (*AccountActionResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, "password required")
	}
	return c.accountAction(ctx, sess, http.MethodDelete, "/account/delete", req)
}

func (c *Client) accountAction(ctx context.Context, sess *auth.Session, method, path string, body any) (*AccountActionResponse, error) {
	var resp AccountActionResponse
	if err := c.do(ctx, sess, method, path, nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) sessionFrom(resp AuthResponse, username string) (*auth.Session, error) {
	if resp.AccessToken == "" {
		return nil, apperrors.DependencyError(errors.New("empty access_token"), "backend returned no access token")
	}
	return auth.NewSession(resp.AccessToken, username), nil
}

// do performs one request. sess == nil means an unauthenticated endpoint.
func (c *Client) do(
	ctx context.Context,
	sess *auth.Session,
	method, path string,
	headers map[string]string,
	body, out any,
) error {
	authenticated := sess != nil || requiresSession(path)
	if authenticated {
		if err := sess.Check(c.now()); err != nil {
			return apperrors.UnAuthorizedError(err, sessionMessage(err))
		}
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return apperrors.GeneralError(fmt.Errorf("encode %s %s: %w", method, path, err))
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.GeneralError(fmt.Errorf("build %s %s: %w", method, path, err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		req.Header.Set("Authorization", sess.BearerHeader())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.DependencyError(fmt.Errorf("%s %s: %w", method, path, err), "backend unreachable")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.DependencyError(fmt.Errorf("read %s %s: %w", method, path, err), "backend response unreadable")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("Backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return apperrors.FromStatus(resp.StatusCode, statusError(method, path, resp.StatusCode, payload))
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperrors.DependencyError(fmt.Errorf("decode %s %s: %w", method, path, err), "backend response malformed")
	}
	return nil
}

// requiresSession lists the paths that must never go out without a bearer credential.
func requiresSession(path string) bool {
	return !strings.HasPrefix(path, "/auth/") && !strings.HasPrefix(path, "/payments/tx/")
}

func sessionMessage(err error) string {
	if errors.Is(err, auth.ErrSessionExpired) {
		return "session expired, please log in again"
	}
	return "missing authentication token"
}

// statusError extracts the backend's error message when it sent one.
func statusError(method, path string, status int, payload []byte) error {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := ""
	if json.Unmarshal(payload, &body) == nil {
		msg = body.Message
		if msg == "" {
			msg = body.Error
		}
	}
	if msg == "" {
		return fmt.Errorf("%s %s: status %d", method, path, status)
	}
	return fmt.Errorf("%s %s: status %d: %s", method, path, status, msg)
}

// decodeRecords accepts {"payments": [...]} and a bare array.
func decodeRecords(raw json.RawMessage) ([]Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Record{}, nil
	}
	if trimmed[0] == '[' {
		var records []Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, apperrors.DependencyError(fmt.Errorf("decode payments: %w", err), "backend response malformed")
		}
		return records, nil
	}
	var wrapped struct {
		Payments []Record `json:"payments"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, apperrors.DependencyError(fmt.Errorf("decode payments: %w", err), "backend response malformed")
	}
	if wrapped.Payments == nil {
		return []Record{}, nil
	}
	return wrapped.Payments, nil
}
