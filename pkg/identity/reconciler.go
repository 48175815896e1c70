// Package identity resolves the single canonical wallet address of the current
// user from the persisted client cache, the backend's last-known address and the
// signer's active account, with the backend authoritative once it answers.
//
// The Reconciler owns the canonical identity and the persisted cache. Every
// writer, including the binding protocol, goes through it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/chainsafe/wallet-reconciler/internal/metrics"
	"github.com/chainsafe/wallet-reconciler/pkg/auth"
	"github.com/chainsafe/wallet-reconciler/pkg/signer"
	"github.com/chainsafe/wallet-reconciler/pkg/units"
)

var (
	// ErrAlreadyConnected is returned by BeginBinding when a canonical address exists.
	ErrAlreadyConnected = errors.New("a wallet is already connected")
	// ErrBindingInProgress is returned by BeginBinding when another binding has not finished.
	ErrBindingInProgress = errors.New("a wallet binding is already in progress")
	// ErrNoIdentity is returned when an operation needs a canonical address and none is active.
	ErrNoIdentity = errors.New("no wallet connected")
	// ErrNoBalanceReader is returned by RefreshBalance when no balance source is configured.
	ErrNoBalanceReader = errors.New("no balance source configured")
)

// Source is where the canonical address came from.
type Source string

const (
	SourcePersisted Source = "persisted"
	SourceBackend   Source = "backend"
	SourceSigner    Source = "signer"
)

// Identity is the resolved wallet identity.
type Identity struct {
	Address  string `json:"address"`
	Source   Source `json:"source"`
	Verified bool   `json:"verified"`
	// SignerAccount is the signer's active account at resolution time, if one was read.
	SignerAccount  string `json:"signer_account,omitempty"`
	SignerMismatch bool   `json:"signer_mismatch"`
}

// Ledger is the backend capability the reconciler needs.
type Ledger interface {
	WalletAddresses(ctx context.Context, sess *auth.Session) ([]string, error)
}

// Reconciler resolves and owns the canonical wallet identity.
type Reconciler struct {
	ledger   Ledger
	store    Store
	signer   signer.Signer
	balances signer.BalanceReader
	decimals int32
	logger   *zap.Logger

	mu      sync.Mutex
	current *Identity
	balance string
	binding bool
	// generation advances on every change to current; a backend answer
	// fetched under an older generation is discarded.
	generation uint64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSigner sets the signer whose active account is compared against the canonical address.
func WithSigner(s signer.Signer) Option {
	return func(r *Reconciler) { r.signer = s }
}

// WithBalanceReader sets the source of on-chain balances.
func WithBalanceReader(b signer.BalanceReader) Option {
	return func(r *Reconciler) { r.balances = b }
}

// WithDecimals sets the decimals of the native currency. Default 18.
func WithDecimals(d int32) Option {
	return func(r *Reconciler) { r.decimals = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// NewReconciler creates a new Reconciler.
func NewReconciler(ledger Ledger, store Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:   ledger,
		store:    store,
		decimals: units.EtherDecimals,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve determines the canonical identity. With a session the backend is
// authoritative: a non-empty answer overwrites the persisted cache, an empty one
// clears it, and an error clears it too and is returned. Without a session the
// persisted address is used. Returns nil, nil when no identity resolves.
func (r *Reconciler) Resolve(ctx context.Context, sess *auth.Session) (*Identity, error) {
	id, err := r.resolveCanonical(ctx, sess)
	if err != nil {
		metrics.IdentityResolutions.WithLabelValues("error").Inc()
		return nil, err
	}
	if id == nil {
		metrics.IdentityResolutions.WithLabelValues("none").Inc()
		return nil, nil
	}
	metrics.IdentityResolutions.WithLabelValues(string(id.Source)).Inc()

	r.compareSigner(ctx, id)
	return id, nil
}

func (r *Reconciler) resolveCanonical(ctx context.Context, sess *auth.Session) (*Identity, error) {
	if !sess.Present() {
		return r.resolvePersisted()
	}

	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()

	addresses, err := r.ledger.WalletAddresses(ctx, sess)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		r.logger.Debug("Identity changed during backend lookup, keeping the newer state")
		if err != nil {
			return nil, fmt.Errorf("resolve wallet identity: %w", err)
		}
		return r.snapshot(), nil
	}

	if err != nil {
		r.logger.Warn("Identity resolution failed, clearing cached identity", zap.Error(err))
		r.clearLocked()
		return nil, fmt.Errorf("resolve wallet identity: %w", err)
	}

	canonical := r.firstValid(addresses)
	if canonical == "" {
		r.clearLocked()
		return nil, nil
	}

	persisted, _ := r.store.Get(KeyCanonicalAddress)
	if !auth.SameAddress(persisted, canonical) {
		r.logger.Info("Backend address overrides persisted cache",
			zap.String("persisted", persisted),
			zap.String("backend", canonical))
		if err := r.store.Delete(KeyCachedBalance); err != nil {
			r.logger.Warn("Failed to drop cached balance", zap.Error(err))
		}
		r.balance = ""
	} else {
		r.balance = r.persistedBalance()
	}
	if err := r.store.Put(KeyCanonicalAddress, canonical); err != nil {
		r.logger.Warn("Failed to persist canonical address", zap.Error(err))
	}

	r.install(&Identity{Address: canonical, Source: SourceBackend, Verified: true})
	return r.snapshot(), nil
}

// resolvePersisted loads the cached address. A missing or malformed entry is
// removed together with its cached balance.
func (r *Reconciler) resolvePersisted() (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	persisted, err := r.store.Get(KeyCanonicalAddress)
	if err != nil {
		r.install(nil)
		r.balance = ""
		return nil, fmt.Errorf("read persisted address: %w", err)
	}
	if !auth.ValidateEVMAddress(persisted) {
		if persisted != "" {
			r.logger.Warn("Dropping malformed persisted wallet address", zap.String("address", persisted))
		}
		r.clearLocked()
		return nil, nil
	}
	r.install(&Identity{Address: auth.NormalizeAddress(persisted), Source: SourcePersisted})
	r.balance = r.persistedBalance()
	return r.snapshot(), nil
}

func (r *Reconciler) firstValid(addresses []string) string {
	for _, a := range addresses {
		if auth.ValidateEVMAddress(a) {
			return auth.NormalizeAddress(a)
		}
		r.logger.Warn("Ignoring malformed backend wallet address", zap.String("address", a))
	}
	return ""
}

// compareSigner flags divergence between the signer's active account and the
// canonical address. The signer never becomes canonical.
func (r *Reconciler) compareSigner(ctx context.Context, id *Identity) {
	if !signer.IsAvailable(ctx, r.signer) {
		return
	}
	account, err := r.signer.ActiveAccount(ctx)
	if err != nil {
		r.logger.Debug("Could not read signer account", zap.Error(err))
		return
	}
	if account == "" {
		return
	}

	id.SignerAccount = account
	id.SignerMismatch = !auth.SameAddress(account, id.Address)
	if id.SignerMismatch {
		metrics.SignerMismatches.Inc()
		r.logger.Warn("Signer active account differs from canonical wallet address",
			zap.String("canonical", id.Address),
			zap.String("signer", account))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.Address == id.Address {
		r.current.SignerAccount = id.SignerAccount
		r.current.SignerMismatch = id.SignerMismatch
	}
}

// BeginBinding reserves the identity for a binding attempt. It refuses while a
// canonical address exists or another attempt holds the reservation.
func (r *Reconciler) BeginBinding() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return ErrAlreadyConnected
	}
	if r.binding {
		return ErrBindingInProgress
	}
	r.binding = true
	return nil
}

// CompleteBinding installs address, the one that produced the binding
// signature, as canonical and persists it. It releases the reservation.
func (r *Reconciler) CompleteBinding(address string) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.binding = false

	if !auth.ValidateEVMAddress(address) {
		return nil, fmt.Errorf("invalid bound address %q", address)
	}
	canonical := auth.NormalizeAddress(address)
	if err := r.store.Put(KeyCanonicalAddress, canonical); err != nil {
		r.logger.Warn("Failed to persist bound address", zap.Error(err))
	}
	if err := r.store.Delete(KeyCachedBalance); err != nil {
		r.logger.Warn("Failed to drop cached balance", zap.Error(err))
	}
	r.balance = ""
	r.install(&Identity{Address: canonical, Source: SourceSigner, Verified: true})
	return r.snapshot(), nil
}

// AbortBinding releases the reservation without changing the identity.
func (r *Reconciler) AbortBinding() {
	r.mu.Lock()
	r.binding = false
	r.mu.Unlock()
}

// Current returns a copy of the active identity, nil when none.
func (r *Reconciler) Current() *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// Disconnect clears the canonical address and cached balance, in memory and persisted.
func (r *Reconciler) Disconnect(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.install(nil)
	r.balance = ""
	if err := r.store.Delete(KeyCanonicalAddress, KeyCachedBalance); err != nil {
		return fmt.Errorf("clear identity cache: %w", err)
	}
	return nil
}

// RefreshBalance reads the on-chain balance of the canonical address and caches
// its display form. The result is dropped if the identity changed meanwhile.
func (r *Reconciler) RefreshBalance(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.current == nil {
		r.mu.Unlock()
		return "", ErrNoIdentity
	}
	address := r.current.Address
	r.mu.Unlock()

	if r.balances == nil {
		return "", ErrNoBalanceReader
	}
	raw, err := r.balances.BalanceOf(ctx, address)
	if err != nil {
		return "", fmt.Errorf("read balance of %s: %w", address, err)
	}
	display := units.FormatSmallestUnit(raw, r.decimals)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.Address != address {
		return "", ErrNoIdentity
	}
	r.balance = display
	if err := r.store.Put(KeyCachedBalance, display); err != nil {
		r.logger.Warn("Failed to persist cached balance", zap.Error(err))
	}
	return display, nil
}

// Balance returns the cached display balance. ok is false when no identity is
// active or no balance has been read yet.
func (r *Reconciler) Balance() (balance string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.balance == "" {
		return "", false
	}
	return r.balance, true
}

func (r *Reconciler) persistedBalance() string {
	v, err := r.store.Get(KeyCachedBalance)
	if err != nil {
		return ""
	}
	return v
}

// install replaces the in-memory identity. Callers hold r.mu.
func (r *Reconciler) install(id *Identity) {
	r.current = id
	r.generation++
}

func (r *Reconciler) clearLocked() {
	r.install(nil)
	r.balance = ""
	if err := r.store.Delete(KeyCanonicalAddress, KeyCachedBalance); err != nil {
		r.logger.Warn("Failed to clear identity cache", zap.Error(err))
	}
}

func (r *Reconciler) snapshot() *Identity {
	if r.current == nil {
		return nil
	}
	cp := *r.current
	return &cp
}
