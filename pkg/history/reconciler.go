// Package history turns backend ledger records into display entries.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/wallet-reconciler/internal/metrics"
	apperrors "github.com/chainsafe/wallet-reconciler/pkg/app/errors"
	"github.com/chainsafe/wallet-reconciler/pkg/auth"
	"github.com/chainsafe/wallet-reconciler/pkg/ledger"
	"github.com/chainsafe/wallet-reconciler/pkg/units"
)

// DefaultLimit is the number of most recent entries kept.
const DefaultLimit = 5

// ErrTransactionNotFound is returned by Lookup for an unknown hash.
var ErrTransactionNotFound = errors.New("transaction not found")

// Presentation is the display category of a record status.
type Presentation string

const (
	PresentationSuccess Presentation = "success"
	PresentationPending Presentation = "pending"
	PresentationFailure Presentation = "failure"
	PresentationUnknown Presentation = "unknown"
)

// PresentationOf maps a backend status to its display category.
func PresentationOf(status string) Presentation {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case ledger.StatusCompleted:
		return PresentationSuccess
	case ledger.StatusPending:
		return PresentationPending
	case ledger.StatusFailed:
		return PresentationFailure
	default:
		return PresentationUnknown
	}
}

// Entry is a normalized ledger record.
type Entry struct {
	ledger.Record
	DisplayAmount string       `json:"display_amount"`
	Presentation  Presentation `json:"presentation"`
}

// Result of one refresh. Entries is never nil.
type Result struct {
	Entries     []Entry   `json:"entries"`
	FetchFailed bool      `json:"fetch_failed"`
	Err         error     `json:"-"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Ledger is the backend capability the reconciler needs.
type Ledger interface {
	ListPayments(ctx context.Context, sess *auth.Session) ([]ledger.Record, error)
	TransactionDetails(ctx context.Context, hash string) (*ledger.TransactionDetails, error)
}

// Reconciler fetches and caches the most recent history.
type Reconciler struct {
	ledger   Ledger
	limit    int
	decimals int32
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	latest *Result
}

// NewReconciler creates a new Reconciler. A non-positive limit means DefaultLimit.
func NewReconciler(l Ledger, limit int, decimals int32, logger *zap.Logger) *Reconciler {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		ledger:   l,
		limit:    limit,
		decimals: decimals,
		logger:   logger,
		now:      time.Now,
		latest:   &Result{Entries: []Entry{}},
	}
}

// Refresh fetches the records, keeps the first limit of them in backend order
// and converts each amount to display units once. On failure the cache is
// replaced by an empty result with FetchFailed set.
func (r *Reconciler) Refresh(ctx context.Context, sess *auth.Session) *Result {
	records, err := r.ledger.ListPayments(ctx, sess)
	if err != nil {
		r.logger.Warn("History fetch failed", zap.Error(err))
		metrics.HistoryRefreshes.WithLabelValues("failed").Inc()
		res := &Result{Entries: []Entry{}, FetchFailed: true, Err: err, RefreshedAt: r.now()}
		r.store(res)
		return res
	}

	if len(records) > r.limit {
		records = records[:r.limit]
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, r.normalize(rec))
	}

	metrics.HistoryRefreshes.WithLabelValues("ok").Inc()
	res := &Result{Entries: entries, RefreshedAt: r.now()}
	r.store(res)
	return res
}

func (r *Reconciler) normalize(rec ledger.Record) Entry {
	e := Entry{Record: rec, Presentation: PresentationOf(rec.Status)}
	display, err := units.FromSmallestUnit(rec.Amount, r.decimals)
	if err != nil {
		r.logger.Warn("Unparseable ledger amount",
			zap.String("id", rec.ID),
			zap.String("amount", rec.Amount),
			zap.Error(err))
		return e
	}
	e.DisplayAmount = display
	return e
}

// Latest returns the cached result of the last refresh.
func (r *Reconciler) Latest() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *r.latest
	cp.Entries = append([]Entry(nil), r.latest.Entries...)
	if cp.Entries == nil {
		cp.Entries = []Entry{}
	}
	return &cp
}

func (r *Reconciler) store(res *Result) {
	r.mu.Lock()
	r.latest = res
	r.mu.Unlock()
}

// Lookup returns the details of one transaction, with the amount in display units.
func (r *Reconciler) Lookup(ctx context.Context, hash string) (*Details, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, apperrors.BadRequestError(nil, "transaction hash required")
	}
	d, err := r.ledger.TransactionDetails(ctx, hash)
	if err != nil {
		if apperrors.Is(err, apperrors.CategoryResourceNotFound) {
			return nil, apperrors.ResourceNotFoundError(fmt.Errorf("%w: %w", ErrTransactionNotFound, err), "transaction not found")
		}
		return nil, err
	}
	if d == nil {
		return nil, apperrors.ResourceNotFoundError(ErrTransactionNotFound, "transaction not found")
	}

	out := &Details{TransactionDetails: *d, Presentation: PresentationOf(d.Status)}
	if display, err := units.FromSmallestUnit(d.Amount.String(), r.decimals); err == nil {
		out.DisplayAmount = display
	} else {
		r.logger.Debug("Transaction amount not in smallest units", zap.String("tx_hash", hash), zap.Error(err))
		out.DisplayAmount = d.Amount.String()
	}
	return out, nil
}

// Details is a transaction looked up by hash.
type Details struct {
	ledger.TransactionDetails
	DisplayAmount string       `json:"display_amount"`
	Presentation  Presentation `json:"presentation"`
}
