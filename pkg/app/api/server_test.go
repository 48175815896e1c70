package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/wallet-reconciler/pkg/config"
	"github.com/chainsafe/wallet-reconciler/pkg/identity"
	"github.com/chainsafe/wallet-reconciler/pkg/payment"
	"github.com/chainsafe/wallet-reconciler/pkg/rates"
	"github.com/chainsafe/wallet-reconciler/pkg/signer"
	walletservice "github.com/chainsafe/wallet-reconciler/pkg/wallet/service"
)

const (
	walletAddr    = "0x00000000000000000000000000000000000000AA"
	recipientAddr = "0x00000000000000000000000000000000000000BB"
	txHash        = "0xfeed"

	requestTimeout = 50 * time.Millisecond
	signerLatency  = 200 * time.Millisecond
)

// newBackend serves the ledger endpoints a resolve and a payment touch.
// When slow is set, address lookups block until the caller gives up.
func newBackend(t *testing.T, slow *atomic.Bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /wallet/balances", func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
		_ = json.NewEncoder(w).Encode([]string{walletAddr})
	})
	mux.HandleFunc("POST /payments", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"transaction_hash": txHash, "status": "completed"})
	})
	mux.HandleFunc("GET /payments", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// slowSigner honours ctx but takes longer than the request timeout to sign
// and to confirm.
func slowSigner() *signer.FuncSigner {
	wait := func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(signerLatency):
			return nil
		}
	}
	return &signer.FuncSigner{
		ActiveAccountFunc: func(context.Context) (string, error) { return walletAddr, nil },
		SendTransferFunc: func(ctx context.Context, _ signer.TransferRequest) (string, error) {
			if err := wait(ctx); err != nil {
				return "", err
			}
			return txHash, nil
		},
		WaitReceiptFunc: func(ctx context.Context, hash string) (*signer.Receipt, error) {
			if err := wait(ctx); err != nil {
				return nil, err
			}
			return &signer.Receipt{TxHash: hash, Success: true}, nil
		},
		BalanceOfFunc: func(context.Context, string) (*big.Int, error) {
			return big.NewInt(1_000_000_000_000_000_000), nil
		},
	}
}

func newTestHandler(t *testing.T, slow *atomic.Bool) http.Handler {
	t.Helper()
	backend := newBackend(t, slow)

	cfg := &config.Config{
		Server:  config.ServerConfig{RequestTimeout: requestTimeout},
		Backend: config.BackendConfig{BaseURL: backend.URL, RequestTimeout: 5 * time.Second},
	}
	logger := zap.NewNop()
	rateCache := rates.NewCache(rates.ProviderFunc(func(context.Context) (map[string]decimal.Decimal, error) {
		return map[string]decimal.Decimal{"usd": decimal.NewFromInt(1000)}, nil
	}))

	svc := walletservice.NewService(
		NewLedger(&cfg.Backend, logger),
		identity.NewMemoryStore(),
		slowSigner(),
		rateCache,
		walletservice.Settings{Currency: "ETH", Decimals: 18},
		logger,
	)
	t.Cleanup(svc.Close)

	s := &Server{cfg: cfg}
	return s.setupRouter(walletservice.NewLog(svc, logger), logger)
}

func send(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSetupRouter_PaymentOutlivesRequestTimeout(t *testing.T) {
	var slow atomic.Bool
	h := newTestHandler(t, &slow)

	rec := send(t, h, http.MethodGet, "/wallet", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	start := time.Now()
	rec = send(t, h, http.MethodPost, "/payments", `{"recipient":"`+recipientAddr+`","amount":"0.1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.GreaterOrEqual(t, time.Since(start), 2*signerLatency)

	var intent payment.Intent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intent))
	assert.Equal(t, payment.StatusConfirmed, intent.Status)
	assert.Equal(t, txHash, intent.TxHash)
}

func TestSetupRouter_ReadRoutesKeepRequestTimeout(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	h := newTestHandler(t, &slow)

	start := time.Now()
	rec := send(t, h, http.MethodGet, "/wallet", "")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.GreaterOrEqual(t, rec.Code, http.StatusInternalServerError)
}

func TestSetupRouter_Health(t *testing.T) {
	var slow atomic.Bool
	h := newTestHandler(t, &slow)

	rec := send(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
