package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apphttp "github.com/chainsafe/wallet-reconciler/pkg/app/http"
	"github.com/chainsafe/wallet-reconciler/pkg/history"
	"github.com/chainsafe/wallet-reconciler/pkg/ledger"
	"github.com/chainsafe/wallet-reconciler/pkg/payment"
	"github.com/chainsafe/wallet-reconciler/pkg/signer"
	"github.com/chainsafe/wallet-reconciler/pkg/wallet"
)

func newTestRouter(t *testing.T, l *fakeLedger) http.Handler {
	t.Helper()
	var balanceReads atomic.Int32
	svc := newTestService(t, l, newFakeSigner(&balanceReads))
	return mountRoutes(NewLog(svc, zap.NewNop()))
}

func mountRoutes(svc Service) http.Handler {
	r := chi.NewRouter()
	RegisterRoutes(r, svc, zap.NewNop())
	RegisterSignerRoutes(r, svc, zap.NewNop())
	return r
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apphttp.ErrorResponse {
	t.Helper()
	var body apphttp.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestHTTP_MissingTokenIsRejectedLocally(t *testing.T) {
	l := &fakeLedger{}
	h := newTestRouter(t, l)

	for _, path := range []string{"/payments/history", "/wallet/addresses/555"} {
		rec := do(t, h, http.MethodGet, path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	if l.listCalls.Load() != 0 {
		t.Fatal("the backend must not be called without a session")
	}
}

func TestHTTP_PayWithoutTokenNeverSigns(t *testing.T) {
	var balanceReads, sends atomic.Int32
	s := newFakeSigner(&balanceReads)
	s.SendTransferFunc = func(context.Context, signer.TransferRequest) (string, error) {
		sends.Add(1)
		return testTxHash, nil
	}
	l := &fakeLedger{addresses: []string{walletAddr}}
	h := mountRoutes(newTestService(t, l, s))

	if rec := do(t, h, http.MethodGet, "/wallet", "tok", ""); rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/payments", "", `{"recipient":"`+recipientAddr+`","amount":"0.1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	if sends.Load() != 0 || len(l.recorded) != 0 {
		t.Fatal("a payment without a session must not reach the signer or the ledger")
	}
}

func TestHTTP_InvalidJSON(t *testing.T) {
	h := newTestRouter(t, &fakeLedger{})

	rec := do(t, h, http.MethodPost, "/auth/login", "", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.ErrMsg != "invalid JSON" {
		t.Fatalf("unexpected error message %q", body.ErrMsg)
	}
}

func TestHTTP_LoginAndSignup(t *testing.T) {
	h := newTestRouter(t, &fakeLedger{loginTokens: "tok-1"})

	rec := do(t, h, http.MethodPost, "/auth/login", "", `{"email":"a@example.com","password":"secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var sessResp wallet.SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sessResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sessResp.AccessToken != "tok-1" {
		t.Fatalf("expected tok-1, got %q", sessResp.AccessToken)
	}

	rec = do(t, h, http.MethodPost, "/auth/login", "", `{"email":"a@example.com","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credentials, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/auth/signup", "",
		`{"username":"bob","email":"b@example.com","phone_number":"555","password":"secret1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHTTP_ResolveAndPay(t *testing.T) {
	l := &fakeLedger{addresses: []string{walletAddr}}
	h := newTestRouter(t, l)

	rec := do(t, h, http.MethodGet, "/wallet", "tok", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var overview wallet.Overview
	if err := json.Unmarshal(rec.Body.Bytes(), &overview); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !overview.Connected || !strings.EqualFold(overview.Identity.Address, walletAddr) {
		t.Fatalf("unexpected overview: %+v", overview)
	}

	rec = do(t, h, http.MethodPost, "/payments", "tok",
		`{"recipient":"`+recipientAddr+`","amount":"0.1","description":"lunch"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var intent payment.Intent
	if err := json.Unmarshal(rec.Body.Bytes(), &intent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if intent.Status != payment.StatusConfirmed || intent.Value.String() != "100000000000000000" {
		t.Fatalf("unexpected intent: %+v", intent)
	}

	rec = do(t, h, http.MethodPost, "/payments", "tok", `{"recipient":"nope","amount":"0.1"}`)
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusConflict {
		t.Fatalf("expected a rejected payment, got %d", rec.Code)
	}
}

func TestHTTP_HistoryTruncatesAndFormats(t *testing.T) {
	l := &fakeLedger{records: []ledger.Record{
		{TransactionHash: "0x1", Amount: "1000000000000000000", Status: ledger.StatusCompleted},
		{TransactionHash: "0x2", Amount: "500000000000000000", Status: ledger.StatusPending},
		{TransactionHash: "0x3", Amount: "1", Status: ledger.StatusFailed},
		{TransactionHash: "0x4", Amount: "1", Status: ledger.StatusCompleted},
		{TransactionHash: "0x5", Amount: "1", Status: ledger.StatusCompleted},
		{TransactionHash: "0x6", Amount: "1", Status: ledger.StatusCompleted},
	}}
	h := newTestRouter(t, l)

	rec := do(t, h, http.MethodGet, "/payments/history", "tok", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res history.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Entries) != history.DefaultLimit {
		t.Fatalf("expected %d entries, got %d", history.DefaultLimit, len(res.Entries))
	}
	if res.Entries[0].TransactionHash != "0x1" || res.Entries[0].DisplayAmount != "1" {
		t.Fatalf("unexpected first entry: %+v", res.Entries[0])
	}
	if res.Entries[1].Presentation != history.PresentationPending {
		t.Fatalf("expected pending, got %s", res.Entries[1].Presentation)
	}
}

func TestHTTP_TransactionNotFound(t *testing.T) {
	h := newTestRouter(t, &fakeLedger{})

	rec := do(t, h, http.MethodGet, "/payments/tx/0xabc", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHTTP_BalanceQueryValidation(t *testing.T) {
	h := newTestRouter(t, &fakeLedger{addresses: []string{walletAddr}})

	rec := do(t, h, http.MethodGet, "/wallet/balance?refresh=maybe", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHTTP_DeleteAccountForgetsIdentity(t *testing.T) {
	l := &fakeLedger{addresses: []string{walletAddr}}
	h := newTestRouter(t, l)

	if rec := do(t, h, http.MethodGet, "/wallet", "tok", ""); rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodDelete, "/account", "tok", `{"password":"secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/wallet", "", "")
	var overview wallet.Overview
	if err := json.Unmarshal(rec.Body.Bytes(), &overview); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if overview.Connected {
		t.Fatal("expected no identity after account deletion")
	}
}

func TestHTTP_DisconnectNoContent(t *testing.T) {
	h := newTestRouter(t, &fakeLedger{addresses: []string{walletAddr}})

	rec := do(t, h, http.MethodDelete, "/wallet/connect", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
