package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/chainsafe/wallet-reconciler/pkg/app/errors"
)

func TestHandleError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
		wantCat  string
	}{
		{"busy", apperrors.BusyError(nil, "payment in flight"), http.StatusConflict, "payment in flight", "CategoryBusy"},
		{"partial success", apperrors.PartialSuccessError(errors.New("record"), "confirmed but not recorded"), http.StatusMultiStatus, "confirmed but not recorded", "CategoryPartialSuccess"},
		{"backend 401", apperrors.FromStatus(http.StatusUnauthorized, nil), http.StatusUnauthorized, "session expired, please log in again", "CategoryUnauthorized"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "Unexpected Service Error", "CategoryGeneralError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := HandleError(func(http.ResponseWriter, *http.Request) error { return tt.err })
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			var body ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.ErrMsg != tt.wantMsg || body.Category != tt.wantCat || body.ErrMsgCode != tt.wantCode {
				t.Fatalf("unexpected body: %+v", body)
			}
		})
	}
}

func TestHandleError_NoErrorLeavesResponse(t *testing.T) {
	h := HandleError(func(w http.ResponseWriter, _ *http.Request) error {
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodDelete, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
