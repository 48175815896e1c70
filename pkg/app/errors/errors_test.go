package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFromStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Category
		code   int
	}{
		{http.StatusUnauthorized, CategoryUnauthorized, http.StatusUnauthorized},
		{http.StatusConflict, CategoryDataConflict, http.StatusConflict},
		{http.StatusNotFound, CategoryResourceNotFound, http.StatusNotFound},
		{http.StatusBadRequest, CategoryDataError, http.StatusBadRequest},
		{http.StatusInternalServerError, CategoryDependencyFailure, http.StatusBadGateway},
		{http.StatusBadGateway, CategoryDependencyFailure, http.StatusBadGateway},
	}

	for _, tc := range cases {
		err := FromStatus(tc.status, nil)
		if !Is(err, tc.want) {
			t.Errorf("status %d: expected %s, got %s", tc.status, tc.want, CategoryOf(err))
		}
		var svcErr *ServiceError
		if !errors.As(err, &svcErr) {
			t.Fatalf("status %d: expected ServiceError", tc.status)
		}
		if svcErr.StatusCode() != tc.code {
			t.Errorf("status %d: expected code %d, got %d", tc.status, tc.code, svcErr.StatusCode())
		}
	}
}

func TestServiceError_UnwrapKeepsSentinel(t *testing.T) {
	sentinel := errors.New("signer unavailable")
	err := fmt.Errorf("connect: %w", CapabilityError(sentinel, "no signer detected"))

	if !errors.Is(err, sentinel) {
		t.Fatal("expected sentinel to be reachable through the ServiceError")
	}
	if got := MessageOf(err); got != "no signer detected" {
		t.Fatalf("expected user-facing message, got %q", got)
	}
	if CategoryOf(err) != CategoryCapabilityFailure {
		t.Fatalf("expected CategoryCapabilityFailure, got %s", CategoryOf(err))
	}
}

func TestCategoryOf_PlainError(t *testing.T) {
	if CategoryOf(nil) != CategoryNoError {
		t.Fatal("nil should map to CategoryNoError")
	}
	if CategoryOf(errors.New("boom")) != CategoryGeneralError {
		t.Fatal("plain errors should map to CategoryGeneralError")
	}
}
