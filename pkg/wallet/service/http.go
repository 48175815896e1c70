package service

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/wallet-reconciler/pkg/app/errors"
	apphttp "github.com/chainsafe/wallet-reconciler/pkg/app/http"
	"github.com/chainsafe/wallet-reconciler/pkg/auth"
	"github.com/chainsafe/wallet-reconciler/pkg/ledger"
	"github.com/chainsafe/wallet-reconciler/pkg/payment"
)

const maxBodyBytes = 1 << 20

// HTTP wraps the Service to provide HTTP endpoints
type HTTP struct {
	service Service
	logger  *zap.Logger
}

// RegisterRoutes registers the request/response wallet endpoints on the given chi router
func RegisterRoutes(r chi.Router, service Service, logger *zap.Logger) {
	h := &HTTP{
		service: service,
		logger:  logger,
	}

	r.Group(func(r chi.Router) {
		r.Use(sessionMiddleware)

		r.Post("/auth/login", apphttp.HandleError(h.login))
		r.Post("/auth/signup", apphttp.HandleError(h.signup))

		r.Get("/wallet", apphttp.HandleError(h.resolveIdentity))
		r.Delete("/wallet/connect", apphttp.HandleError(h.disconnect))
		r.Get("/wallet/balance", apphttp.HandleError(h.balance))
		r.Get("/wallet/addresses/{phone}", apphttp.HandleError(h.addressesByPhone))

		r.Get("/payments/current", apphttp.HandleError(h.currentPayment))
		r.Get("/payments/history", apphttp.HandleError(h.history))
		r.Get("/payments/tx/{hash}", apphttp.HandleError(h.transaction))

		r.Get("/rates", apphttp.HandleError(h.rates))

		r.Patch("/account/password", apphttp.HandleError(h.changePassword))
		r.Patch("/account/email", apphttp.HandleError(h.updateEmail))
		r.Delete("/account", apphttp.HandleError(h.deleteAccount))
	})
}

// RegisterSignerRoutes registers the endpoints that wait on the signer: wallet
// binding and payments. They block until the user signs and the transfer
// confirms, so they must not be mounted behind a request timeout.
func RegisterSignerRoutes(r chi.Router, service Service, logger *zap.Logger) {
	h := &HTTP{
		service: service,
		logger:  logger,
	}

	r.Group(func(r chi.Router) {
		r.Use(sessionMiddleware)

		r.Post("/wallet/connect", apphttp.HandleError(h.connect))
		r.Post("/payments", apphttp.HandleError(h.pay))
	})
}

// sessionMiddleware turns the Authorization header into an explicit session.
// Requests without one carry a nil session.
func sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := auth.FromAuthorizationHeader(r.Header.Get("Authorization"))
		next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), sess)))
	})
}

// requireSession returns the request session or a local 401
func requireSession(r *http.Request) (*auth.Session, error) {
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		return nil, apperrors.UnAuthorizedError(auth.ErrMissingToken, "missing authentication token")
	}
	return sess, nil
}

func optionalSession(r *http.Request) *auth.Session {
	sess, _ := auth.SessionFromContext(r.Context())
	return sess
}

func (h *HTTP) login(w http.ResponseWriter, r *http.Request) error {
	var req ledger.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	resp, err := h.service.Login(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) signup(w http.ResponseWriter, r *http.Request) error {
	var req ledger.SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	resp, err := h.service.Signup(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, resp)
	return nil
}

// resolveIdentity works without a session, falling back to the persisted address
func (h *HTTP) resolveIdentity(w http.ResponseWriter, r *http.Request) error {
	resp, err := h.service.ResolveIdentity(r.Context(), optionalSession(r))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) connect(w http.ResponseWriter, r *http.Request) error {
	sess, err := requireSession(r)
	if err != nil {
		return err
	}
	resp, err := h.service.Connect(r.Context(), sess)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) disconnect(w http.ResponseWriter, r *http.Request) error {
	if err := h.service.Disconnect(r.Context()); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *HTTP) balance(w http.ResponseWriter, r *http.Request) error {
	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return apperrors.BadRequestError(err, "refresh must be a boolean")
		}
		refresh = parsed
	}
	resp, err := h.service.Balance(r.Context(), refresh)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) addressesByPhone(w http.ResponseWriter, r *http.Request) error {
	sess, err := requireSession(r)
	if err != nil {
		return err
	}
	resp, err := h.service.AddressesByPhone(r.Context(), sess, chi.URLParam(r, "phone"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) pay(w http.ResponseWriter, r *http.Request) error {
	sess, err := requireSession(r)
	if err != nil {
		return err
	}
	var req payment.Request
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	resp, err := h.service.Pay(r.Context(), sess, req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, resp)
	return nil
}

func (h *HTTP) currentPayment(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, h.service.CurrentPayment(r.Context()))
	return nil
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) error {
	sess, err := requireSession(r)
	if err != nil {
		return err
	}
	res := h.service.History(r.Context(), sess)
	if res.FetchFailed && apperrors.Is(res.Err, apperrors.CategoryUnauthorized) {
		return res.Err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

func (h *HTTP) transaction(w http.ResponseWriter, r *http.Request) error {
	resp, err := h.service.Transaction(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) rates(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, h.service.Rates(r.Context()))
	return nil
}

func (h *HTTP) changePassword(w http.ResponseWriter, r *http.Request) error {
	sess, err := requireSession(r)
	if err != nil {
		return err
	}
	var req ledger.ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	resp, err := h.service.ChangePassword(r.Context(), sess, req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) updateEmail(w http.ResponseWriter, r *http.Request) error {
	sess, err := requireSession(r)
	if err != nil {
		return err
	}
	var req ledger.UpdateEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	resp, err := h.service.UpdateEmail(r.Context(), sess, req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) deleteAccount(w http.ResponseWriter, r *http.Request) error {
	sess, err := requireSession(r)
	if err != nil {
		return err
	}
	var req ledger.DeleteAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	resp, err := h.service.DeleteAccount(r.Context(), sess, req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func decodeJSON(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperrors.BadRequestError(err, "failed to read request")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.BadRequestError(err, "invalid JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
