package ledger

import (
	"encoding/json"
	"time"
)

// Record statuses as reported by the backend
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SignupRequest is the body of POST /auth/signup
type SignupRequest struct {
	Username    string `json:"username" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	PhoneNumber string `json:"phone_number" validate:"required"`
	Password    string `json:"password" validate:"required,min=6"`
}

// AuthResponse is returned by login and signup
type AuthResponse struct {
	AccessToken string `json:"access_token"`
}

// WalletAddress is one entry of GET /wallet/addresses/{phone}
type WalletAddress struct {
	Address string `json:"address"`
}

// ConnectRequest is the body of POST /wallet/connect
type ConnectRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// ConnectResponse is returned by POST /wallet/connect
type ConnectResponse struct {
	Message       string `json:"message"`
	WalletAddress string `json:"walletAddress"`
}

// RecordPaymentRequest is the body of POST /payments
type RecordPaymentRequest struct {
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Description     string `json:"description"`
	ToAddress       string `json:"to_address"`
	TransactionHash string `json:"transaction_hash"`
}

// RecordPaymentResponse is returned by POST /payments
type RecordPaymentResponse struct {
	TransactionHash string `json:"transaction_hash"`
	Status          string `json:"status"`
}

// Record is a backend-held ledger entry. Amount is a raw smallest-unit integer string.
type Record struct {
	ID              string    `json:"id"`
	TransactionHash string    `json:"transaction_hash"`
	FromAddress     string    `json:"from_address"`
	ToAddress       string    `json:"to_address"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	Description     string    `json:"description"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// TransactionDetails is returned by GET /payments/tx/{hash}
type TransactionDetails struct {
	TxHash    string      `json:"txHash"`
	Amount    json.Number `json:"amount"`
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Sender    string      `json:"sender"`
	Receiver  string      `json:"receiver"`
}

// ChangePasswordRequest is the body of PATCH /account/change-password
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=6,nefield=OldPassword"`
}

// UpdateEmailRequest is the body of PATCH /account/update-email
type UpdateEmailRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// DeleteAccountRequest is the body of DELETE /account/delete
type DeleteAccountRequest struct {
	Password string `json:"password" validate:"required"`
}

// AccountActionResponse is returned by the account management endpoints
type AccountActionResponse struct {
	Message string `json:"message"`
}
