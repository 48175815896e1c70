// Package errors contains the failure taxonomy shared by every component:
// precondition failures, external-capability failures, backend failures
// classified by status, and partial-success conditions.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Category defines error category
type Category int

const (
	// CategoryNoError is used when a dependency answered without error.
	CategoryNoError Category = iota
	// CategoryDataError the caller supplied invalid input (a precondition failure).
	// Rejected before any external call and correctable by the user.
	CategoryDataError
	// CategoryUnauthorized the session is missing or expired; the user must re-authenticate
	CategoryUnauthorized
	// CategoryForbidden the session is valid but the action is not allowed
	CategoryForbidden
	// CategoryResourceNotFound the requested resource does not exist
	CategoryResourceNotFound
	// CategoryDataConflict the request conflicts with existing state (e.g. address already bound)
	CategoryDataConflict
	// CategoryBusy another operation of the same kind is already in flight
	CategoryBusy
	// CategoryCapabilityFailure the signer capability refused or failed (declined, unavailable, no funds)
	CategoryCapabilityFailure
	// CategoryPartialSuccess an irreversible step succeeded but a later step failed
	CategoryPartialSuccess
	// CategoryDependencyFailure the backend ledger or rate provider is throwing errors
	CategoryDependencyFailure
	// CategoryGeneralError the service failed in an unexpected way
	CategoryGeneralError
)

func (c Category) String() string {
	switch c {
	case CategoryNoError:
		return "CategoryNoError"
	case CategoryDataError:
		return "CategoryDataError"
	case CategoryUnauthorized:
		return "CategoryUnauthorized"
	case CategoryForbidden:
		return "CategoryForbidden"
	case CategoryResourceNotFound:
		return "CategoryResourceNotFound"
	case CategoryDataConflict:
		return "CategoryDataConflict"
	case CategoryBusy:
		return "CategoryBusy"
	case CategoryCapabilityFailure:
		return "CategoryCapabilityFailure"
	case CategoryPartialSuccess:
		return "CategoryPartialSuccess"
	case CategoryDependencyFailure:
		return "CategoryDependencyFailure"
	default:
		return "CategoryGeneralError"
	}
}

// ServiceError carries a category, a user-facing message and the underlying cause.
type ServiceError struct {
	Category Category
	Message  string
	Err      error
}

// Error method to comply with error interface
func (err ServiceError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// Unwrap returns the underlying error
func (err ServiceError) Unwrap() error {
	return err.Err
}

// Is matches a target with the same user-facing message
func (err ServiceError) Is(target error) bool {
	return err.Message == target.Error()
}

// Is checks that provided error is a ServiceError with desired Category
func Is(err error, cat Category) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.Category == cat {
		return true
	}
	return false
}

// CategoryOf returns the category of err, CategoryGeneralError when err is not a ServiceError
// and CategoryNoError for nil.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNoError
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Category
	}
	return CategoryGeneralError
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func newError(cat Category, err error, message, fallback string) error {
	if err == nil {
		err = errors.New(fallback + ": " + message)
	}
	return &ServiceError{
		Category: cat,
		Message:  message,
		Err:      err,
	}
}

// GeneralError returns a general service error.
// The message sent to the user is "Internal Server Error"; err is only logged.
func GeneralError(err error) error {
	if err == nil {
		err = errors.New("internal server error")
	}
	return &ServiceError{
		Category: CategoryGeneralError,
		Message:  "Internal Server Error",
		Err:      err,
	}
}

// ResourceNotFoundError returns an error with category ResourceNotFound
func ResourceNotFoundError(err error, message string) error {
	return newError(CategoryResourceNotFound, err, message, "resource not found")
}

// BadRequestError returns an error with category DataError
func BadRequestError(err error, message string) error {
	return newError(CategoryDataError, err, message, "bad request")
}

// ForbiddenError returns an error with category Forbidden
func ForbiddenError(err error, message string) error {
	return newError(CategoryForbidden, err, message, "request forbidden")
}

// UnAuthorizedError returns an error with category Unauthorized
func UnAuthorizedError(err error, message string) error {
	return newError(CategoryUnauthorized, err, message, "unauthorized")
}

// ConflictError returns an error with category DataConflict
func ConflictError(err error, message string) error {
	return newError(CategoryDataConflict, err, message, "conflict")
}

// BusyError returns an error with category Busy
func BusyError(err error, message string) error {
	return newError(CategoryBusy, err, message, "busy")
}

// CapabilityError returns an error with category CapabilityFailure
func CapabilityError(err error, message string) error {
	return newError(CategoryCapabilityFailure, err, message, "capability failure")
}

// PartialSuccessError returns an error with category PartialSuccess
func PartialSuccessError(err error, message string) error {
	return newError(CategoryPartialSuccess, err, message, "partial success")
}

// DependencyError returns an error with category DependencyFailure
func DependencyError(err error, message string) error {
	return newError(CategoryDependencyFailure, err, message, "dependency failure")
}

// FromStatus classifies a non-2xx backend response.
// 401 requires re-authentication, 409 is a conflict, 404 is "not found";
// anything else is a generic dependency failure.
func FromStatus(status int, err error) error {
	if err == nil {
		err = fmt.Errorf("backend returned status %d", status)
	}
	switch status {
	case http.StatusUnauthorized:
		return UnAuthorizedError(err, "session expired, please log in again")
	case http.StatusForbidden:
		return ForbiddenError(err, "action not permitted")
	case http.StatusConflict:
		return ConflictError(err, "request conflicts with existing data")
	case http.StatusNotFound:
		return ResourceNotFoundError(err, "not found")
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return BadRequestError(err, "request rejected by backend")
	default:
		return DependencyError(err, "backend request failed")
	}
}

// StatusCode returns the HTTP status code for the error category
func (err ServiceError) StatusCode() int {
	switch err.Category {
	case CategoryDataError:
		return http.StatusBadRequest
	case CategoryUnauthorized:
		return http.StatusUnauthorized
	case CategoryForbidden:
		return http.StatusForbidden
	case CategoryResourceNotFound:
		return http.StatusNotFound
	case CategoryDataConflict, CategoryBusy:
		return http.StatusConflict
	case CategoryCapabilityFailure:
		return http.StatusUnprocessableEntity
	case CategoryPartialSuccess:
		return http.StatusMultiStatus
	case CategoryDependencyFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
