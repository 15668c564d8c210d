package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorAuth                       = "AUTH_ERROR"
	ErrorMFAEnrollment              = "MFA_ENROLLMENT_ERROR"
	ErrorMFAChallenge               = "MFA_CHALLENGE_ERROR"
	ErrorMFAInvalidCode             = "MFA_INVALID_CODE"
	ErrorMFAExpiredChallenge        = "MFA_EXPIRED_CHALLENGE"
	ErrorTimeout                    = "TIMEOUT"
	ErrorEntitlementCheck           = "ENTITLEMENT_CHECK_ERROR"
	ErrorInsufficientEntitlement    = "INSUFFICIENT_ENTITLEMENT"
	ErrorLedgerConflict             = "LEDGER_CONFLICT"
	ErrorPaymentInitiation          = "PAYMENT_INITIATION_ERROR"
	ErrorPaymentCompletion          = "PAYMENT_COMPLETION_ERROR"
	ErrorSessionRequired            = "SESSION_REQUIRED"
	ErrorStepUpRequired             = "STEP_UP_REQUIRED"
	ErrorMFAReverificationRequired  = "MFA_REVERIFICATION_REQUIRED"
	ErrorLedgerPreconditionFailed   = "LEDGER_PRECONDITION_FAILED"
	ErrorBadInput                   = "BAD_INPUT"
	ErrorNotFound                   = "NOT_FOUND"
	ErrorInternal                   = "INTERNAL_ERROR"
)

const (
	NextStepTopUp        = "top_up"
	NextStepVerifyFactor = "verify_factor"
	NextStepSignIn       = "sign_in"
)

const metadataNextStep = "next_step"

// ErrorMapper converts arbitrary errors into the controller envelope.
type ErrorMapper func(err error) *goerrors.Error

func NewAuthError(message string, cause error) *goerrors.Error {
	return wrapTaxonomy(cause, message, goerrors.CategoryAuth, ErrorAuth).
		WithMetadata(map[string]any{metadataNextStep: NextStepSignIn})
}

func NewMFAEnrollmentError(message string, cause error) *goerrors.Error {
	return wrapTaxonomy(cause, message, goerrors.CategoryOperation, ErrorMFAEnrollment)
}

func NewMFAChallengeError(message string, cause error) *goerrors.Error {
	return wrapTaxonomy(cause, message, goerrors.CategoryOperation, ErrorMFAChallenge)
}

func NewInvalidCodeError(message string) *goerrors.Error {
	return newTaxonomy(message, goerrors.CategoryValidation, ErrorMFAInvalidCode)
}

func NewExpiredChallengeError(message string) *goerrors.Error {
	return newTaxonomy(message, goerrors.CategoryAuth, ErrorMFAExpiredChallenge).
		WithMetadata(map[string]any{metadataNextStep: NextStepVerifyFactor})
}

func NewTimeoutError(operation string) *goerrors.Error {
	return newTaxonomy(operation+" timed out", goerrors.CategoryOperation, ErrorTimeout).
		WithMetadata(map[string]any{"operation": operation})
}

func NewEntitlementCheckError(message string, cause error) *goerrors.Error {
	return wrapTaxonomy(cause, message, goerrors.CategoryExternal, ErrorEntitlementCheck)
}

func NewInsufficientEntitlementError(message string) *goerrors.Error {
	return newTaxonomy(message, goerrors.CategoryAuthz, ErrorInsufficientEntitlement).
		WithMetadata(map[string]any{metadataNextStep: NextStepTopUp})
}

func NewLedgerConflictError(message string) *goerrors.Error {
	return newTaxonomy(message, goerrors.CategoryConflict, ErrorLedgerConflict)
}

func NewLedgerPreconditionError(message string, metadata map[string]any) *goerrors.Error {
	err := newTaxonomy(message, goerrors.CategoryConflict, ErrorLedgerPreconditionFailed)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func NewPaymentInitiationError(message string, cause error) *goerrors.Error {
	return wrapTaxonomy(cause, message, goerrors.CategoryExternal, ErrorPaymentInitiation)
}

func NewPaymentCompletionError(message string, cause error) *goerrors.Error {
	return wrapTaxonomy(cause, message, goerrors.CategoryExternal, ErrorPaymentCompletion)
}

func NewSessionRequiredError() *goerrors.Error {
	return newTaxonomy("an authenticated session is required", goerrors.CategoryAuth, ErrorSessionRequired).
		WithMetadata(map[string]any{metadataNextStep: NextStepSignIn})
}

func NewStepUpRequiredError() *goerrors.Error {
	return newTaxonomy("second factor verification is required", goerrors.CategoryAuthz, ErrorStepUpRequired).
		WithMetadata(map[string]any{metadataNextStep: NextStepVerifyFactor})
}

func NewReverificationRequiredError() *goerrors.Error {
	return newTaxonomy("recent factor verification is required", goerrors.CategoryAuthz, ErrorMFAReverificationRequired).
		WithMetadata(map[string]any{metadataNextStep: NextStepVerifyFactor})
}

func NewBadInputError(message string, fields ...goerrors.FieldError) *goerrors.Error {
	var err *goerrors.Error
	if len(fields) > 0 {
		err = goerrors.NewValidation(message, fields...)
	} else {
		err = goerrors.New(message, goerrors.CategoryBadInput)
	}
	return ensureErrorEnvelope(err.WithTextCode(ErrorBadInput))
}

func NewNotFoundError(message string) *goerrors.Error {
	return newTaxonomy(message, goerrors.CategoryNotFound, ErrorNotFound)
}

// HasCode reports whether err, or anything it wraps, carries the given text code.
func HasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	code = strings.TrimSpace(code)
	for current := err; current != nil; current = errors.Unwrap(current) {
		if rich, ok := current.(*goerrors.Error); ok && rich != nil && rich.TextCode == code {
			return true
		}
	}
	return false
}

// NextStep returns the remediation hint attached to err, if any.
func NextStep(err error) string {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich == nil || rich.Metadata == nil {
		return ""
	}
	value, _ := rich.Metadata[metadataNextStep].(string)
	return value
}

func newTaxonomy(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(goerrors.New(message, category).WithTextCode(textCode))
}

func wrapTaxonomy(cause error, message string, category goerrors.Category, textCode string) *goerrors.Error {
	if cause == nil {
		return newTaxonomy(message, category, textCode)
	}
	return ensureErrorEnvelope(goerrors.Wrap(cause, category, message).WithTextCode(textCode))
}

func controllerErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError("operation")
	case errors.Is(err, ErrInvalidCredentials):
		return NewAuthError("invalid email or password", err)
	case errors.Is(err, ErrInvalidCode):
		return NewInvalidCodeError("verification code is incorrect")
	case errors.Is(err, ErrChallengeExpired):
		return NewExpiredChallengeError("challenge has expired, request a new code")
	case errors.Is(err, ErrFactorNotFound):
		return NewMFAChallengeError("factor not found", err)
	case errors.Is(err, ErrFactorLimitReached):
		return NewMFAEnrollmentError("factor limit reached", err)
	case errors.Is(err, ErrSessionNotFound):
		return NewSessionRequiredError()
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return ensureErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryNotFound, err.Error()).WithTextCode(ErrorNotFound))
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return ensureErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryBadInput, err.Error()).WithTextCode(ErrorBadInput))
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth:
		return ErrorAuth
	case goerrors.CategoryAuthz:
		return ErrorStepUpRequired
	case goerrors.CategoryConflict:
		return ErrorLedgerConflict
	default:
		return ErrorInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
