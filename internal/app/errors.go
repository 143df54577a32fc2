package app

import (
	"fmt"
	"net/http"
	"time"
)

// DomainError is the stable error surface of the service: a code callers
// can branch on and a message safe to show outside the operator channel.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errUnauthenticated() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// errConfirmationRequired is distinct from FORBIDDEN: the caller is allowed
// to perform the operation but has not explicitly confirmed it.
func errConfirmationRequired() *DomainError {
	return domainError(http.StatusPreconditionRequired, "CONFIRMATION_REQUIRED",
		"This operation is irreversible and requires explicit confirmation", nil)
}

func errNotFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func errInvalidTransition(from, to string) *DomainError {
	return domainError(http.StatusConflict, "INVALID_TRANSITION",
		fmt.Sprintf("Cannot transition document from %s to %s", from, to), nil)
}

func errRetentionViolation(eligibleAt time.Time) *DomainError {
	return domainError(http.StatusConflict, "RETENTION_POLICY_VIOLATION",
		"Document is inside its retention window and cannot be destroyed",
		map[string]any{"earliestEligibleAt": eligibleAt.UTC().Format(time.RFC3339)})
}

func errConflict() *DomainError {
	return domainError(http.StatusConflict, "CONFLICT",
		"The record was modified concurrently; retry with fresh state", nil)
}

func errInconsistentState() *DomainError {
	return domainError(http.StatusInternalServerError, "INCONSISTENT_STATE",
		"Purge partially completed; operator attention required", nil)
}

func errStorageUnavailable() *DomainError {
	return domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE",
		"Storage is temporarily unavailable", nil)
}
