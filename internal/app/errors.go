package app

import (
	"fmt"
	"net/http"
)

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

var (
	errUnauthorized   = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errNoSuchDocument = domainError(http.StatusNotFound, "NO_SUCH_DOCUMENT", "No such document", nil)
	errInvalidDocName = domainError(http.StatusBadRequest, "INVALID_DOC_NAME", "Document names may only contain letters, digits, '-' and '_'", nil)
	errDocExists      = domainError(http.StatusConflict, "DOC_EXISTS", "Document already exists", nil)
	errCapacity       = domainError(http.StatusServiceUnavailable, "CAPACITY", "Document capacity reached", nil)
	errStorageDown    = domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage backend unavailable", nil)
	errShuttingDown   = domainError(http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil)
)
