package app

import "fmt"

// DomainError is an error the HTTP layer can render directly: a status
// code, a stable machine-readable code, and a human message. Details is
// optional structured payload (validation fields, ids).
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
