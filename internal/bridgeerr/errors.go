// Package bridgeerr implements the error taxonomy used to answer R2
// requests. Every error the controller returns to a session is one of these
// so it can be translated into the §6 R2 error envelope without further
// classification at the call site.
package bridgeerr

import "fmt"

// ServiceError is a classified error with an associated R2 error envelope
// code and label.
type ServiceError struct {
	label   string
	code    int
	message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.label, e.message)
}

// Code returns the R2 error envelope HTTP-style status code.
func (e *ServiceError) Code() int { return e.code }

// Label returns the machine-readable error label carried in the R2 error
// envelope's msg field (e.g. "BAD_REQUEST").
func (e *ServiceError) Label() string { return e.label }

// Message returns the human-readable detail.
func (e *ServiceError) Message() string { return e.message }

func BadRequest(format string, args ...any) *ServiceError {
	return &ServiceError{label: "BAD_REQUEST", code: 400, message: fmt.Sprintf(format, args...)}
}

func SerializationError(format string, args ...any) *ServiceError {
	return &ServiceError{label: "BAD_REQUEST", code: 400, message: fmt.Sprintf(format, args...)}
}

func Internal(format string, args ...any) *ServiceError {
	return &ServiceError{label: "ERROR", code: 500, message: fmt.Sprintf(format, args...)}
}

func NotYetImplemented() *ServiceError {
	return &ServiceError{label: "NOT_IMPLEMENTED", code: 501, message: "Not yet implemented"}
}

func NotConnected() *ServiceError {
	return &ServiceError{label: "SERVICE_UNAVAILABLE", code: 503, message: "HomeAssistant is not connected"}
}

func ServiceUnavailable(reason string) *ServiceError {
	return &ServiceError{label: "SERVICE_UNAVAILABLE", code: 503, message: reason}
}
