package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// AlreadyEnrolledMessage is what the events API answers when an enroll hits an existing enrollment.
const AlreadyEnrolledMessage = "User is already enrolled in this event"

type Kind int

const (
	KindServer Kind = iota
	KindTransport
	KindConflict
	KindValidation
	KindUnauthorized
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	default:
		return "server"
	}
}

var (
	ErrTransport    = errors.New("remote: transport failure")
	ErrConflict     = errors.New("remote: conflict")
	ErrValidation   = errors.New("remote: validation failed")
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrNotFound     = errors.New("remote: not found")
	ErrServer       = errors.New("remote: server error")
)

// APIError is every failure the client returns. Status is 0 for transport failures.
type APIError struct {
	Status  int
	Message string
	Kind    Kind
	Err     error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("remote %s (status %d): %s", e.Kind, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrServer:
		return e.Kind == KindServer
	}
	return false
}

// IsAlreadyEnrolled reports whether err says the user is already enrolled.
// Only that message is absorbed on enroll; other conflicts, such as a full
// event, stay failures.
func IsAlreadyEnrolled(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return isAlreadyEnrolledMessage(apiErr.Message)
}

func classify(status int, message string) Kind {
	switch {
	case isAlreadyEnrolledMessage(message), status == http.StatusConflict:
		return KindConflict
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindServer
	}
}

func isAlreadyEnrolledMessage(message string) bool {
	return strings.EqualFold(strings.TrimSpace(message), AlreadyEnrolledMessage) ||
		strings.Contains(strings.ToLower(message), "already enrolled")
}

func transportError(err error) *APIError {
	return &APIError{
		Kind:    KindTransport,
		Message: "the events service could not be reached",
		Err:     err,
	}
}
