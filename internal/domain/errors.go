package domain

import (
	"errors"
	"fmt"
)

// Conflict codes surfaced to clients
const (
	CodeSeatLocked       = "seat_locked"
	CodeSeatUnavailable  = "seat_unavailable"
	CodeDuplicatePayment = "duplicate_payment"
	CodeActivePayment    = "active_payment"
	CodeRateLimited      = "rate_limited"
	CodeInvalidState     = "invalid_state"
)

type NotFoundError struct {
	Resource string
	Err      error
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e NotFoundError) Unwrap() error { return e.Err }

type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e ValidationError) Error() string {
	if e.Msg != "" && e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return "validation error"
}

func (e ValidationError) Unwrap() error { return e.Err }

// ConflictError reports that another party already holds the resource.
// Code is one of the Code* constants.
type ConflictError struct {
	Resource string
	Code     string
	Msg      string
	Err      error
}

func (e ConflictError) Error() string {
	switch {
	case e.Msg != "" && e.Resource != "":
		return fmt.Sprintf("%s conflict: %s", e.Resource, e.Msg)
	case e.Msg != "":
		return e.Msg
	case e.Resource != "":
		return fmt.Sprintf("%s conflict", e.Resource)
	default:
		return "conflict"
	}
}

func (e ConflictError) Unwrap() error { return e.Err }

// UpstreamError wraps a failure of the payment gateway (unreachable,
// timeout, or error response). It is recoverable through polling.
type UpstreamError struct {
	Service string
	Msg     string
	Err     error
}

func (e UpstreamError) Error() string {
	service := e.Service
	if service == "" {
		service = "upstream"
	}
	switch {
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", service, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", service, e.Err)
	default:
		return fmt.Sprintf("%s unavailable", service)
	}
}

func (e UpstreamError) Unwrap() error { return e.Err }

// IntegrityError is raised when a storage constraint fires where the
// application believed it could not. Payment sessions hitting it are moved
// to refund_required.
type IntegrityError struct {
	Msg string
	Err error
}

func (e IntegrityError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "integrity violation"
}

func (e IntegrityError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target ConflictError
	return errors.As(err, &target)
}

func IsUpstream(err error) bool {
	var target UpstreamError
	return errors.As(err, &target)
}

func IsIntegrity(err error) bool {
	var target IntegrityError
	return errors.As(err, &target)
}

// ConflictCode returns the code of a ConflictError in the chain, or ""
func ConflictCode(err error) string {
	var target ConflictError
	if errors.As(err, &target) {
		return target.Code
	}
	return ""
}
