// Package kernelerr implements the kernel's wire-marshalable error
// taxonomy (spec.md §4.9, §7): a closed set of kernel-intrinsic codes plus
// a generic message-only shape for user errors, both round-trippable
// across the delivery/syscall and JSON-RPC boundaries.
package kernelerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code is one of the stable, closed-set kernel-intrinsic error codes from
// spec.md §7.
type Code string

const (
	VatNotFound          Code = "VAT_NOT_FOUND"
	VatAlreadyExists     Code = "VAT_ALREADY_EXISTS"
	VatDeleted           Code = "VAT_DELETED"
	StreamReadError      Code = "STREAM_READ_ERROR"
	SupervisorReadError  Code = "SUPERVISOR_READ_ERROR"
	CaptpConnectionExists    Code = "CAPTP_CONNECTION_EXISTS"
	CaptpConnectionNotFound  Code = "CAPTP_CONNECTION_NOT_FOUND"
	InvalidReference     Code = "INVALID_REFERENCE"
	Revoked              Code = "REVOKED"
	DeliveryFailed       Code = "DELIVERY_FAILED"
	BadSyscall           Code = "BAD_SYSCALL"
	SubclusterNotFound   Code = "SUBCLUSTER_NOT_FOUND"
)

// KernelError is a typed error that round-trips across the wire as
// {sentinel: true, message, code?, data?, stack?, cause?}. Cause may itself
// be an encoded KernelError (chained) or a plain string, mirroring
// spec.md §4.9.
type KernelError struct {
	Sentinel bool            `json:"sentinel"`
	Message  string          `json:"message"`
	Code     Code            `json:"code,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Stack    string          `json:"stack,omitempty"`
	Cause    *CauseValue     `json:"cause,omitempty"`
}

// CauseValue holds either a nested KernelError or an opaque string cause;
// exactly one of the two is set.
type CauseValue struct {
	Err    *KernelError
	String string
}

func (c *CauseValue) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	if c.Err != nil {
		return json.Marshal(c.Err)
	}
	return json.Marshal(c.String)
}

func (c *CauseValue) UnmarshalJSON(b []byte) error {
	var asErr KernelError
	if err := json.Unmarshal(b, &asErr); err == nil && asErr.Sentinel {
		c.Err = &asErr
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("kernelerr: cause is neither a sentinel error nor a string: %w", err)
	}
	c.String = s
	return nil
}

func (e *KernelError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// New builds a kernel-intrinsic error with a stable code.
func New(code Code, format string, args ...any) *KernelError {
	return &KernelError{
		Sentinel: true,
		Message:  fmt.Sprintf(format, args...),
		Code:     code,
	}
}

// Wrap builds a kernel-intrinsic error chained onto cause.
func Wrap(code Code, cause error, format string, args ...any) *KernelError {
	ke := New(code, format, args...)
	var nested *KernelError
	if errors.As(cause, &nested) {
		ke.Cause = &CauseValue{Err: nested}
	} else if cause != nil {
		ke.Cause = &CauseValue{String: cause.Error()}
	}
	return ke
}

// User builds a message-only error for user (vat) code, carrying no code.
func User(message string) *KernelError {
	return &KernelError{Sentinel: true, Message: message}
}

// CodeOf extracts the Code from err if it is (or wraps) a *KernelError.
func CodeOf(err error) (Code, bool) {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code, ke.Code != ""
	}
	return "", false
}
