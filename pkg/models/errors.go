package models

import (
	"errors"
	"fmt"

	"github.com/docker/go-units"
)

// ValidationError reports a user-supplied name that violates naming rules.
// It is surfaced immediately and never retried.
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid name %q: %s", e.Name, e.Reason)
}

// AsValidation checks if an error is a ValidationError and returns it.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// SignatureError reports a failed passphrase or manifest signature
// verification. Fatal for the node, never retried.
type SignatureError struct {
	ShareID string
	LinkID  string
	What    string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature verification failed for %s of link %s in share %s", e.What, e.LinkID, e.ShareID)
}

// AsSignature checks if an error is a SignatureError and returns it.
func AsSignature(err error) (*SignatureError, bool) {
	var se *SignatureError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// MissingKeyError reports absent key material on a node. Fatal for that
// node only.
type MissingKeyError struct {
	ShareID string
	LinkID  string
	Kind    string // "hash key", "content key", "private key"
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("missing %s on link %s in share %s", e.Kind, e.LinkID, e.ShareID)
}

// AsMissingKey checks if an error is a MissingKeyError and returns it.
func AsMissingKey(err error) (*MissingKeyError, bool) {
	var me *MissingKeyError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// CancelError marks a user- or system-initiated cancellation. Callers must
// treat it as distinct from failure.
type CancelError struct {
	Reason string
}

func (e *CancelError) Error() string {
	if e.Reason == "" {
		return "transfer canceled"
	}
	return "transfer canceled: " + e.Reason
}

// IsCancel reports whether the error chain contains a cancellation.
func IsCancel(err error) bool {
	var ce *CancelError
	return errors.As(err, &ce)
}

// ConflictError reports a name collision under a parent, carrying the
// existing link so a handler can decide how to resolve it.
type ConflictError struct {
	ShareID  string
	ParentID string
	Name     string
	Existing *Link // nil when only the hash is known to be taken
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("name %q already exists under parent %s", e.Name, e.ParentID)
}

// AsConflict checks if an error is a ConflictError and returns it.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CapacityError reports a rejected upload batch: the batch plus in-flight
// bytes would exceed the account quota. Nothing was enqueued.
type CapacityError struct {
	Needed    int64
	Available int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("not enough space: need %s, %s available",
		units.BytesSize(float64(e.Needed)), units.BytesSize(float64(e.Available)))
}

// AsCapacity checks if an error is a CapacityError and returns it.
func AsCapacity(err error) (*CapacityError, bool) {
	var ce *CapacityError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// UploadUserError is a recoverable per-item upload condition surfaced to
// the user, e.g. replacing a file whose original is not uploaded yet.
type UploadUserError struct {
	Err error
}

func (e *UploadUserError) Error() string {
	return e.Err.Error()
}

func (e *UploadUserError) Unwrap() error {
	return e.Err
}

// AsUploadUser checks if an error is an UploadUserError and returns it.
func AsUploadUser(err error) (*UploadUserError, bool) {
	var ue *UploadUserError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// NotFoundError reports a link or share the server does not know.
type NotFoundError struct {
	ShareID string
	LinkID  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("link %s not found in share %s", e.LinkID, e.ShareID)
}

// IsNotFound reports whether the error chain contains a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
