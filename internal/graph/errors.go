package graph

import (
	"errors"
	"fmt"
	"strings"
)

// UnknownObjectError reports a dangling reference: a missing node, mapper
// entry, or location.
type UnknownObjectError struct {
	// Key is the missing object, when a single object is at fault.
	Key Key
	// Source and Target are set when an edge between two objects cannot be
	// resolved; the message then names both endpoints.
	Source Key
	Target Key
	What   string
}

func (e *UnknownObjectError) Error() string {
	if !e.Source.IsZero() || !e.Target.IsZero() {
		return fmt.Sprintf("edge between %s and %s is invalid - one of these objects is unknown", e.Source, e.Target)
	}
	if e.What != "" {
		return fmt.Sprintf("unknown %s: %s", e.What, e.Key)
	}
	return fmt.Sprintf("unknown object: %s", e.Key)
}

// IsUnknownObject reports whether err wraps an UnknownObjectError.
func IsUnknownObject(err error) bool {
	var e *UnknownObjectError
	return errors.As(err, &e)
}

// DuplicateNodeError reports a uniqueness violation on (collection, code)
// or on a node id.
type DuplicateNodeError struct {
	Key Key
	ID  int64
}

func (e *DuplicateNodeError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("node with id %d already exists", e.ID)
	}
	return fmt.Sprintf("node %s already exists", e.Key)
}

func IsDuplicateNode(err error) bool {
	var e *DuplicateNodeError
	return errors.As(err, &e)
}

// UntypedExchangeError reports an edge with no type tag, detected eagerly
// at write time or during compilation.
type UntypedExchangeError struct {
	Output Key
}

func (e *UntypedExchangeError) Error() string {
	if e.Output.IsZero() {
		return "exchange is missing a type"
	}
	return fmt.Sprintf("exchange on %s is missing a type", e.Output)
}

func IsUntypedExchange(err error) bool {
	var e *UntypedExchangeError
	return errors.As(err, &e)
}

// InvalidExchangeError reports an edge missing its input or amount, or
// carrying a non-finite amount.
type InvalidExchangeError struct {
	Output Key
	Reason string
}

func (e *InvalidExchangeError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "missing input or amount"
	}
	if e.Output.IsZero() {
		return fmt.Sprintf("invalid exchange: %s", reason)
	}
	return fmt.Sprintf("invalid exchange on %s: %s", e.Output, reason)
}

func IsInvalidExchange(err error) bool {
	var e *InvalidExchangeError
	return errors.As(err, &e)
}

// WrongCollectionError reports a bulk-write payload whose top-level keys
// reference collections other than the write target.
type WrongCollectionError struct {
	Want string
	Got  []string
}

func (e *WrongCollectionError) Error() string {
	return fmt.Sprintf("can't write nodes from collections [%s] to collection %q",
		strings.Join(e.Got, ", "), e.Want)
}

func IsWrongCollection(err error) bool {
	var e *WrongCollectionError
	return errors.As(err, &e)
}

// ValidityError reports a schema or registration precondition failure.
type ValidityError struct {
	Message string
}

func (e *ValidityError) Error() string {
	return e.Message
}

func IsValidity(err error) bool {
	var e *ValidityError
	return errors.As(err, &e)
}

// Validityf builds a ValidityError from a format string.
func Validityf(format string, args ...any) *ValidityError {
	return &ValidityError{Message: fmt.Sprintf(format, args...)}
}

// MultipleResultsError reports an ambiguous broad lookup.
type MultipleResultsError struct {
	Collection string
	Count      int
}

func (e *MultipleResultsError) Error() string {
	return fmt.Sprintf("query on collection %q matched %d nodes, expected one", e.Collection, e.Count)
}

func IsMultipleResults(err error) bool {
	var e *MultipleResultsError
	return errors.As(err, &e)
}

// UnknownFieldError reports a filter or order_by field outside the
// indexable whitelist. This is a programmer error, not recoverable.
type UnknownFieldError struct {
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("field %q is not filterable or orderable", e.Field)
}

func IsUnknownField(err error) bool {
	var e *UnknownFieldError
	return errors.As(err, &e)
}
