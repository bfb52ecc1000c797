package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type kind uint8

const (
	kindOther kind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// Error is a Firestore failure tagged with the category the order service branches on.
// It satisfies repositories.RepositoryError.
type Error struct {
	op   string
	kind kind
	err  error
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return e.op + ": " + e.err.Error()
}

func (e *Error) Unwrap() error       { return e.err }
func (e *Error) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// NotFoundError reports a document the repository found missing on its own.
func NotFoundError(op, format string, args ...any) error {
	return &Error{op: op, kind: kindNotFound, err: fmt.Errorf(format, args...)}
}

// ConflictError aborts a transaction whose precondition no longer holds, typically a
// status compare-and-swap that lost to a concurrent writer.
func ConflictError(op, format string, args ...any) error {
	return &Error{op: op, kind: kindConflict, err: fmt.Errorf(format, args...)}
}

func IsNotFoundCode(err error) bool {
	return status.Code(err) == codes.NotFound
}

func kindOf(code codes.Code) kind {
	switch code {
	case codes.NotFound:
		return kindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return kindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		return kindUnavailable
	}
	return kindOther
}

// WrapError tags err with op and its category. Cancellation and deadlines come back as
// the plain context errors; an already tagged error keeps its category.
func WrapError(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		if tagged.op == "" {
			tagged.op = op
		}
		return tagged
	}
	return &Error{op: op, kind: kindOf(code), err: err}
}
