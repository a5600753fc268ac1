// Package result provides a generic success-or-failure outcome used at the
// public boundaries of the token, extraction, and search components.
//
// A Result is either a success carrying a value or a failure carrying a
// human-readable reason, never both. Reading the value of a failure, or the
// reason of a success, panics.
package result

import (
	"fmt"
	"strings"
)

// Result is a two-state outcome: success(value) xor failure(reason).
//
// The zero value is a failure with an empty reason and should not be used;
// construct results with Success or Failure.
type Result[T any] struct {
	value  T
	reason string
	ok     bool
}

// Success wraps a value in a successful Result.
func Success[T any](value T) Result[T] {
	return Result[T]{value: value, ok: true}
}

// Failure builds a failed Result. It panics if reason is blank, since a
// failure must always say why.
func Failure[T any](reason string) Result[T] {
	if strings.TrimSpace(reason) == "" {
		panic("result: failure reason must not be blank")
	}
	return Result[T]{reason: reason}
}

// Failuref builds a failed Result from a format string.
func Failuref[T any](format string, args ...any) Result[T] {
	return Failure[T](fmt.Sprintf(format, args...))
}

// IsSuccess reports whether the Result holds a value.
func (r Result[T]) IsSuccess() bool { return r.ok }

// IsFailure reports whether the Result holds a failure reason.
func (r Result[T]) IsFailure() bool { return !r.ok }

// Value returns the success value. It panics on a failure.
func (r Result[T]) Value() T {
	if !r.ok {
		panic(fmt.Sprintf("result: cannot access value of a failed result: %s", r.reason))
	}
	return r.value
}

// Reason returns the failure reason. It panics on a success.
func (r Result[T]) Reason() string {
	if r.ok {
		panic("result: cannot access reason of a successful result")
	}
	return r.reason
}

// ValueOr returns the success value or fallback on failure.
func (r Result[T]) ValueOr(fallback T) T {
	if r.ok {
		return r.value
	}
	return fallback
}

// OnSuccess runs fn with the value when the Result is a success.
func (r Result[T]) OnSuccess(fn func(T)) Result[T] {
	if r.ok {
		fn(r.value)
	}
	return r
}

// OnFailure runs fn with the reason when the Result is a failure.
func (r Result[T]) OnFailure(fn func(reason string)) Result[T] {
	if !r.ok {
		fn(r.reason)
	}
	return r
}

// Ensure turns a success into a failure when predicate rejects its value.
func (r Result[T]) Ensure(predicate func(T) bool, reason string) Result[T] {
	if !r.ok || predicate(r.value) {
		return r
	}
	return Failure[T](reason)
}

// Err converts a failure into an error, or returns nil on success.
func (r Result[T]) Err() error {
	if r.ok {
		return nil
	}
	return &Error{Reason: r.reason}
}

// String renders Success(v) or Failure(reason).
func (r Result[T]) String() string {
	if r.ok {
		return fmt.Sprintf("Success(%v)", r.value)
	}
	return fmt.Sprintf("Failure(%s)", r.reason)
}

// Error is the error form of a failed Result.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Map transforms the value of a success, passing failures through.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if !r.ok {
		return Result[U]{reason: r.reason}
	}
	return Success(fn(r.value))
}

// Bind chains an operation that itself returns a Result.
func Bind[T, U any](r Result[T], fn func(T) Result[U]) Result[U] {
	if !r.ok {
		return Result[U]{reason: r.reason}
	}
	return fn(r.value)
}

// Match folds the Result into a single value.
func Match[T, U any](r Result[T], onSuccess func(T) U, onFailure func(reason string) U) U {
	if r.ok {
		return onSuccess(r.value)
	}
	return onFailure(r.reason)
}

// FromPtr returns a success with *ptr, or a failure with reason when ptr is nil.
func FromPtr[T any](ptr *T, reason string) Result[T] {
	if ptr == nil {
		return Failure[T](reason)
	}
	return Success(*ptr)
}

// FromError converts a conventional (value, error) pair into a Result.
func FromError[T any](value T, err error) Result[T] {
	if err != nil {
		return Failure[T](errorReason(err))
	}
	return Success(value)
}

// Try runs op and converts its error, or a panic raised inside it, into a
// failure. mapErr may be nil, in which case the error text is the reason.
func Try[T any](op func() (T, error), mapErr func(error) string) (res Result[T]) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			res = Failure[T](reasonFor(err, mapErr))
		}
	}()
	value, err := op()
	if err != nil {
		return Failure[T](reasonFor(err, mapErr))
	}
	return Success(value)
}

func reasonFor(err error, mapErr func(error) string) string {
	if mapErr != nil {
		if reason := mapErr(err); strings.TrimSpace(reason) != "" {
			return reason
		}
	}
	return errorReason(err)
}

func errorReason(err error) string {
	if msg := err.Error(); strings.TrimSpace(msg) != "" {
		return msg
	}
	return "unknown error"
}
