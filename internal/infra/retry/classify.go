package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// Class labels the outcome of one attempt.
type Class int

const (
	ClassSuccess Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Failure is an error carrying its classification.
type Failure struct {
	Class Class
	Err   error
}

func (f *Failure) Error() string {
	return f.Class.String() + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient marks err as retryable in place.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Class: ClassTransient, Err: err}
}

// Permanent marks err as not worth retrying against the same endpoint.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Class: ClassPermanent, Err: err}
}

// Classifier maps an error to a Class.
type Classifier func(err error) Class

// ClassOf is the default Classifier. Explicit Failures keep their class;
// network-level errors are transient; anything unrecognised is transient,
// mirroring how the fetch layer treats unknown transport problems.
func ClassOf(err error) Class {
	if err == nil {
		return ClassSuccess
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}

	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	s := strings.ToLower(err.Error())
	if strings.Contains(s, "malformed") || strings.Contains(s, "schema") {
		return ClassPermanent
	}

	return ClassTransient
}
