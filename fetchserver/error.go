package fetchserver

import (
	"errors"
	"fmt"
)

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xserverErrorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

type userError struct {
	err error
}

func (e userError) Error() string { return e.err.Error() }
func (e userError) Unwrap() error { return e.err }

func xuserErrorf(format string, args ...any) {
	panic(userError{err: fmt.Errorf(format, args...)})
}

type serverError struct{ err error }

func (e serverError) Error() string { return e.err.Error() }
func (e serverError) Unwrap() error { return e.err }

func xserverErrorf(format string, args ...any) {
	panic(serverError{fmt.Errorf(format, args...)})
}

type syntaxError struct {
	errmsg string // BAD response message.
	err    error
}

func (e syntaxError) Error() string { return "bad syntax: " + e.errmsg }
func (e syntaxError) Unwrap() error { return e.err }

func xsyntaxErrorf(format string, args ...any) {
	errmsg := fmt.Sprintf(format, args...)
	panic(syntaxError{errmsg, errors.New(errmsg)})
}
