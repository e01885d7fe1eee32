package backend

import "github.com/pkg/errors"

// Errors in this file are the ones a valid program can trigger, and are therefore returned to the caller.
// Any other inconsistency is a bug in the compiler and panics.
var (
	// ErrTooManyReturnValues is returned when the return values of a signature don't fit in registers.
	ErrTooManyReturnValues = errors.New("too many return values to fit in registers; restructure to use indirect returns")

	// ErrTooManyArguments is returned when the arguments of a call don't fit in registers.
	ErrTooManyArguments = errors.New("too many call arguments to fit in registers")

	// ErrUnresolvedCallee is returned when a call refers to a function that is not linked.
	ErrUnresolvedCallee = errors.New("callee is not defined")
)
