package sim

import "errors"

var (
	// ErrInvalidProgram is returned for programs that would underflow the
	// stack or run ops outside a frame.
	ErrInvalidProgram = errors.New("invalid program")

	// ErrStackUnderflow is returned when a running program pops an empty
	// stack.
	ErrStackUnderflow = errors.New("stack underflow")
)
