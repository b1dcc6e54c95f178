// Package skerr augments errors with a stack trace. Use Wrap to annotate an
// error received from another package, Wrapf to add context, and Fmt to create
// a new error. Unwrap recovers the original error for comparisons.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackFrame identifies a line of code.
type StackFrame struct {
	File string
	Line int
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

// ErrorWithContext is an error with a call stack and optional context message
// attached.
type ErrorWithContext struct {
	Wrapped error
	// CallStack is ordered innermost first.
	CallStack []StackFrame
	Context   string
}

// Error implements the error interface.
func (e *ErrorWithContext) Error() string {
	var sb strings.Builder
	if e.Context != "" {
		sb.WriteString(e.Context)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Wrapped.Error())
	if len(e.CallStack) > 0 {
		sb.WriteString(" At")
		for _, frame := range e.CallStack {
			sb.WriteString(" ")
			sb.WriteString(frame.String())
		}
	}
	return sb.String()
}

// Unwrap implements the interface used by errors.Is and errors.As.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}

func callStack(skip int) []StackFrame {
	stack := []StackFrame{}
	for i := skip; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		slash := strings.LastIndex(file, "/")
		if slash >= 0 {
			file = file[slash+1:]
		}
		stack = append(stack, StackFrame{File: file, Line: line})
	}
	return stack
}

// Wrap adds a stack trace to err. If err is already wrapped, it is returned
// as-is so the innermost stack wins.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrorWithContext); ok {
		return err
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: callStack(2),
	}
}

// Wrapf adds a stack trace and a context message to err. The message is
// formatted with fmt.Sprintf.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: callStack(2),
		Context:   fmt.Sprintf(format, args...),
	}
}

// Fmt creates a new error with a stack trace. The message is formatted with
// fmt.Sprintf.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped:   fmt.Errorf(format, args...),
		CallStack: callStack(2),
	}
}

// Unwrap returns the innermost error, removing any skerr annotations.
func Unwrap(err error) error {
	for {
		wrapped, ok := err.(*ErrorWithContext)
		if !ok {
			return err
		}
		err = wrapped.Wrapped
	}
}
