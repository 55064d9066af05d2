package vm

import (
	"errors"
	"fmt"
)

// ErrorCode represents different types of paging errors
type ErrorCode int

const (
	// Generic errors
	ErrCodeUnknown ErrorCode = iota
	ErrCodeInternal

	// Frame allocator errors
	ErrCodeOutOfMemory
	ErrCodeRefcountViolation
	ErrCodeInvalidFrame

	// Process paging errors
	ErrCodeCapacityExceeded
	ErrCodeNoVictim
	ErrCodeConcurrentUse

	// Swap errors
	ErrCodeSwapIoFailure
	ErrCodeOutOfSwapSpace

	// Fault errors
	ErrCodeInvalidAccess
	ErrCodeKernelFault

	// Kernel errors
	ErrCodeHalted
	ErrCodeNoSuchProcess
	ErrCodeProcessExists
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeUnknown:           "Unknown",
	ErrCodeInternal:          "Internal",
	ErrCodeOutOfMemory:       "OutOfMemory",
	ErrCodeRefcountViolation: "RefcountViolation",
	ErrCodeInvalidFrame:      "InvalidFrame",
	ErrCodeCapacityExceeded:  "CapacityExceeded",
	ErrCodeNoVictim:          "NoVictim",
	ErrCodeConcurrentUse:     "ConcurrentUse",
	ErrCodeSwapIoFailure:     "SwapIoFailure",
	ErrCodeOutOfSwapSpace:    "OutOfSwapSpace",
	ErrCodeInvalidAccess:     "InvalidAccess",
	ErrCodeKernelFault:       "KernelFault",
	ErrCodeHalted:            "Halted",
	ErrCodeNoSuchProcess:     "NoSuchProcess",
	ErrCodeProcessExists:     "ProcessExists",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// VMError represents a paging subsystem error with context
type VMError struct {
	Code    ErrorCode
	Message string
	Op      string // Operation that failed
	Err     error  // Underlying error (if any)
	PID     int    // Process identity, 0 if not process scoped
	VA      uintptr
	HasVA   bool
}

// Error implements the error interface
func (e *VMError) Error() string {
	msg := e.Message
	if e.PID != 0 {
		msg = fmt.Sprintf("%s (pid %d", msg, e.PID)
		if e.HasVA {
			msg = fmt.Sprintf("%s, va 0x%x", msg, e.VA)
		}
		msg += ")"
	} else if e.HasVA {
		msg = fmt.Sprintf("%s (va 0x%x)", msg, e.VA)
	}
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *VMError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a specific error code
func (e *VMError) Is(target error) bool {
	if t, ok := target.(*VMError); ok {
		return e.Code == t.Code
	}
	return false
}

// Fatal reports whether the error leaves the kernel in a state that
// cannot be recovered and must halt the system.
func (e *VMError) Fatal() bool {
	switch e.Code {
	case ErrCodeRefcountViolation, ErrCodeKernelFault, ErrCodeInvalidFrame, ErrCodeInternal:
		return true
	}
	return false
}

// NewVMError creates a new paging error
func NewVMError(code ErrorCode, op, message string, err error) *VMError {
	return &VMError{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
	}
}

// withProcess attaches process context to the error
func (e *VMError) withProcess(pid int) *VMError {
	e.PID = pid
	return e
}

// withAddress attaches the faulting virtual address to the error
func (e *VMError) withAddress(va uintptr) *VMError {
	e.VA = va
	e.HasVA = true
	return e
}

// Helper functions for common errors

func ErrOutOfMemory(op string) *VMError {
	return NewVMError(ErrCodeOutOfMemory, op, "no free physical frames", nil)
}

func ErrRefcountViolation(op string, frame Frame, count int32) *VMError {
	return NewVMError(
		ErrCodeRefcountViolation,
		op,
		fmt.Sprintf("frame %d has owner count %d", frame, count),
		nil,
	)
}

func ErrInvalidFrame(op string, frame Frame) *VMError {
	return NewVMError(
		ErrCodeInvalidFrame,
		op,
		fmt.Sprintf("frame %d is outside physical memory", frame),
		nil,
	)
}

func ErrCapacityExceeded(op string, pid int, total int) *VMError {
	return NewVMError(
		ErrCodeCapacityExceeded,
		op,
		fmt.Sprintf("process reached max total pages (%d)", total),
		nil,
	).withProcess(pid)
}

func ErrOutOfSwapSpace(op string, slots int) *VMError {
	return NewVMError(
		ErrCodeOutOfSwapSpace,
		op,
		fmt.Sprintf("all %d swap slots are occupied", slots),
		nil,
	)
}

func ErrSwapIo(op string, err error) *VMError {
	return NewVMError(
		ErrCodeSwapIoFailure,
		op,
		"swap operation failed",
		err,
	)
}

func ErrInvalidAccess(op string, pid int, va uintptr) *VMError {
	return NewVMError(
		ErrCodeInvalidAccess,
		op,
		"segmentation fault",
		nil,
	).withProcess(pid).withAddress(va)
}

func ErrKernelFault(op string, pid int, va uintptr) *VMError {
	return NewVMError(
		ErrCodeKernelFault,
		op,
		"unexpected page fault in kernel mode",
		nil,
	).withProcess(pid).withAddress(va)
}

func ErrNoVictim(op string, pid int) *VMError {
	return NewVMError(
		ErrCodeNoVictim,
		op,
		"no resident page qualifies for eviction",
		nil,
	).withProcess(pid)
}

func ErrConcurrentUse(op string, pid int) *VMError {
	return NewVMError(
		ErrCodeConcurrentUse,
		op,
		"process memory used from two goroutines",
		nil,
	).withProcess(pid)
}

func ErrInternal(op string, message string) *VMError {
	return NewVMError(ErrCodeInternal, op, message, nil)
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// GetErrorCode returns the error code from an error, or ErrCodeUnknown
func GetErrorCode(err error) ErrorCode {
	var ve *VMError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ErrCodeUnknown
}

// IsFatal reports whether err must halt the system
func IsFatal(err error) bool {
	var ve *VMError
	return errors.As(err, &ve) && ve.Fatal()
}

// TerminatesProcess reports whether err should kill the offending process
// while the rest of the system keeps running.
func TerminatesProcess(err error) bool {
	switch GetErrorCode(err) {
	case ErrCodeInvalidAccess, ErrCodeCapacityExceeded, ErrCodeSwapIoFailure,
		ErrCodeOutOfSwapSpace, ErrCodeOutOfMemory, ErrCodeNoVictim:
		return true
	}
	return false
}
