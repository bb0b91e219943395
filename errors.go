package waifu2x

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error so callers can choose a policy per failure.
type Kind int

const (
	// KindInvalidParameter: a value outside its domain or an incompatible
	// combination. Detected before any device allocation.
	KindInvalidParameter Kind = iota + 1

	// KindDeviceUnavailable: no compute device, or it could not be opened.
	KindDeviceUnavailable

	// KindModelLoad: model files missing, unreadable or malformed.
	KindModelLoad

	// KindDeviceExecution: device work failed while processing a frame.
	KindDeviceExecution
)

// Sentinels matching each Kind through errors.Is.
var (
	ErrInvalidParameter  = errors.New("waifu2x: invalid parameter")
	ErrDeviceUnavailable = errors.New("waifu2x: device unavailable")
	ErrModelLoad         = errors.New("waifu2x: model load failed")
	ErrDeviceExecution   = errors.New("waifu2x: device execution failed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidParameter:
		return ErrInvalidParameter
	case KindDeviceUnavailable:
		return ErrDeviceUnavailable
	case KindModelLoad:
		return ErrModelLoad
	case KindDeviceExecution:
		return ErrDeviceExecution
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case KindInvalidParameter:
		return "invalid parameter"
	case KindDeviceUnavailable:
		return "device unavailable"
	case KindModelLoad:
		return "model load failed"
	case KindDeviceExecution:
		return "device execution failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the error type returned by New and Process.
type Error struct {
	Kind Kind

	// Op is the operation that failed ("new", "process").
	Op string

	// Param and Value name the offending option for KindInvalidParameter.
	Param string
	Value any

	// Path is the file involved in a KindModelLoad failure.
	Path string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("waifu2x: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Param != "" {
		fmt.Fprintf(&b, " %s=%v", e.Param, e.Value)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's Kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func invalidParam(param string, value any, format string, args ...any) *Error {
	return &Error{
		Kind:  KindInvalidParameter,
		Op:    "new",
		Param: param,
		Value: value,
		Err:   fmt.Errorf(format, args...),
	}
}
