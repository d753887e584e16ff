package kraken

import (
	"errors"
	"fmt"
)

var (
	ErrIncompatibleEffect = errors.New("kraken: incompatible effect")
	ErrInvalidParameter   = errors.New("kraken: invalid parameter")
	ErrTimeout            = errors.New("kraken: timed out waiting for status report")
	ErrClosed             = errors.New("kraken: device closed")
	ErrNotConnected       = errors.New("kraken: device not connected")
	ErrUnsupported        = errors.New("kraken: operation not supported by device type")
)

// IncompatibleEffectError is returned when an effect rejects the session's device type.
type IncompatibleEffectError struct {
	DeviceType DeviceType
	Effect     string
}

func (e *IncompatibleEffectError) Error() string {
	return fmt.Sprintf("kraken: effect %q is not compatible with %s", e.Effect, e.DeviceType)
}

func (e *IncompatibleEffectError) Is(target error) bool {
	return target == ErrIncompatibleEffect
}

// InvalidParameterError reports a rejected argument and the accepted range, if any.
type InvalidParameterError struct {
	Name  string
	Value int
	Min   int
	Max   int
}

func (e *InvalidParameterError) Error() string {
	if e.Min == 0 && e.Max == 0 {
		return fmt.Sprintf("kraken: invalid %s: %d", e.Name, e.Value)
	}
	return fmt.Sprintf("kraken: invalid %s %d (want %d-%d)", e.Name, e.Value, e.Min, e.Max)
}

func (e *InvalidParameterError) Is(target error) bool {
	return target == ErrInvalidParameter
}

// TransportError wraps a failure returned by the underlying Transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("kraken: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
