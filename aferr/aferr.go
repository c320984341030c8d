// Package aferr defines the typed error categories shared by the adaface
// training engine and its component packages. They are matched with
// errors.As; all constructors attach a stack trace via pkg/errors.
package aferr

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports invalid hyperparameters or structurally
// inconsistent inputs, such as prompt blocks whose sub-blocks disagree in
// shape.
type ConfigurationError struct {
	Component string
	Msg       string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: invalid configuration: %s", e.Component, e.Msg)
}

// Configf builds a *ConfigurationError with a stack trace.
func Configf(component, format string, args ...any) error {
	return errors.WithStack(&ConfigurationError{
		Component: component,
		Msg:       fmt.Sprintf(format, args...),
	})
}

// NumericalInstabilityError reports a non-finite loss value. It aborts the
// training step before the bad value can reach the optimizer.
type NumericalInstabilityError struct {
	LossName string
	Step     int
	Value    float64
}

func (e *NumericalInstabilityError) Error() string {
	return fmt.Sprintf("step %d: loss %q is non-finite (%g)", e.Step, e.LossName, e.Value)
}

// NonFinite builds a *NumericalInstabilityError with a stack trace.
func NonFinite(lossName string, step int, value float64) error {
	return errors.WithStack(&NumericalInstabilityError{
		LossName: lossName,
		Step:     step,
		Value:    value,
	})
}

// UnreachableStateError reports a flag combination that no dispatch branch
// claims. It always indicates a bug in the caller, never bad user input.
type UnreachableStateError struct {
	Where string
	State string
}

func (e *UnreachableStateError) Error() string {
	return fmt.Sprintf("%s: unreachable state: %s", e.Where, e.State)
}

// Unreachablef builds an *UnreachableStateError with a stack trace.
func Unreachablef(where, format string, args ...any) error {
	return errors.WithStack(&UnreachableStateError{
		Where: where,
		State: fmt.Sprintf(format, args...),
	})
}
