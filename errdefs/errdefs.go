// Package errdefs defines the error taxonomy shared by the storage layer,
// the drivers and the conductor. Callers branch on these with errors.As or
// the Is* helpers; everything else is wrapped with fmt.Errorf("%w").
package errdefs

import (
	"errors"
	"fmt"
)

// InvalidParameterValue reports bad input or incomplete configuration.
// It is caller-fixable and never retried internally.
type InvalidParameterValue struct {
	Reason string
}

func (e InvalidParameterValue) Error() string {
	return fmt.Sprintf("invalid parameter value: %s", e.Reason)
}

// NewInvalidParameterValue formats a reason like fmt.Errorf.
func NewInvalidParameterValue(format string, args ...any) InvalidParameterValue {
	return InvalidParameterValue{Reason: fmt.Sprintf(format, args...)}
}

// NodeNotFound reports that a node does not exist, either in the store or
// on the backend it is supposed to live on.
type NodeNotFound struct {
	Node string
}

func (e NodeNotFound) Error() string {
	return fmt.Sprintf("node '%s' not found", e.Node)
}

// NodeLocked reports a reservation conflict. Holder is the tag currently
// holding the reservation.
type NodeLocked struct {
	Node   string
	Holder string
}

func (e NodeLocked) Error() string {
	return fmt.Sprintf("node '%s' is locked by '%s'", e.Node, e.Holder)
}

// NodeNotLocked reports a release of a node that holds no reservation.
type NodeNotLocked struct {
	Node string
}

func (e NodeNotLocked) Error() string {
	return fmt.Sprintf("node '%s' is not locked", e.Node)
}

// NodeNotExclusivelyLocked reports a mutating operation attempted on a
// shared (read-only) task.
type NodeNotExclusivelyLocked struct {
	Node string
}

func (e NodeNotExclusivelyLocked) Error() string {
	return fmt.Sprintf("node '%s' is not exclusively locked by this task", e.Node)
}

// ConductorNotFound reports an unknown conductor hostname.
type ConductorNotFound struct {
	Hostname string
}

func (e ConductorNotFound) Error() string {
	return fmt.Sprintf("conductor '%s' not found", e.Hostname)
}

// ConductorAlreadyRegistered reports a duplicate registration.
type ConductorAlreadyRegistered struct {
	Hostname string
}

func (e ConductorAlreadyRegistered) Error() string {
	return fmt.Sprintf("conductor '%s' is already registered", e.Hostname)
}

// ServiceUnavailable reports a backend control channel that is down in a
// non-transient way. The caller may retry the whole operation later.
type ServiceUnavailable struct {
	Reason string
}

func (e ServiceUnavailable) Error() string {
	return fmt.Sprintf("backend service unavailable: %s", e.Reason)
}

// PowerStateFailure reports a convergence loop that exhausted its retries
// without reaching the target state. Terminal, never retried by the engine.
type PowerStateFailure struct {
	Node   string
	Target string
}

func (e PowerStateFailure) Error() string {
	return fmt.Sprintf("failed to set node '%s' power state to '%s'", e.Node, e.Target)
}

// UnsupportedOperation reports a vendor-passthru method that is not on the
// driver's allow-list, or a capability the driver does not implement.
type UnsupportedOperation struct {
	Driver string
	Op     string
}

func (e UnsupportedOperation) Error() string {
	return fmt.Sprintf("driver '%s' does not support '%s'", e.Driver, e.Op)
}

// DriverNotFound reports an unknown driver name. This is a configuration
// error surfaced at resolution time, not mid-operation.
type DriverNotFound struct {
	Driver string
}

func (e DriverNotFound) Error() string {
	return fmt.Sprintf("driver '%s' not found", e.Driver)
}

// Predicates, for call sites that only need a yes/no.

func IsInvalidParameterValue(err error) bool {
	var target InvalidParameterValue
	return errors.As(err, &target)
}

func IsNodeNotFound(err error) bool {
	var target NodeNotFound
	return errors.As(err, &target)
}

func IsNodeLocked(err error) bool {
	var target NodeLocked
	return errors.As(err, &target)
}

func IsNodeNotLocked(err error) bool {
	var target NodeNotLocked
	return errors.As(err, &target)
}

func IsServiceUnavailable(err error) bool {
	var target ServiceUnavailable
	return errors.As(err, &target)
}

func IsPowerStateFailure(err error) bool {
	var target PowerStateFailure
	return errors.As(err, &target)
}

func IsDriverNotFound(err error) bool {
	var target DriverNotFound
	return errors.As(err, &target)
}
