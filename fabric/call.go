package fabric

import (
	"time"
)

// DispatchFunc performs the transport-specific delivery of a prepared call
// and eventually invokes exactly one of the two continuations.
type DispatchFunc func(c *Call, onSuccess func(Hash), onFailure func(error))

// Call is a pending asynchronous slot request. Handlers arm success and
// failure continuations via Receive and return immediately; no call ever
// blocks its caller.
type Call struct {
	instance string
	slot     string
	args     Hash
	timeout  time.Duration
	dispatch DispatchFunc
}

// NewCall is used by Client implementations to build a pending call.
func NewCall(instance, slot string, args Hash, dispatch DispatchFunc) *Call {
	return &Call{
		instance: instance,
		slot:     slot,
		args:     args,
		timeout:  DefaultRequestTimeout,
		dispatch: dispatch,
	}
}

// Instance returns the target instance id.
func (c *Call) Instance() string { return c.instance }

// Slot returns the target slot name.
func (c *Call) Slot() string { return c.slot }

// Args returns the call arguments.
func (c *Call) Args() Hash { return c.args }

// RequestTimeout returns the effective timeout armed on the call.
func (c *Call) RequestTimeout() time.Duration { return c.timeout }

// Timeout overrides the default request timeout. Returns the call for
// chaining.
func (c *Call) Timeout(d time.Duration) *Call {
	c.timeout = d
	return c
}

// Receive arms the continuations and dispatches the request. On expiry of
// the timeout the call fails with ErrTimeout and a late reply is discarded.
func (c *Call) Receive(onSuccess func(reply Hash), onFailure func(err error)) {
	c.dispatch(c, onSuccess, onFailure)
}
