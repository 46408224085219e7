package task

import "errors"

// Structural errors. They are surfaced synchronously to the caller and never
// retried; each is carried inside a cerr.Error so transports can map it to a
// status code while errors.Is still matches the sentinel.
var (
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrInvalidTransition = errors.New("invalid transition")
)
