package model

import "errors"

// Lifecycle failure taxonomy. Callers match with errors.Is.
var (
	ErrResourceExhausted = errors.New("no free interface")
	ErrAdmissionDenied   = errors.New("replica cap reached")
	ErrConfigGeneration  = errors.New("config generation failed")
	ErrRuleApply         = errors.New("rule apply failed")
	ErrProcessSpawn      = errors.New("process spawn failed")
	ErrUnexpectedExit    = errors.New("process exited unexpectedly")
	ErrStopTimeout       = errors.New("process did not stop in time")
	ErrNoRecord          = errors.New("no matching instance record")
)
