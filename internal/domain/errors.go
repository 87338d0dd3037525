package domain

import "errors"

// ErrUnknownMode is returned when a string does not parse into a known AgentMode.
var ErrUnknownMode = errors.New("unknown agent mode")
