package capture

import "errors"

var (
	ErrSessionActive      = errors.New("capture session already active")
	ErrNoSession          = errors.New("no active capture session")
	ErrInvalidWatch       = errors.New("exactly one of keyword or pattern must be set")
	ErrPauseUnsupported   = errors.New("adapter does not support pausing")
	ErrDumpUnsupported    = errors.New("adapter does not support log dumps")
	ErrChannelBusy        = errors.New("transport channel is busy with an active capture")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)
