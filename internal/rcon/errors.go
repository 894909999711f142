package rcon

import "errors"

var (
	ErrAuthenticationRejected = errors.New("rcon: authentication rejected")
	ErrConnectionLost         = errors.New("rcon: connection lost")
	ErrConnectionClosed       = errors.New("rcon: connection closed")
	ErrTimeout                = errors.New("rcon: request timed out")
	ErrTooManyPending         = errors.New("rcon: too many pending requests")
	ErrNotAuthenticated       = errors.New("rcon: not authenticated")
	ErrAlreadyStarted         = errors.New("rcon: session already started")
)
