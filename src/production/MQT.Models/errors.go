package mqtmodels

import "errors"

var (
	ErrSensorNotFound       = errors.New("sensor not found")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrRequestInFlight      = errors.New("request already in flight")
	ErrMalformedMessage     = errors.New("malformed message")
	ErrCorrelatorStopped    = errors.New("correlator stopped")

	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionAlreadyOpen = errors.New("session already open for this user and sensor")
	ErrInvalidWindow      = errors.New("session must start before it ends")
	ErrInvalidID          = errors.New("invalid id")
	ErrSensorExists       = errors.New("sensor name or topic already in use")
)
