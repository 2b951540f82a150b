package connection

import "errors"

var (
	// ErrInvalidArgument is returned for missing required arguments
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMalformedEntry is returned when a configuration value cannot be decoded
	ErrMalformedEntry = errors.New("malformed connection entry")
)
