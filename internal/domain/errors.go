package domain

import "errors"

var (
	// ErrMalformedRecord marks a record missing a required field. The event is skipped.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrInvalidTarget marks a push token or topic rejected by the provider.
	ErrInvalidTarget = errors.New("invalid delivery target")
	// ErrDependencyRead marks a failed club or directory lookup.
	ErrDependencyRead = errors.New("dependency read failed")
	// ErrTransientDelivery marks a delivery error worth retrying on the same channel.
	ErrTransientDelivery = errors.New("transient delivery failure")
)
