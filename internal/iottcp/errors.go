package iottcp

import "errors"

// Domain errors for the iottcp package.
var (
	// ErrListenerClosed is returned when Listen is called after Close.
	ErrListenerClosed = errors.New("iottcp: listener closed")

	// ErrAlreadyListening is returned when an address is already bound.
	ErrAlreadyListening = errors.New("iottcp: address already bound")

	// ErrNotListening is returned when closing an address that is not bound.
	ErrNotListening = errors.New("iottcp: address not bound")

	// ErrInvalidPayload is returned when a Data envelope carries neither
	// bytes nor a string.
	ErrInvalidPayload = errors.New("iottcp: invalid data payload")
)
