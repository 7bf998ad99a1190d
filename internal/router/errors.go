package router

import (
	"errors"
	"fmt"

	"github.com/loqalabs/aethra/internal/session"
)

var (
	// ErrUninitialized is returned for capability and settings requests of
	// chats that never sent the init command. The user has been told.
	ErrUninitialized = fmt.Errorf("chat not initialized: %w", session.ErrNotFound)

	// ErrUnrecognizedCallback marks a button payload that matches no
	// language, gender or preset. Such presses are logged and ignored.
	ErrUnrecognizedCallback = errors.New("unrecognized callback payload")

	// ErrRateLimited is returned when a chat exceeds its request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrClosed is returned by Dispatch and Handle after Close.
	ErrClosed = errors.New("router closed")
)

// DeliveryError wraps a failure of the chat transport. It never changes
// session state and is reported to the caller.
type DeliveryError struct {
	Op  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func deliveryErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Op: op, Err: err}
}
