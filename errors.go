package oort

import "errors"

var (
	// ErrClosed indicates that the node has been closed.
	ErrClosed = errors.New("oort: node is closed")
	// ErrTimeout indicates that the context deadline expired.
	ErrTimeout = errors.New("oort: operation timed out")
	// ErrCanceled indicates that the context was canceled.
	ErrCanceled = errors.New("oort: operation canceled")
	// ErrNotStarted indicates that the object has not been started yet.
	ErrNotStarted = errors.New("oort: object not started")
	// ErrObjectExists indicates that an object with the same name is already
	// started on the node.
	ErrObjectExists = errors.New("oort: object already exists")
	// ErrUnknownType indicates an envelope with an unsupported update type.
	ErrUnknownType = errors.New("oort: unknown update type")
	// ErrUnknownAction indicates an entry envelope with an unsupported action.
	ErrUnknownAction = errors.New("oort: unknown entry action")
	// ErrNoInfo indicates an entry update for an owner without a base snapshot.
	ErrNoInfo = errors.New("oort: no info for owner")
	// ErrNoLocalEcho indicates that a share was not delivered to the local
	// subscriber, so the previous value could not be captured.
	ErrNoLocalEcho = errors.New("oort: local echo not delivered")
)
