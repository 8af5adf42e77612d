package turn

import "errors"

var (
	// ErrAlreadyBusy is returned by BeginTurn when a turn is already
	// executing. Turn initiation is the caller's responsibility; the
	// router never queues a begin attempt.
	ErrAlreadyBusy = errors.New("session already busy")

	// ErrUnknownSession is returned by the registry when asked to route
	// for a session key it has never bound. The router fails closed
	// rather than guessing.
	ErrUnknownSession = errors.New("unknown session")
)
