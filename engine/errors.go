package engine

import "errors"

// ErrUnknownSession is returned when an operation references a connection id
// with no live session. Stale references are surfaced, not silently ignored.
var ErrUnknownSession = errors.New("unknown session")
