package tcp

import "errors"

// ErrConnectionLookup is returned when a write names a connection whose
// destination half has no tracked state. It aborts the current packet only.
var ErrConnectionLookup = errors.New("tcp: no tracked connection")
