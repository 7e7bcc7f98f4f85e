// Package relay implements stream session resolution and transcoder process
// lifecycle management for portal-backed channels.
package relay

import (
	"errors"
	"fmt"
)

// ErrNoStream is the terminal resolution failure: no portal/MAC combination
// produced a playable stream. Wrapped by the more specific reasons below.
var ErrNoStream = errors.New("no streams available")

// ErrNoFreeMAC means every candidate MAC was at its concurrent-stream limit.
var ErrNoFreeMAC = fmt.Errorf("%w: all MACs occupied", ErrNoStream)

// ErrAllMACsFailed means at least one MAC was tried and every trial failed.
var ErrAllMACsFailed = fmt.Errorf("%w: all MAC attempts failed", ErrNoStream)

// ErrMaxStreams is returned when the transcoder pool is at capacity.
var ErrMaxStreams = errors.New("maximum concurrent streams reached")

// ErrStreamNotFound is returned for file requests against unknown stream keys.
var ErrStreamNotFound = errors.New("stream not found")
