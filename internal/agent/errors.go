package agent

import "errors"

// ErrAlreadyInstantiated is returned by New when an agent already exists in
// this process.
var ErrAlreadyInstantiated = errors.New("agent: already instantiated in this process")

// Error codes carried by ProfilerError events.
const (
	errCodeEventMask uint32 = 1
	errCodeDetach    uint32 = 2
	errCodeForceGC   uint32 = 3
	errCodeCallback  uint32 = 4
)
