// Package constants defines shared configuration constants.
package constants

import "time"

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".clrtrace"

	// ConfigDirEnv overrides the directory the config file is read from.
	ConfigDirEnv = "CLRTRACE_CONFIG"

	// KeywordsEnv carries the startup keyword hint as a hex bitmask. It
	// plays the role of the host's persisted keyword value; absence is not
	// an error.
	KeywordsEnv = "CLRTRACE_KEYWORDS"
)

const (
	// DetachTimeout is handed to the runtime's request-detach call.
	DetachTimeout = 1000 * time.Millisecond

	// ForceGCWait bounds how long the control thread waits for the force-GC
	// worker before returning anyway.
	ForceGCWait = 20 * time.Second

	// ForceGCPoll is the completion-flag polling step during ForceGCWait.
	ForceGCPoll = 10 * time.Millisecond

	// SampledCallRate is the call-entry countdown reload when call sampling
	// is hinted at startup. Prime, so it is unlikely to correlate with
	// periodic behavior in the profiled program.
	SampledCallRate = 997
)
