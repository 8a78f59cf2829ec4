package agent

import (
	"time"

	"github.com/clrtrace/clrtrace/internal/constants"
)

// forceGC triggers a collection so the heap-walk callbacks replay the live
// heap, then waits for the matching GCFinished. The trigger runs on its own
// goroutine because the runtime delivers the walk callbacks reentrantly
// while the forcing call blocks; the control thread must stay free to let
// them acquire the agent mutex.
func (a *Agent) forceGC() {
	if !a.forcingGC.CompareAndSwap(false, true) {
		a.logger.Warn().Msg("force gc already in progress")
		return
	}

	go func() {
		if err := a.info.ForceGC(); err != nil {
			a.mu.Lock()
			a.reportError(errCodeForceGC, "force gc", err)
			a.mu.Unlock()
			a.forcingGC.Store(false)
		}
	}()

	deadline := time.Now().Add(constants.ForceGCWait)
	for a.forcingGC.Load() {
		if time.Now().After(deadline) {
			a.logger.Warn().Dur("waited", constants.ForceGCWait).Msg("gave up waiting for forced gc")
			return
		}
		time.Sleep(constants.ForceGCPoll)
	}
}
