package agent

import (
	"github.com/clrtrace/clrtrace/internal/clr"
	"github.com/clrtrace/clrtrace/internal/etw"
)

// ObjectAllocated is the runtime callback for every allocation while the
// allocation monitor is armed. With sampling off, every allocation reports
// with representative size equal to its own size; with sampling on, the
// per-type sampler decides.
func (a *Agent) ObjectAllocated(objectID clr.ObjectID, classID clr.ClassID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, err := a.info.GetObjectSize(objectID)
	if err != nil {
		a.reportError(errCodeCallback, "get object size", err)
		return
	}

	cls := a.cache.LookupClass(classID)
	if cls == nil {
		return
	}

	representative := size
	if a.smartSampling {
		d := cls.Sampler.Observe(size, a.clock())
		if !d.Emit {
			a.metrics.AllocsSuppressed.Inc()
			return
		}
		representative = d.RepresentativeSize
	}

	a.emitter.ObjectAllocated(objectID, classID, size, representative)
	a.metrics.EventsEmitted.WithLabelValues("ObjectAllocated").Inc()
	a.metrics.BytesRepresented.Add(float64(representative))
}

// FinalizeableObjectQueued is the runtime callback for an object entering
// the finalization queue. The class resolves first so the definition
// precedes the event on the wire.
func (a *Agent) FinalizeableObjectQueued(objectID clr.ObjectID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.currentKeywords.Any(etw.KeywordGC | etw.KeywordGCAlloc | etw.KeywordGCAllocSampled | etw.KeywordGCHeap) {
		return
	}

	classID, err := a.info.GetClassFromObject(objectID)
	if err != nil {
		return
	}
	if a.cache.LookupClass(classID) == nil {
		return
	}

	a.emitter.FinalizeableObjectQueued(objectID, classID)
	a.metrics.EventsEmitted.WithLabelValues("FinalizeableObjectQueued").Inc()
}

// CallEntered is both the enter and the tail-call hook. Unsampled, every
// entry reports; sampled, a shared countdown reports one entry in callRate.
// The countdown is atomic because hooks fire concurrently on managed
// threads, off the agent mutex.
func (a *Agent) CallEntered(functionID clr.FunctionID) {
	if a.callRate > 0 {
		if a.callCountdown.Add(-1) > 0 {
			return
		}
		a.callCountdown.Store(a.callRate)
	}

	a.emitter.CallEnter(functionID, a.callRate)
	a.metrics.EventsEmitted.WithLabelValues("CallEnter").Inc()
}
