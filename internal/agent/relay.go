package agent

import (
	"github.com/clrtrace/clrtrace/internal/clr"
	"github.com/clrtrace/clrtrace/internal/etw"
)

// maxRecords returns how many fixed-size records fit one event payload.
func maxRecords(recordSize int) int {
	return etw.MaxEventPayload / recordSize
}

// GCStarted is the runtime callback opening a collection. generations marks
// which generations collect; the reported maximum is clamped to 2 so
// ephemeral-segment pseudo-generations do not leak onto the wire.
func (a *Agent) GCStarted(generations []bool, reason clr.GCReason) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gcCount++

	maxGen := 0
	for gen, collected := range generations {
		if collected && gen > maxGen {
			maxGen = gen
		}
	}
	if maxGen > 2 {
		maxGen = 2
	}

	a.emitter.GCStart(a.gcCount, maxGen, reason == clr.GCReasonInduced)
	a.metrics.EventsEmitted.WithLabelValues("GCStart").Inc()
}

// GCFinished is the runtime callback closing the collection opened last.
func (a *Agent) GCFinished() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.emitter.GCStop(a.gcCount)
	a.metrics.EventsEmitted.WithLabelValues("GCStop").Inc()

	if a.forcingGC.Load() {
		a.forcingGC.Store(false)
	}
}

// MovedReferences relays compaction ranges, split so each event's records
// fit the payload budget.
func (a *Agent) MovedReferences(oldStarts, newStarts []clr.ObjectID, lengths []uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := maxRecords(etw.MovedRecordSize)
	for start := 0; start < len(oldStarts); start += limit {
		end := start + limit
		if end > len(oldStarts) {
			end = len(oldStarts)
		}
		n := end - start
		a.emitter.ObjectsMoved(n, oldStarts[start:end], newStarts[start:end], lengths[start:end])
		a.metrics.EventsEmitted.WithLabelValues("ObjectsMoved").Inc()
		a.metrics.ChunksEmitted.Inc()
	}
}

// SurvivingReferences relays non-compacting survival ranges, chunked like
// MovedReferences.
func (a *Agent) SurvivingReferences(starts []clr.ObjectID, lengths []uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := maxRecords(etw.SurvivedRecordSize)
	for start := 0; start < len(starts); start += limit {
		end := start + limit
		if end > len(starts) {
			end = len(starts)
		}
		n := end - start
		a.emitter.ObjectsSurvived(n, starts[start:end], lengths[start:end])
		a.metrics.EventsEmitted.WithLabelValues("ObjectsSurvived").Inc()
		a.metrics.ChunksEmitted.Inc()
	}
}

// RootReferences relays the root set discovered during the heap walk,
// chunked to the payload budget.
func (a *Agent) RootReferences(refIDs []clr.ObjectID, rootKinds []clr.RootKind, rootFlags []clr.RootFlags, rootIDs []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.currentKeywords.Any(etw.KeywordGCHeap) {
		return
	}

	limit := maxRecords(etw.RootRecordSize)
	for start := 0; start < len(refIDs); start += limit {
		end := start + limit
		if end > len(refIDs) {
			end = len(refIDs)
		}
		n := end - start
		a.emitter.RootReferences(n, refIDs[start:end], rootKinds[start:end], rootFlags[start:end], rootIDs[start:end])
		a.metrics.EventsEmitted.WithLabelValues("RootReferences").Inc()
		a.metrics.ChunksEmitted.Inc()
	}
}

// ObjectReference relays one object's outgoing reference list during the
// heap walk. Oversized reference lists split across several events with the
// same object header.
func (a *Agent) ObjectReference(objectID clr.ObjectID, classID clr.ClassID, refIDs []clr.ObjectID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.currentKeywords.Any(etw.KeywordGCHeap) {
		return
	}

	cls := a.cache.LookupClass(classID)
	if cls == nil {
		return
	}

	size, err := a.info.GetObjectSize(objectID)
	if err != nil {
		size = 0
	}

	limit := maxRecords(etw.ObjectRefRecordSize)
	emitChunk := func(chunk []clr.ObjectID) {
		a.emitter.ObjectReferences(objectID, classID, size, chunk)
		a.metrics.EventsEmitted.WithLabelValues("ObjectReferences").Inc()
	}

	if len(refIDs) <= limit {
		emitChunk(refIDs)
		return
	}
	for start := 0; start < len(refIDs); start += limit {
		end := start + limit
		if end > len(refIDs) {
			end = len(refIDs)
		}
		emitChunk(refIDs[start:end])
		a.metrics.ChunksEmitted.Inc()
	}
}

// HandleCreated is the runtime callback for a new GC handle.
func (a *Agent) HandleCreated(handleID clr.HandleID, objectID clr.ObjectID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.currentKeywords.Any(etw.KeywordGC | etw.KeywordGCHeap) {
		return
	}
	a.emitter.HandleCreated(handleID, objectID)
	a.metrics.EventsEmitted.WithLabelValues("HandleCreated").Inc()
}

// HandleDestroyed is the runtime callback for a destroyed GC handle.
func (a *Agent) HandleDestroyed(handleID clr.HandleID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.currentKeywords.Any(etw.KeywordGC | etw.KeywordGCHeap) {
		return
	}
	a.emitter.HandleDestroyed(handleID)
	a.metrics.EventsEmitted.WithLabelValues("HandleDestroyed").Inc()
}

// ModuleAttachedToAssembly is the runtime callback binding a module to its
// assembly after load.
func (a *Agent) ModuleAttachedToAssembly(moduleID clr.ModuleID, assemblyID clr.AssemblyID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache.ModuleAttachedToAssembly(moduleID, assemblyID)
}
