package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clrtrace/clrtrace/internal/clr"
	"github.com/clrtrace/clrtrace/internal/etw"
)

func TestGCStartStopNumbering(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordGC)

	a.GCStarted([]bool{true, false, false}, clr.GCReasonOther)
	a.GCFinished()
	a.GCStarted([]bool{true, true, false}, clr.GCReasonInduced)
	a.GCFinished()

	starts := ch.Recorder().EventsByID(etw.EventGCStart)
	stops := ch.Recorder().EventsByID(etw.EventGCStop)
	require.Len(t, starts, 2)
	require.Len(t, stops, 2)

	assert.Equal(t, 1, starts[0].Fields["gcIndex"])
	assert.Equal(t, 2, starts[1].Fields["gcIndex"])
	assert.Equal(t, 2, stops[1].Fields["gcIndex"])
	assert.Equal(t, 0, starts[0].Fields["maxGenerationCollected"])
	assert.Equal(t, 1, starts[1].Fields["maxGenerationCollected"])
	assert.Equal(t, false, starts[0].Fields["induced"])
	assert.Equal(t, true, starts[1].Fields["induced"])
}

func TestGCStartedClampsGeneration(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordGC)

	// Runtimes report extra pseudo-generations past 2 for the large-object
	// heap; those must not leak onto the wire.
	a.GCStarted([]bool{true, true, true, true, true}, clr.GCReasonOther)

	starts := ch.Recorder().EventsByID(etw.EventGCStart)
	require.Len(t, starts, 1)
	assert.Equal(t, 2, starts[0].Fields["maxGenerationCollected"])
}

func makeRanges(n int) ([]clr.ObjectID, []clr.ObjectID, []uint32) {
	oldStarts := make([]clr.ObjectID, n)
	newStarts := make([]clr.ObjectID, n)
	lengths := make([]uint32, n)
	for i := range oldStarts {
		oldStarts[i] = clr.ObjectID(0x1000 + i*0x100)
		newStarts[i] = clr.ObjectID(0x100000 + i*0x100)
		lengths[i] = uint32(16 + i%64)
	}
	return oldStarts, newStarts, lengths
}

func TestMovedReferencesChunking(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordGC)

	perEvent := etw.MaxEventPayload / etw.MovedRecordSize
	oldStarts, newStarts, lengths := makeRanges(perEvent + 1762)

	a.MovedReferences(oldStarts, newStarts, lengths)

	events := ch.Recorder().EventsByID(etw.EventObjectsMoved)
	require.Len(t, events, 2)
	assert.Equal(t, perEvent, events[0].Fields["count"])
	assert.Equal(t, 1762, events[1].Fields["count"])

	// The second chunk continues exactly where the first ended.
	firstOld := events[0].Fields["oldStarts"].([]clr.ObjectID)
	secondOld := events[1].Fields["oldStarts"].([]clr.ObjectID)
	assert.Equal(t, oldStarts[perEvent-1], firstOld[len(firstOld)-1])
	assert.Equal(t, oldStarts[perEvent], secondOld[0])
}

func TestMovedReferencesSingleChunk(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordGC)

	oldStarts, newStarts, lengths := makeRanges(10)
	a.MovedReferences(oldStarts, newStarts, lengths)

	events := ch.Recorder().EventsByID(etw.EventObjectsMoved)
	require.Len(t, events, 1)
	assert.Equal(t, 10, events[0].Fields["count"])
}

func TestSurvivingReferencesChunking(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordGC)

	perEvent := etw.MaxEventPayload / etw.SurvivedRecordSize
	starts, _, lengths := makeRanges(perEvent + 5)

	a.SurvivingReferences(starts, lengths)

	events := ch.Recorder().EventsByID(etw.EventObjectsSurvived)
	require.Len(t, events, 2)
	assert.Equal(t, perEvent, events[0].Fields["count"])
	assert.Equal(t, 5, events[1].Fields["count"])
}

func TestRootReferencesGatedOnHeapKeyword(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordGC)

	a.RootReferences([]clr.ObjectID{0x1000}, []clr.RootKind{1}, []clr.RootFlags{0}, []uint64{1})
	assert.Empty(t, ch.Recorder().EventsByID(etw.EventRootReferences))

	enable(ch, etw.KeywordGCHeap)
	a.RootReferences([]clr.ObjectID{0x1000}, []clr.RootKind{1}, []clr.RootFlags{0}, []uint64{1})
	assert.Len(t, ch.Recorder().EventsByID(etw.EventRootReferences), 1)
}

func TestRootReferencesChunking(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordGCHeap)

	perEvent := etw.MaxEventPayload / etw.RootRecordSize
	n := perEvent + 100
	refIDs := make([]clr.ObjectID, n)
	kinds := make([]clr.RootKind, n)
	flags := make([]clr.RootFlags, n)
	ids := make([]uint64, n)

	a.RootReferences(refIDs, kinds, flags, ids)

	events := ch.Recorder().EventsByID(etw.EventRootReferences)
	require.Len(t, events, 2)
	assert.Equal(t, perEvent, events[0].Fields["count"])
	assert.Equal(t, 100, events[1].Fields["count"])
}

func TestObjectReferenceRepeatsHeader(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordGCHeap)

	perEvent := etw.MaxEventPayload / etw.ObjectRefRecordSize
	refIDs := make([]clr.ObjectID, perEvent+7)
	for i := range refIDs {
		refIDs[i] = clr.ObjectID(0x2000 + i)
	}

	a.ObjectReference(0x1000, 0x100, refIDs)

	events := ch.Recorder().EventsByID(etw.EventObjectReferences)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, clr.ObjectID(0x1000), ev.Fields["objectID"])
		assert.Equal(t, clr.ClassID(0x100), ev.Fields["classID"])
	}
	assert.Equal(t, perEvent, events[0].Fields["refCount"])
	assert.Equal(t, 7, events[1].Fields["refCount"])
}

func TestObjectReferenceResolvesClassFirst(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordGCHeap)

	a.ObjectReference(0x1000, 0x100, []clr.ObjectID{0x2000})

	names := ch.Recorder().Names()
	require.Equal(t, []string{"ModuleIDDefinition", "ClassIDDefinition", "ObjectReferences"}, names)
}

func TestHandleEventsGatedOnKeywords(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))

	// No session yet.
	a.HandleCreated(0x1, 0x1000)
	a.HandleDestroyed(0x1)
	assert.Empty(t, ch.Recorder().Events())

	enable(ch, etw.KeywordGC)
	a.HandleCreated(0x1, 0x1000)
	a.HandleDestroyed(0x1)
	assert.Len(t, ch.Recorder().EventsByID(etw.EventHandleCreated), 1)
	assert.Len(t, ch.Recorder().EventsByID(etw.EventHandleDestroyed), 1)
}

func TestFinalizeableObjectQueuedResolvesClass(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordGC)

	a.FinalizeableObjectQueued(0x1000)

	names := ch.Recorder().Names()
	require.Equal(t, []string{"ModuleIDDefinition", "ClassIDDefinition", "FinalizeableObjectQueued"}, names)

	evs := ch.Recorder().EventsByID(etw.EventFinalizeableObjectQueued)
	require.Len(t, evs, 1)
	assert.Equal(t, clr.ClassID(0x100), evs[0].Fields["classID"])
}

func TestFinalizeableObjectQueuedGated(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordCall)

	a.FinalizeableObjectQueued(0x1000)
	assert.Empty(t, ch.Recorder().EventsByID(etw.EventFinalizeableObjectQueued))
}

func TestModuleAttachedToAssemblyRelaysToCache(t *testing.T) {
	rt := demoRuntime()
	a, ch := newTestAgent(t, rt, Options{})
	require.NoError(t, a.Initialize(false))
	enable(ch, etw.KeywordGC)

	a.ModuleAttachedToAssembly(0x10, 0x20)
	// Binding matches the module info, so exactly one definition results.
	assert.Len(t, ch.Recorder().EventsByID(etw.EventModuleIDDefinition), 1)
}
