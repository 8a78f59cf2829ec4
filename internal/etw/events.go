package etw

import "github.com/clrtrace/clrtrace/internal/clr"

// EventID tags each event shape on the wire.
type EventID uint16

const (
	EventGCStart                 EventID = 1
	EventGCStop                  EventID = 2
	EventObjectAllocated         EventID = 3
	EventObjectsMoved            EventID = 4
	EventObjectsSurvived         EventID = 5
	EventRootReferences          EventID = 6
	EventObjectReferences        EventID = 7
	EventClassIDDefinition       EventID = 8
	EventModuleIDDefinition      EventID = 9
	EventFinalizeableObjectQueued EventID = 10
	EventHandleCreated           EventID = 11
	EventHandleDestroyed         EventID = 12
	EventCallEnter               EventID = 13
	EventCaptureStateStart       EventID = 14
	EventCaptureStateStop        EventID = 15
	EventProfilerError           EventID = 16
	EventProfilerShutdown        EventID = 17
)

// Emitter is the provider's write surface, one method per event shape.
// Implementations must be safe for concurrent use: runtime callbacks arrive
// on arbitrary threads.
type Emitter interface {
	ClassIDDefinition(classID clr.ClassID, token clr.TypeDefToken, flags uint32, moduleID clr.ModuleID, name string)
	ModuleIDDefinition(moduleID clr.ModuleID, assemblyID clr.AssemblyID, path string)

	ObjectAllocated(objectID clr.ObjectID, classID clr.ClassID, size, representativeSize uint64)

	GCStart(gcIndex int, maxGenerationCollected int, induced bool)
	GCStop(gcIndex int)

	ObjectsMoved(count int, oldStarts, newStarts []clr.ObjectID, lengths []uint32)
	ObjectsSurvived(count int, starts []clr.ObjectID, lengths []uint32)
	RootReferences(count int, refIDs []clr.ObjectID, rootKinds []clr.RootKind, rootFlags []clr.RootFlags, rootIDs []uint64)
	ObjectReferences(objectID clr.ObjectID, classID clr.ClassID, size uint64, refIDs []clr.ObjectID)

	FinalizeableObjectQueued(objectID clr.ObjectID, classID clr.ClassID)
	HandleCreated(handleID clr.HandleID, objectID clr.ObjectID)
	HandleDestroyed(handleID clr.HandleID)

	CallEnter(functionID clr.FunctionID, samplingRate int64)

	CaptureStateStart()
	CaptureStateStop()
	ProfilerError(code uint32, message string)
	ProfilerShutdown()
}
