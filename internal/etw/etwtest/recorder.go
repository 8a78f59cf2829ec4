// Package etwtest provides in-memory tracing channel fakes for tests.
package etwtest

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/clrtrace/clrtrace/internal/clr"
	"github.com/clrtrace/clrtrace/internal/etw"
)

// Event is one recorded emission.
type Event struct {
	ID   etw.EventID
	Name string
	// Fields holds the event payload keyed by field name. Slice fields are
	// copied so later mutation by the caller cannot alter the record.
	Fields map[string]any
}

// Recorder is an etw.Emitter that appends every event to an in-memory list.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Events returns a snapshot of all recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// EventsByID returns recorded events with the given id, in order.
func (r *Recorder) EventsByID(id etw.EventID) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.ID == id {
			out = append(out, ev)
		}
	}
	return out
}

// Names returns the event names in emission order, handy for order asserts.
func (r *Recorder) Names() []string {
	events := r.Events()
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Name
	}
	return names
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *Recorder) record(id etw.EventID, name string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{ID: id, Name: name, Fields: fields})
}

func copyIDs(ids []clr.ObjectID) []clr.ObjectID {
	out := make([]clr.ObjectID, len(ids))
	copy(out, ids)
	return out
}

func copyU32(v []uint32) []uint32 {
	out := make([]uint32, len(v))
	copy(out, v)
	return out
}

func (r *Recorder) ClassIDDefinition(classID clr.ClassID, token clr.TypeDefToken, flags uint32, moduleID clr.ModuleID, name string) {
	r.record(etw.EventClassIDDefinition, "ClassIDDefinition", map[string]any{
		"classID": classID, "token": token, "flags": flags, "moduleID": moduleID, "name": name,
	})
}

func (r *Recorder) ModuleIDDefinition(moduleID clr.ModuleID, assemblyID clr.AssemblyID, path string) {
	r.record(etw.EventModuleIDDefinition, "ModuleIDDefinition", map[string]any{
		"moduleID": moduleID, "assemblyID": assemblyID, "path": path,
	})
}

func (r *Recorder) ObjectAllocated(objectID clr.ObjectID, classID clr.ClassID, size, representativeSize uint64) {
	r.record(etw.EventObjectAllocated, "ObjectAllocated", map[string]any{
		"objectID": objectID, "classID": classID, "size": size, "representativeSize": representativeSize,
	})
}

func (r *Recorder) GCStart(gcIndex, maxGenerationCollected int, induced bool) {
	r.record(etw.EventGCStart, "GCStart", map[string]any{
		"gcIndex": gcIndex, "maxGenerationCollected": maxGenerationCollected, "induced": induced,
	})
}

func (r *Recorder) GCStop(gcIndex int) {
	r.record(etw.EventGCStop, "GCStop", map[string]any{"gcIndex": gcIndex})
}

func (r *Recorder) ObjectsMoved(count int, oldStarts, newStarts []clr.ObjectID, lengths []uint32) {
	r.record(etw.EventObjectsMoved, "ObjectsMoved", map[string]any{
		"count": count, "oldStarts": copyIDs(oldStarts), "newStarts": copyIDs(newStarts), "lengths": copyU32(lengths),
	})
}

func (r *Recorder) ObjectsSurvived(count int, starts []clr.ObjectID, lengths []uint32) {
	r.record(etw.EventObjectsSurvived, "ObjectsSurvived", map[string]any{
		"count": count, "starts": copyIDs(starts), "lengths": copyU32(lengths),
	})
}

func (r *Recorder) RootReferences(count int, refIDs []clr.ObjectID, rootKinds []clr.RootKind, rootFlags []clr.RootFlags, rootIDs []uint64) {
	kinds := make([]clr.RootKind, len(rootKinds))
	copy(kinds, rootKinds)
	flags := make([]clr.RootFlags, len(rootFlags))
	copy(flags, rootFlags)
	ids := make([]uint64, len(rootIDs))
	copy(ids, rootIDs)
	r.record(etw.EventRootReferences, "RootReferences", map[string]any{
		"count": count, "refIDs": copyIDs(refIDs), "rootKinds": kinds, "rootFlags": flags, "rootIDs": ids,
	})
}

func (r *Recorder) ObjectReferences(objectID clr.ObjectID, classID clr.ClassID, size uint64, refIDs []clr.ObjectID) {
	r.record(etw.EventObjectReferences, "ObjectReferences", map[string]any{
		"objectID": objectID, "classID": classID, "size": size, "refCount": len(refIDs), "refIDs": copyIDs(refIDs),
	})
}

func (r *Recorder) FinalizeableObjectQueued(objectID clr.ObjectID, classID clr.ClassID) {
	r.record(etw.EventFinalizeableObjectQueued, "FinalizeableObjectQueued", map[string]any{
		"objectID": objectID, "classID": classID,
	})
}

func (r *Recorder) HandleCreated(handleID clr.HandleID, objectID clr.ObjectID) {
	r.record(etw.EventHandleCreated, "HandleCreated", map[string]any{"handleID": handleID, "objectID": objectID})
}

func (r *Recorder) HandleDestroyed(handleID clr.HandleID) {
	r.record(etw.EventHandleDestroyed, "HandleDestroyed", map[string]any{"handleID": handleID})
}

func (r *Recorder) CallEnter(functionID clr.FunctionID, samplingRate int64) {
	r.record(etw.EventCallEnter, "CallEnter", map[string]any{"functionID": functionID, "samplingRate": samplingRate})
}

func (r *Recorder) CaptureStateStart() {
	r.record(etw.EventCaptureStateStart, "CaptureStateStart", nil)
}

func (r *Recorder) CaptureStateStop() {
	r.record(etw.EventCaptureStateStop, "CaptureStateStop", nil)
}

func (r *Recorder) ProfilerError(code uint32, message string) {
	r.record(etw.EventProfilerError, "ProfilerError", map[string]any{"code": code, "message": message})
}

func (r *Recorder) ProfilerShutdown() {
	r.record(etw.EventProfilerShutdown, "ProfilerShutdown", nil)
}

// Channel is an in-memory etw.Channel that hands out a single Recorder and
// lets tests drive the control callback directly.
type Channel struct {
	mu         sync.Mutex
	recorder   *Recorder
	callback   etw.ControlCallback
	registered bool
}

// NewChannel creates an unregistered fake channel.
func NewChannel() *Channel { return &Channel{recorder: NewRecorder()} }

// Register implements etw.Channel.
func (c *Channel) Register(provider uuid.UUID, cb etw.ControlCallback) (etw.Emitter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil, fmt.Errorf("etwtest: provider %s already registered", provider)
	}
	c.registered = true
	c.callback = cb
	return c.recorder, nil
}

// Unregister implements etw.Channel.
func (c *Channel) Unregister() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = false
	c.callback = nil
	return nil
}

// Registered reports whether a provider is currently registered.
func (c *Channel) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Recorder returns the emitter backing this channel.
func (c *Channel) Recorder() *Recorder { return c.recorder }

// Control delivers a control request to the registered provider.
func (c *Channel) Control(req etw.ControlRequest) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(req)
	}
}
