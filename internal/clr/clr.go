// Package clr defines the capability surface the profiled managed runtime
// exposes to the agent. The agent never dereferences any of the opaque ids;
// it only hands them back to the runtime or forwards them on the wire.
package clr

import (
	"errors"
	"fmt"
)

// Opaque handles supplied by the runtime. Stable for the lifetime of the
// entity they name.
type (
	ClassID    uint64
	ModuleID   uint64
	AssemblyID uint64
	ObjectID   uint64
	FunctionID uint64
	HandleID   uint64
	AppDomainID uint64
)

// TypeDefToken identifies a type definition row in a module's metadata table.
type TypeDefToken uint32

// ElementType is the runtime's primitive element-type code for array
// elements (ELEMENT_TYPE_* in the CLR).
type ElementType int32

// ElementTypeEnd marks "no element type" on non-array classes.
const ElementTypeEnd ElementType = 0

// EventMask is the runtime-side subscription bitmask (COR_PRF_MONITOR_*).
type EventMask uint32

const (
	MonitorModuleLoads     EventMask = 0x4
	MonitorGC              EventMask = 0x80
	MonitorObjectAllocated EventMask = 0x100
	MonitorEnterLeave      EventMask = 0x1000
	DisableInlining        EventMask = 0x80000
	EnableObjectAllocated  EventMask = 0x200000
)

// String renders the mask as hex, for logs.
func (m EventMask) String() string { return fmt.Sprintf("0x%x", uint32(m)) }

// GCReason tells why a collection started.
type GCReason int32

const (
	GCReasonOther GCReason = iota
	GCReasonInduced
)

// RootKind and RootFlags classify GC roots as reported by the runtime.
type (
	RootKind  uint32
	RootFlags uint32
)

// ErrNotArray is returned by IsArrayClass for non-array classes.
var ErrNotArray = errors.New("clr: class is not an array")

// ArrayInfo describes an array class.
type ArrayInfo struct {
	ElementType    ElementType
	ElementClassID ClassID
	Rank           uint32
}

// ClassInfo locates a class definition within its module.
type ClassInfo struct {
	ModuleID ModuleID
	Token    TypeDefToken
}

// ClassLayout carries the field count and instance size of a class.
type ClassLayout struct {
	NumFields uint32
	Size      uint64
}

// ModuleInfo describes a loaded module.
type ModuleInfo struct {
	BaseAddress uint64
	Path        string
	AssemblyID  AssemblyID
}

// AssemblyInfo describes a loaded assembly.
type AssemblyInfo struct {
	Path             string
	AppDomainID      AppDomainID
	ManifestModuleID ModuleID
}

// TypeDefProps is the metadata row for a type definition.
type TypeDefProps struct {
	Name      string
	Flags     uint32
	BaseToken TypeDefToken
}

// MetadataReader reads a module's type-definition table. The reader is
// shared with the runtime via a reference count; Close releases the agent's
// reference.
type MetadataReader interface {
	TypeDefProps(token TypeDefToken) (TypeDefProps, error)
	Close() error
}

// Hook is an enter or tail-call notification installed on the runtime.
type Hook func(functionID FunctionID)

// Info is the runtime query and control capability handed to the agent at
// initialization. Every method returns an explicit error; the agent treats
// failures as best-effort and never raises back into the runtime.
type Info interface {
	GetEventMask() (EventMask, error)
	SetEventMask(mask EventMask) error

	// SetEnterLeaveHooks installs call instrumentation. A nil hook leaves
	// that notification uninstalled. Only honored at process startup.
	SetEnterLeaveHooks(enter, leave, tailcall Hook) error

	ForceGC() error
	RequestDetach(timeoutMS uint32) error

	GetObjectSize(objectID ObjectID) (uint64, error)
	GetClassFromObject(objectID ObjectID) (ClassID, error)

	IsArrayClass(classID ClassID) (ArrayInfo, error)
	GetClassLayout(classID ClassID) (ClassLayout, error)
	GetClassIDInfo(classID ClassID) (ClassInfo, error)

	GetModuleMetadata(moduleID ModuleID) (MetadataReader, error)
	GetModuleInfo(moduleID ModuleID) (ModuleInfo, error)
	GetAssemblyInfo(assemblyID AssemblyID) (AssemblyInfo, error)

	// Release drops the agent's reference to the runtime-info handle.
	Release()
}
