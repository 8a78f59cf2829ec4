// Package clrtest provides an in-memory runtime fake for agent tests. The
// fake is populated with class and module fixtures up front and records
// every control call the agent makes.
package clrtest

import (
	"sync"

	"github.com/clrtrace/clrtrace/internal/clr"
)

// FakeClass describes one class fixture.
type FakeClass struct {
	// Array fields; IsArray selects them over the composite fields.
	IsArray        bool
	ElementType    clr.ElementType
	ElementClassID clr.ClassID
	Rank           uint32

	// Composite fields.
	ModuleID clr.ModuleID
	Token    clr.TypeDefToken
	Name     string
	Flags    uint32
	Size     uint64

	// Lookup failures to inject.
	FailInfo     bool
	FailMetadata bool
}

// FakeModule describes one module fixture.
type FakeModule struct {
	Path        string
	AssemblyID  clr.AssemblyID
	BaseAddress uint64

	// FailMetadata makes GetModuleMetadata fail for this module.
	FailMetadata bool
	// NoInfo makes GetModuleInfo fail, leaving the path unknown.
	NoInfo bool
}

// FakeAssembly describes one assembly fixture.
type FakeAssembly struct {
	Path             string
	AppDomainID      clr.AppDomainID
	ManifestModuleID clr.ModuleID
}

// Runtime is a clr.Info implementation backed by fixture maps.
type Runtime struct {
	mu sync.Mutex

	Classes    map[clr.ClassID]FakeClass
	Modules    map[clr.ModuleID]FakeModule
	Assemblies map[clr.AssemblyID]FakeAssembly

	// ObjectSizes maps object ids to sizes; missing ids fail GetObjectSize.
	ObjectSizes map[clr.ObjectID]uint64
	// ObjectClasses maps object ids to classes for GetClassFromObject.
	ObjectClasses map[clr.ObjectID]clr.ClassID

	eventMask clr.EventMask
	maskErr   error

	enterHook    clr.Hook
	leaveHook    clr.Hook
	tailcallHook clr.Hook
	hooksSet     bool

	forceGCCalls  int
	forceGCErr    error
	forceGCNotify func()

	detachCalls   int
	detachTimeout uint32
	detachErr     error

	released    bool
	openReaders int
}

// New creates an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		Classes:       make(map[clr.ClassID]FakeClass),
		Modules:       make(map[clr.ModuleID]FakeModule),
		Assemblies:    make(map[clr.AssemblyID]FakeAssembly),
		ObjectSizes:   make(map[clr.ObjectID]uint64),
		ObjectClasses: make(map[clr.ObjectID]clr.ClassID),
	}
}

// AddObject registers an object with its class and size. It does not create
// a class fixture; register the class with AddClass or AddArrayClass.
func (r *Runtime) AddObject(objectID clr.ObjectID, classID clr.ClassID, size uint64) {
	r.ObjectSizes[objectID] = size
	r.ObjectClasses[objectID] = classID
}

// AddClass registers a composite class with its module.
func (r *Runtime) AddClass(classID clr.ClassID, moduleID clr.ModuleID, token clr.TypeDefToken, name string) {
	r.Classes[classID] = FakeClass{ModuleID: moduleID, Token: token, Name: name}
}

// AddArrayClass registers an array class over an element class.
func (r *Runtime) AddArrayClass(classID, elementID clr.ClassID, rank uint32) {
	r.Classes[classID] = FakeClass{IsArray: true, ElementClassID: elementID, Rank: rank}
}

// AddModule registers a module with its path and assembly.
func (r *Runtime) AddModule(moduleID clr.ModuleID, assemblyID clr.AssemblyID, path string) {
	r.Modules[moduleID] = FakeModule{Path: path, AssemblyID: assemblyID}
}

// SetMaskError makes mask reads and writes fail with err.
func (r *Runtime) SetMaskError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maskErr = err
}

// SetForceGCError makes ForceGC fail with err.
func (r *Runtime) SetForceGCError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forceGCErr = err
}

// OnForceGC installs fn to run inside ForceGC, before it returns. Tests use
// it to deliver the heap-walk callbacks the real runtime raises reentrantly.
func (r *Runtime) OnForceGC(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forceGCNotify = fn
}

func (r *Runtime) GetEventMask() (clr.EventMask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maskErr != nil {
		return 0, r.maskErr
	}
	return r.eventMask, nil
}

func (r *Runtime) SetEventMask(mask clr.EventMask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maskErr != nil {
		return r.maskErr
	}
	r.eventMask = mask
	return nil
}

// EventMask returns the mask last committed.
func (r *Runtime) EventMask() clr.EventMask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eventMask
}

func (r *Runtime) SetEnterLeaveHooks(enter, leave, tailcall clr.Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enterHook = enter
	r.leaveHook = leave
	r.tailcallHook = tailcall
	r.hooksSet = true
	return nil
}

// HooksInstalled reports whether SetEnterLeaveHooks was called, and whether
// the leave hook was left nil.
func (r *Runtime) HooksInstalled() (set bool, leaveNil bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hooksSet, r.leaveHook == nil
}

func (r *Runtime) ForceGC() error {
	r.mu.Lock()
	r.forceGCCalls++
	err := r.forceGCErr
	notify := r.forceGCNotify
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if notify != nil {
		notify()
	}
	return nil
}

// ForceGCCalls reports how many times ForceGC was invoked.
func (r *Runtime) ForceGCCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forceGCCalls
}

func (r *Runtime) RequestDetach(timeoutMS uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detachErr != nil {
		return r.detachErr
	}
	r.detachCalls++
	r.detachTimeout = timeoutMS
	return nil
}

// DetachCalls reports the detach request count and the last timeout passed.
func (r *Runtime) DetachCalls() (int, uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detachCalls, r.detachTimeout
}

// SetDetachError makes RequestDetach fail with err.
func (r *Runtime) SetDetachError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachErr = err
}

func (r *Runtime) GetObjectSize(objectID clr.ObjectID) (uint64, error) {
	size, ok := r.ObjectSizes[objectID]
	if !ok {
		return 0, errUnknown("object", uint64(objectID))
	}
	return size, nil
}

func (r *Runtime) GetClassFromObject(objectID clr.ObjectID) (clr.ClassID, error) {
	classID, ok := r.ObjectClasses[objectID]
	if !ok {
		return 0, errUnknown("object", uint64(objectID))
	}
	return classID, nil
}

func (r *Runtime) IsArrayClass(classID clr.ClassID) (clr.ArrayInfo, error) {
	cls, ok := r.Classes[classID]
	if !ok || !cls.IsArray {
		return clr.ArrayInfo{}, clr.ErrNotArray
	}
	return clr.ArrayInfo{
		ElementType:    cls.ElementType,
		ElementClassID: cls.ElementClassID,
		Rank:           cls.Rank,
	}, nil
}

func (r *Runtime) GetClassLayout(classID clr.ClassID) (clr.ClassLayout, error) {
	cls, ok := r.Classes[classID]
	if !ok || cls.IsArray {
		return clr.ClassLayout{}, errUnknown("class", uint64(classID))
	}
	return clr.ClassLayout{Size: cls.Size}, nil
}

func (r *Runtime) GetClassIDInfo(classID clr.ClassID) (clr.ClassInfo, error) {
	cls, ok := r.Classes[classID]
	if !ok || cls.FailInfo {
		return clr.ClassInfo{}, errUnknown("class", uint64(classID))
	}
	return clr.ClassInfo{ModuleID: cls.ModuleID, Token: cls.Token}, nil
}

func (r *Runtime) GetModuleMetadata(moduleID clr.ModuleID) (clr.MetadataReader, error) {
	mod, ok := r.Modules[moduleID]
	if !ok || mod.FailMetadata {
		return nil, errUnknown("module metadata", uint64(moduleID))
	}
	r.mu.Lock()
	r.openReaders++
	r.mu.Unlock()
	return &fakeReader{runtime: r, moduleID: moduleID}, nil
}

func (r *Runtime) GetModuleInfo(moduleID clr.ModuleID) (clr.ModuleInfo, error) {
	mod, ok := r.Modules[moduleID]
	if !ok || mod.NoInfo {
		return clr.ModuleInfo{}, errUnknown("module", uint64(moduleID))
	}
	return clr.ModuleInfo{
		BaseAddress: mod.BaseAddress,
		Path:        mod.Path,
		AssemblyID:  mod.AssemblyID,
	}, nil
}

func (r *Runtime) GetAssemblyInfo(assemblyID clr.AssemblyID) (clr.AssemblyInfo, error) {
	asm, ok := r.Assemblies[assemblyID]
	if !ok {
		return clr.AssemblyInfo{}, errUnknown("assembly", uint64(assemblyID))
	}
	return clr.AssemblyInfo{
		Path:             asm.Path,
		AppDomainID:      asm.AppDomainID,
		ManifestModuleID: asm.ManifestModuleID,
	}, nil
}

func (r *Runtime) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
}

// Released reports whether the agent released its runtime handle.
func (r *Runtime) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// OpenReaders reports metadata readers acquired and not yet closed.
func (r *Runtime) OpenReaders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openReaders
}

type fakeReader struct {
	runtime  *Runtime
	moduleID clr.ModuleID
	closed   bool
}

func (fr *fakeReader) TypeDefProps(token clr.TypeDefToken) (clr.TypeDefProps, error) {
	for _, cls := range fr.runtime.Classes {
		if cls.ModuleID == fr.moduleID && cls.Token == token {
			if cls.FailMetadata {
				return clr.TypeDefProps{}, errUnknown("typedef", uint64(token))
			}
			return clr.TypeDefProps{Name: cls.Name, Flags: cls.Flags}, nil
		}
	}
	return clr.TypeDefProps{}, errUnknown("typedef", uint64(token))
}

func (fr *fakeReader) Close() error {
	if fr.closed {
		return nil
	}
	fr.closed = true
	fr.runtime.mu.Lock()
	fr.runtime.openReaders--
	fr.runtime.mu.Unlock()
	return nil
}
