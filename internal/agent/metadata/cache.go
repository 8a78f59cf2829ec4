// Package metadata caches per-class and per-module descriptors resolved
// from the runtime, and emits the matching definition events. Queries are
// best-effort: a descriptor that fails to resolve is marked failed and
// never retried.
//
// The cache performs no locking of its own; the agent serializes all access
// under its process-wide mutex.
package metadata

import (
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/clrtrace/clrtrace/internal/agent/sampler"
	"github.com/clrtrace/clrtrace/internal/clr"
	"github.com/clrtrace/clrtrace/internal/etw"
)

// Class is the cached descriptor for one class id. Name never changes once
// set. Sampler state lives here so the allocation path touches a single
// cache line of state per type.
type Class struct {
	ID      clr.ClassID
	Name    string
	IsArray bool

	// Set for arrays.
	ElementType    clr.ElementType
	ElementClassID clr.ClassID
	Rank           uint32

	// Set for composites.
	Token  clr.TypeDefToken
	Size   uint64
	Flags  uint32
	Module *Module

	Sampler sampler.State

	failed bool
}

// Module is the cached descriptor for one module id. The metadata reader is
// held for the descriptor's lifetime and released by Clear.
type Module struct {
	ID         clr.ModuleID
	AssemblyID clr.AssemblyID
	Path       string
	Reader     clr.MetadataReader

	pathKnown      bool
	metadataFailed bool
	defined        bool
}

// Clock returns a millisecond tick counter for sampler bucket timing.
type Clock func() int32

// Cache holds the two descriptor maps and the collaborators needed to
// populate them lazily.
type Cache struct {
	info    clr.Info
	emitter etw.Emitter
	logger  zerolog.Logger
	clock   Clock
	overlay *sampler.Overlay

	classes map[clr.ClassID]*Class
	modules map[clr.ModuleID]*Module
}

// New creates an empty cache. overlay may be nil.
func New(info clr.Info, emitter etw.Emitter, logger zerolog.Logger, clock Clock, overlay *sampler.Overlay) *Cache {
	return &Cache{
		info:    info,
		emitter: emitter,
		logger:  logger.With().Str("component", "metadata_cache").Logger(),
		clock:   clock,
		overlay: overlay,
		classes: make(map[clr.ClassID]*Class),
		modules: make(map[clr.ModuleID]*Module),
	}
}

// LookupClass returns the descriptor for classID, resolving it on first
// sight. Returns nil if resolution failed; the failure is sticky.
func (c *Cache) LookupClass(classID clr.ClassID) *Class {
	cls, ok := c.classes[classID]
	if ok {
		if cls.failed {
			return nil
		}
		return cls
	}

	cls = &Class{Sampler: sampler.NewState(c.clock())}
	c.classes[classID] = cls

	if !c.resolveClass(cls, classID) {
		cls.failed = true
		if cls.Name == "" {
			cls.Name = "?"
		}
		c.logger.Debug().Uint64("class_id", uint64(classID)).Msg("failed to resolve class")
		return nil
	}

	cls.ID = classID
	cls.Sampler.ForceKeepSize = c.overlay.ForceKeepSize(cls.Name)

	var moduleID clr.ModuleID
	if cls.Module != nil {
		moduleID = cls.Module.ID
	}
	c.emitter.ClassIDDefinition(classID, cls.Token, cls.Flags, moduleID, cls.Name)
	return cls
}

// resolveClass classifies classID as array or composite and fills the
// descriptor. It reports whether enough information was obtained to define
// the class on the wire.
func (c *Cache) resolveClass(cls *Class, classID clr.ClassID) bool {
	if arr, err := c.info.IsArrayClass(classID); err == nil {
		cls.IsArray = true
		cls.ElementType = arr.ElementType
		cls.ElementClassID = arr.ElementClassID
		cls.Rank = arr.Rank
		cls.Name = arrayName(c.elementName(arr.ElementClassID), arr.Rank)
		return true
	}

	if layout, err := c.info.GetClassLayout(classID); err == nil {
		cls.Size = layout.Size
	}

	ci, err := c.info.GetClassIDInfo(classID)
	if err != nil || ci.ModuleID == 0 {
		return false
	}
	cls.Token = ci.Token

	mod := c.LookupModule(ci.ModuleID)
	if mod == nil {
		return false
	}
	cls.Module = mod

	props, err := mod.Reader.TypeDefProps(ci.Token)
	if err != nil || props.Name == "" {
		return false
	}
	cls.Name = props.Name
	cls.Flags = props.Flags
	return true
}

// elementName resolves the element class of an array, which may itself be
// created lazily. Unresolvable elements render as "?".
func (c *Cache) elementName(elemID clr.ClassID) string {
	elem := c.LookupClass(elemID)
	if elem == nil {
		return "?"
	}
	return elem.Name
}

// arrayName synthesizes the bracketed array spelling: rank-1 commas between
// the brackets.
func arrayName(elem string, rank uint32) string {
	buf := make([]byte, 0, len(elem)+int(rank)+1)
	buf = append(buf, elem...)
	buf = append(buf, '[')
	for i := uint32(1); i < rank; i++ {
		buf = append(buf, ',')
	}
	buf = append(buf, ']')
	return string(buf)
}

// LookupModule returns the descriptor for moduleID, creating it and
// acquiring its metadata reader on first sight. Returns nil if the module's
// metadata is unavailable; the failure is sticky.
func (c *Cache) LookupModule(moduleID clr.ModuleID) *Module {
	mod, ok := c.modules[moduleID]
	if !ok {
		mod = &Module{ID: moduleID}
		c.modules[moduleID] = mod
	}

	if mod.metadataFailed {
		return nil
	}

	if mod.Reader == nil {
		reader, err := c.info.GetModuleMetadata(moduleID)
		if err != nil || reader == nil {
			mod.metadataFailed = true
			c.logger.Debug().Uint64("module_id", uint64(moduleID)).Msg("module metadata unavailable")
			return nil
		}
		mod.Reader = reader
	}

	if !mod.pathKnown {
		if mi, err := c.info.GetModuleInfo(moduleID); err == nil && mi.Path != "" {
			mod.Path = mi.Path
			mod.AssemblyID = mi.AssemblyID
			mod.pathKnown = true
			mod.defined = true
			c.emitter.ModuleIDDefinition(mod.ID, mod.AssemblyID, mod.Path)
		}
	}

	return mod
}

// ModuleAttachedToAssembly records the module-assembly binding established
// by the runtime. A missing path is filled from the assembly info, and the
// module definition is re-emitted for the new binding.
func (c *Cache) ModuleAttachedToAssembly(moduleID clr.ModuleID, assemblyID clr.AssemblyID) {
	mod := c.LookupModule(moduleID)
	if mod == nil || mod.AssemblyID == assemblyID {
		return
	}

	if !mod.pathKnown {
		if ai, err := c.info.GetAssemblyInfo(assemblyID); err == nil {
			mod.Path = ai.Path
		}
		mod.pathKnown = true
	}

	mod.AssemblyID = assemblyID
	mod.defined = true
	c.emitter.ModuleIDDefinition(moduleID, assemblyID, mod.Path)
}

// DumpAll replays the accumulated definitions: every module with a known
// path, then every fully-resolved class.
func (c *Cache) DumpAll() {
	for _, mod := range c.modules {
		if !mod.pathKnown {
			continue
		}
		c.emitter.ModuleIDDefinition(mod.ID, mod.AssemblyID, mod.Path)
	}
	for _, cls := range c.classes {
		if cls.failed {
			continue
		}
		var moduleID clr.ModuleID
		if cls.Module != nil {
			moduleID = cls.Module.ID
		}
		c.emitter.ClassIDDefinition(cls.ID, cls.Token, cls.Flags, moduleID, cls.Name)
	}
}

// Clear drops every descriptor and releases the metadata readers.
func (c *Cache) Clear() error {
	var errs *multierror.Error
	for _, mod := range c.modules {
		if mod.Reader != nil {
			if err := mod.Reader.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	c.classes = make(map[clr.ClassID]*Class)
	c.modules = make(map[clr.ModuleID]*Module)
	return errs.ErrorOrNil()
}

// ClassCount reports the number of cached class descriptors, resolved or
// failed.
func (c *Cache) ClassCount() int { return len(c.classes) }

// ModuleCount reports the number of cached module descriptors.
func (c *Cache) ModuleCount() int { return len(c.modules) }
