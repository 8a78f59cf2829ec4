package metadata

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clrtrace/clrtrace/internal/agent/sampler"
	"github.com/clrtrace/clrtrace/internal/clr"
	"github.com/clrtrace/clrtrace/internal/clr/clrtest"
	"github.com/clrtrace/clrtrace/internal/etw"
	"github.com/clrtrace/clrtrace/internal/etw/etwtest"
)

func newTestCache(rt *clrtest.Runtime) (*Cache, *etwtest.Recorder) {
	rec := etwtest.NewRecorder()
	c := New(rt, rec, zerolog.Nop(), func() int32 { return 0 }, nil)
	return c, rec
}

func TestLookupClassResolvesComposite(t *testing.T) {
	rt := clrtest.New()
	rt.AddModule(0x10, 0x20, "/app/Demo.dll")
	rt.AddClass(0x100, 0x10, 0x02000002, "Demo.Order")

	c, rec := newTestCache(rt)

	cls := c.LookupClass(0x100)
	require.NotNil(t, cls)
	assert.Equal(t, "Demo.Order", cls.Name)
	assert.Equal(t, clr.ClassID(0x100), cls.ID)
	assert.False(t, cls.IsArray)
	require.NotNil(t, cls.Module)
	assert.Equal(t, clr.ModuleID(0x10), cls.Module.ID)

	// Module definition lands before the class definition.
	assert.Equal(t, []string{"ModuleIDDefinition", "ClassIDDefinition"}, rec.Names())
}

func TestLookupClassDefinitionEmittedOnce(t *testing.T) {
	rt := clrtest.New()
	rt.AddModule(0x10, 0x20, "/app/Demo.dll")
	rt.AddClass(0x100, 0x10, 0x02000002, "Demo.Order")

	c, rec := newTestCache(rt)

	first := c.LookupClass(0x100)
	second := c.LookupClass(0x100)
	assert.Same(t, first, second)
	assert.Len(t, rec.EventsByID(etw.EventClassIDDefinition), 1)
}

func TestLookupClassArrayNaming(t *testing.T) {
	rt := clrtest.New()
	rt.AddModule(0x10, 0x20, "/app/Demo.dll")
	rt.AddClass(0x101, 0x10, 0x02000003, "System.String")
	rt.AddArrayClass(0x200, 0x101, 1)
	rt.AddArrayClass(0x201, 0x101, 3)
	rt.AddArrayClass(0x202, 0x200, 1) // array of arrays

	c, _ := newTestCache(rt)

	tests := []struct {
		classID clr.ClassID
		want    string
	}{
		{0x200, "System.String[]"},
		{0x201, "System.String[,,]"},
		{0x202, "System.String[][]"},
	}
	for _, tt := range tests {
		cls := c.LookupClass(tt.classID)
		require.NotNil(t, cls)
		assert.Equal(t, tt.want, cls.Name)
		assert.True(t, cls.IsArray)
	}
}

func TestLookupClassArrayOfUnresolvableElement(t *testing.T) {
	rt := clrtest.New()
	rt.AddArrayClass(0x200, 0xDEAD, 1)

	c, _ := newTestCache(rt)

	cls := c.LookupClass(0x200)
	require.NotNil(t, cls, "the array itself resolves even when its element does not")
	assert.Equal(t, "?[]", cls.Name)
}

func TestLookupClassFailureIsSticky(t *testing.T) {
	rt := clrtest.New()

	c, rec := newTestCache(rt)

	assert.Nil(t, c.LookupClass(0xBAD))
	assert.Nil(t, c.LookupClass(0xBAD))
	assert.Equal(t, 1, c.ClassCount(), "failed descriptor is cached, not re-resolved")
	assert.Empty(t, rec.EventsByID(etw.EventClassIDDefinition))
}

func TestLookupModuleMetadataFailureIsSticky(t *testing.T) {
	rt := clrtest.New()
	rt.Modules[0x10] = clrtest.FakeModule{Path: "/app/Demo.dll", FailMetadata: true}

	c, _ := newTestCache(rt)

	assert.Nil(t, c.LookupModule(0x10))
	assert.Nil(t, c.LookupModule(0x10))
	assert.Equal(t, 1, c.ModuleCount())
}

func TestLookupModulePathUnknownStillUsable(t *testing.T) {
	rt := clrtest.New()
	rt.Modules[0x10] = clrtest.FakeModule{NoInfo: true}
	rt.AddClass(0x100, 0x10, 0x02000002, "Demo.Order")

	c, rec := newTestCache(rt)

	// Metadata works, so the class still resolves; only the module
	// definition stays unsent.
	cls := c.LookupClass(0x100)
	require.NotNil(t, cls)
	assert.Equal(t, "Demo.Order", cls.Name)
	assert.Empty(t, rec.EventsByID(etw.EventModuleIDDefinition))
}

func TestModuleAttachedToAssemblyFillsPath(t *testing.T) {
	rt := clrtest.New()
	rt.Modules[0x10] = clrtest.FakeModule{NoInfo: true}
	rt.Assemblies[0x20] = clrtest.FakeAssembly{Path: "/app/FromAssembly.dll"}

	c, rec := newTestCache(rt)

	c.ModuleAttachedToAssembly(0x10, 0x20)

	defs := rec.EventsByID(etw.EventModuleIDDefinition)
	require.Len(t, defs, 1)
	assert.Equal(t, "/app/FromAssembly.dll", defs[0].Fields["path"])
	assert.Equal(t, clr.AssemblyID(0x20), defs[0].Fields["assemblyID"])
}

func TestModuleAttachedToAssemblySameBindingNoReemit(t *testing.T) {
	rt := clrtest.New()
	rt.AddModule(0x10, 0x20, "/app/Demo.dll")

	c, rec := newTestCache(rt)

	require.NotNil(t, c.LookupModule(0x10))
	before := len(rec.EventsByID(etw.EventModuleIDDefinition))

	c.ModuleAttachedToAssembly(0x10, 0x20)
	assert.Len(t, rec.EventsByID(etw.EventModuleIDDefinition), before,
		"re-attaching to the same assembly must not re-emit the definition")
}

func TestDumpAllReplaysDefinitions(t *testing.T) {
	rt := clrtest.New()
	rt.AddModule(0x10, 0x20, "/app/Demo.dll")
	rt.AddClass(0x100, 0x10, 0x02000002, "Demo.Order")
	rt.AddClass(0x101, 0x10, 0x02000003, "System.String")

	c, rec := newTestCache(rt)
	require.NotNil(t, c.LookupClass(0x100))
	require.NotNil(t, c.LookupClass(0x101))
	assert.Nil(t, c.LookupClass(0xBAD))
	rec.Reset()

	c.DumpAll()

	assert.Len(t, rec.EventsByID(etw.EventModuleIDDefinition), 1)
	assert.Len(t, rec.EventsByID(etw.EventClassIDDefinition), 2, "failed classes are not replayed")
}

func TestClearReleasesReaders(t *testing.T) {
	rt := clrtest.New()
	rt.AddModule(0x10, 0x20, "/app/Demo.dll")
	rt.AddClass(0x100, 0x10, 0x02000002, "Demo.Order")

	c, _ := newTestCache(rt)
	require.NotNil(t, c.LookupClass(0x100))
	require.Equal(t, 1, rt.OpenReaders())

	require.NoError(t, c.Clear())
	assert.Zero(t, rt.OpenReaders())
	assert.Zero(t, c.ClassCount())
	assert.Zero(t, c.ModuleCount())
}

func TestLookupClassAppliesOverlay(t *testing.T) {
	rt := clrtest.New()
	rt.AddModule(0x10, 0x20, "/app/Demo.dll")
	rt.AddClass(0x100, 0x10, 0x02000002, "Demo.Hot")

	rec := etwtest.NewRecorder()
	overlay := &sampler.Overlay{Rules: []sampler.KeepRule{{Name: "Demo.Hot", KeepSize: 123}}}
	c := New(rt, rec, zerolog.Nop(), func() int32 { return 0 }, overlay)

	cls := c.LookupClass(0x100)
	require.NotNil(t, cls)
	assert.Equal(t, uint64(123), cls.Sampler.ForceKeepSize)
}
