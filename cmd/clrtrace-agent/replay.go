package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/clrtrace/clrtrace/internal/agent"
	"github.com/clrtrace/clrtrace/internal/clr"
	"github.com/clrtrace/clrtrace/internal/clr/clrtest"
	"github.com/clrtrace/clrtrace/internal/config"
	"github.com/clrtrace/clrtrace/internal/etw"
	"github.com/clrtrace/clrtrace/internal/etw/etwtest"
	"github.com/clrtrace/clrtrace/internal/logging"
	"github.com/clrtrace/clrtrace/pkg/version"
)

// keywordsValue parses the session keyword flag at flag-parse time so a
// bad mask fails before the fixture runtime is built.
type keywordsValue struct {
	kw etw.Keyword
}

var _ pflag.Value = (*keywordsValue)(nil)

func (v *keywordsValue) String() string { return v.kw.String() }
func (v *keywordsValue) Type() string   { return "keywords" }

func (v *keywordsValue) Set(s string) error {
	kw, err := config.ParseKeywords(s)
	if err != nil {
		return err
	}
	v.kw = kw
	return nil
}

func newReplayCmd() *cobra.Command {
	var (
		keywords = keywordsValue{kw: etw.KeywordGC | etw.KeywordGCAllocSampled | etw.KeywordGCHeap}
		allocs   int
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Drive the agent against a scripted fake runtime and print the emitted events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, keywords.kw, allocs, logLevel)
		},
	}

	cmd.Flags().Var(&keywords, "keywords", "session keywords (hex mask or +-joined names)")
	cmd.Flags().IntVar(&allocs, "allocs", 200, "allocations to script per type")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "agent log level")
	return cmd
}

func runReplay(cmd *cobra.Command, sessionKeywords etw.Keyword, allocs int, logLevel string) error {
	logger := logging.New(logging.Config{Level: logLevel, Pretty: true, Output: cmd.ErrOrStderr()})
	logStartup(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	startupKeywords, err := cfg.StartupKeywords()
	if err != nil {
		return err
	}
	runtime, channel := scriptRuntime()

	a, err := agent.New(runtime, channel, agent.Options{
		Logger:          logger,
		Registry:        prometheus.NewRegistry(),
		Overlay:         cfg.Sampler,
		StartupKeywords: startupKeywords,
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	if err := a.Initialize(false); err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}

	channel.Control(etw.ControlRequest{Command: etw.CommandEnable, MatchAnyKeywords: sessionKeywords})

	scriptWorkload(a, runtime, allocs)

	channel.Control(etw.ControlRequest{Command: etw.CommandCaptureState, MatchAnyKeywords: sessionKeywords})
	channel.Control(etw.ControlRequest{Command: etw.CommandDisable})
	a.Shutdown()

	printEvents(cmd, channel.Recorder().Events())
	return nil
}

// logStartup records host and process facts the way a long-running agent
// announces itself.
func logStartup(logger zerolog.Logger) {
	ev := logger.Info().Str("version", version.String())
	if hi, err := host.Info(); err == nil {
		ev = ev.Str("hostname", hi.Hostname).Str("os", hi.OS).Str("platform", hi.Platform)
	}
	if pids, err := process.Pids(); err == nil {
		ev = ev.Int("host_processes", len(pids))
	}
	ev.Msg("replay host starting")
}

// scriptRuntime builds the fixture runtime: a module, a string-like class,
// and an array class over it, plus a small object population.
func scriptRuntime() (*clrtest.Runtime, *etwtest.Channel) {
	rt := clrtest.New()
	rt.AddModule(0x10, 0x20, "/app/Demo.Core.dll")
	rt.Assemblies[0x20] = clrtest.FakeAssembly{Path: "/app/Demo.Core.dll", ManifestModuleID: 0x10}
	rt.AddClass(0x100, 0x10, 0x02000003, "Demo.Core.Order")
	rt.AddClass(0x101, 0x10, 0x02000004, "System.String")
	rt.AddArrayClass(0x200, 0x101, 1)

	var obj clr.ObjectID = 0x1000
	for i := 0; i < 64; i++ {
		rt.AddObject(obj, 0x100, 48)
		obj += 0x40
		rt.AddObject(obj, 0x101, 24)
		obj += 0x40
	}
	rt.AddObject(0x9000, 0x200, 16384)

	return rt, etwtest.NewChannel()
}

// scriptWorkload feeds the scripted allocations and one handle pair through
// the agent's runtime callbacks.
func scriptWorkload(a *agent.Agent, rt *clrtest.Runtime, allocs int) {
	for i := 0; i < allocs; i++ {
		a.ObjectAllocated(0x1000, 0x100)
		a.ObjectAllocated(0x1040, 0x101)
	}
	a.ObjectAllocated(0x9000, 0x200)

	a.HandleCreated(0x1, 0x1000)
	a.HandleDestroyed(0x1)

	rt.OnForceGC(func() {
		a.GCStarted([]bool{true, true, false}, clr.GCReasonInduced)
		a.RootReferences([]clr.ObjectID{0x1000, 0x9000}, []clr.RootKind{1, 2}, []clr.RootFlags{0, 0}, []uint64{1, 2})
		a.ObjectReference(0x1000, 0x100, []clr.ObjectID{0x1040})
		a.SurvivingReferences([]clr.ObjectID{0x1000}, []uint32{0x80})
		a.GCFinished()
	})
}

// printEvents summarizes the recorded stream: per-name counts in name order,
// then the first 20 events in emission order.
func printEvents(cmd *cobra.Command, events []etwtest.Event) {
	counts := make(map[string]int)
	for _, ev := range events {
		counts[ev.Name]++
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	cmd.Printf("recorded %d events\n", len(events))
	for _, name := range names {
		cmd.Printf("  %-28s %d\n", name, counts[name])
	}

	cmd.Println()
	cmd.Println("first 20 events:")
	for i, ev := range events {
		if i == 20 {
			break
		}
		cmd.Printf("  %2d %s %s\n", i, ev.Name, fieldSummary(ev))
	}
}

func fieldSummary(ev etwtest.Event) string {
	if len(ev.Fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Fields[k]))
	}
	return strings.Join(parts, " ")
}
