// Package agent implements the profiling agent: it attaches to the runtime,
// relays runtime callbacks onto the tracing channel, and follows the
// controller session's keyword selection through the control callback.
//
// A single mutex serializes the runtime callbacks and control transitions;
// the call-entry hook (CallEntered) is the exception and runs off the mutex.
// The metadata cache and sampler states rely on that mutex and carry no
// locking of their own.
package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/clrtrace/clrtrace/internal/agent/metadata"
	"github.com/clrtrace/clrtrace/internal/agent/metrics"
	"github.com/clrtrace/clrtrace/internal/agent/sampler"
	"github.com/clrtrace/clrtrace/internal/clr"
	"github.com/clrtrace/clrtrace/internal/constants"
	"github.com/clrtrace/clrtrace/internal/etw"
	"github.com/clrtrace/clrtrace/internal/safe"
)

// agentMask covers the event-mask bits the control callback may toggle while
// the session runs. Startup-only bits stay as set by Initialize.
const agentMask = clr.MonitorObjectAllocated | clr.MonitorModuleLoads | clr.MonitorGC

// instantiated enforces the one-agent-per-process rule: the runtime never
// loads two profilers, and the channel registration could not survive it.
var instantiated atomic.Bool

// Clock returns a millisecond tick counter for sampler bucket timing.
type Clock = metadata.Clock

// Options configures a new agent. The zero value of every field is usable.
type Options struct {
	Logger zerolog.Logger
	// Registry receives the agent's self-observation counters. Nil skips
	// registration.
	Registry prometheus.Registerer
	// Overlay tunes per-type force-keep thresholds. Nil applies defaults.
	Overlay *sampler.Overlay
	// StartupKeywords are the hint keywords read from the environment when
	// the agent is loaded at process start. They only influence Initialize.
	StartupKeywords etw.Keyword
	// Clock overrides the millisecond tick source (tests).
	Clock Clock
}

// Agent is the profiling agent instance. All exported callback methods
// correspond to runtime or channel callbacks and may be called from any
// thread.
type Agent struct {
	mu sync.Mutex

	info    clr.Info
	channel etw.Channel
	emitter etw.Emitter
	logger  zerolog.Logger
	metrics *metrics.Metrics
	cache   *metadata.Cache
	clock   Clock

	startupKeywords etw.Keyword

	gcCount         int
	currentKeywords etw.Keyword
	smartSampling   bool
	loadedAtStartup bool
	detaching       bool
	sentManifest    bool

	shutdownOnce sync.Once
	forcingGC    atomic.Bool

	callCountdown atomic.Int64
	callRate      int64
}

// New creates the agent and registers its provider on the channel. Only one
// agent may exist per process.
func New(info clr.Info, channel etw.Channel, opts Options) (*Agent, error) {
	if !instantiated.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInstantiated
	}

	clock := opts.Clock
	if clock == nil {
		clock = tickCount
	}

	a := &Agent{
		info:            info,
		channel:         channel,
		logger:          opts.Logger.With().Str("component", "agent").Logger(),
		clock:           clock,
		startupKeywords: opts.StartupKeywords,
	}
	a.metrics = metrics.New(opts.Registry)

	emitter, err := channel.Register(etw.ProviderID, a.handleControl)
	if err != nil {
		instantiated.Store(false)
		return nil, err
	}
	a.emitter = emitter
	a.cache = metadata.New(info, &countingEmitter{Emitter: emitter, metrics: a.metrics}, a.logger, clock, opts.Overlay)
	return a, nil
}

// Initialize completes attachment. attach is true when the agent was loaded
// into an already-running process; startup hints are ignored in that case
// because the runtime rejects the flags they would require.
func (a *Agent) Initialize(attach bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.loadedAtStartup = !attach

	mask, err := a.info.GetEventMask()
	if err != nil {
		return err
	}

	if a.loadedAtStartup {
		mask |= clr.MonitorModuleLoads | clr.EnableObjectAllocated

		hints := a.startupKeywords
		if hints.Any(etw.KeywordDisableInlining) {
			mask |= clr.DisableInlining
		}
		if hints.Any(etw.KeywordCall) {
			mask |= clr.MonitorEnterLeave
			if err := a.info.SetEnterLeaveHooks(a.CallEntered, nil, a.CallEntered); err != nil {
				return err
			}
			if hints.Any(etw.KeywordCallSampled) {
				a.callRate = constants.SampledCallRate
				a.callCountdown.Store(a.callRate)
			}
		}
	}

	if err := a.info.SetEventMask(mask); err != nil {
		return err
	}

	a.logger.Info().
		Bool("attach", attach).
		Str("event_mask", mask.String()).
		Msg("profiler initialized")
	return nil
}

// handleControl is the channel control callback. It runs on the channel's
// control thread, serialized against runtime callbacks by the agent mutex.
func (a *Agent) handleControl(req etw.ControlRequest) {
	switch req.Command {
	case etw.CommandEnable:
		a.enable(req.MatchAnyKeywords)
	case etw.CommandCaptureState:
		a.captureState(req.MatchAnyKeywords)
	case etw.CommandDisable:
		a.disable()
	default:
		a.logger.Warn().Int("command", int(req.Command)).Msg("unknown control command")
	}
}

// enable applies a session's keyword selection to the runtime event mask.
func (a *Agent) enable(keywords etw.Keyword) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.currentKeywords = keywords

	oldMask, err := a.info.GetEventMask()
	if err != nil {
		a.reportError(errCodeEventMask, "get event mask", err)
		return
	}

	newMask := (oldMask &^ agentMask) | clr.MonitorModuleLoads
	if keywords.Any(etw.KeywordGC | etw.KeywordGCHeap | etw.KeywordGCAlloc | etw.KeywordGCAllocSampled) {
		newMask |= clr.MonitorGC
	}
	if keywords.Any(etw.KeywordGCAlloc|etw.KeywordGCAllocSampled) && a.loadedAtStartup {
		newMask |= clr.MonitorObjectAllocated
		a.smartSampling = keywords.Any(etw.KeywordGCAllocSampled)
	}
	if keywords.Any(etw.KeywordCall) && a.loadedAtStartup {
		newMask |= clr.MonitorEnterLeave
	}

	// No manifest event is emitted. The flag is set here and cleared by
	// disable; nothing else reads it.
	a.sentManifest = true

	a.commitMask(oldMask, newMask)
	a.logger.Info().Str("keywords", keywords.String()).Msg("session enabled")
}

// captureState replays accumulated definitions and, when asked, walks the
// heap through a forced collection. Detach is honored last so the capture
// completes on the wire first.
func (a *Agent) captureState(keywords etw.Keyword) {
	a.emitter.CaptureStateStart()
	a.metrics.EventsEmitted.WithLabelValues("CaptureStateStart").Inc()

	if keywords.Any(etw.KeywordGCHeap) {
		a.forceGC()
	}
	if keywords.Any(etw.KeywordGC) {
		a.mu.Lock()
		a.cache.DumpAll()
		a.mu.Unlock()
	}

	a.emitter.CaptureStateStop()
	a.metrics.EventsEmitted.WithLabelValues("CaptureStateStop").Inc()

	if keywords.Any(etw.KeywordDetach) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.loadedAtStartup {
			a.logger.Warn().Msg("detach requested but profiler was loaded at startup")
			return
		}
		if a.detaching {
			return
		}
		a.detaching = true
		if err := a.info.RequestDetach(safe.DurationToUint32MS(constants.DetachTimeout)); err != nil {
			a.reportError(errCodeDetach, "request detach", err)
			a.detaching = false
		}
	}
}

// disable ends the session: definitions are dropped so the next session
// redefines them, and the toggleable mask bits are cleared.
func (a *Agent) disable() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.cache.Clear(); err != nil {
		a.logger.Warn().Err(err).Msg("metadata release failed")
	}
	a.sentManifest = false
	a.currentKeywords = 0

	oldMask, err := a.info.GetEventMask()
	if err != nil {
		a.reportError(errCodeEventMask, "get event mask", err)
		return
	}
	a.commitMask(oldMask, oldMask&^agentMask)
	a.logger.Info().Msg("session disabled")
}

// commitMask writes the new event mask unless nothing changed or a detach is
// in flight, where the runtime rejects further mask writes.
func (a *Agent) commitMask(oldMask, newMask clr.EventMask) {
	if newMask == oldMask || a.detaching {
		return
	}
	if err := a.info.SetEventMask(newMask); err != nil {
		a.reportError(errCodeEventMask, "set event mask", err)
	}
}

// reportError logs err and surfaces it on the wire as a ProfilerError event.
func (a *Agent) reportError(code uint32, op string, err error) {
	a.logger.Error().Err(err).Str("op", op).Msg("profiler error")
	a.emitter.ProfilerError(code, op+": "+err.Error())
	a.metrics.EventsEmitted.WithLabelValues("ProfilerError").Inc()
	a.metrics.Errors.Inc()
}

// DetachSucceeded is the runtime callback confirming a requested detach.
func (a *Agent) DetachSucceeded() {
	a.Shutdown()
}

// Shutdown tears the agent down: it announces the shutdown, unregisters the
// provider, releases cached metadata, and frees the runtime interface.
// Safe to call more than once.
func (a *Agent) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		a.emitter.ProfilerShutdown()
		a.metrics.EventsEmitted.WithLabelValues("ProfilerShutdown").Inc()

		if err := a.channel.Unregister(); err != nil {
			a.logger.Warn().Err(err).Msg("channel unregister failed")
		}
		if err := a.cache.Clear(); err != nil {
			a.logger.Warn().Err(err).Msg("metadata release failed")
		}
		a.info.Release()
		instantiated.Store(false)
		a.logger.Info().Msg("profiler shut down")
	})
}

// Keywords returns the active session's keyword selection.
func (a *Agent) Keywords() etw.Keyword {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentKeywords
}

// SmartSampling reports whether the adaptive sampler filters allocations.
func (a *Agent) SmartSampling() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.smartSampling
}

func tickCount() int32 {
	return int32(time.Now().UnixMilli())
}

// countingEmitter counts the cache's definition events on behalf of the
// agent metrics.
type countingEmitter struct {
	etw.Emitter
	metrics *metrics.Metrics
}

func (e *countingEmitter) ClassIDDefinition(classID clr.ClassID, token clr.TypeDefToken, flags uint32, moduleID clr.ModuleID, name string) {
	e.Emitter.ClassIDDefinition(classID, token, flags, moduleID, name)
	e.metrics.EventsEmitted.WithLabelValues("ClassIDDefinition").Inc()
}

func (e *countingEmitter) ModuleIDDefinition(moduleID clr.ModuleID, assemblyID clr.AssemblyID, path string) {
	e.Emitter.ModuleIDDefinition(moduleID, assemblyID, path)
	e.metrics.EventsEmitted.WithLabelValues("ModuleIDDefinition").Inc()
}
