package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nodesource/nsagent/internal/exitcoord"
	"github.com/nodesource/nsagent/internal/metrics"
	"github.com/nodesource/nsagent/internal/profile"
	"github.com/nodesource/nsagent/internal/runtime"
	"github.com/nodesource/nsagent/internal/tracing"
	"github.com/nodesource/nsagent/internal/transport/otlp"
	"github.com/nodesource/nsagent/internal/transport/statsdagent"
)

// Error kinds reported by agent operations.
var (
	ErrNotAlive        = runtime.ErrNotAlive
	ErrAlreadyRunning  = runtime.ErrAlreadyRunning
	ErrInvalid         = runtime.ErrInvalid
	ErrBusy            = runtime.ErrBusy
	ErrNotOwningThread = runtime.ErrNotOwningThread
)

// ErrorCode maps an error to its stable wire code.
func ErrorCode(err error) int { return runtime.ErrorCode(err) }

// Re-exported value kinds used across the API.
type (
	DatapointKind = metrics.DatapointKind
	Datapoint     = metrics.Datapoint
	SpanType      = tracing.SpanType
	SpanKind      = tracing.SpanKind
	SpanStor      = tracing.SpanStor
	StatusCode    = tracing.StatusCode
	EndReason     = tracing.EndReason
	ProcessStor   = metrics.ProcessStor
	ThreadStor    = metrics.ThreadStor
	StackFrame    = runtime.StackFrame
	ExitError     = exitcoord.ExitError
	GCKind        = runtime.GCKind
	ProfileSink   = profile.Sink
)

// Datapoint kinds.
const (
	KindDNS        = metrics.KindDNS
	KindHTTPClient = metrics.KindHTTPClient
	KindHTTPServer = metrics.KindHTTPServer
	KindGCRegular  = metrics.KindGCRegular
	KindGCForced   = metrics.KindGCForced
	KindGCFull     = metrics.KindGCFull
	KindGCMajor    = metrics.KindGCMajor
	KindGC         = metrics.KindGC
)

// Span types.
const (
	SpanNone       = tracing.SpanNone
	SpanDNS        = tracing.SpanDNS
	SpanGC         = tracing.SpanGC
	SpanHTTPClient = tracing.SpanHTTPClient
	SpanHTTPServer = tracing.SpanHTTPServer
	SpanCustom     = tracing.SpanCustom
)

// Span kinds.
const (
	KindInternal = tracing.KindInternal
	KindServer   = tracing.KindServer
	KindClient   = tracing.KindClient
	KindProducer = tracing.KindProducer
	KindConsumer = tracing.KindConsumer
)

// GC classifications.
const (
	GCRegular = runtime.GCRegular
	GCForced  = runtime.GCForced
	GCFull    = runtime.GCFull
	GCMajor   = runtime.GCMajor
)

// Options configures the agent.
type Options struct {
	Logger *slog.Logger
	// StatsdAddr, when set, configures the statsd transport at startup; the
	// `statsd` configuration option does the same at runtime.
	StatsdAddr string
	// OTLPAddr, when set, configures the OTLP exporter at startup.
	OTLPAddr string
	// ServiceName names this process in exported telemetry.
	ServiceName string
	// HandleSignals installs the POSIX signal handlers.
	HandleSignals bool
}

// Agent owns the service loop and every subsystem of the core.
type Agent struct {
	logger *slog.Logger
	loop   *runtime.Loop

	profiles *profile.Controller
	exit     *exitcoord.Coordinator

	procMetrics *metrics.ProcessMetrics

	mu          sync.Mutex
	statsd      *statsdagent.Agent
	otlp        *otlp.Exporter
	otlpHookID  uint64
	serviceName string

	emitStop chan struct{}
}

// New creates the agent core. Call Start before using it.
func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "nsolid-agent"
	}

	a := &Agent{
		logger:      logger,
		loop:        runtime.NewLoop(logger),
		exit:        exitcoord.NewCoordinator(logger),
		procMetrics: metrics.NewProcessMetrics(),
		serviceName: serviceName,
	}
	a.profiles = profile.NewController(a.loop)
	a.exit.SetProfileStopper(a.profiles.StopMainProfileSync)
	a.loop.SetTransportConfigurator(a.configureTransport)

	if opts.StatsdAddr != "" {
		a.statsdAgent().Setup(opts.StatsdAddr)
	}
	if opts.OTLPAddr != "" {
		a.setupOTLP(opts.OTLPAddr)
	}
	if opts.HandleSignals {
		a.exit.SetupSignalHandlers()
	}
	return a
}

// Start launches the service goroutine and the metrics emission cycle.
func (a *Agent) Start() {
	a.loop.Start()
	a.startMetricsEmitter()
	a.logger.Info("agent core started", "agent_id", a.loop.AgentID())
}

// Shutdown runs the exit sequence, force-completes pending spans and stops
// the service goroutine.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.exit.DoExit(false)
	a.stopMetricsEmitter()

	for _, inst := range a.loop.Registry().Snapshot() {
		a.loop.Registry().Remove(inst)
	}
	a.loop.Shutdown()

	a.mu.Lock()
	statsd := a.statsd
	otlpExp := a.otlp
	a.mu.Unlock()
	if statsd != nil {
		statsd.Close()
	}
	if otlpExp != nil {
		if err := otlpExp.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.exit.StopSignalHandlers()
	return nil
}

// AgentID returns the process-lifetime-unique agent identifier.
func (a *Agent) AgentID() string { return a.loop.AgentID() }

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// ---- configuration ----

// UpdateConfig applies a JSON merge-patch to the agent configuration.
func (a *Agent) UpdateConfig(patch any) error { return a.loop.UpdateConfig(patch) }

// ConfigSnapshot returns the current configuration JSON.
func (a *Agent) ConfigSnapshot() string { return a.loop.ConfigSnapshot() }

// ConfigVersion returns the current configuration version.
func (a *Agent) ConfigVersion() uint32 { return a.loop.ConfigVersion() }

// ---- exit coordination ----

// SetExitCode records the process exit code.
func (a *Agent) SetExitCode(code int) { a.exit.SetExitCode(code) }

// ExitCode returns the recorded exit code.
func (a *Agent) ExitCode() int { return a.exit.ExitCode() }

// SetExitError captures the final fatal error.
func (a *Agent) SetExitError(err error) { a.exit.SetExitError(err) }

// SaveExitError captures a pre-fatal error.
func (a *Agent) SaveExitError(err error) { a.exit.SaveExitError(err) }

// ClearSavedExitError clears the pre-fatal slot.
func (a *Agent) ClearSavedExitError() { a.exit.ClearSavedExitError() }

// GetExitError returns the active exit error, if any.
func (a *Agent) GetExitError() *ExitError { return a.exit.GetExitError() }

// RegisterAtExit adds a shutdown hook.
func (a *Agent) RegisterAtExit(fn exitcoord.AtExitFunc) {
	a.exit.RegisterAtExit(fn, nil, nil)
}

// ---- process metrics ----

// UpdateProcessMetrics recomputes the process-wide snapshot.
func (a *Agent) UpdateProcessMetrics() error { return a.procMetrics.Update() }

// ProcessMetrics returns the last process-wide snapshot.
func (a *Agent) ProcessMetrics() ProcessStor { return a.procMetrics.Get() }

// ProcessMetricsJSON returns the last process-wide snapshot as JSON.
func (a *Agent) ProcessMetricsJSON() (string, error) { return a.procMetrics.ToJSON() }

// ---- transports ----

func (a *Agent) statsdAgent() *statsdagent.Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.statsd == nil {
		a.statsd = statsdagent.NewAgent(a.logger)
	}
	return a.statsd
}

func (a *Agent) setupOTLP(addr string) {
	a.mu.Lock()
	if a.otlp == nil {
		a.otlp = otlp.NewExporter(a.serviceName, a.logger)
	}
	exp := a.otlp
	a.mu.Unlock()

	if err := exp.Setup(addr); err != nil {
		a.logger.Error("OTLP exporter setup failed", "endpoint", addr, "error", err)
		return
	}

	a.mu.Lock()
	needHook := a.otlpHookID == 0
	a.mu.Unlock()
	if needHook {
		id := a.loop.Assembler().AddHook(^uint32(0), func(stor tracing.SpanStor) {
			if err := exp.ExportSpan(stor); err != nil {
				a.logger.Debug("OTLP span export failed", "error", err)
			}
		})
		a.mu.Lock()
		a.otlpHookID = id
		a.mu.Unlock()
		a.loop.TraceFlagsChanged()
	}
}

// configureTransport reacts to transport-relevant configuration subtrees.
func (a *Agent) configureTransport(key string, value json.RawMessage) {
	switch key {
	case "statsd":
		var addr string
		if err := json.Unmarshal(value, &addr); err != nil {
			var obj struct {
				Addr string `json:"addr"`
			}
			if err := json.Unmarshal(value, &obj); err != nil || obj.Addr == "" {
				a.logger.Warn("unusable statsd configuration", "value", string(value))
				return
			}
			addr = obj.Addr
		}
		if err := a.statsdAgent().Setup(addr); err != nil {
			a.logger.Error("statsd setup failed", "addr", addr, "error", err)
		}
	case "statsdBucket":
		var bucket string
		if err := json.Unmarshal(value, &bucket); err == nil {
			a.statsdAgent().SetBucket(bucket)
		}
	case "statsdTags":
		var tags []string
		if err := json.Unmarshal(value, &tags); err == nil {
			a.statsdAgent().SetTags(tags)
		}
	case "otlp":
		var addr string
		if err := json.Unmarshal(value, &addr); err != nil {
			var obj struct {
				Endpoint string `json:"endpoint"`
			}
			if err := json.Unmarshal(value, &obj); err != nil || obj.Endpoint == "" {
				a.logger.Warn("unusable otlp configuration", "value", string(value))
				return
			}
			addr = obj.Endpoint
		}
		a.setupOTLP(addr)
	}
}

// ---- periodic metrics emission ----

// startMetricsEmitter drives the sampling cycle at the configured interval,
// shipping snapshots through the statsd transport when one is ready.
func (a *Agent) startMetricsEmitter() {
	a.mu.Lock()
	if a.emitStop != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.emitStop = stop
	a.mu.Unlock()

	var cycle func()
	cycle = func() {
		select {
		case <-stop:
			return
		default:
		}
		a.emitMetrics()
		a.loop.QueueAfter(a.loop.Interval(), cycle)
	}
	a.loop.QueueAfter(a.loop.Interval(), cycle)
}

func (a *Agent) stopMetricsEmitter() {
	a.mu.Lock()
	if a.emitStop != nil {
		close(a.emitStop)
		a.emitStop = nil
	}
	a.mu.Unlock()
}

func (a *Agent) emitMetrics() {
	if a.loop.PauseMetrics() {
		return
	}

	a.mu.Lock()
	statsd := a.statsd
	a.mu.Unlock()
	if statsd == nil {
		return
	}

	if err := a.procMetrics.Update(); err == nil {
		stor := a.procMetrics.Get()
		if err := statsd.SendProcessMetrics(&stor); err != nil {
			a.logger.Debug("process metrics emission failed", "error", err)
		}
	}

	for _, inst := range a.loop.Registry().Snapshot() {
		if inst.MetricsPaused() {
			continue
		}
		inst := inst
		err := runtime.Dispatch(inst, runtime.DispatchInterrupt, func(target *runtime.Inst) {
			stor := &metrics.ThreadStor{}
			if err := target.CollectThreadMetrics(stor); err != nil {
				return
			}
			a.loop.Queue(func() {
				if err := statsd.SendThreadMetrics(stor); err != nil {
					a.logger.Debug("thread metrics emission failed",
						"thread_id", stor.ThreadID, "error", err)
				}
			})
		})
		if err != nil {
			continue
		}
	}
}

// ---- misc passthroughs ----

// PopSpanID hands out a pre-generated span id.
func (a *Agent) PopSpanID() string { return a.loop.PopSpanID() }

// PopTraceID hands out a pre-generated trace id.
func (a *Agent) PopTraceID() string { return a.loop.PopTraceID() }

// Interval returns the configured metrics period.
func (a *Agent) Interval() time.Duration { return a.loop.Interval() }
