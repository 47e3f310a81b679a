// Package agent wires the debugger together and dispatches runtime
// lifecycle events to its parts.
package agent

import (
	"log/slog"
	"time"

	"github.com/snapdbg/agent/pkg/breakpoints"
	"github.com/snapdbg/agent/pkg/classcache"
	"github.com/snapdbg/agent/pkg/config"
	"github.com/snapdbg/agent/pkg/dynlog"
	"github.com/snapdbg/agent/pkg/eval"
	"github.com/snapdbg/agent/pkg/format"
	"github.com/snapdbg/agent/pkg/index"
	"github.com/snapdbg/agent/pkg/jvmti"
	"github.com/snapdbg/agent/pkg/locals"
	"github.com/snapdbg/agent/pkg/metrics"
	"github.com/snapdbg/agent/pkg/safecall"
	"github.com/snapdbg/agent/pkg/sched"
)

// classIndexer and breakpointsManager cover what the dispatcher needs
// from its two stateful collaborators.
type classIndexer interface {
	Initialize() error
	OnClassPrepare(cls *jvmti.ClassRef)
	Cleanup()
}

type breakpointsManager interface {
	SetActiveBreakpoints(defs []*breakpoints.Definition)
	OnBreakpoint(thread int64, m jvmti.MethodID, location int64)
	OnCompiledMethodUnload(m jvmti.MethodID)
	Cleanup()
}

// Debugger is the composition root of the agent and the receiver of
// every runtime event. Construct with New, call Initialize exactly
// once before the first event, Close on shutdown. Lifecycle misuse is
// a documented precondition, not checked at runtime.
type Debugger struct {
	log *slog.Logger

	callStack    eval.CallStackReader
	methodLocals *locals.MethodLocals
	indexer      classIndexer
	manager      breakpointsManager

	objectEvaluator *eval.ObjectEvaluator
	dynamicLog      *dynlog.Logger
}

// New wires the debugger. canary may be nil; every other collaborator
// is required.
func New(
	scheduler *sched.Scheduler,
	cfg *config.Config,
	callStack eval.CallStackReader,
	introspector jvmti.Introspector,
	policy locals.VisibilityPolicy,
	metadata eval.ClassMetadataReader,
	classLoader classcache.Loader,
	resolver breakpoints.CodeResolver,
	armer breakpoints.Armer,
	labelsFactory eval.LabelsFactory,
	queue *format.Queue,
	canary breakpoints.CanaryControl,
	log *slog.Logger,
) *Debugger {
	if log == nil {
		log = slog.Default()
	}

	indexer := index.New(introspector, log)
	methodLocals := locals.New(introspector, policy, log)
	objectEvaluator := eval.NewObjectEvaluator(indexer, metadata)
	classFiles := classcache.New(classLoader, cfg.ClassFilesCacheSize)
	dynamicLog := dynlog.New(log)

	evaluators := &eval.Evaluators{
		ClassIndexer:        indexer,
		CallStack:           callStack,
		MethodLocals:        methodLocals,
		ClassMetadataReader: metadata,
		ObjectEvaluator:     objectEvaluator,
		LabelsFactory:       labelsFactory,
		MethodCallerFactory: func(quotaType config.MethodCallQuotaType) *safecall.Caller {
			return safecall.NewCaller(cfg, quotaType, indexer, classFiles, log)
		},
	}

	factory := func(m *breakpoints.Manager, def *breakpoints.Definition) breakpoints.Breakpoint {
		return breakpoints.NewJvmBreakpoint(scheduler, evaluators, queue,
			dynamicLog, resolver, armer, m, def, log)
	}

	return &Debugger{
		log:             log,
		callStack:       callStack,
		methodLocals:    methodLocals,
		indexer:         indexer,
		manager:         breakpoints.NewManager(factory, canary, log),
		objectEvaluator: objectEvaluator,
		dynamicLog:      dynamicLog,
	}
}

// Initialize indexes already-loaded classes and prepares the
// evaluation machinery. Classes loaded afterwards arrive through
// OnClassPrepare.
func (d *Debugger) Initialize() error {
	start := time.Now()
	d.log.Info("initializing debugger")

	if err := d.indexer.Initialize(); err != nil {
		return err
	}
	d.objectEvaluator.Initialize()
	d.dynamicLog.Initialize()

	d.log.Info("debugger initialized", "elapsed", time.Since(start))
	return nil
}

// OnClassPrepare indexes the class and nothing else. This handler runs
// for every class load whether or not the debugger is in use, so the
// work here is strictly bounded.
func (d *Debugger) OnClassPrepare(thread int64, cls *jvmti.ClassRef) {
	defer d.recoverEvent("class prepare")
	start := time.Now()
	d.indexer.OnClassPrepare(cls)
	metrics.ObserveClassPrepare(time.Since(start))
}

// OnCompiledMethodUnload propagates the unload: the call stack model
// first, then the locals cache, then the breakpoints manager.
func (d *Debugger) OnCompiledMethodUnload(m jvmti.MethodID, codeAddr uintptr) {
	defer d.recoverEvent("method unload")
	d.callStack.OnCompiledMethodUnload(m)
	d.methodLocals.OnCompiledMethodUnload(m)
	d.manager.OnCompiledMethodUnload(m)
}

// OnBreakpoint delegates the hit to the breakpoints manager.
func (d *Debugger) OnBreakpoint(thread int64, m jvmti.MethodID, location int64) {
	defer d.recoverEvent("breakpoint")
	d.manager.OnBreakpoint(thread, m, location)
}

// SetActiveBreakpoints replaces the working set of breakpoints.
// Removed breakpoints are torn down by the manager.
func (d *Debugger) SetActiveBreakpoints(defs []*breakpoints.Definition) {
	d.manager.SetActiveBreakpoints(defs)
}

// Close tears the agent down: breakpoints first, then the index.
func (d *Debugger) Close() {
	d.manager.Cleanup()
	d.indexer.Cleanup()
}

// recoverEvent keeps a panicking handler from unwinding into the
// runtime's event thread.
func (d *Debugger) recoverEvent(event string) {
	if r := recover(); r != nil {
		d.log.Error("event handler panicked", "event", event, "panic", r)
	}
}
