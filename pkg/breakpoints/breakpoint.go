package breakpoints

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

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

// CodeResolver maps between source lines and bytecode locations.
type CodeResolver interface {
	// ResolveLine returns the method and bytecode offset of the first
	// instruction attributed to the line.
	ResolveLine(className string, line int) (jvmti.MethodID, int64, error)

	// LineForLocation returns the source line at a bytecode offset, or
	// -1 when unknown.
	LineForLocation(m jvmti.MethodID, location int64) int
}

// jvmBreakpoint is the standard Breakpoint implementation: it resolves
// its definition to a code location, captures a snapshot (or emits a
// log statement) on hit, and expires on a scheduler deadline.
type jvmBreakpoint struct {
	def        *Definition
	scheduler  *sched.Scheduler
	evaluators *eval.Evaluators
	queue      *format.Queue
	dynamicLog *dynlog.Logger
	resolver   CodeResolver
	armer      Armer
	mgr        *Manager
	log        *slog.Logger
	hitLog     *slog.Logger

	mu       sync.Mutex
	armed    bool
	done     bool
	method   jvmti.MethodID
	location int64
	expireID sched.ID
	classSub *index.Subscription
}

// NewJvmBreakpoint creates the standard breakpoint evaluator. armer
// may be nil when the runtime delivers events without explicit arming.
func NewJvmBreakpoint(
	scheduler *sched.Scheduler,
	evaluators *eval.Evaluators,
	queue *format.Queue,
	dynamicLog *dynlog.Logger,
	resolver CodeResolver,
	armer Armer,
	mgr *Manager,
	def *Definition,
	log *slog.Logger,
) Breakpoint {
	if log == nil {
		log = slog.Default()
	}
	return &jvmBreakpoint{
		def:        def,
		scheduler:  scheduler,
		evaluators: evaluators,
		queue:      queue,
		dynamicLog: dynamicLog,
		resolver:   resolver,
		armer:      armer,
		mgr:        mgr,
		log:        log.With("breakpoint_id", def.ID),
		hitLog:     dynamicLog.ForBreakpoint(def.ID, def.ClassName, def.Line),
	}
}

func (bp *jvmBreakpoint) ID() string              { return bp.def.ID }
func (bp *jvmBreakpoint) Definition() *Definition { return bp.def }

// Arm resolves the definition to a code location. When the target
// class has not been prepared yet, arming is retried from the class
// indexer's prepare notification.
func (bp *jvmBreakpoint) Arm() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if bp.armed || bp.done {
		return
	}

	if bp.expireID == 0 && bp.def.ExpireAfter > 0 {
		bp.expireID = bp.scheduler.Schedule(bp.def.ExpireAfter, bp.expire)
	}

	if _, ok := bp.evaluators.ClassIndexer.FindClassByName(bp.def.ClassName); !ok {
		if bp.classSub == nil {
			bp.classSub = bp.evaluators.ClassIndexer.SubscribeClassPrepared(
				bp.def.ClassName, bp.Arm)
			bp.log.Debug("target class not loaded, arming deferred",
				"class", bp.def.ClassName)
		}
		return
	}

	method, location, err := bp.resolver.ResolveLine(bp.def.ClassName, bp.def.Line)
	if err != nil {
		bp.log.Error("breakpoint location could not be resolved",
			"class", bp.def.ClassName, "line", bp.def.Line, "error", err)
		return
	}

	if bp.armer != nil {
		if err := bp.armer.SetBreakpoint(method, location); err != nil {
			bp.log.Error("runtime rejected breakpoint", "error", err)
			return
		}
	}

	bp.method = method
	bp.location = location
	bp.armed = true
	bp.mgr.RegisterLocation(bp, method, location)
	metrics.BreakpointArmed(1)

	if bp.classSub != nil {
		bp.evaluators.ClassIndexer.Unsubscribe(bp.classSub)
		bp.classSub = nil
	}
	bp.log.Info("breakpoint armed",
		"class", bp.def.ClassName, "line", bp.def.Line, "location", location)
}

// OnHit runs the breakpoint's action.
func (bp *jvmBreakpoint) OnHit(thread int64, method jvmti.MethodID, location int64) {
	bp.mu.Lock()
	if !bp.armed || bp.done {
		bp.mu.Unlock()
		return
	}
	bp.mu.Unlock()

	start := time.Now()
	watches := bp.evaluateWatches()

	if bp.def.Action == ActionLog {
		bp.dynamicLog.Emit(bp.hitLog, bp.def.LogMessage, watches)
		metrics.CountBreakpointHit(metrics.ResultLogged)
		return
	}

	snap := &format.Snapshot{
		BreakpointID: bp.def.ID,
		Thread:       thread,
		CapturedAt:   time.Now(),
		Watches:      watches,
	}
	if bp.evaluators.LabelsFactory != nil {
		if snap.Watches == nil {
			snap.Watches = make(map[string]string)
		}
		for k, v := range bp.evaluators.LabelsFactory().Labels() {
			snap.Watches["label:"+k] = v
		}
	}
	if err := bp.captureStack(snap, thread); err != nil {
		bp.log.Error("snapshot capture failed", "error", err)
		metrics.CountBreakpointHit(metrics.ResultError)
		bp.mgr.CompleteBreakpoint(bp.def.ID)
		return
	}

	bp.queue.Enqueue(snap)
	metrics.ObserveCapture(time.Since(start))
	metrics.CountBreakpointHit(metrics.ResultCaptured)

	// snapshot breakpoints are one-shot
	bp.mgr.CompleteBreakpoint(bp.def.ID)
}

func (bp *jvmBreakpoint) captureStack(snap *format.Snapshot, thread int64) error {
	frames, err := bp.evaluators.CallStack.ReadCallStack(thread)
	if err != nil {
		return fmt.Errorf("reading call stack: %w", err)
	}

	for _, fr := range frames {
		sf := format.StackFrame{
			Class:  fr.Class,
			Method: fr.Name,
			Line:   bp.resolver.LineForLocation(fr.Method, fr.Location),
		}

		entry := bp.evaluators.MethodLocals.GetLocalVariables(fr.Method)
		if entry.LocalInstance != nil {
			sf.Locals = append(sf.Locals, readerVariable(entry.LocalInstance))
		}
		for _, r := range entry.Locals {
			if !r.IsDefinedAt(fr.Location) {
				continue
			}
			sf.Locals = append(sf.Locals, readerVariable(r))
		}
		snap.Stack = append(snap.Stack, sf)
	}
	return nil
}

func readerVariable(r *locals.VariableReader) format.Variable {
	return format.Variable{
		Name:     r.Name(),
		Type:     r.Signature(),
		Argument: r.Argument,
	}
}

// evaluateWatches runs each watch through a fresh sandboxed caller.
func (bp *jvmBreakpoint) evaluateWatches() map[string]string {
	if len(bp.def.Watches) == 0 {
		return nil
	}
	out := make(map[string]string, len(bp.def.Watches))
	for _, watch := range bp.def.Watches {
		out[watch] = bp.evaluateWatch(watch)
	}
	return out
}

func (bp *jvmBreakpoint) evaluateWatch(watch string) string {
	dot := strings.LastIndexByte(watch, '.')
	if dot <= 0 || dot == len(watch)-1 {
		return "<error: watch must be Class.method>"
	}
	className, methodName := watch[:dot], watch[dot+1:]

	descriptor, err := bp.evaluators.ClassMetadataReader.MethodDescriptor(className, methodName)
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}

	caller := bp.evaluators.MethodCallerFactory(config.QuotaExpression)
	result, err := caller.InvokeStatic(className, methodName, descriptor, nil)
	if err != nil {
		if errors.Is(err, safecall.ErrQuotaExceeded) {
			metrics.CountQuotaExhausted(config.QuotaExpression.String())
		}
		return fmt.Sprintf("<error: %v>", err)
	}
	return bp.evaluators.ObjectEvaluator.Evaluate(result)
}

// expire runs on the scheduler when the breakpoint outlives its
// deadline unhit.
func (bp *jvmBreakpoint) expire() {
	bp.log.Info("breakpoint expired", "after", bp.def.ExpireAfter)
	metrics.CountBreakpointHit(metrics.ResultExpired)
	bp.mgr.CompleteBreakpoint(bp.def.ID)
}

// Teardown disarms the breakpoint. Idempotent; called by the manager
// on removal, completion, unload and agent shutdown.
func (bp *jvmBreakpoint) Teardown() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if bp.done {
		return
	}
	bp.done = true

	if bp.expireID != 0 {
		bp.scheduler.Cancel(bp.expireID)
	}
	if bp.classSub != nil {
		bp.evaluators.ClassIndexer.Unsubscribe(bp.classSub)
		bp.classSub = nil
	}
	if bp.armed {
		if bp.armer != nil {
			bp.armer.ClearBreakpoint(bp.method, bp.location)
		}
		bp.mgr.UnregisterLocation(bp, bp.method, bp.location)
		metrics.BreakpointArmed(-1)
		bp.armed = false
	}
}
