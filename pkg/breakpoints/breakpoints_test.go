package breakpoints

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapdbg/agent/pkg/config"
	"github.com/snapdbg/agent/pkg/dynlog"
	"github.com/snapdbg/agent/pkg/eval"
	"github.com/snapdbg/agent/pkg/format"
	"github.com/snapdbg/agent/pkg/index"
	"github.com/snapdbg/agent/pkg/jvmti"
	"github.com/snapdbg/agent/pkg/locals"
	"github.com/snapdbg/agent/pkg/safecall"
	"github.com/snapdbg/agent/pkg/sched"
)

// --- fakes ---

type fakeIntrospector struct {
	classes map[jvmti.MethodID]string // method -> declaring class
	static  map[jvmti.MethodID]bool
	rows    map[jvmti.MethodID][]jvmti.LocalVariable
	args    map[jvmti.MethodID]int32
}

func (f *fakeIntrospector) MethodDeclaringClass(m jvmti.MethodID) (*jvmti.ClassRef, error) {
	name, ok := f.classes[m]
	if !ok {
		return nil, jvmti.ErrInvalidMethodID
	}
	return jvmti.NewClassRef(name, nil), nil
}

func (f *fakeIntrospector) LocalVariableTable(m jvmti.MethodID) (*jvmti.VariableTable, error) {
	rows, ok := f.rows[m]
	if !ok {
		return nil, jvmti.ErrAbsentInformation
	}
	return jvmti.NewVariableTable(rows, nil), nil
}

func (f *fakeIntrospector) ArgumentsSize(m jvmti.MethodID) (int32, error) {
	return f.args[m], nil
}

func (f *fakeIntrospector) MethodModifiers(m jvmti.MethodID) (int32, error) {
	if f.static[m] {
		return jvmti.AccStatic, nil
	}
	return 0, nil
}

func (f *fakeIntrospector) ClassSignature(c *jvmti.ClassRef) (string, string, error) {
	return "L" + c.Name() + ";", "", nil
}

func (f *fakeIntrospector) LoadedClasses() ([]*jvmti.ClassRef, error) {
	return nil, nil
}

type fakeCallStack struct {
	frames []eval.FrameInfo
	err    error
}

func (f *fakeCallStack) ReadCallStack(int64) ([]eval.FrameInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.frames, nil
}
func (f *fakeCallStack) OnCompiledMethodUnload(jvmti.MethodID) {}

type fakeResolver struct {
	locations map[string]struct {
		method   jvmti.MethodID
		location int64
	}
	lines map[jvmti.MethodID]int
}

func (f *fakeResolver) ResolveLine(className string, line int) (jvmti.MethodID, int64, error) {
	loc, ok := f.locations[fmt.Sprintf("%s:%d", className, line)]
	if !ok {
		return 0, 0, errors.New("no code at line")
	}
	return loc.method, loc.location, nil
}

func (f *fakeResolver) LineForLocation(m jvmti.MethodID, _ int64) int {
	if line, ok := f.lines[m]; ok {
		return line
	}
	return -1
}

type fakeArmer struct {
	mu      sync.Mutex
	set     int
	cleared int
}

func (f *fakeArmer) SetBreakpoint(jvmti.MethodID, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set++
	return nil
}

func (f *fakeArmer) ClearBreakpoint(jvmti.MethodID, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

type fakeMetadata struct{}

func (fakeMetadata) MethodDescriptor(className, methodName string) (string, error) {
	return "", fmt.Errorf("unknown method %s.%s", className, methodName)
}

// stubBreakpoint records lifecycle calls for manager tests.
type stubBreakpoint struct {
	def  *Definition
	mu   sync.Mutex
	arms int
	tear int
	hits int
}

func (s *stubBreakpoint) ID() string              { return s.def.ID }
func (s *stubBreakpoint) Definition() *Definition { return s.def }
func (s *stubBreakpoint) Arm()                    { s.mu.Lock(); s.arms++; s.mu.Unlock() }
func (s *stubBreakpoint) Teardown()               { s.mu.Lock(); s.tear++; s.mu.Unlock() }
func (s *stubBreakpoint) OnHit(int64, jvmti.MethodID, int64) {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *stubBreakpoint) counts() (arms, tear, hits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arms, s.tear, s.hits
}

// --- harness for jvmBreakpoint tests ---

type harness struct {
	indexer   *fakeIntrospector
	ix        *index.ClassIndexer
	mgr       *Manager
	queue     *format.Queue
	scheduler *sched.Scheduler
	resolver  *fakeResolver
	armer     *fakeArmer
	callStack *fakeCallStack
	logBuf    *bytes.Buffer
}

const greetMethod = jvmti.MethodID(100)

func newHarness(t *testing.T) *harness {
	t.Helper()

	in := &fakeIntrospector{
		classes: map[jvmti.MethodID]string{greetMethod: "example/Greeter"},
		static:  map[jvmti.MethodID]bool{},
		rows: map[jvmti.MethodID][]jvmti.LocalVariable{
			greetMethod: {
				{Name: "name", Signature: "Ljava/lang/String;", Slot: 1, Length: -1},
				{Name: "count", Signature: "I", Slot: 2, Length: -1},
			},
		},
		args: map[jvmti.MethodID]int32{greetMethod: 2},
	}

	h := &harness{
		indexer: in,
		ix:      index.New(in, nil),
		queue:   format.NewQueue(100),
		resolver: &fakeResolver{
			locations: map[string]struct {
				method   jvmti.MethodID
				location int64
			}{
				"example/Greeter:42": {greetMethod, 8},
			},
			lines: map[jvmti.MethodID]int{greetMethod: 42},
		},
		armer: &fakeArmer{},
		callStack: &fakeCallStack{frames: []eval.FrameInfo{
			{Method: greetMethod, Class: "example/Greeter", Name: "greet", Location: 8},
		}},
		logBuf: &bytes.Buffer{},
	}
	h.scheduler = sched.New(nil)
	t.Cleanup(h.scheduler.Close)

	dyn := dynlog.New(slog.New(slog.NewJSONHandler(h.logBuf, nil)))
	dyn.Initialize()

	evaluators := &eval.Evaluators{
		ClassIndexer:        h.ix,
		CallStack:           h.callStack,
		MethodLocals:        locals.New(in, nil, nil),
		ClassMetadataReader: fakeMetadata{},
		ObjectEvaluator:     eval.NewObjectEvaluator(h.ix, fakeMetadata{}),
		MethodCallerFactory: func(q config.MethodCallQuotaType) *safecall.Caller {
			return safecall.NewCaller(config.Default(), q, h.ix, nil, nil)
		},
	}
	evaluators.ObjectEvaluator.Initialize()

	h.mgr = NewManager(func(m *Manager, def *Definition) Breakpoint {
		return NewJvmBreakpoint(h.scheduler, evaluators, h.queue, dyn,
			h.resolver, h.armer, m, def, nil)
	}, nil, nil)

	return h
}

func (h *harness) prepareGreeter() {
	h.ix.OnClassPrepare(jvmti.NewClassRef("example/Greeter", nil))
}

// --- tests ---

func TestParseDefinitions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		defs, err := ParseDefinitions([]byte(`{"breakpoints": [
			{"class": "example/Greeter", "line": 42}
		]}`))
		require.NoError(t, err)
		require.Len(t, defs, 1)
		assert.NotEmpty(t, defs[0].ID, "missing IDs are generated")
		assert.Equal(t, ActionCapture, defs[0].Action)
		assert.Zero(t, defs[0].ExpireAfter)
	})

	t.Run("full definition", func(t *testing.T) {
		defs, err := ParseDefinitions([]byte(`{"breakpoints": [
			{"id": "bp-1", "class": "example/Stats", "line": 7, "action": "LOG",
			 "log_message": "hit", "watches": ["example/Stats.total"],
			 "expire_seconds": 600}
		]}`))
		require.NoError(t, err)
		require.Len(t, defs, 1)
		assert.Equal(t, "bp-1", defs[0].ID)
		assert.Equal(t, ActionLog, defs[0].Action)
		assert.Equal(t, []string{"example/Stats.total"}, defs[0].Watches)
		assert.Equal(t, 10*time.Minute, defs[0].ExpireAfter)
	})

	t.Run("rejects missing class", func(t *testing.T) {
		_, err := ParseDefinitions([]byte(`{"breakpoints": [{"line": 42}]}`))
		assert.Error(t, err)
	})

	t.Run("rejects bad action", func(t *testing.T) {
		_, err := ParseDefinitions([]byte(`{"breakpoints": [
			{"class": "example/Greeter", "line": 1, "action": "EXPLODE"}
		]}`))
		assert.Error(t, err)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := ParseDefinitions([]byte(`{`))
		assert.Error(t, err)
	})
}

func TestSetActiveBreakpointsDiff(t *testing.T) {
	stubs := make(map[string]*stubBreakpoint)
	mgr := NewManager(func(m *Manager, def *Definition) Breakpoint {
		s := &stubBreakpoint{def: def}
		stubs[def.ID] = s
		return s
	}, nil, nil)

	a := &Definition{ID: "a", ClassName: "example/A", Line: 1, Action: ActionCapture}
	b := &Definition{ID: "b", ClassName: "example/B", Line: 2, Action: ActionCapture}
	c := &Definition{ID: "c", ClassName: "example/C", Line: 3, Action: ActionCapture}

	mgr.SetActiveBreakpoints([]*Definition{a, b})
	assert.Equal(t, 2, mgr.ActiveCount())

	mgr.SetActiveBreakpoints([]*Definition{b, c})
	assert.Equal(t, 2, mgr.ActiveCount())

	arms, tear, _ := stubs["a"].counts()
	assert.Equal(t, 1, arms)
	assert.Equal(t, 1, tear, "removed breakpoint must be torn down")

	arms, tear, _ = stubs["b"].counts()
	assert.Equal(t, 1, arms, "unchanged breakpoint must not be re-armed")
	assert.Zero(t, tear)

	arms, _, _ = stubs["c"].counts()
	assert.Equal(t, 1, arms)
}

func TestCanaryHoldsBackArming(t *testing.T) {
	blocked := canaryFunc(func(id string) error {
		if id == "blocked" {
			return errors.New("canary says no")
		}
		return nil
	})
	mgr := NewManager(func(m *Manager, def *Definition) Breakpoint {
		return &stubBreakpoint{def: def}
	}, blocked, nil)

	mgr.SetActiveBreakpoints([]*Definition{
		{ID: "ok", ClassName: "example/A", Line: 1, Action: ActionCapture},
		{ID: "blocked", ClassName: "example/B", Line: 2, Action: ActionCapture},
	})
	assert.Equal(t, 1, mgr.ActiveCount())
}

type canaryFunc func(string) error

func (f canaryFunc) RegisterBreakpointCanary(id string) error { return f(id) }

func TestDispatchByLocation(t *testing.T) {
	mgr := NewManager(func(m *Manager, def *Definition) Breakpoint {
		return &stubBreakpoint{def: def}
	}, nil, nil)

	s := &stubBreakpoint{def: &Definition{ID: "x"}}
	mgr.RegisterLocation(s, jvmti.MethodID(5), 10)

	mgr.OnBreakpoint(1, jvmti.MethodID(5), 10)
	mgr.OnBreakpoint(1, jvmti.MethodID(5), 99) // different offset
	mgr.OnBreakpoint(1, jvmti.MethodID(6), 10) // different method

	_, _, hits := s.counts()
	assert.Equal(t, 1, hits)

	mgr.UnregisterLocation(s, jvmti.MethodID(5), 10)
	mgr.OnBreakpoint(1, jvmti.MethodID(5), 10)
	_, _, hits = s.counts()
	assert.Equal(t, 1, hits)
}

func TestCaptureOnHit(t *testing.T) {
	h := newHarness(t)
	h.prepareGreeter()

	h.mgr.SetActiveBreakpoints([]*Definition{
		{ID: "bp-1", ClassName: "example/Greeter", Line: 42, Action: ActionCapture},
	})
	require.Equal(t, 1, h.mgr.ActiveCount())
	assert.Equal(t, 1, h.armer.set)

	h.mgr.OnBreakpoint(7, greetMethod, 8)

	snaps := h.queue.Drain()
	require.Len(t, snaps, 1)
	snap := snaps[0]
	assert.Equal(t, "bp-1", snap.BreakpointID)
	assert.Equal(t, int64(7), snap.Thread)
	require.Len(t, snap.Stack, 1)
	assert.Equal(t, "example/Greeter", snap.Stack[0].Class)
	assert.Equal(t, 42, snap.Stack[0].Line)

	// receiver plus the two table rows
	require.Len(t, snap.Stack[0].Locals, 3)
	assert.Equal(t, "this", snap.Stack[0].Locals[0].Name)
	assert.True(t, snap.Stack[0].Locals[0].Argument)
	assert.Equal(t, "count", snap.Stack[0].Locals[2].Name)
	assert.False(t, snap.Stack[0].Locals[2].Argument, "slot 2 is beyond the 2 argument slots")

	// snapshot breakpoints are one-shot
	assert.Zero(t, h.mgr.ActiveCount())
	assert.Equal(t, 1, h.armer.cleared)

	h.mgr.OnBreakpoint(7, greetMethod, 8)
	assert.Zero(t, h.queue.Len(), "completed breakpoint must not capture again")
}

func TestCaptureFailureCompletesWithoutSnapshot(t *testing.T) {
	h := newHarness(t)
	h.prepareGreeter()
	h.callStack.err = errors.New("stack walk failed")

	h.mgr.SetActiveBreakpoints([]*Definition{
		{ID: "bp-1", ClassName: "example/Greeter", Line: 42, Action: ActionCapture},
	})
	require.Equal(t, 1, h.mgr.ActiveCount())

	h.mgr.OnBreakpoint(7, greetMethod, 8)

	assert.Zero(t, h.queue.Len(), "a failed capture must not enqueue a snapshot")
	assert.Zero(t, h.mgr.ActiveCount(), "a failed capture still completes the breakpoint")
	assert.Equal(t, 1, h.armer.cleared)
}

func TestLogpointStaysArmed(t *testing.T) {
	h := newHarness(t)
	h.prepareGreeter()

	h.mgr.SetActiveBreakpoints([]*Definition{
		{ID: "lp-1", ClassName: "example/Greeter", Line: 42, Action: ActionLog,
			LogMessage: "greeted"},
	})

	h.mgr.OnBreakpoint(1, greetMethod, 8)
	h.mgr.OnBreakpoint(2, greetMethod, 8)

	assert.Equal(t, 1, h.mgr.ActiveCount(), "logpoints stay armed")
	assert.Zero(t, h.queue.Len(), "logpoints never enqueue snapshots")
	assert.Equal(t, 2, bytes.Count(h.logBuf.Bytes(), []byte("greeted")))
}

func TestDeferredArmOnClassPrepare(t *testing.T) {
	h := newHarness(t)
	// class intentionally not prepared yet

	h.mgr.SetActiveBreakpoints([]*Definition{
		{ID: "bp-1", ClassName: "example/Greeter", Line: 42, Action: ActionCapture},
	})
	assert.Zero(t, h.armer.set, "arming must wait for class prepare")

	h.mgr.OnBreakpoint(1, greetMethod, 8)
	assert.Zero(t, h.queue.Len())

	h.prepareGreeter()
	assert.Equal(t, 1, h.armer.set)

	h.mgr.OnBreakpoint(1, greetMethod, 8)
	assert.Equal(t, 1, h.queue.Len())
}

func TestExpiration(t *testing.T) {
	h := newHarness(t)
	h.prepareGreeter()

	h.mgr.SetActiveBreakpoints([]*Definition{
		{ID: "bp-1", ClassName: "example/Greeter", Line: 42, Action: ActionCapture,
			ExpireAfter: 20 * time.Millisecond},
	})
	require.Equal(t, 1, h.mgr.ActiveCount())

	assert.Eventually(t, func() bool {
		return h.mgr.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)

	h.mgr.OnBreakpoint(1, greetMethod, 8)
	assert.Zero(t, h.queue.Len(), "expired breakpoint must not capture")
}

func TestUnloadTearsDownArmed(t *testing.T) {
	h := newHarness(t)
	h.prepareGreeter()

	h.mgr.SetActiveBreakpoints([]*Definition{
		{ID: "bp-1", ClassName: "example/Greeter", Line: 42, Action: ActionCapture},
	})

	h.mgr.OnCompiledMethodUnload(greetMethod)
	assert.Equal(t, 1, h.armer.cleared)

	h.mgr.OnBreakpoint(1, greetMethod, 8)
	assert.Zero(t, h.queue.Len())
}

func TestWatcherAppliesFileChanges(t *testing.T) {
	h := newHarness(t)
	h.prepareGreeter()

	dir := t.TempDir()
	path := filepath.Join(dir, "breakpoints.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"breakpoints": [
		{"id": "bp-1", "class": "example/Greeter", "line": 42}
	]}`), 0o644))

	w, err := NewWatcher(path, h.mgr, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 1, h.mgr.ActiveCount(), "initial load applies immediately")

	require.NoError(t, os.WriteFile(path, []byte(`{"breakpoints": []}`), 0o644))
	assert.Eventually(t, func() bool {
		return h.mgr.ActiveCount() == 0
	}, 2*time.Second, 20*time.Millisecond)

	// a broken file keeps the previous (empty) set
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, h.mgr.ActiveCount())
}
