package localvm

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/snapdbg/agent/pkg/classfile"
	"github.com/snapdbg/agent/pkg/eval"
	"github.com/snapdbg/agent/pkg/jvmti"
)

type loadedClass struct {
	name    string
	file    *classfile.ClassFile
	methods []jvmti.MethodID // declaration order
}

type loadedMethod struct {
	id    jvmti.MethodID
	class *loadedClass
	info  *classfile.MethodInfo
}

type frame struct {
	method   jvmti.MethodID
	location int64
}

type armKey struct {
	method   jvmti.MethodID
	location int64
}

// Runtime is a local stand-in for an observed JVM. Classes come from a
// Loader, method identifiers are allocated at load time and recycled
// on unload, and threads are modeled as explicit frame stacks driven
// by EnterMethod / AdvanceTo / LeaveMethod. Every lifecycle transition
// is fanned out to the attached event handler.
//
// All methods are safe for concurrent use. Outstanding class
// references and variable-table buffers are counted so tests can
// assert that the agent releases everything it takes.
type Runtime struct {
	loader Loader
	log    *slog.Logger

	mu      sync.Mutex
	classes map[string]*loadedClass
	methods map[jvmti.MethodID]*loadedMethod
	stacks  map[int64][]frame
	armed   map[armKey]struct{}
	nextID  uint64
	handler jvmti.EventHandler

	live atomic.Int64
}

// New creates an empty runtime backed by loader.
func New(loader Loader, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		loader:  loader,
		log:     log,
		classes: make(map[string]*loadedClass),
		methods: make(map[jvmti.MethodID]*loadedMethod),
		stacks:  make(map[int64][]frame),
		armed:   make(map[armKey]struct{}),
	}
}

// SetEventHandler attaches the agent. Events fired before a handler is
// set are dropped.
func (rt *Runtime) SetEventHandler(h jvmti.EventHandler) {
	rt.mu.Lock()
	rt.handler = h
	rt.mu.Unlock()
}

// OutstandingRefs returns the number of class references and
// variable-table buffers handed out and not yet released.
func (rt *Runtime) OutstandingRefs() int64 {
	return rt.live.Load()
}

func (rt *Runtime) newClassRef(name string) *jvmti.ClassRef {
	rt.live.Add(1)
	return jvmti.NewClassRef(name, func() { rt.live.Add(-1) })
}

// LoadClass loads and registers the named class, firing the
// class-prepare event. Loading an already-loaded class is a no-op.
func (rt *Runtime) LoadClass(name string) error {
	data, err := rt.loader.ClassBytes(name)
	if err != nil {
		return err
	}
	cf, err := classfile.Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("localvm: parsing %s: %w", name, err)
	}

	rt.mu.Lock()
	if _, ok := rt.classes[name]; ok {
		rt.mu.Unlock()
		return nil
	}
	cls := &loadedClass{name: name, file: cf}
	for i := range cf.Methods {
		rt.nextID++
		id := jvmti.MethodID(rt.nextID)
		rt.methods[id] = &loadedMethod{id: id, class: cls, info: &cf.Methods[i]}
		cls.methods = append(cls.methods, id)
	}
	rt.classes[name] = cls
	handler := rt.handler
	rt.mu.Unlock()

	rt.log.Debug("class loaded", "class", name, "methods", len(cls.methods))
	if handler != nil {
		ref := rt.newClassRef(name)
		handler.OnClassPrepare(0, ref)
		ref.Release()
	}
	return nil
}

// UnloadMethod discards the method's identifier, clears any armed
// locations in it and fires the unload event. The identifier is
// invalid afterwards.
func (rt *Runtime) UnloadMethod(m jvmti.MethodID) {
	rt.mu.Lock()
	lm, ok := rt.methods[m]
	if !ok {
		rt.mu.Unlock()
		return
	}
	delete(rt.methods, m)
	for k := range rt.armed {
		if k.method == m {
			delete(rt.armed, k)
		}
	}
	handler := rt.handler
	rt.mu.Unlock()

	rt.log.Debug("method unloaded", "class", lm.class.name, "method", lm.info.Name)
	if handler != nil {
		handler.OnCompiledMethodUnload(m, 0)
	}
}

// MethodByName returns the identifier of the named method, for driving
// threads from tests and tooling.
func (rt *Runtime) MethodByName(className, methodName string) (jvmti.MethodID, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cls, ok := rt.classes[className]
	if !ok {
		return 0, fmt.Errorf("localvm: class %s not loaded", className)
	}
	for _, id := range cls.methods {
		if rt.methods[id].info.Name == methodName {
			return id, nil
		}
	}
	return 0, fmt.Errorf("localvm: method %s.%s not found", className, methodName)
}

// ClassMethods returns the identifiers of the class's methods in
// declaration order.
func (rt *Runtime) ClassMethods(className string) ([]jvmti.MethodID, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cls, ok := rt.classes[className]
	if !ok {
		return nil, fmt.Errorf("localvm: class %s not loaded", className)
	}
	out := make([]jvmti.MethodID, len(cls.methods))
	copy(out, cls.methods)
	return out, nil
}

// LineOffsets returns the bytecode offset of each line-table entry of
// the method, in table order. Nil for native methods and methods
// compiled without line numbers.
func (rt *Runtime) LineOffsets(m jvmti.MethodID) []int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	lm, ok := rt.methods[m]
	if !ok || lm.info.Code == nil {
		return nil
	}
	offsets := make([]int64, 0, len(lm.info.Code.LineNumbers))
	for _, ln := range lm.info.Code.LineNumbers {
		offsets = append(offsets, int64(ln.StartPC))
	}
	return offsets
}

// EnterMethod pushes a frame for m at bytecode offset 0 on the given
// thread and dispatches a breakpoint hit if offset 0 is armed.
func (rt *Runtime) EnterMethod(thread int64, m jvmti.MethodID) error {
	rt.mu.Lock()
	if _, ok := rt.methods[m]; !ok {
		rt.mu.Unlock()
		return jvmti.ErrInvalidMethodID
	}
	rt.stacks[thread] = append(rt.stacks[thread], frame{method: m})
	handler, hit := rt.armedHitLocked(m, 0)
	rt.mu.Unlock()

	if hit {
		handler.OnBreakpoint(thread, m, 0)
	}
	return nil
}

// AdvanceTo moves the thread's top frame to the given bytecode offset
// and dispatches a breakpoint hit if the offset is armed.
func (rt *Runtime) AdvanceTo(thread int64, location int64) error {
	rt.mu.Lock()
	stack := rt.stacks[thread]
	if len(stack) == 0 {
		rt.mu.Unlock()
		return fmt.Errorf("localvm: thread %d has no frames", thread)
	}
	top := &stack[len(stack)-1]
	top.location = location
	m := top.method
	handler, hit := rt.armedHitLocked(m, location)
	rt.mu.Unlock()

	if hit {
		handler.OnBreakpoint(thread, m, location)
	}
	return nil
}

// LeaveMethod pops the thread's top frame.
func (rt *Runtime) LeaveMethod(thread int64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	stack := rt.stacks[thread]
	if n := len(stack); n > 0 {
		rt.stacks[thread] = stack[:n-1]
	}
}

func (rt *Runtime) armedHitLocked(m jvmti.MethodID, location int64) (jvmti.EventHandler, bool) {
	if rt.handler == nil {
		return nil, false
	}
	_, hit := rt.armed[armKey{method: m, location: location}]
	return rt.handler, hit
}

// MethodDeclaringClass implements jvmti.Introspector.
func (rt *Runtime) MethodDeclaringClass(m jvmti.MethodID) (*jvmti.ClassRef, error) {
	rt.mu.Lock()
	lm, ok := rt.methods[m]
	rt.mu.Unlock()
	if !ok {
		return nil, jvmti.ErrInvalidMethodID
	}
	return rt.newClassRef(lm.class.name), nil
}

// LocalVariableTable implements jvmti.Introspector. The returned rows
// are assembled from the class file's debug attributes; a row whose
// scope spans the whole body is reported with Length -1.
func (rt *Runtime) LocalVariableTable(m jvmti.MethodID) (*jvmti.VariableTable, error) {
	rt.mu.Lock()
	lm, ok := rt.methods[m]
	rt.mu.Unlock()
	if !ok {
		return nil, jvmti.ErrInvalidMethodID
	}
	if lm.info.IsNative() {
		return nil, jvmti.ErrNativeMethod
	}
	code := lm.info.Code
	if code == nil || len(code.LocalVariables) == 0 {
		return nil, jvmti.ErrAbsentInformation
	}

	generic := make(map[uint32]string, len(code.LocalVariableTypes))
	for _, e := range code.LocalVariableTypes {
		generic[uint32(e.Slot)<<16|uint32(e.StartPC)] = e.Signature
	}

	rows := make([]jvmti.LocalVariable, 0, len(code.LocalVariables))
	for _, e := range code.LocalVariables {
		row := jvmti.LocalVariable{
			Name:             e.Name,
			Signature:        e.Signature,
			GenericSignature: generic[uint32(e.Slot)<<16|uint32(e.StartPC)],
			StartLocation:    int64(e.StartPC),
			Length:           int32(e.Length),
			Slot:             int32(e.Slot),
		}
		if e.StartPC == 0 && int(e.Length) >= len(code.Code) {
			row.Length = -1
		}
		rows = append(rows, row)
	}

	rt.live.Add(1)
	return jvmti.NewVariableTable(rows, func() { rt.live.Add(-1) }), nil
}

// ArgumentsSize implements jvmti.Introspector.
func (rt *Runtime) ArgumentsSize(m jvmti.MethodID) (int32, error) {
	rt.mu.Lock()
	lm, ok := rt.methods[m]
	rt.mu.Unlock()
	if !ok {
		return 0, jvmti.ErrInvalidMethodID
	}
	return classfile.ArgumentSlotCount(lm.info.Descriptor, lm.info.IsStatic())
}

// MethodModifiers implements jvmti.Introspector.
func (rt *Runtime) MethodModifiers(m jvmti.MethodID) (int32, error) {
	rt.mu.Lock()
	lm, ok := rt.methods[m]
	rt.mu.Unlock()
	if !ok {
		return 0, jvmti.ErrInvalidMethodID
	}
	return int32(lm.info.AccessFlags), nil
}

// ClassSignature implements jvmti.Introspector.
func (rt *Runtime) ClassSignature(c *jvmti.ClassRef) (string, string, error) {
	if c == nil || c.Released() {
		return "", "", jvmti.ErrInvalidClassRef
	}
	return "L" + c.Name() + ";", "", nil
}

// LoadedClasses implements jvmti.Introspector.
func (rt *Runtime) LoadedClasses() ([]*jvmti.ClassRef, error) {
	rt.mu.Lock()
	names := make([]string, 0, len(rt.classes))
	for name := range rt.classes {
		names = append(names, name)
	}
	rt.mu.Unlock()

	refs := make([]*jvmti.ClassRef, 0, len(names))
	for _, name := range names {
		refs = append(refs, rt.newClassRef(name))
	}
	return refs, nil
}

// ReadCallStack implements eval.CallStackReader. Frames are returned
// innermost first.
func (rt *Runtime) ReadCallStack(thread int64) ([]eval.FrameInfo, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	stack := rt.stacks[thread]
	frames := make([]eval.FrameInfo, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		lm, ok := rt.methods[stack[i].method]
		if !ok {
			continue // method unloaded under the frame
		}
		frames = append(frames, eval.FrameInfo{
			Method:   stack[i].method,
			Class:    lm.class.name,
			Name:     lm.info.Name,
			Location: stack[i].location,
		})
	}
	return frames, nil
}

// OnCompiledMethodUnload implements eval.CallStackReader: frames for
// the unloaded method are dropped from every thread.
func (rt *Runtime) OnCompiledMethodUnload(m jvmti.MethodID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for thread, stack := range rt.stacks {
		kept := stack[:0]
		for _, f := range stack {
			if f.method != m {
				kept = append(kept, f)
			}
		}
		rt.stacks[thread] = kept
	}
}

// ResolveLine implements breakpoints.CodeResolver.
func (rt *Runtime) ResolveLine(className string, line int) (jvmti.MethodID, int64, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cls, ok := rt.classes[className]
	if !ok {
		return 0, 0, fmt.Errorf("localvm: class %s not loaded", className)
	}
	for _, id := range cls.methods {
		code := rt.methods[id].info.Code
		if code == nil {
			continue
		}
		if off := code.OffsetForLine(line); off >= 0 {
			return id, off, nil
		}
	}
	return 0, 0, fmt.Errorf("localvm: no code at %s:%d", className, line)
}

// LineForLocation implements breakpoints.CodeResolver.
func (rt *Runtime) LineForLocation(m jvmti.MethodID, location int64) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	lm, ok := rt.methods[m]
	if !ok || lm.info.Code == nil {
		return -1
	}
	return lm.info.Code.LineForOffset(location)
}

// SetBreakpoint implements breakpoints.Armer.
func (rt *Runtime) SetBreakpoint(m jvmti.MethodID, location int64) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.methods[m]; !ok {
		return jvmti.ErrInvalidMethodID
	}
	rt.armed[armKey{method: m, location: location}] = struct{}{}
	return nil
}

// ClearBreakpoint implements breakpoints.Armer.
func (rt *Runtime) ClearBreakpoint(m jvmti.MethodID, location int64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.armed, armKey{method: m, location: location})
}

// ArmedCount returns the number of armed bytecode locations.
func (rt *Runtime) ArmedCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.armed)
}

// MethodDescriptor implements eval.ClassMetadataReader.
func (rt *Runtime) MethodDescriptor(className, methodName string) (string, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cls, ok := rt.classes[className]
	if !ok {
		return "", fmt.Errorf("localvm: class %s not loaded", className)
	}
	info := cls.file.FindMethodByName(methodName)
	if info == nil {
		return "", fmt.Errorf("localvm: method %s.%s not found", className, methodName)
	}
	return info.Descriptor, nil
}

// ClassBytes implements the class-bytes loader surface by delegating
// to the runtime's own loader, so the runtime can serve as the class
// file source for safe-call evaluation.
func (rt *Runtime) ClassBytes(name string) ([]byte, error) {
	return rt.loader.ClassBytes(name)
}
