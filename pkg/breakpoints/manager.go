package breakpoints

import (
	"log/slog"
	"sync"

	"github.com/snapdbg/agent/pkg/jvmti"
)

// Breakpoint is one armed (or arming) breakpoint. Implementations are
// created by the manager's factory and owned by the manager.
type Breakpoint interface {
	ID() string
	Definition() *Definition

	// Arm resolves the code location and installs the breakpoint,
	// deferring until class prepare when the class is not loaded yet.
	Arm()

	// OnHit runs the breakpoint's action. Called outside manager locks.
	OnHit(thread int64, method jvmti.MethodID, location int64)

	// Teardown disarms and releases resources. Idempotent.
	Teardown()
}

// Factory creates the evaluator for one definition. The manager is
// passed so the breakpoint can register its resolved location and
// complete itself.
type Factory func(m *Manager, def *Definition) Breakpoint

// CanaryControl gates arming of new breakpoints. Optional.
type CanaryControl interface {
	RegisterBreakpointCanary(id string) error
}

// Armer installs breakpoints into the observed runtime.
type Armer interface {
	SetBreakpoint(m jvmti.MethodID, location int64) error
	ClearBreakpoint(m jvmti.MethodID, location int64)
}

type locKey struct {
	method   jvmti.MethodID
	location int64
}

// Manager owns the working set of breakpoints and dispatches hits to
// them. Safe for concurrent use.
type Manager struct {
	factory Factory
	canary  CanaryControl
	log     *slog.Logger

	mu         sync.Mutex
	active     map[string]Breakpoint
	byLocation map[locKey]map[string]Breakpoint
}

// NewManager creates an empty manager. canary may be nil.
func NewManager(factory Factory, canary CanaryControl, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		factory:    factory,
		canary:     canary,
		log:        log,
		active:     make(map[string]Breakpoint),
		byLocation: make(map[locKey]map[string]Breakpoint),
	}
}

// SetActiveBreakpoints replaces the working set. Breakpoints absent
// from defs are torn down; new ones are created and armed. Unchanged
// IDs keep their existing state.
func (m *Manager) SetActiveBreakpoints(defs []*Definition) {
	wanted := make(map[string]*Definition, len(defs))
	for _, def := range defs {
		wanted[def.ID] = def
	}

	var removed, added []Breakpoint

	m.mu.Lock()
	for id, bp := range m.active {
		if _, ok := wanted[id]; !ok {
			removed = append(removed, bp)
			delete(m.active, id)
		}
	}
	for id, def := range wanted {
		if _, ok := m.active[id]; ok {
			continue
		}
		if m.canary != nil {
			if err := m.canary.RegisterBreakpointCanary(id); err != nil {
				m.log.Warn("breakpoint held back by canary control",
					"breakpoint_id", id, "error", err)
				continue
			}
		}
		bp := m.factory(m, def)
		m.active[id] = bp
		added = append(added, bp)
	}
	m.mu.Unlock()

	for _, bp := range removed {
		bp.Teardown()
	}
	for _, bp := range added {
		bp.Arm()
	}
}

// OnBreakpoint dispatches a hit to every breakpoint armed at the
// location. Unknown locations are ignored; the runtime may deliver
// events for breakpoints already torn down.
func (m *Manager) OnBreakpoint(thread int64, method jvmti.MethodID, location int64) {
	m.mu.Lock()
	var targets []Breakpoint
	for _, bp := range m.byLocation[locKey{method, location}] {
		targets = append(targets, bp)
	}
	m.mu.Unlock()

	for _, bp := range targets {
		m.dispatch(bp, thread, method, location)
	}
}

// dispatch shields the runtime's event thread from a panicking
// breakpoint action.
func (m *Manager) dispatch(bp Breakpoint, thread int64, method jvmti.MethodID, location int64) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("breakpoint action panicked",
				"breakpoint_id", bp.ID(), "panic", r)
		}
	}()
	bp.OnHit(thread, method, location)
}

// OnCompiledMethodUnload drops every location dispatch entry for the
// unloaded method and notifies the affected breakpoints.
func (m *Manager) OnCompiledMethodUnload(method jvmti.MethodID) {
	m.mu.Lock()
	var affected []Breakpoint
	for key, bps := range m.byLocation {
		if key.method != method {
			continue
		}
		for _, bp := range bps {
			affected = append(affected, bp)
		}
		delete(m.byLocation, key)
	}
	m.mu.Unlock()

	for _, bp := range affected {
		bp.Teardown()
	}
}

// RegisterLocation records a breakpoint's resolved code location for
// hit dispatch. Called by breakpoints from Arm.
func (m *Manager) RegisterLocation(bp Breakpoint, method jvmti.MethodID, location int64) {
	key := locKey{method, location}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byLocation[key] == nil {
		m.byLocation[key] = make(map[string]Breakpoint)
	}
	m.byLocation[key][bp.ID()] = bp
}

// UnregisterLocation removes a breakpoint's dispatch entry.
func (m *Manager) UnregisterLocation(bp Breakpoint, method jvmti.MethodID, location int64) {
	key := locKey{method, location}
	m.mu.Lock()
	defer m.mu.Unlock()
	if bps, ok := m.byLocation[key]; ok {
		delete(bps, bp.ID())
		if len(bps) == 0 {
			delete(m.byLocation, key)
		}
	}
}

// CompleteBreakpoint removes a finished breakpoint (snapshot captured
// or expired) and tears it down.
func (m *Manager) CompleteBreakpoint(id string) {
	m.mu.Lock()
	bp, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()

	if ok {
		bp.Teardown()
	}
}

// ActiveCount reports the number of breakpoints in the working set.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Cleanup tears down every breakpoint. Called during agent teardown,
// strictly before the class indexer is cleaned up.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	all := make([]Breakpoint, 0, len(m.active))
	for _, bp := range m.active {
		all = append(all, bp)
	}
	m.active = make(map[string]Breakpoint)
	m.byLocation = make(map[locKey]map[string]Breakpoint)
	m.mu.Unlock()

	for _, bp := range all {
		bp.Teardown()
	}
}
