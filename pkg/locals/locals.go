// Package locals maintains the per-method cache of debug metadata:
// local-variable slot layout plus a synthesized receiver
// pseudo-variable. Entries are extracted lazily from the runtime's
// introspection surface and memoized until the method's compiled code
// is unloaded.
package locals

import (
	"log/slog"
	"sync"

	"github.com/snapdbg/agent/pkg/jvmti"
)

// VisibilityPolicy decides whether local variables of a method may be
// shown to the debugger at all. Consulted once per cache miss.
type VisibilityPolicy interface {
	IsLocalVariablesVisible(cls *jvmti.ClassRef, m jvmti.MethodID) bool
}

// Entry holds everything the capture path needs to know about one
// method's locals. Entries are immutable after construction and safe
// for concurrent shared reads; handles obtained from the cache remain
// valid even after the entry is evicted on method unload.
type Entry struct {
	// LocalInstance reads the implicit "this" reference. Nil for
	// static methods and when the method's class could not be resolved.
	LocalInstance *VariableReader

	// Locals are the slot-table rows in table order. Empty when the
	// class carries no debug information, the method is native, or the
	// visibility policy withheld them.
	Locals []*VariableReader
}

// MethodLocals is the lazily populated, concurrency-safe cache of
// method Entries. Many readers may look up concurrently; extraction on
// a miss runs outside any lock so a slow introspection query never
// blocks unrelated lookups.
type MethodLocals struct {
	introspector jvmti.Introspector
	policy       VisibilityPolicy
	log          *slog.Logger

	mu         sync.RWMutex
	methodVars map[jvmti.MethodID]*Entry
}

// New creates an empty cache. policy may be nil, in which case all
// local variables are visible.
func New(in jvmti.Introspector, policy VisibilityPolicy, log *slog.Logger) *MethodLocals {
	if log == nil {
		log = slog.Default()
	}
	return &MethodLocals{
		introspector: in,
		policy:       policy,
		log:          log,
		methodVars:   make(map[jvmti.MethodID]*Entry),
	}
}

// OnCompiledMethodUnload evicts the method's cached entry. Entry
// handles already held by in-flight captures stay valid.
func (ml *MethodLocals) OnCompiledMethodUnload(m jvmti.MethodID) {
	ml.mu.Lock()
	delete(ml.methodVars, m)
	ml.mu.Unlock()
}

// GetLocalVariables returns the method's Entry, extracting and caching
// it on first use. The result is never nil. On a transient
// introspection failure it returns a fresh empty entry without caching
// it, so the next call retries the extraction; permanent "no debug
// info" outcomes are cached as valid empty entries.
func (ml *MethodLocals) GetLocalVariables(m jvmti.MethodID) *Entry {
	// Case 1: the local variables table is cached for this method.
	ml.mu.RLock()
	entry, ok := ml.methodVars[m]
	ml.mu.RUnlock()
	if ok {
		return entry
	}

	// Case 2: extract it, without holding any lock.
	loaded, err := ml.loadEntry(m)
	if err != nil {
		// Transient failure: hand the caller an empty entry but leave
		// the cache untouched so a later call retries from scratch.
		return &Entry{}
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()

	// Another goroutine may have extracted the same method while we
	// were outside the lock; its entry wins and ours is discarded.
	if winner, ok := ml.methodVars[m]; ok {
		return winner
	}
	ml.methodVars[m] = loaded
	return loaded
}

// loadEntry performs the extraction. A returned error is by definition
// transient; permanent absence of debug information produces a valid
// (possibly empty) entry and a nil error.
func (ml *MethodLocals) loadEntry(m jvmti.MethodID) (*Entry, error) {
	entry := &Entry{}

	// Fetch the class in which the method is defined.
	cls, err := ml.introspector.MethodDeclaringClass(m)
	if err != nil {
		ml.log.Error("MethodDeclaringClass failed", "method", m, "error", err)
		return nil, err // retry the operation in the future
	}
	defer cls.Release()

	// Load information about the local instance (the "this" pointer).
	entry.LocalInstance = ml.loadLocalInstance(cls, m)

	if ml.policy != nil && !ml.policy.IsLocalVariablesVisible(cls, m) {
		// The policy for this method is not to show local variables.
		return entry, nil
	}

	table, err := ml.introspector.LocalVariableTable(m)
	if err != nil {
		if !jvmti.IsPermanentAbsence(err) {
			ml.log.Error("local variables table is not available", "method", m, "error", err)
			return nil, err // retry the operation in the future
		}
		// The class carries no debugging information or the method is
		// native. Still worth caching so the table is not requested
		// again for this method.
		return entry, nil
	}
	defer table.Release()

	rows := table.Rows()

	// Figure out how many slots are used for arguments, to distinguish
	// arguments from local variables.
	var argumentsSize int32
	if len(rows) > 0 {
		argumentsSize, err = ml.introspector.ArgumentsSize(m)
		if err != nil {
			ml.log.Error("ArgumentsSize failed, assuming all entries are locals",
				"method", m, "error", err)
			argumentsSize = 0
		}
	}

	entry.Locals = make([]*VariableReader, 0, len(rows))
	for _, row := range rows {
		entry.Locals = append(entry.Locals,
			newVariableReader(row, row.Slot < argumentsSize))
	}

	return entry, nil
}

// loadLocalInstance synthesizes the receiver descriptor for instance
// methods. The receiver always occupies slot 0 and is valid across the
// entire method body, so it is built here rather than read from the
// slot table. Returns nil for static methods and on any query failure.
func (ml *MethodLocals) loadLocalInstance(cls *jvmti.ClassRef, m jvmti.MethodID) *VariableReader {
	modifiers, err := ml.introspector.MethodModifiers(m)
	if err != nil {
		ml.log.Error("MethodModifiers failed", "method", m, "error", err)
		return nil
	}
	if modifiers&jvmti.AccStatic != 0 {
		return nil // no local instance for static methods
	}

	signature, generic, err := ml.introspector.ClassSignature(cls)
	if err != nil {
		ml.log.Error("ClassSignature failed", "method", m, "error", err)
		return nil
	}

	// The receiver is reported as an argument rather than a local.
	return newVariableReader(jvmti.LocalVariable{
		Name:             "this",
		Signature:        signature,
		GenericSignature: generic,
		StartLocation:    0,
		Length:           -1, // available everywhere
		Slot:             0,
	}, true)
}
