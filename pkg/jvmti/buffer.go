package jvmti

import "sync/atomic"

// ClassRef is a scoped reference to a runtime-owned class. The runtime
// keeps the class pinned while references to it are outstanding, so a
// leaked reference accumulates for the lifetime of the observed
// process. Release is idempotent and must run on every exit path:
//
//	cls, err := in.MethodDeclaringClass(m)
//	if err != nil {
//		return err
//	}
//	defer cls.Release()
type ClassRef struct {
	name     string
	released atomic.Bool
	onFree   func()
}

// NewClassRef builds a reference for a runtime implementation. onFree
// runs exactly once, on the first Release.
func NewClassRef(name string, onFree func()) *ClassRef {
	return &ClassRef{name: name, onFree: onFree}
}

// Name returns the fully qualified class name ("java/lang/String").
func (c *ClassRef) Name() string { return c.name }

// Released reports whether the reference has been released.
func (c *ClassRef) Released() bool { return c.released.Load() }

// Release returns the reference to the runtime.
func (c *ClassRef) Release() {
	if c.released.CompareAndSwap(false, true) && c.onFree != nil {
		c.onFree()
	}
}

// VariableTable is a scoped buffer holding a method's local-variable
// slot table. The backing storage is owned by the runtime until
// Release is called; callers that need the rows beyond the buffer's
// lifetime must copy them first.
type VariableTable struct {
	rows     []LocalVariable
	released atomic.Bool
	onFree   func()
}

// NewVariableTable builds a scoped table for a runtime implementation.
func NewVariableTable(rows []LocalVariable, onFree func()) *VariableTable {
	return &VariableTable{rows: rows, onFree: onFree}
}

// Rows returns the slot-table rows. The slice is invalid after Release.
func (t *VariableTable) Rows() []LocalVariable { return t.rows }

// Release returns the buffer to the runtime. Idempotent.
func (t *VariableTable) Release() {
	if t.released.CompareAndSwap(false, true) {
		t.rows = nil
		if t.onFree != nil {
			t.onFree()
		}
	}
}

// ReleaseAll releases every reference in refs. Convenient for the
// LoadedClasses result:
//
//	classes, err := in.LoadedClasses()
//	if err != nil {
//		return err
//	}
//	defer jvmti.ReleaseAll(classes)
func ReleaseAll(refs []*ClassRef) {
	for _, r := range refs {
		r.Release()
	}
}
