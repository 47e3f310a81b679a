package locals

import "github.com/snapdbg/agent/pkg/jvmti"

// VariableReader describes one local-variable slot of a method: where
// it lives, what type it holds and over which bytecode range it is
// valid. Capture code uses it to decide which frame slots to read.
// Readers are immutable once built.
type VariableReader struct {
	Variable jvmti.LocalVariable

	// Argument distinguishes formal parameters (and the receiver) from
	// true locals. Derived by comparing the slot index against the
	// runtime-reported argument slot count.
	Argument bool
}

// newVariableReader builds a reader for one slot-table row.
func newVariableReader(v jvmti.LocalVariable, argument bool) *VariableReader {
	return &VariableReader{Variable: v, Argument: argument}
}

// Name returns the variable's source name.
func (r *VariableReader) Name() string { return r.Variable.Name }

// Signature returns the variable's JNI type signature.
func (r *VariableReader) Signature() string { return r.Variable.Signature }

// Slot returns the local-variable slot index.
func (r *VariableReader) Slot() int32 { return r.Variable.Slot }

// IsDefinedAt reports whether the variable holds a valid value at the
// given bytecode offset.
func (r *VariableReader) IsDefinedAt(offset int64) bool {
	if r.Variable.Length < 0 {
		return true // valid across the entire method body
	}
	return offset >= r.Variable.StartLocation &&
		offset < r.Variable.StartLocation+int64(r.Variable.Length)
}
