// Package jvmti defines the introspection surface the agent uses to
// query the observed runtime: opaque method identifiers, scoped class
// references, local-variable tables and the error taxonomy that
// separates permanent "no information" outcomes from transient
// failures worth retrying.
package jvmti

import "errors"

// MethodID is an opaque, runtime-scoped handle naming a loaded method.
// It is stable until the method's compiled code is unloaded; after an
// unload event the runtime may recycle the value.
type MethodID uint64

// Method access flags, as defined by the class file format.
const (
	AccPublic = 0x0001
	AccStatic = 0x0008
	AccFinal  = 0x0010
	AccNative = 0x0100
)

// Permanent introspection outcomes. These are not failures: the runtime
// declares that the requested information does not exist and never will
// for this method. Callers cache them. Any other error from an
// Introspector call is transient and should be retried on a later call.
var (
	ErrAbsentInformation = errors.New("jvmti: absent information")
	ErrNativeMethod      = errors.New("jvmti: native method")
	ErrInvalidMethodID   = errors.New("jvmti: invalid method id")
	ErrInvalidClassRef   = errors.New("jvmti: invalid class reference")
)

// IsPermanentAbsence reports whether err is one of the cacheable
// "no debug information" outcomes rather than a transient failure.
func IsPermanentAbsence(err error) bool {
	return errors.Is(err, ErrAbsentInformation) || errors.Is(err, ErrNativeMethod)
}

// LocalVariable is one row of a method's local-variable slot table as
// reported by the runtime's debug information.
type LocalVariable struct {
	Name             string
	Signature        string
	GenericSignature string
	// StartLocation is the first bytecode offset at which the variable
	// holds a value. Length is the number of offsets it stays valid for;
	// -1 means the variable is valid across the entire method body.
	StartLocation int64
	Length        int32
	Slot          int32
}

// CoversEntireMethod reports whether the variable is valid at every
// bytecode offset of its method.
func (v *LocalVariable) CoversEntireMethod() bool {
	return v.StartLocation == 0 && v.Length < 0
}

// Introspector is the query surface of the observed runtime. All calls
// are safe for concurrent use. Calls taking a MethodID fail with
// ErrInvalidMethodID once the method's compiled code has been unloaded.
type Introspector interface {
	// MethodDeclaringClass resolves the class that defines the method.
	// The returned reference must be released by the caller.
	MethodDeclaringClass(m MethodID) (*ClassRef, error)

	// LocalVariableTable returns the method's slot table as a scoped
	// buffer the caller must release. Fails with ErrAbsentInformation
	// when the class was compiled without debug info and with
	// ErrNativeMethod for methods that have no bytecode.
	LocalVariableTable(m MethodID) (*VariableTable, error)

	// ArgumentsSize returns the number of local slots consumed by the
	// method's formal parameters, including the receiver slot for
	// instance methods. Wide types consume two slots; the value is
	// runtime-reported and callers must not recompute it.
	ArgumentsSize(m MethodID) (int32, error)

	// MethodModifiers returns the method's access flags.
	MethodModifiers(m MethodID) (int32, error)

	// ClassSignature returns the JNI type signature of the class and
	// its generic signature ("" when absent).
	ClassSignature(c *ClassRef) (signature, generic string, err error)

	// LoadedClasses returns references to every class currently loaded
	// in the runtime. Each reference must be released by the caller.
	LoadedClasses() ([]*ClassRef, error)
}

// EventHandler receives runtime lifecycle callbacks. Implementations
// must not panic back into the runtime and must tolerate concurrent
// invocation from arbitrary runtime threads.
type EventHandler interface {
	// OnClassPrepare fires for every class the runtime finishes loading.
	// The reference is owned by the runtime for the duration of the call.
	OnClassPrepare(thread int64, cls *ClassRef)

	// OnBreakpoint fires when an armed bytecode location is reached.
	OnBreakpoint(thread int64, m MethodID, location int64)

	// OnCompiledMethodUnload fires when a method's compiled code is
	// discarded; after all handlers return the MethodID may be recycled.
	OnCompiledMethodUnload(m MethodID, codeAddr uintptr)
}
