// Package safecall executes method calls inside a sandbox during
// snapshot capture: bytecode is interpreted under a per-invocation
// quota, and any instruction that would mutate pre-existing program
// state is rejected. A fresh Caller is constructed for every
// evaluation; the parsed-class budget and instruction counter are not
// shared between invocations.
package safecall

import "errors"

// Sandbox violations and budget exhaustion.
var (
	// ErrSideEffect is returned when the evaluated code attempts to
	// mutate state that existed before the evaluation started.
	ErrSideEffect = errors.New("safecall: blocked side effect")

	// ErrQuotaExceeded is returned when the instruction, depth or
	// class-load budget runs out.
	ErrQuotaExceeded = errors.New("safecall: quota exceeded")

	// ErrUnsupported is returned for bytecode or callees outside the
	// safe subset.
	ErrUnsupported = errors.New("safecall: unsupported operation")
)

// ValueType tags a Value on the operand stack or in local variables.
type ValueType int

const (
	TypeInt ValueType = iota
	TypeLong
	TypeRef
	TypeNull
)

// Value represents a value on the operand stack or in local variables.
// Int carries both int and long payloads, distinguished by Type.
type Value struct {
	Type ValueType
	Int  int64
	Ref  any
}

// IntValue creates an int Value.
func IntValue(v int32) Value {
	return Value{Type: TypeInt, Int: int64(v)}
}

// LongValue creates a long Value.
func LongValue(v int64) Value {
	return Value{Type: TypeLong, Int: v}
}

// RefValue creates a reference Value.
func RefValue(ref any) Value {
	return Value{Type: TypeRef, Ref: ref}
}

// NullValue creates a null reference Value.
func NullValue() Value {
	return Value{Type: TypeNull}
}

// IsNull reports whether the value is a null reference.
func (v Value) IsNull() bool {
	return v.Type == TypeNull || (v.Type == TypeRef && v.Ref == nil)
}

// Object represents an object instance observed or created during an
// evaluation.
type Object struct {
	ClassName string
	Fields    map[string]Value
}

// NewObject creates an empty instance of the named class.
func NewObject(className string) *Object {
	return &Object{ClassName: className, Fields: make(map[string]Value)}
}

// Array represents a reference or primitive array.
type Array struct {
	Elements []Value
}
