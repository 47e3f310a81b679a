// Package eval defines the evaluator bundle shared by every
// breakpoint: the read-only set of collaborators a breakpoint needs to
// capture a snapshot. The bundle is assembled once by the orchestrator
// and never mutated afterwards.
package eval

import (
	"github.com/snapdbg/agent/pkg/config"
	"github.com/snapdbg/agent/pkg/index"
	"github.com/snapdbg/agent/pkg/jvmti"
	"github.com/snapdbg/agent/pkg/locals"
	"github.com/snapdbg/agent/pkg/safecall"
)

// FrameInfo identifies one frame of a captured call stack.
type FrameInfo struct {
	Method   jvmti.MethodID
	Class    string
	Name     string
	Location int64
}

// CallStackReader reads the call stack of a thread paused at a
// breakpoint. Implementations keep per-method state and must drop it
// on unload.
type CallStackReader interface {
	ReadCallStack(thread int64) ([]FrameInfo, error)
	OnCompiledMethodUnload(method jvmti.MethodID)
}

// ClassMetadataReader resolves class-level metadata (declared methods
// and their descriptors) for object evaluation and safe calls.
type ClassMetadataReader interface {
	// MethodDescriptor returns the descriptor of the named method, or
	// an error when the class or method is unknown.
	MethodDescriptor(className, methodName string) (string, error)
}

// LabelsProvider supplies environment labels attached to every
// snapshot of one breakpoint hit.
type LabelsProvider interface {
	Labels() map[string]string
}

// LabelsFactory creates a fresh provider per breakpoint hit.
type LabelsFactory func() LabelsProvider

// MethodCallerFactory creates a fresh sandboxed caller charged against
// the given quota bucket. Callers are single-use.
type MethodCallerFactory func(config.MethodCallQuotaType) *safecall.Caller

// Evaluators bundles the collaborators handed to each breakpoint.
type Evaluators struct {
	ClassIndexer        *index.ClassIndexer
	CallStack           CallStackReader
	MethodLocals        *locals.MethodLocals
	ClassMetadataReader ClassMetadataReader
	ObjectEvaluator     *ObjectEvaluator
	MethodCallerFactory MethodCallerFactory
	LabelsFactory       LabelsFactory
}
