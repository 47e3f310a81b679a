package safecall

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/snapdbg/agent/pkg/classcache"
	"github.com/snapdbg/agent/pkg/classfile"
	"github.com/snapdbg/agent/pkg/config"
	"github.com/snapdbg/agent/pkg/index"
)

// Caller is a single-use sandboxed method invoker. It is constructed
// per evaluation, charged against one quota bucket, and must not be
// shared between goroutines. The class-files cache and the indexer are
// shared with every other caller; the instruction counter, the
// parsed-class budget and the taint set are private.
type Caller struct {
	quotaType config.MethodCallQuotaType
	quota     config.MethodCallQuota
	indexer   *index.ClassIndexer
	classes   *classcache.Cache
	log       *slog.Logger

	instructions int64
	depth        int
	parsed       map[string]*classfile.ClassFile

	// created holds every object and array allocated during this
	// evaluation. Writes are legal only against members of this set.
	created map[any]struct{}
}

// NewCaller builds a caller bound to the given quota bucket. indexer
// may be nil, in which case the loaded-class check is skipped.
func NewCaller(cfg *config.Config, quotaType config.MethodCallQuotaType,
	indexer *index.ClassIndexer, classes *classcache.Cache, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		quotaType: quotaType,
		quota:     cfg.GetQuota(quotaType),
		indexer:   indexer,
		classes:   classes,
		log:       log,
		parsed:    make(map[string]*classfile.ClassFile),
		created:   make(map[any]struct{}),
	}
}

// InstructionsUsed reports the bytecode instructions consumed so far.
func (c *Caller) InstructionsUsed() int64 { return c.instructions }

// InvokeStatic runs a static method of the named class.
func (c *Caller) InvokeStatic(className, methodName, descriptor string, args []Value) (Value, error) {
	return c.invoke(className, methodName, descriptor, nil, args)
}

// Invoke runs an instance method with the given receiver.
func (c *Caller) Invoke(className, methodName, descriptor string, recv Value, args []Value) (Value, error) {
	return c.invoke(className, methodName, descriptor, &recv, args)
}

func (c *Caller) invoke(className, methodName, descriptor string, recv *Value, args []Value) (Value, error) {
	if fn, ok := intrinsics[intrinsicKey(className, methodName, descriptor)]; ok {
		r := NullValue()
		if recv != nil {
			r = *recv
		}
		return fn(c, r, args)
	}

	cf, err := c.resolveClass(className)
	if err != nil {
		return Value{}, err
	}

	method := cf.FindMethod(methodName, descriptor)
	if method == nil {
		return Value{}, fmt.Errorf("safecall: method %s.%s:%s not found", className, methodName, descriptor)
	}

	full := args
	if recv != nil {
		full = make([]Value, 0, len(args)+1)
		full = append(full, *recv)
		full = append(full, args...)
	}
	return c.executeMethod(cf, method, full)
}

// markCreated adds a freshly allocated object or array to the taint
// set, making it writable for the rest of the evaluation.
func (c *Caller) markCreated(ref any) {
	c.created[ref] = struct{}{}
}

// createdHere reports whether ref was allocated during this evaluation.
func (c *Caller) createdHere(ref any) bool {
	_, ok := c.created[ref]
	return ok
}

// chargeInstruction burns one instruction from the budget.
func (c *Caller) chargeInstruction() error {
	c.instructions++
	if c.instructions > c.quota.MaxInterpreterInstructions {
		return fmt.Errorf("%w: %s bucket exhausted after %d instructions",
			ErrQuotaExceeded, c.quotaType, c.quota.MaxInterpreterInstructions)
	}
	return nil
}

// resolveClass fetches and parses a class, charging it against the
// per-evaluation class budget. Only classes actually loaded in the
// observed process may be touched.
func (c *Caller) resolveClass(name string) (*classfile.ClassFile, error) {
	if cf, ok := c.parsed[name]; ok {
		return cf, nil
	}
	if len(c.parsed) >= c.quota.MaxClassesLoaded {
		return nil, fmt.Errorf("%w: class budget (%d) exhausted loading %s",
			ErrQuotaExceeded, c.quota.MaxClassesLoaded, name)
	}
	if c.indexer != nil {
		if _, ok := c.indexer.FindClassByName(name); !ok {
			return nil, fmt.Errorf("safecall: class %s is not loaded in the observed process", name)
		}
	}

	data, err := c.classes.Get(name)
	if err != nil {
		return nil, err
	}
	cf, err := classfile.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("safecall: parsing %s: %w", name, err)
	}
	c.parsed[name] = cf
	return cf, nil
}

// executeMethod interprets one method activation.
func (c *Caller) executeMethod(cf *classfile.ClassFile, method *classfile.MethodInfo, args []Value) (Value, error) {
	if method.IsNative() {
		return Value{}, fmt.Errorf("%w: native method %s", ErrUnsupported, method.Name)
	}
	if method.Code == nil {
		return Value{}, fmt.Errorf("safecall: method %s has no Code attribute", method.Name)
	}

	c.depth++
	defer func() { c.depth-- }()
	if c.depth > c.quota.MaxCallStackDepth {
		return Value{}, fmt.Errorf("%w: call depth exceeded %d",
			ErrQuotaExceeded, c.quota.MaxCallStackDepth)
	}

	frame := NewFrame(method.Code.MaxLocals, method.Code.MaxStack, method.Code.Code, cf)

	// Arguments land in local slots using the JVM layout: longs take
	// two slots even though we store them as a single value.
	slot := 0
	for _, arg := range args {
		if err := frame.SetLocal(slot, arg); err != nil {
			return Value{}, err
		}
		slot++
		if arg.Type == TypeLong {
			slot++
		}
	}

	for frame.PC < len(frame.Code) {
		if err := c.chargeInstruction(); err != nil {
			return Value{}, err
		}

		opcodePC := frame.PC
		opcode := frame.Code[frame.PC]
		frame.PC++

		retVal, hasReturn, err := c.executeInstruction(frame, opcode, opcodePC)
		if err != nil {
			return Value{}, err
		}
		if hasReturn {
			return retVal, nil
		}
	}

	// Fell off the end of the method (implicit return for void methods)
	return Value{}, nil
}
