package eval

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/snapdbg/agent/pkg/index"
	"github.com/snapdbg/agent/pkg/safecall"
)

// PrettyPrinter renders one well-known class. Returning false falls
// back to the generic rendering.
type PrettyPrinter func(v safecall.Value) (string, bool)

// ObjectEvaluator renders captured values as display strings. Known
// runtime classes get a pretty printer; everything else gets a generic
// class-name rendering. Read-only after Initialize.
type ObjectEvaluator struct {
	indexer  *index.ClassIndexer
	metadata ClassMetadataReader
	printers map[string]PrettyPrinter
}

// NewObjectEvaluator creates an evaluator. Initialize must be called
// before the first Evaluate.
func NewObjectEvaluator(indexer *index.ClassIndexer, metadata ClassMetadataReader) *ObjectEvaluator {
	return &ObjectEvaluator{
		indexer:  indexer,
		metadata: metadata,
		printers: make(map[string]PrettyPrinter),
	}
}

// Initialize registers the built-in pretty printers.
func (e *ObjectEvaluator) Initialize() {
	for _, name := range []string{"java/lang/Integer", "java/lang/Long"} {
		e.printers[name] = printBoxed
	}
	e.printers["java/util/HashMap"] = printHashMap
}

// RegisterPrinter adds a printer for a class. Initialize-time only;
// the printer map is read concurrently once events flow.
func (e *ObjectEvaluator) RegisterPrinter(className string, p PrettyPrinter) {
	e.printers[className] = p
}

// Evaluate renders a captured value.
func (e *ObjectEvaluator) Evaluate(v safecall.Value) string {
	switch v.Type {
	case safecall.TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case safecall.TypeLong:
		return strconv.FormatInt(v.Int, 10) + "L"
	case safecall.TypeNull:
		return "null"
	}

	switch ref := v.Ref.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(ref)
	case *safecall.Boxed:
		if p, ok := e.printers[ref.ClassName]; ok {
			if s, ok := p(v); ok {
				return s
			}
		}
		return strconv.FormatInt(ref.Value, 10)
	case *safecall.Array:
		return fmt.Sprintf("array[%d]", len(ref.Elements))
	case *safecall.HashMap:
		if p, ok := e.printers["java/util/HashMap"]; ok {
			if s, ok := p(v); ok {
				return s
			}
		}
		return fmt.Sprintf("map[%d]", len(ref.Data))
	case *safecall.Object:
		if p, ok := e.printers[ref.ClassName]; ok {
			if s, ok := p(v); ok {
				return s
			}
		}
		return "<" + ref.ClassName + ">"
	default:
		return fmt.Sprintf("<%T>", ref)
	}
}

func printBoxed(v safecall.Value) (string, bool) {
	b, ok := v.Ref.(*safecall.Boxed)
	if !ok {
		return "", false
	}
	if b.ClassName == "java/lang/Long" {
		return strconv.FormatInt(b.Value, 10) + "L", true
	}
	return strconv.FormatInt(b.Value, 10), true
}

func printHashMap(v safecall.Value) (string, bool) {
	m, ok := v.Ref.(*safecall.HashMap)
	if !ok {
		return "", false
	}
	keys := make([]string, 0, len(m.Data))
	for k := range m.Data {
		keys = append(keys, fmt.Sprint(k))
	}
	sort.Strings(keys)
	return "{" + strings.Join(keys, ", ") + "}", true
}
