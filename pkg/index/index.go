// Package index maintains the agent's symbol table of loaded classes.
// Classes are indexed up front at initialization and incrementally as
// the runtime prepares them; lookups resolve breakpoint definitions
// and type signatures to loaded classes.
package index

import (
	"log/slog"
	"sync"

	"github.com/snapdbg/agent/pkg/jvmti"
)

// Record describes one indexed class.
type Record struct {
	Name      string // "example/Greeter"
	Signature string // "Lexample/Greeter;"
}

// ClassIndexer is safe for concurrent use. OnClassPrepare is invoked
// for every class load in the observed process whether or not any
// breakpoint is set, so it stays allocation-light and never fails
// loudly.
type ClassIndexer struct {
	introspector jvmti.Introspector
	log          *slog.Logger

	mu          sync.RWMutex
	bySignature map[string]*Record
	byName      map[string]*Record
	nextSubID   int
	subscribers map[string]map[int]func()
}

// Subscription identifies one class-prepared subscription.
type Subscription struct {
	name string
	id   int
}

// New creates an empty indexer.
func New(in jvmti.Introspector, log *slog.Logger) *ClassIndexer {
	if log == nil {
		log = slog.Default()
	}
	return &ClassIndexer{
		introspector: in,
		log:          log,
		bySignature:  make(map[string]*Record),
		byName:       make(map[string]*Record),
		subscribers:  make(map[string]map[int]func()),
	}
}

// Initialize indexes every class already loaded in the observed
// process. Classes loaded afterwards arrive through OnClassPrepare.
func (ix *ClassIndexer) Initialize() error {
	classes, err := ix.introspector.LoadedClasses()
	if err != nil {
		return err
	}
	defer jvmti.ReleaseAll(classes)

	for _, cls := range classes {
		ix.index(cls)
	}
	return nil
}

// OnClassPrepare indexes a newly prepared class. The reference is
// owned by the runtime for the duration of the call. Failures are
// logged and swallowed; an unindexed class degrades lookups, it must
// not destabilize the observed process.
func (ix *ClassIndexer) OnClassPrepare(cls *jvmti.ClassRef) {
	ix.index(cls)
}

func (ix *ClassIndexer) index(cls *jvmti.ClassRef) {
	signature, _, err := ix.introspector.ClassSignature(cls)
	if err != nil {
		ix.log.Error("ClassSignature failed during indexing",
			"class", cls.Name(), "error", err)
		return
	}

	rec := &Record{Name: cls.Name(), Signature: signature}

	ix.mu.Lock()
	ix.bySignature[signature] = rec
	ix.byName[rec.Name] = rec
	var notify []func()
	for _, fn := range ix.subscribers[rec.Name] {
		notify = append(notify, fn)
	}
	ix.mu.Unlock()

	// callbacks run outside the lock; they may look classes up
	for _, fn := range notify {
		fn()
	}
}

// SubscribeClassPrepared registers fn to run when the named class is
// indexed. Used by breakpoints whose target class has not loaded yet.
func (ix *ClassIndexer) SubscribeClassPrepared(name string, fn func()) *Subscription {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nextSubID++
	if ix.subscribers[name] == nil {
		ix.subscribers[name] = make(map[int]func())
	}
	ix.subscribers[name][ix.nextSubID] = fn
	return &Subscription{name: name, id: ix.nextSubID}
}

// Unsubscribe removes a subscription. Nil-safe.
func (ix *ClassIndexer) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if m, ok := ix.subscribers[sub.name]; ok {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(ix.subscribers, sub.name)
		}
	}
}

// FindClassBySignature looks up a class by JNI signature.
func (ix *ClassIndexer) FindClassBySignature(signature string) (*Record, bool) {
	ix.mu.RLock()
	rec, ok := ix.bySignature[signature]
	ix.mu.RUnlock()
	return rec, ok
}

// FindClassByName looks up a class by fully qualified name.
func (ix *ClassIndexer) FindClassByName(name string) (*Record, bool) {
	ix.mu.RLock()
	rec, ok := ix.byName[name]
	ix.mu.RUnlock()
	return rec, ok
}

// Count returns the number of indexed classes.
func (ix *ClassIndexer) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.bySignature)
}

// Cleanup drops the index. Called during agent teardown, strictly
// after the breakpoints manager has quiesced.
func (ix *ClassIndexer) Cleanup() {
	ix.mu.Lock()
	ix.bySignature = make(map[string]*Record)
	ix.byName = make(map[string]*Record)
	ix.subscribers = make(map[string]map[int]func())
	ix.mu.Unlock()
}
