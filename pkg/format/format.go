// Package format holds the snapshot model and the queue handed to
// breakpoint evaluators. A transport collaborator drains the queue;
// nothing in this package ships data anywhere.
package format

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/sjson"
)

// Variable is one captured local or argument.
type Variable struct {
	Name     string
	Type     string
	Value    string
	Argument bool
}

// StackFrame is one captured call frame.
type StackFrame struct {
	Class  string
	Method string
	Line   int
	Locals []Variable
}

// Snapshot is the result of one breakpoint hit.
type Snapshot struct {
	BreakpointID string
	Thread       int64
	CapturedAt   time.Time
	Stack        []StackFrame
	Watches      map[string]string
	LogMessage   string
}

// Encode renders the snapshot as JSON.
func (s *Snapshot) Encode() ([]byte, error) {
	out := []byte(`{}`)
	var err error

	set := func(path string, value any) {
		if err != nil {
			return
		}
		out, err = sjson.SetBytes(out, path, value)
	}

	set("breakpoint_id", s.BreakpointID)
	set("thread", s.Thread)
	set("captured_at", s.CapturedAt.UTC().Format(time.RFC3339Nano))
	if s.LogMessage != "" {
		set("log_message", s.LogMessage)
	}
	for i, frame := range s.Stack {
		p := "stack." + strconv.Itoa(i)
		set(p+".class", frame.Class)
		set(p+".method", frame.Method)
		set(p+".line", frame.Line)
		for j, v := range frame.Locals {
			vp := p + ".locals." + strconv.Itoa(j)
			set(vp+".name", v.Name)
			set(vp+".type", v.Type)
			set(vp+".value", v.Value)
			set(vp+".argument", v.Argument)
		}
	}
	for name, value := range s.Watches {
		set("watches."+name, value)
	}

	if err != nil {
		return nil, fmt.Errorf("format: encoding snapshot %s: %w", s.BreakpointID, err)
	}
	return out, nil
}

// Queue buffers captured snapshots until a transport drains them.
// Bounded; when full, the oldest snapshot is dropped so a stalled
// transport cannot grow the observed process's heap.
type Queue struct {
	mu      sync.Mutex
	items   []*Snapshot
	limit   int
	dropped int64
}

// NewQueue creates a queue holding at most limit snapshots.
func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = 100
	}
	return &Queue{limit: limit}
}

// Enqueue adds a snapshot, evicting the oldest when at capacity.
func (q *Queue) Enqueue(s *Snapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		copy(q.items, q.items[1:])
		q.items[len(q.items)-1] = s
		q.dropped++
		return
	}
	q.items = append(q.items, s)
}

// Drain atomically removes and returns every queued snapshot.
func (q *Queue) Drain() []*Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len reports the number of queued snapshots.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many snapshots were evicted unread.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
