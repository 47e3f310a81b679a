package format

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestEncode(t *testing.T) {
	snap := &Snapshot{
		BreakpointID: "bp-1",
		Thread:       7,
		CapturedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Stack: []StackFrame{
			{
				Class:  "example/Greeter",
				Method: "greet",
				Line:   42,
				Locals: []Variable{
					{Name: "this", Type: "Lexample/Greeter;", Value: "<obj>", Argument: true},
					{Name: "count", Type: "I", Value: "3"},
				},
			},
		},
		Watches: map[string]string{"count+1": "4"},
	}

	data, err := snap.Encode()
	require.NoError(t, err)
	require.True(t, gjson.ValidBytes(data))

	root := gjson.ParseBytes(data)
	assert.Equal(t, "bp-1", root.Get("breakpoint_id").String())
	assert.Equal(t, int64(7), root.Get("thread").Int())
	assert.Equal(t, "greet", root.Get("stack.0.method").String())
	assert.Equal(t, int64(42), root.Get("stack.0.line").Int())
	assert.Equal(t, "this", root.Get("stack.0.locals.0.name").String())
	assert.True(t, root.Get("stack.0.locals.0.argument").Bool())
	assert.False(t, root.Get("stack.0.locals.1.argument").Bool())
	assert.Equal(t, "4", root.Get("watches.count+1").String())
	assert.False(t, root.Get("log_message").Exists())
}

func TestQueueDrainIsAtomic(t *testing.T) {
	q := NewQueue(1000)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Enqueue(&Snapshot{BreakpointID: fmt.Sprintf("bp-%d-%d", g, i)})
			}
		}(g)
	}
	wg.Wait()

	got := q.Drain()
	assert.Len(t, got, 400)
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain())
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(3)
	for i := 0; i < 5; i++ {
		q.Enqueue(&Snapshot{BreakpointID: fmt.Sprintf("bp-%d", i)})
	}

	got := q.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, "bp-2", got[0].BreakpointID)
	assert.Equal(t, "bp-4", got[2].BreakpointID)
	assert.Equal(t, int64(2), q.Dropped())
}
