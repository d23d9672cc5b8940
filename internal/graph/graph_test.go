package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	schema.RegisterName[testState]("graph_test_state")
}

type testState struct {
	Count    int      `json:"count"`
	Visited  []string `json:"visited"`
	Approved *bool    `json:"approved,omitempty"`
	Input    string   `json:"input"`
}

func visit(name string) NodeFunc[testState] {
	return func(ctx context.Context, s testState) (testState, error) {
		s.Count++
		s.Visited = append(s.Visited, name)
		return s, nil
	}
}

func TestGraphLinearRun(t *testing.T) {
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("a", visit("a")))
	require.NoError(t, g.AddNode("b", visit("b")))
	require.NoError(t, g.AddEdge(START, "a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", END))

	store := NewMemoryStore()
	r, err := g.Compile(CompileConfig[testState]{Store: store})
	require.NoError(t, err)

	ctx := context.Background()
	res, err := r.Invoke(ctx, "t1", testState{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"a", "b"}, res.Path)
	assert.Equal(t, 2, res.State.Count)

	cp, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, StatusCompleted, cp.Status)
	assert.Equal(t, END, cp.Node)
	assert.Equal(t, 2, cp.Step)
}

func TestGraphStartTurnMergesPreviousState(t *testing.T) {
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("a", visit("a")))
	require.NoError(t, g.AddEdge(START, "a"))
	require.NoError(t, g.AddEdge("a", END))

	r, err := g.Compile(CompileConfig[testState]{
		StartTurn: func(prev, in testState) testState {
			prev.Input = in.Input
			return prev
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Invoke(ctx, "t1", testState{Input: "first"})
	require.NoError(t, err)
	res, err := r.Invoke(ctx, "t1", testState{Input: "second"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.State.Count)
	assert.Equal(t, "second", res.State.Input)
}

func TestGraphBranchRejectsUndeclaredTarget(t *testing.T) {
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("a", visit("a")))
	require.NoError(t, g.AddNode("b", visit("b")))
	require.NoError(t, g.AddEdge(START, "a"))
	require.NoError(t, g.AddBranch("a", NewBranch(func(ctx context.Context, s testState) (string, error) {
		return "nowhere", nil
	}, map[string]bool{"b": true, END: true})))
	require.NoError(t, g.AddEdge("b", END))

	r, err := g.Compile(CompileConfig[testState]{})
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), "t1", testState{})
	assert.ErrorIs(t, err, ErrInvalidRoute)
}

func TestGraphBranchFromStart(t *testing.T) {
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("short", visit("short")))
	require.NoError(t, g.AddNode("long", visit("long")))
	require.NoError(t, g.AddBranch(START, NewBranch(func(ctx context.Context, s testState) (string, error) {
		if len(s.Input) > 5 {
			return "long", nil
		}
		return "short", nil
	}, map[string]bool{"short": true, "long": true})))
	require.NoError(t, g.AddEdge("short", END))
	require.NoError(t, g.AddEdge("long", END))

	r, err := g.Compile(CompileConfig[testState]{})
	require.NoError(t, err)

	ctx := context.Background()
	res, err := r.Invoke(ctx, "t1", testState{Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"short"}, res.Path)

	res, err = r.Invoke(ctx, "t2", testState{Input: "a longer question"})
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, res.Path)
}

func gate(ctx context.Context, s testState) (testState, error) {
	v, ok := ResumeValue(ctx)
	if !ok {
		return s, Interrupt(ctx, map[string]string{"value": "proceed?", "id": "gate"})
	}
	approved, ok := v.(bool)
	if !ok {
		return s, fmt.Errorf("unexpected resume value %T", v)
	}
	s.Approved = &approved
	s.Visited = append(s.Visited, "gate")
	return s, nil
}

func approvedRoute(ctx context.Context, s testState) (string, error) {
	if s.Approved != nil && *s.Approved {
		return "after", nil
	}
	return END, nil
}

func gateGraph(t *testing.T, store CheckpointStore) *Runnable[testState] {
	t.Helper()
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("before", visit("before")))
	require.NoError(t, g.AddNode("gate", gate))
	require.NoError(t, g.AddNode("after", visit("after")))
	require.NoError(t, g.AddEdge(START, "before"))
	require.NoError(t, g.AddEdge("before", "gate"))
	require.NoError(t, g.AddBranch("gate", NewBranch(approvedRoute, map[string]bool{"after": true, END: true})))
	require.NoError(t, g.AddEdge("after", END))

	r, err := g.Compile(CompileConfig[testState]{Store: store})
	require.NoError(t, err)
	return r
}

func TestGraphInterruptAndResume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := gateGraph(t, store)

	res, err := r.Invoke(ctx, "t1", testState{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, res.Status)
	require.NotNil(t, res.Interrupt)
	assert.Equal(t, "gate", res.Interrupt.Node)
	assert.NotEmpty(t, res.Interrupt.ID)
	assert.Equal(t, []string{"before", "gate"}, res.Path)

	cp, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, cp.Status)
	assert.Equal(t, "gate", cp.Node)
	assert.NotEmpty(t, cp.Engine)

	var payload map[string]string
	require.NoError(t, res.Interrupt.Decode(&payload))
	assert.Equal(t, "proceed?", payload["value"])
	assert.Equal(t, "gate", payload["id"])

	// 再次 Invoke 不会执行任何节点，直接返回挂起载荷
	again, err := r.Invoke(ctx, "t1", testState{Input: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, again.Status)
	assert.Empty(t, again.Path)
	assert.Equal(t, 1, again.State.Count)

	// 新建 Runnable 模拟进程重启，状态来自快照
	restarted := gateGraph(t, store)
	done, err := restarted.Resume(ctx, "t1", true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, []string{"gate", "after"}, done.Path)
	assert.Equal(t, []string{"before", "gate", "after"}, done.State.Visited)
	require.NotNil(t, done.State.Approved)
	assert.True(t, *done.State.Approved)

	cp, err = store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, cp.Status)
	assert.Empty(t, cp.Engine)

	_, err = restarted.Resume(ctx, "t1", true)
	assert.ErrorIs(t, err, ErrNotSuspended)
}

func TestGraphResumeValueDeliveredOnce(t *testing.T) {
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("gate", gate))
	require.NoError(t, g.AddNode("after", visit("after")))
	require.NoError(t, g.AddEdge(START, "gate"))
	require.NoError(t, g.AddBranch("gate", NewBranch(approvedRoute, map[string]bool{"after": true, END: true})))
	// after 回到 gate，第二次经过时必须重新挂起
	require.NoError(t, g.AddBranch("after", NewBranch(func(ctx context.Context, s testState) (string, error) {
		if s.Count >= 2 {
			return END, nil
		}
		return "gate", nil
	}, map[string]bool{"gate": true, END: true})))

	r, err := g.Compile(CompileConfig[testState]{})
	require.NoError(t, err)

	ctx := context.Background()
	res, err := r.Invoke(ctx, "t1", testState{})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)
	first := res.Interrupt.ID

	res, err = r.Resume(ctx, "t1", true)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, res.Status)
	assert.Equal(t, []string{"gate", "after", "gate"}, res.Path)
	assert.NotEqual(t, first, res.Interrupt.ID)

	res, err = r.Resume(ctx, "t1", true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"gate", "after", "gate", "after"}, res.State.Visited)
}

func TestGraphResumeWithoutEngineSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := gateGraph(t, store)

	require.NoError(t, store.Save(ctx, &Checkpoint{
		ThreadID:  "t1",
		Status:    StatusSuspended,
		Node:      "gate",
		State:     []byte(`{"count":1}`),
		Interrupt: &InterruptInfo{ID: "lost", Node: "gate", Payload: []byte(`{}`)},
	}))
	_, err := r.Resume(ctx, "t1", true)
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestGraphResumeRejected(t *testing.T) {
	ctx := context.Background()
	r := gateGraph(t, NewMemoryStore())

	_, err := r.Invoke(ctx, "t1", testState{})
	require.NoError(t, err)
	done, err := r.Resume(ctx, "t1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"gate"}, done.Path)
	assert.NotContains(t, done.State.Visited, "after")
}

func TestGraphNodeErrorKeepsPreviousCheckpoint(t *testing.T) {
	boom := errors.New("boom")
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("a", visit("a")))
	require.NoError(t, g.AddNode("b", func(ctx context.Context, s testState) (testState, error) {
		return s, boom
	}))
	require.NoError(t, g.AddEdge(START, "a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", END))

	store := NewMemoryStore()
	r, err := g.Compile(CompileConfig[testState]{Store: store})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Invoke(ctx, "t1", testState{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "b", nodeErr.Node)

	cp, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, cp.Status)
	assert.Equal(t, "b", cp.Node)
	assert.Equal(t, 1, cp.Step)
}

func TestGraphContinueFromRunningCheckpoint(t *testing.T) {
	calls := 0
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("a", visit("a")))
	require.NoError(t, g.AddNode("b", func(ctx context.Context, s testState) (testState, error) {
		calls++
		if calls == 1 {
			return s, errors.New("crash")
		}
		s.Visited = append(s.Visited, "b")
		return s, nil
	}))
	require.NoError(t, g.AddEdge(START, "a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", END))

	r, err := g.Compile(CompileConfig[testState]{})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Invoke(ctx, "t1", testState{})
	require.Error(t, err)

	res, err := r.Continue(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Path)
	assert.Equal(t, []string{"a", "b"}, res.State.Visited)

	_, err = r.Continue(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestGraphMaxRunSteps(t *testing.T) {
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("loop", visit("loop")))
	require.NoError(t, g.AddEdge(START, "loop"))
	require.NoError(t, g.AddBranch("loop", NewBranch(func(ctx context.Context, s testState) (string, error) {
		return "loop", nil
	}, map[string]bool{"loop": true, END: true})))

	store := NewMemoryStore()
	r, err := g.Compile(CompileConfig[testState]{Store: store, MaxRunSteps: 5})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Invoke(ctx, "t1", testState{})
	assert.ErrorIs(t, err, ErrMaxRunSteps)
	assert.ErrorIs(t, err, compose.ErrExceedMaxSteps)

	_, st, err := r.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, st.Count)
}

func TestGraphMergeViolationIsFatal(t *testing.T) {
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("shrink", func(ctx context.Context, s testState) (testState, error) {
		s.Count--
		return s, nil
	}))
	require.NoError(t, g.AddEdge(START, "shrink"))
	require.NoError(t, g.AddEdge("shrink", END))

	r, err := g.Compile(CompileConfig[testState]{
		Merge: func(prev, next testState) (testState, error) {
			if next.Count < prev.Count {
				return prev, errors.New("count must not decrease")
			}
			return next, nil
		},
	})
	require.NoError(t, err)
	_, err = r.Invoke(context.Background(), "t1", testState{Count: 3})
	assert.ErrorContains(t, err, "count must not decrease")
}

func TestGraphCancelledContext(t *testing.T) {
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("a", visit("a")))
	require.NoError(t, g.AddEdge(START, "a"))
	require.NoError(t, g.AddEdge("a", END))
	store := NewMemoryStore()
	r, err := g.Compile(CompileConfig[testState]{Store: store})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Invoke(ctx, "t1", testState{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.Threads())
}

func TestGraphCompileValidation(t *testing.T) {
	t.Run("missing start", func(t *testing.T) {
		g := NewGraph[testState]()
		require.NoError(t, g.AddNode("a", visit("a")))
		require.NoError(t, g.AddEdge("a", END))
		_, err := g.Compile(CompileConfig[testState]{})
		assert.ErrorContains(t, err, "START")
	})
	t.Run("unknown target", func(t *testing.T) {
		g := NewGraph[testState]()
		require.NoError(t, g.AddNode("a", visit("a")))
		require.NoError(t, g.AddEdge(START, "a"))
		require.NoError(t, g.AddEdge("a", "ghost"))
		_, err := g.Compile(CompileConfig[testState]{})
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})
	t.Run("no way to end", func(t *testing.T) {
		g := NewGraph[testState]()
		require.NoError(t, g.AddNode("a", visit("a")))
		require.NoError(t, g.AddNode("b", visit("b")))
		require.NoError(t, g.AddEdge(START, "a"))
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "a"))
		_, err := g.Compile(CompileConfig[testState]{})
		assert.ErrorContains(t, err, "END")
	})
	t.Run("dangling node", func(t *testing.T) {
		g := NewGraph[testState]()
		require.NoError(t, g.AddNode("a", visit("a")))
		require.NoError(t, g.AddNode("b", visit("b")))
		require.NoError(t, g.AddEdge(START, "a"))
		require.NoError(t, g.AddEdge("a", END))
		_, err := g.Compile(CompileConfig[testState]{})
		assert.ErrorContains(t, err, `"b" has no outgoing edge`)
	})
	t.Run("duplicate outgoing", func(t *testing.T) {
		g := NewGraph[testState]()
		require.NoError(t, g.AddNode("a", visit("a")))
		require.NoError(t, g.AddEdge("a", END))
		assert.Error(t, g.AddEdge("a", END))
		assert.Error(t, g.AddNode("a", visit("a")))
		assert.Error(t, g.AddNode(END, visit("x")))
		assert.Error(t, g.AddNode(START, visit("x")))
	})
}

func TestGraphConcurrentThreads(t *testing.T) {
	g := NewGraph[testState]()
	require.NoError(t, g.AddNode("a", visit("a")))
	require.NoError(t, g.AddNode("b", visit("b")))
	require.NoError(t, g.AddEdge(START, "a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", END))

	store := NewMemoryStore()
	r, err := g.Compile(CompileConfig[testState]{
		Store: store,
		StartTurn: func(prev, in testState) testState {
			return prev
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(thread string) {
				defer wg.Done()
				_, err := r.Invoke(ctx, thread, testState{})
				assert.NoError(t, err)
			}(fmt.Sprintf("thread-%d", i))
		}
	}
	wg.Wait()

	assert.Len(t, store.Threads(), 8)
	for _, id := range store.Threads() {
		_, st, err := r.Snapshot(ctx, id)
		require.NoError(t, err)
		// 同一线程的三次调用串行执行，计数不会丢失
		assert.Equal(t, 6, st.Count)
	}
}
