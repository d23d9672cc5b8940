package graph

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	// StatusRunning 表示一次执行进行到一半（节点之间），Node 为下一个要执行的节点。
	StatusRunning Status = "running"
	// StatusSuspended 表示等待外部输入，Node 为挂起的节点。
	StatusSuspended Status = "suspended"
	// StatusCompleted 表示本轮已走到 END。
	StatusCompleted Status = "completed"
)

// Checkpoint 是某个线程的完整快照。State 为状态的 JSON 编码，存储层不关心其结构。
type Checkpoint struct {
	ThreadID  string          `json:"thread_id"`
	Status    Status          `json:"status"`
	Node      string          `json:"node"`
	Step      int             `json:"step"`
	State     json.RawMessage `json:"state"`
	Interrupt *InterruptInfo  `json:"interrupt,omitempty"`
	// Engine 是 compose 在挂起时写出的执行快照，只在 suspended 状态下非空，Resume 依赖它重新进入挂起的节点。
	Engine    []byte    `json:"engine,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointStore 按线程保存/读取最新快照。Load 在线程不存在时返回 (nil, nil)。
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, threadID string) (*Checkpoint, error)
}

// MemoryStore 是进程内的 CheckpointStore，用于测试和一次性会话。
type MemoryStore struct {
	mu  sync.RWMutex
	cps map[string]*Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: map[string]*Checkpoint{}}
}

func (m *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.ThreadID] = cloneCheckpoint(cp)
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.cps[threadID]
	if !ok {
		return nil, nil
	}
	return cloneCheckpoint(cp), nil
}

// Threads 返回已保存的线程 ID（有序）。
func (m *MemoryStore) Threads() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.cps))
	for id := range m.cps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	if cp == nil {
		return nil
	}
	out := *cp
	out.State = append(json.RawMessage(nil), cp.State...)
	out.Engine = append([]byte(nil), cp.Engine...)
	if cp.Interrupt != nil {
		intr := *cp.Interrupt
		intr.Payload = append(json.RawMessage(nil), cp.Interrupt.Payload...)
		out.Interrupt = &intr
	}
	return &out
}

// engineStore 把 compose 的 CheckPointStore 接到线程快照上：
// Set 只把字节交给当前执行，由 Runnable 连同状态一起落盘；Get 读取挂起快照里的 Engine。
type engineStore[S any] struct {
	store CheckpointStore
}

func (e *engineStore[S]) Get(ctx context.Context, threadID string) ([]byte, bool, error) {
	cp, err := e.store.Load(ctx, threadID)
	if err != nil || cp == nil || len(cp.Engine) == 0 {
		return nil, false, err
	}
	return cp.Engine, true, nil
}

func (e *engineStore[S]) Set(ctx context.Context, threadID string, data []byte) error {
	rn, err := runFrom[S](ctx)
	if err != nil {
		return err
	}
	if rn.threadID != threadID {
		return errors.New("graph: engine snapshot written to another thread")
	}
	rn.engine = append([]byte(nil), data...)
	return nil
}
