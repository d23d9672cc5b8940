package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wwwzy/QueryFit/internal/graph"
	"github.com/wwwzy/QueryFit/internal/storage"
)

// SQLiteStore 把快照保存在应用自己的 sqlite 存储中，支持跨进程重启恢复。
type SQLiteStore struct {
	store *storage.Storage
}

func NewSQLiteStore(store *storage.Storage) (*SQLiteStore, error) {
	if store == nil {
		return nil, errors.New("checkpoint: storage is nil")
	}
	return &SQLiteStore{store: store}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp *graph.Checkpoint) error {
	rec := &storage.CheckpointRecord{
		ThreadID:    cp.ThreadID,
		Status:      string(cp.Status),
		Node:        cp.Node,
		Step:        cp.Step,
		StateJSON:   string(cp.State),
		EngineState: cp.Engine,
		UpdatedAt:   cp.UpdatedAt,
	}
	if cp.Interrupt != nil {
		data, err := json.Marshal(cp.Interrupt)
		if err != nil {
			return fmt.Errorf("encode interrupt: %w", err)
		}
		rec.InterruptJSON = string(data)
	}
	return s.store.SaveCheckpoint(ctx, rec)
}

func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*graph.Checkpoint, error) {
	rec, err := s.store.LoadCheckpoint(ctx, threadID)
	if err != nil || rec == nil {
		return nil, err
	}
	return fromRecord(rec)
}

// List 返回最近更新的快照，按更新时间倒序。
func (s *SQLiteStore) List(ctx context.Context, status graph.Status, limit int) ([]*graph.Checkpoint, error) {
	recs, err := s.store.ListCheckpoints(ctx, storage.CheckpointQuery{Status: string(status), Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]*graph.Checkpoint, 0, len(recs))
	for i := range recs {
		cp, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func fromRecord(rec *storage.CheckpointRecord) (*graph.Checkpoint, error) {
	cp := &graph.Checkpoint{
		ThreadID:  rec.ThreadID,
		Status:    graph.Status(rec.Status),
		Node:      rec.Node,
		Step:      rec.Step,
		State:     json.RawMessage(rec.StateJSON),
		Engine:    rec.EngineState,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.InterruptJSON != "" {
		var intr graph.InterruptInfo
		if err := json.Unmarshal([]byte(rec.InterruptJSON), &intr); err != nil {
			return nil, fmt.Errorf("%w: thread %s interrupt: %v", graph.ErrCorruptState, rec.ThreadID, err)
		}
		cp.Interrupt = &intr
	}
	return cp, nil
}
