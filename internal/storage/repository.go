package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900
)

// ErrNotFound 表示按主键查找的记录不存在。
var ErrNotFound = errors.New("record not found")

// SaveCheckpoint 按 ThreadID 覆盖写入线程快照。
func (s *Storage) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if rec == nil {
		return errors.New("checkpoint is nil")
	}
	if rec.ThreadID == "" {
		return errors.New("checkpoint thread id is required")
	}
	now := time.Now().UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "node", "step", "state_json", "interrupt_json", "engine_state", "updated_at"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint 读取线程快照，不存在时返回 (nil, nil)。
func (s *Storage) LoadCheckpoint(ctx context.Context, threadID string) (*CheckpointRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var rec CheckpointRecord
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &rec, nil
}

// CheckpointQuery 用于列出线程快照的过滤条件，零值字段不参与过滤。
type CheckpointQuery struct {
	Status string
	// Before 只返回 UpdatedAt 早于该时间的快照。
	Before *time.Time
	Limit  int
}

// ListCheckpoints 按 UpdatedAt 倒序列出线程快照，不读取 EngineState。
func (s *Storage) ListCheckpoints(ctx context.Context, q CheckpointQuery) ([]CheckpointRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	db := s.db.WithContext(ctx).Model(&CheckpointRecord{}).Omit("engine_state")
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.Before != nil {
		db = db.Where("updated_at < ?", *q.Before)
	}
	var out []CheckpointRecord
	if err := db.Order("updated_at DESC").Limit(normalizeLimit(q.Limit)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

func (s *Storage) DeleteCheckpoint(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Delete(&CheckpointRecord{}).Error; err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// DeleteCheckpointsBefore 删除 UpdatedAt 早于 before 的快照。
// 挂起中的线程可能在很久之后才被恢复，keepSuspended 为 true 时保留它们。
func (s *Storage) DeleteCheckpointsBefore(ctx context.Context, before time.Time, keepSuspended bool) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	db := s.db.WithContext(ctx).Where("updated_at < ?", before)
	if keepSuspended {
		db = db.Where("status <> ?", "suspended")
	}
	res := db.Delete(&CheckpointRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) CountCheckpoints(ctx context.Context) (int64, error) {
	return s.count(ctx, &CheckpointRecord{})
}

// AuditQuery 用于查询 SQL 审计记录的过滤条件。
//
// 设计原则：
//   - 所有字段都是“可选过滤条件”，零值表示不参与过滤。
//   - 时间范围使用 CreatedAt（写入时间），用于“最近 N 次执行/某段时间内执行了什么”这类检索。
type AuditQuery struct {
	// TraceID 精确匹配链路 ID。
	TraceID string
	// ThreadID 精确匹配会话线程。
	ThreadID string
	// Database 精确匹配数据库引用。
	Database string
	// Status 精确匹配执行状态（例如 running/success/failed）。
	Status string
	// From/To 过滤 CreatedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 CreatedAt 倒序返回（优先返回最新记录）。
	Desc bool
}

func (s *Storage) InsertQueryAudit(ctx context.Context, rec *QueryAudit) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if rec == nil {
		return errors.New("audit record is nil")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Storage) QueryAudits(ctx context.Context, q AuditQuery) ([]QueryAudit, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&QueryAudit{})
	if q.TraceID != "" {
		db = db.Where("trace_id = ?", q.TraceID)
	}
	if q.ThreadID != "" {
		db = db.Where("thread_id = ?", q.ThreadID)
	}
	if q.Database != "" {
		db = db.Where("database_ref = ?", q.Database)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.From != nil {
		db = db.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("created_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("created_at DESC").Order("id DESC")
	} else {
		db = db.Order("created_at ASC").Order("id ASC")
	}
	db = db.Limit(limit)

	var out []QueryAudit
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return out, nil
}

type AuditUpdate struct {
	Status       *string
	Rows         *int64
	ErrorMessage *string
	FinishedAt   *time.Time
}

func (s *Storage) UpdateQueryAudit(ctx context.Context, id uint64, up AuditUpdate) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}

	updates := make(map[string]interface{})
	if up.Status != nil {
		updates["status"] = *up.Status
	}
	if up.Rows != nil {
		updates["row_count"] = *up.Rows
	}
	if up.ErrorMessage != nil {
		updates["error_message"] = *up.ErrorMessage
	}
	if up.FinishedAt != nil {
		updates["finished_at"] = *up.FinishedAt
	}

	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&QueryAudit{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update audit record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gormNotFoundError("audit record", id)
	}
	return nil
}

func (s *Storage) CountQueryAudits(ctx context.Context) (int64, error) {
	return s.count(ctx, &QueryAudit{})
}

func (s *Storage) DeleteQueryAuditsBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&QueryAudit{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteQueryAuditsKeepLatest 只保留最新的 keep 条审计记录，分批删除其余记录。
func (s *Storage) DeleteQueryAuditsKeepLatest(ctx context.Context, keep int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	if keep < 0 {
		keep = 0
	}

	var threshold []uint64
	err := s.db.WithContext(ctx).Model(&QueryAudit{}).
		Order("id DESC").Offset(keep).Limit(1).Pluck("id", &threshold).Error
	if err != nil {
		return 0, fmt.Errorf("find audit prune threshold: %w", err)
	}
	if len(threshold) == 0 {
		return 0, nil
	}

	var total int64
	batch := normalizeDeleteLimit(0)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var ids []uint64
		err := s.db.WithContext(ctx).Model(&QueryAudit{}).
			Where("id <= ?", threshold[0]).Order("id ASC").Limit(batch).Pluck("id", &ids).Error
		if err != nil {
			return total, fmt.Errorf("select audit records to prune: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&QueryAudit{})
		if res.Error != nil {
			return total, fmt.Errorf("delete audit records: %w", res.Error)
		}
		total += res.RowsAffected
	}
}

// SaveLiveCredential 登记一个在线数据库连接。
func (s *Storage) SaveLiveCredential(ctx context.Context, cred *LiveCredential) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if cred == nil {
		return errors.New("credential is nil")
	}
	if cred.ID == "" || cred.ConnectionString == "" {
		return errors.New("credential id and connection string are required")
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(cred).Error; err != nil {
		return fmt.Errorf("save live credential: %w", err)
	}
	return nil
}

// GetLiveCredential 返回未过期的凭据；不存在或已过期时返回 (nil, nil)。
func (s *Storage) GetLiveCredential(ctx context.Context, id string, now time.Time) (*LiveCredential, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var cred LiveCredential
	err := s.db.WithContext(ctx).Where("id = ? AND expires_at > ?", id, now.UTC()).Take(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get live credential: %w", err)
	}
	return &cred, nil
}

// DeleteLiveCredential 删除一个凭据，不存在时不报错。
func (s *Storage) DeleteLiveCredential(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&LiveCredential{}).Error; err != nil {
		return fmt.Errorf("delete live credential: %w", err)
	}
	return nil
}

func (s *Storage) DeleteExpiredCredentials(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&LiveCredential{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired credentials: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) count(ctx context.Context, model any) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}

type notFoundError struct {
	Entity string
	ID     uint64
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Entity, e.ID)
}

func (e notFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func gormNotFoundError(entity string, id uint64) error {
	return notFoundError{Entity: entity, ID: id}
}
