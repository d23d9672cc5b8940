package storage

import "time"

// CheckpointRecord 保存一个会话线程的最新快照（每个线程一行，覆盖写）。
//
// StateJSON 与 InterruptJSON 由图引擎序列化，存储层不解析其结构。
type CheckpointRecord struct {
	// ThreadID 为会话线程 ID（通常是数据库会话 ID），作为主键。
	ThreadID string `gorm:"primaryKey;size:128"`
	// Status 为 running/suspended/completed。
	Status string `gorm:"size:32;not null;index"`
	// Node 为下一个要执行（running）或挂起（suspended）的节点。
	Node string `gorm:"size:64;not null"`
	// Step 为该线程累计执行过的节点数。
	Step      int    `gorm:"not null"`
	StateJSON string `gorm:"type:text;not null"`
	// InterruptJSON 仅在 suspended 时非空。
	InterruptJSON string `gorm:"type:text"`
	// EngineState 是 eino compose 在挂起时写出的执行现场（通道、待重跑节点及其输入），Resume 时原样交回。
	EngineState []byte    `gorm:"type:blob"`
	UpdatedAt   time.Time `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"`
}

// QueryAudit 记录一次对目标数据库的 SQL 执行及其结果，用于审计与追溯。
//
// 一条记录对应一次 executeQuery 步骤：先以 running 写入，执行结束后更新为 success/failed。
type QueryAudit struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// TraceID 串联一轮用户输入内的全部步骤。
	TraceID string `gorm:"size:64;index"`
	// ThreadID 为会话线程 ID。
	ThreadID string `gorm:"size:128;index"`
	// Database 为数据库引用（本地 ID 或 live_ 前缀的凭据 ID），不含连接串。
	Database string `gorm:"column:database_ref;size:255;not null;index"`
	Dialect  string `gorm:"size:32;not null"`
	SQL      string `gorm:"type:text;not null"`
	// Status 表示执行状态（running/success/failed）。
	Status string `gorm:"size:32;not null;index"`
	// Rows 为返回行数（读）或影响行数（写）。
	Rows         int64     `gorm:"column:row_count;not null;default:0"`
	ErrorMessage string    `gorm:"type:text"`
	StartedAt    time.Time `gorm:"index"`
	FinishedAt   time.Time `gorm:"index"`
	// CreatedAt 为记录写入数据库的时间，默认自动填充。
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"`
}

// LiveCredential 是一个在线数据库连接的登记信息，通过 live_<ID> 引用。
//
// 连接串的加密不在本存储的职责范围内，调用方负责传入可直接使用的值。
type LiveCredential struct {
	ID               string    `gorm:"primaryKey;size:64"`
	Dialect          string    `gorm:"size:32;not null"`
	ConnectionString string    `gorm:"type:text;not null"`
	ExpiresAt        time.Time `gorm:"not null;index"`
	CreatedAt        time.Time `gorm:"not null;autoCreateTime"`
}
