package database

import (
	"context"
	"time"
)

// Credentials 是在线数据库的连接信息，只在单次步骤内使用，不写入会话状态。
type Credentials struct {
	ConnectionString string
	Dialect          Dialect
	ExpiresAt        time.Time
}

// CredentialResolver 按会话 ID 查找在线库凭据。
// 不存在或已过期时返回 (nil, nil)；解密与过期策略由实现方负责。
type CredentialResolver interface {
	ResolveCredentials(ctx context.Context, sessionID string) (*Credentials, error)
}

// ResolverFunc 让普通函数实现 CredentialResolver。
type ResolverFunc func(ctx context.Context, sessionID string) (*Credentials, error)

func (f ResolverFunc) ResolveCredentials(ctx context.Context, sessionID string) (*Credentials, error) {
	return f(ctx, sessionID)
}
