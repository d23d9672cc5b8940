package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// LivePrefix 标记一个在线数据库引用，其余部分是凭据 ID。
const LivePrefix = "live_"

var (
	ErrDatabaseNotFound     = errors.New("database not found")
	ErrCredentialsNotFound  = errors.New("live database connection not found or expired")
	ErrEmptyDatabaseID      = errors.New("database id is missing")
	invalidIDChars          = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	sqliteFileSuffixPattern = regexp.MustCompile(`(?i)\.(db|sqlite|sqlite3)$`)
)

// Ref 是会话状态中保存的目标数据库引用。它只保存标识符，不保存连接串。
type Ref struct {
	ID string `json:"id"`
	// Dialect 为空时由解析结果决定（本地文件为 sqlite，在线库取凭据中的类型）。
	Dialect Dialect `json:"dialect,omitempty"`
}

func (r Ref) IsLive() bool {
	return strings.HasPrefix(r.ID, LivePrefix)
}

// CredentialID 返回去掉 live_ 前缀后的凭据 ID。
func (r Ref) CredentialID() string {
	return strings.TrimPrefix(r.ID, LivePrefix)
}

func (r Ref) String() string {
	if r.Dialect == "" {
		return r.ID
	}
	return fmt.Sprintf("%s (%s)", r.ID, r.Dialect)
}

// Locator 把本地数据库 ID 映射到文件路径。
type Locator struct {
	// LocalDir 为上传的 sqlite 文件所在目录，空值使用系统临时目录。
	LocalDir string
	// FilePrefix 为文件名前缀，默认 queryfit_。
	FilePrefix string
}

func (l Locator) dir() string {
	if l.LocalDir == "" {
		return os.TempDir()
	}
	return l.LocalDir
}

func (l Locator) prefix() string {
	if l.FilePrefix == "" {
		return "queryfit_"
	}
	return l.FilePrefix
}

// Path 返回本地 ID 对应的文件路径，不检查文件是否存在。
//
// 显式的文件路径（带目录分隔符或 .db/.sqlite/.sqlite3 后缀）原样使用；
// 其余 ID 只保留 [A-Za-z0-9_-] 后拼成 <LocalDir>/<FilePrefix><id>.db。
func (l Locator) Path(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptyDatabaseID
	}
	if strings.ContainsAny(id, `/\`) || sqliteFileSuffixPattern.MatchString(id) {
		return filepath.Clean(id), nil
	}
	sanitized := invalidIDChars.ReplaceAllString(id, "")
	if sanitized == "" {
		return "", fmt.Errorf("%w: invalid database id %q", ErrDatabaseNotFound, id)
	}
	return filepath.Join(l.dir(), l.prefix()+sanitized+".db"), nil
}

// Existing 与 Path 相同，但要求文件已存在。
func (l Locator) Existing(id string) (string, error) {
	path, err := l.Path(id)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrDatabaseNotFound, path)
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrDatabaseNotFound, path)
	}
	return path, nil
}
