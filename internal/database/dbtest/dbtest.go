// Package dbtest 为测试提供临时 SQLite 数据库
package dbtest

import (
	"path/filepath"
	"testing"

	"chat-relay/internal/config"
	"chat-relay/internal/database"
)

// New 在临时目录创建数据库，测试结束时自动关闭
func New(t testing.TB) *database.DB {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type: config.DatabaseTypeSQLite,
			SQLite: config.SQLiteConfig{
				Path: filepath.Join(t.TempDir(), "test.sqlite3"),
			},
		},
	}
	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
