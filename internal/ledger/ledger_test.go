package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"chat-relay/internal/config"
	"chat-relay/internal/database"
	"chat-relay/internal/models"
)

func setupDB(t *testing.T) *database.DB {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type:   config.DatabaseTypeSQLite,
			SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "ledger.sqlite3")},
		},
	}
	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReserve(t *testing.T) {
	l := New(nil)
	rich := &models.Identity{ID: "a", QuotaEnhanced: 1, QuotaPro: 1}
	broke := &models.Identity{ID: "b"}

	tests := []struct {
		name     string
		tier     models.Tier
		identity *models.Identity
		want     error
	}{
		{"normal guest", models.TierNormal, nil, nil},
		{"normal broke", models.TierNormal, broke, nil},
		{"pro guest", models.TierPro, nil, ErrGuestPremium},
		{"enhanced guest", models.TierEnhanced, nil, ErrGuestPremium},
		{"pro zero", models.TierPro, broke, ErrQuotaExhausted},
		{"pro ok", models.TierPro, rich, nil},
		{"enhanced ok", models.TierEnhanced, rich, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := l.Reserve(tt.tier, tt.identity); !errors.Is(got, tt.want) {
				t.Errorf("Reserve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommitSequentialDecrements(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	l := New(db)

	identity, _, err := db.ResolveIdentity(ctx, &models.IdentityResolve{Token: "seq"}, 4, 0)
	if err != nil {
		t.Fatalf("解析身份失败: %v", err)
	}

	const n = 3
	for i := 0; i < n; i++ {
		if err := l.Reserve(models.TierEnhanced, identity); err != nil {
			t.Fatalf("第 %d 轮预检失败: %v", i+1, err)
		}
		remaining, err := l.Commit(ctx, models.TierEnhanced, identity)
		if err != nil {
			t.Fatalf("第 %d 轮扣减失败: %v", i+1, err)
		}
		identity.QuotaEnhanced = remaining.Enhanced
	}

	got, _ := db.GetIdentity(ctx, identity.ID)
	if got.QuotaEnhanced != 4-n {
		t.Errorf("N 次扣减后应为 %d，实际 %d", 4-n, got.QuotaEnhanced)
	}
}

func TestCommitNormalTierDoesNotDecrement(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	l := New(db)

	identity, _, _ := db.ResolveIdentity(ctx, &models.IdentityResolve{Token: "normal"}, 2, 2)
	remaining, err := l.Commit(ctx, models.TierNormal, identity)
	if err != nil {
		t.Fatalf("normal 等级提交失败: %v", err)
	}
	if remaining.Enhanced != 2 || remaining.Pro != 2 {
		t.Errorf("normal 等级不应扣减配额: %+v", remaining)
	}
}

// 两轮并发的高级对话都通过预检后同时提交，计数不会变成负数
func TestConcurrentCommitsStayNonNegative(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	l := New(db)

	identity, _, _ := db.ResolveIdentity(ctx, &models.IdentityResolve{Token: "race"}, 0, 1)

	const turns = 2
	for i := 0; i < turns; i++ {
		if err := l.Reserve(models.TierPro, identity); err != nil {
			t.Fatalf("并发前的预检应全部通过: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Commit(ctx, models.TierPro, identity)
		}(i)
	}
	wg.Wait()

	exhausted := 0
	for _, err := range errs {
		if errors.Is(err, ErrQuotaExhausted) {
			exhausted++
		} else if err != nil {
			t.Errorf("非预期错误: %v", err)
		}
	}
	if exhausted != 1 {
		t.Errorf("应恰好有一轮提交落后，实际 %d", exhausted)
	}

	got, _ := db.GetIdentity(ctx, identity.ID)
	if got.QuotaPro != 0 {
		t.Errorf("并发提交后配额应为 0，实际 %d", got.QuotaPro)
	}
}
