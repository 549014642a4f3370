package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"storeledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}

	if err := db.AutoMigrate(&model.CustomerAccount{}); err != nil {
		t.Fatalf("建表失败: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})

	return db
}

// 场景：持有旧版本号写余额
// 预期：带当前版本的写入成功并递增版本，带过期版本的写入命中 0 行返回 ErrStaleAccount
func TestAccountRepository_UpdateBalance_VersionGuard(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	account, err := repo.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 0, account.Version)

	err = repo.UpdateBalance(ctx, db, 1, 500, account.Version)
	require.NoError(t, err)

	updated, err := repo.GetByCustomerID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), updated.Balance)
	assert.Equal(t, 1, updated.Version)

	// 拿着已读旧快照的版本号再写，必须被拒绝
	err = repo.UpdateBalance(ctx, db, 1, 999, account.Version)
	assert.ErrorIs(t, err, ErrStaleAccount)

	final, err := repo.GetByCustomerID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), final.Balance, "过期写入不得落库")
	assert.Equal(t, 1, final.Version)
}
