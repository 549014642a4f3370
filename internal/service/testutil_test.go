package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"storeledger/internal/config"
	"storeledger/internal/model"
	"storeledger/pkg/idgen"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	idgen.Init(1)
	os.Exit(m.Run())
}

// newTestDB 每个测试一个独立的共享缓存内存库（连接池内各连接看到同一份数据）
func newTestDB(t *testing.T) *gorm.DB {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}

	err = db.AutoMigrate(
		&model.CustomerAccount{},
		&model.LedgerEntry{},
		&model.Invoice{},
		&model.CashTransaction{},
		&model.OutboxMessage{},
	)
	if err != nil {
		t.Fatalf("建表失败: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})

	return db
}

func newTestConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{BalanceChanged: "storeledger.balance.changed"},
		},
		Business: config.BusinessConfig{
			RoundingEpsilon:          0,
			LockWaitIntervalMs:       10,
			LockWaitMaxRetries:       3,
			ReconcileIntervalSeconds: 300,
			DuplicateWindowSeconds:   5,
			MaxRetryCount:            3,
		},
	}
}

func newTestInvoiceService(t *testing.T) (*InvoiceService, *gorm.DB) {
	db := newTestDB(t)
	return NewInvoiceService(db, nil, newTestConfig()), db
}

// singleLine 单行发票，方便按目标总额造票
func singleLine(total int64) []InvoiceLine {
	return []InvoiceLine{{ProductID: "P-001", Quantity: 1, UnitPrice: total}}
}

// seedCredit 通过手工调整入口给客户预存信用（余额变为 -amount）
func seedCredit(t *testing.T, svc *InvoiceService, customerID, amount int64, requestID string) {
	t.Helper()
	_, err := svc.balance.RecordAdjustment(context.Background(), &AdjustmentRequest{
		RequestID:       requestID,
		CustomerID:      customerID,
		Amount:          amount,
		Direction:       DirectionDecrease,
		TransactionType: model.TxnTypeAdjustment,
		Remark:          "预存信用",
	})
	if err != nil {
		t.Fatalf("预存信用失败: %v", err)
	}
}
