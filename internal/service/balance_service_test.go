package service

import (
	"context"
	"testing"

	"storeledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestBalanceService(t *testing.T) (*BalanceService, *gorm.DB) {
	db := newTestDB(t)
	return NewBalanceService(db, newTestConfig()), db
}

func TestBalanceService_UpdateAtomic_SnapshotChain(t *testing.T) {
	svc, db := newTestBalanceService(t)
	ctx := context.Background()

	_, err := svc.accountRepo.GetOrCreate(ctx, 1)
	require.NoError(t, err)

	post := func(amount int64, direction, txnType, requestID string) {
		err := db.Transaction(func(tx *gorm.DB) error {
			_, err := svc.UpdateAtomic(ctx, tx, &BalanceUpdate{
				CustomerID:      1,
				Amount:          amount,
				Direction:       direction,
				TransactionType: txnType,
				ReferenceType:   model.ReferenceTypeManual,
				ReferenceID:     requestID,
				RequestID:       requestID,
			})
			return err
		})
		require.NoError(t, err)
	}

	post(1000, DirectionIncrease, model.TxnTypeInvoice, "r1")
	post(400, DirectionDecrease, model.TxnTypePayment, "r2")
	post(250, DirectionIncrease, model.TxnTypeInterest, "r3")

	balance, err := svc.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(850), balance)

	entries, err := svc.EntriesFor(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// 快照链：entry[i].balanceAfter == entry[i+1].balanceBefore
	for i := 0; i < len(entries)-1; i++ {
		assert.Equal(t, entries[i].BalanceAfter, entries[i+1].BalanceBefore)
	}
	assert.Equal(t, int64(0), entries[0].BalanceBefore)
	assert.Equal(t, int64(850), entries[len(entries)-1].BalanceAfter)

	// 符号和与缓存余额一致
	sum, err := svc.ledgerRepo.SumByCustomer(ctx, nil, 1, "")
	require.NoError(t, err)
	assert.Equal(t, balance, sum)

	// 每次余额变更都落一条发件箱事件
	var outboxCount int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Count(&outboxCount).Error)
	assert.Equal(t, int64(3), outboxCount)
}

func TestBalanceService_UpdateAtomic_RejectsInvalidInput(t *testing.T) {
	svc, db := newTestBalanceService(t)
	ctx := context.Background()

	_, err := svc.accountRepo.GetOrCreate(ctx, 1)
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.UpdateAtomic(ctx, tx, &BalanceUpdate{
			CustomerID: 1, Amount: 0, Direction: DirectionIncrease,
			TransactionType: model.TxnTypeInvoice,
		})
		return err
	})
	assert.Error(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.UpdateAtomic(ctx, tx, &BalanceUpdate{
			CustomerID: 1, Amount: 100, Direction: DirectionIncrease,
			TransactionType: "TRANSFER",
		})
		return err
	})
	assert.Error(t, err, "封闭枚举之外的业务类型必须拒绝")
}

func TestBalanceService_AvailableCredit_ExcludesInvoiceEffect(t *testing.T) {
	svc, db := newTestBalanceService(t)
	ctx := context.Background()

	_, err := svc.accountRepo.GetOrCreate(ctx, 2)
	require.NoError(t, err)

	// 客户先持有 1500 信用
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.UpdateAtomic(ctx, tx, &BalanceUpdate{
			CustomerID: 2, Amount: 1500, Direction: DirectionDecrease,
			TransactionType: model.TxnTypeAdjustment,
			ReferenceType:   model.ReferenceTypeManual, ReferenceID: "seed", RequestID: "seed",
		})
		return err
	})
	require.NoError(t, err)

	// 开票借记已落账
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.UpdateAtomic(ctx, tx, &BalanceUpdate{
			CustomerID: 2, Amount: 1500, Direction: DirectionIncrease,
			TransactionType: model.TxnTypeInvoice,
			ReferenceType:   model.ReferenceTypeInvoice, ReferenceID: "INV-X", RequestID: "inv-x",
		})
		return err
	})
	require.NoError(t, err)

	// 当前余额 0，按当前余额算信用为 0
	current, err := svc.AvailableCredit(ctx, 2, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), current)

	// 剔除本票影响后是票前信用 1500
	preInvoice, err := svc.AvailableCredit(ctx, 2, "INV-X")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), preInvoice)
}

func TestBalanceService_RecordAllocation_ZeroDelta(t *testing.T) {
	svc, db := newTestBalanceService(t)
	ctx := context.Background()

	_, err := svc.accountRepo.GetOrCreate(ctx, 3)
	require.NoError(t, err)

	var entry *model.LedgerEntry
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = svc.RecordAllocation(ctx, tx, 3, 500, "INV-Y", "alloc-1")
		return err
	})
	require.NoError(t, err)

	// 核销标记条目：前后余额快照相等，符号贡献为零
	assert.Equal(t, model.EntryTypeAdjustment, entry.EntryType)
	assert.Equal(t, entry.BalanceBefore, entry.BalanceAfter)
	assert.Equal(t, int64(0), entry.SignedAmount())

	balance, err := svc.CurrentBalance(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestBalanceService_RecordAdjustment_Idempotent(t *testing.T) {
	svc, _ := newTestBalanceService(t)
	ctx := context.Background()

	req := &AdjustmentRequest{
		RequestID:       "adj-1",
		CustomerID:      4,
		Amount:          200,
		Direction:       DirectionDecrease,
		TransactionType: model.TxnTypeDiscount,
		Remark:          "促销折让",
	}

	first, err := svc.RecordAdjustment(ctx, req)
	require.NoError(t, err)

	second, err := svc.RecordAdjustment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.EntryNo, second.EntryNo, "同一请求ID重放必须返回原条目")

	entries, err := svc.EntriesFor(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	balance, err := svc.CurrentBalance(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(-200), balance)
}
