package service

import (
	"context"
	"errors"
	"testing"

	"storeledger/internal/infrastructure/lock"
	"storeledger/internal/model"
	"storeledger/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLock 可编程锁：Lock 返回前先执行注入的动作，
// 用于模拟"重试请求等锁期间，原请求已经完成入账"的时序
type scriptedLock struct {
	onLock func()
	err    error
}

func (l *scriptedLock) Lock(context.Context) error {
	if l.err != nil {
		return l.err
	}
	if l.onLock != nil {
		l.onLock()
	}
	return nil
}

func (l *scriptedLock) Unlock(context.Context) error { return nil }

// 场景：客户持有 1500 信用，开 1500 的票不直付
// 预期：信用全额核销，发票即时付清，余额归零
func TestCreateInvoice_CreditCoversInvoice(t *testing.T) {
	svc, _ := newTestInvoiceService(t)
	ctx := context.Background()

	seedCredit(t, svc, 1, 1500, "seed-1")

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-a",
		CustomerID: 1,
		Lines:      singleLine(1500),
	})
	require.NoError(t, err)

	assert.Equal(t, model.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, int64(1500), invoice.PaymentAmount)
	assert.Equal(t, int64(0), invoice.RemainingBalance)

	balance, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

// 场景：客户持有 1500 信用，开 1500 的票并全额直付
// 预期：直付绕过信用，余额保持 -1500，客户账本不产生本票条目
func TestCreateInvoice_FullDirectPaymentBypassesCredit(t *testing.T) {
	svc, db := newTestInvoiceService(t)
	ctx := context.Background()

	seedCredit(t, svc, 1, 1500, "seed-1")

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:     "inv-b",
		CustomerID:    1,
		Lines:         singleLine(1500),
		DirectPayment: 1500,
	})
	require.NoError(t, err)

	assert.Equal(t, model.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, int64(1500), invoice.PaymentAmount)

	balance, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1500), balance, "全额直付不得动用信用")

	invoiceEntries, err := svc.ledgerRepo.ListByReference(ctx, invoice.InvoiceNo)
	require.NoError(t, err)
	assert.Empty(t, invoiceEntries, "全额直付的发票不产生客户账本条目")

	// 直付落在现金账
	var cashCount int64
	require.NoError(t, db.Model(&model.CashTransaction{}).
		Where("reference_id = ? AND direction = ?", invoice.InvoiceNo, model.CashDirectionIn).
		Count(&cashCount).Error)
	assert.Equal(t, int64(1), cashCount)
}

// 场景：余额 0 开 1000 的票，之后按账本结算退货 400
// 预期：发票剩余应付 600，客户余额 600
func TestRecordReturn_LedgerSettlementReducesBalance(t *testing.T) {
	svc, _ := newTestInvoiceService(t)
	ctx := context.Background()

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-c",
		CustomerID: 1,
		Lines:      singleLine(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPending, invoice.Status)

	invoice, err = svc.RecordReturn(ctx, &RecordReturnRequest{
		RequestID:     "ret-c",
		InvoiceNo:     invoice.InvoiceNo,
		ReturnedLines: singleLine(400),
		Settlement:    SettlementLedger,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(600), invoice.RemainingBalance)
	assert.Equal(t, model.InvoiceStatusPending, invoice.Status)

	balance, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance)
}

// 场景：总额 23000，收款 13000，退货 10000
// 预期：剩余应付精确为 0（退货必须和收款一起参与扣减的回归案例）
func TestInvoice_PaymentsAndReturnsBothReduceRemaining(t *testing.T) {
	svc, _ := newTestInvoiceService(t)
	ctx := context.Background()

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-d",
		CustomerID: 1,
		Lines:      singleLine(23000),
	})
	require.NoError(t, err)

	invoice, err = svc.RecordPayment(ctx, &RecordPaymentRequest{
		RequestID: "pay-d",
		InvoiceNo: invoice.InvoiceNo,
		Amount:    13000,
	})
	require.NoError(t, err)

	invoice, err = svc.RecordReturn(ctx, &RecordReturnRequest{
		RequestID:     "ret-d",
		InvoiceNo:     invoice.InvoiceNo,
		ReturnedLines: singleLine(10000),
		Settlement:    SettlementLedger,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), invoice.RemainingBalance)
	assert.Equal(t, model.InvoiceStatusPaid, invoice.Status)

	balance, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

// 场景：发票有过一笔 150 的独立收款，之后按 REVERSE_CREDIT 删票
// 预期：发票消失，收款条目及其现金流水保留，余额只反映借记的移除
func TestDeleteInvoice_ReverseCreditKeepsPayments(t *testing.T) {
	svc, db := newTestInvoiceService(t)
	ctx := context.Background()

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-e",
		CustomerID: 1,
		Lines:      singleLine(1000),
	})
	require.NoError(t, err)

	_, err = svc.RecordPayment(ctx, &RecordPaymentRequest{
		RequestID: "pay-e",
		InvoiceNo: invoice.InvoiceNo,
		Amount:    150,
	})
	require.NoError(t, err)

	err = svc.DeleteInvoice(ctx, &DeleteInvoiceRequest{
		InvoiceNo:   invoice.InvoiceNo,
		Disposition: DispositionReverseCredit,
	})
	require.NoError(t, err)

	_, err = svc.GetInvoice(ctx, invoice.InvoiceNo)
	assert.True(t, errors.Is(err, repository.ErrInvoiceNotFound))

	// 收款条目保留，开票借记被移除
	remaining, err := svc.ledgerRepo.ListByReference(ctx, invoice.InvoiceNo)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, model.TxnTypePayment, remaining[0].TransactionType)

	// 现金流水保留
	var cashCount int64
	require.NoError(t, db.Model(&model.CashTransaction{}).
		Where("reference_id = ?", invoice.InvoiceNo).Count(&cashCount).Error)
	assert.Equal(t, int64(1), cashCount)

	// 客户保留收款代表的信用
	balance, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-150), balance)
}

func TestDeleteInvoice_DeleteEverything(t *testing.T) {
	svc, db := newTestInvoiceService(t)
	ctx := context.Background()

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:     "inv-f",
		CustomerID:    1,
		Lines:         singleLine(2000),
		DirectPayment: 500,
	})
	require.NoError(t, err)

	_, err = svc.RecordPayment(ctx, &RecordPaymentRequest{
		RequestID: "pay-f",
		InvoiceNo: invoice.InvoiceNo,
		Amount:    300,
	})
	require.NoError(t, err)

	err = svc.DeleteInvoice(ctx, &DeleteInvoiceRequest{
		InvoiceNo:   invoice.InvoiceNo,
		Disposition: DispositionDeleteEverything,
	})
	require.NoError(t, err)

	remaining, err := svc.ledgerRepo.ListByReference(ctx, invoice.InvoiceNo)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	var cashCount int64
	require.NoError(t, db.Model(&model.CashTransaction{}).
		Where("reference_id = ?", invoice.InvoiceNo).Count(&cashCount).Error)
	assert.Equal(t, int64(0), cashCount)

	balance, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

// 信用不足以覆盖全额时部分核销，发票转为部分付清
func TestCreateInvoice_PartialCreditAllocation(t *testing.T) {
	svc, _ := newTestInvoiceService(t)
	ctx := context.Background()

	seedCredit(t, svc, 1, 300, "seed-1")

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-g",
		CustomerID: 1,
		Lines:      singleLine(1000),
	})
	require.NoError(t, err)

	assert.Equal(t, model.InvoiceStatusPartiallyPaid, invoice.Status)
	assert.Equal(t, int64(300), invoice.PaymentAmount)
	assert.Equal(t, int64(700), invoice.RemainingBalance)

	// 守恒：余额 = -300 + 1000 = 700，恰等于剩余应付
	balance, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)
}

func TestCreateInvoice_Idempotent(t *testing.T) {
	svc, db := newTestInvoiceService(t)
	ctx := context.Background()

	req := &CreateInvoiceRequest{
		RequestID:  "inv-h",
		CustomerID: 1,
		Lines:      singleLine(800),
	}

	first, err := svc.CreateInvoice(ctx, req)
	require.NoError(t, err)

	second, err := svc.CreateInvoice(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.InvoiceNo, second.InvoiceNo)

	var invoiceCount int64
	require.NoError(t, db.Model(&model.Invoice{}).Count(&invoiceCount).Error)
	assert.Equal(t, int64(1), invoiceCount)

	entries, err := svc.balance.EntriesFor(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "重放不得重复落账")
}

func TestRecordPayment_Idempotent(t *testing.T) {
	svc, _ := newTestInvoiceService(t)
	ctx := context.Background()

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-i",
		CustomerID: 1,
		Lines:      singleLine(1000),
	})
	require.NoError(t, err)

	payReq := &RecordPaymentRequest{RequestID: "pay-i", InvoiceNo: invoice.InvoiceNo, Amount: 400}

	_, err = svc.RecordPayment(ctx, payReq)
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, payReq)
	require.NoError(t, err)

	balance, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance, "重复收款请求只能入账一次")
}

func TestRecordPayment_RejectsOverAndPaidInvoice(t *testing.T) {
	svc, _ := newTestInvoiceService(t)
	ctx := context.Background()

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-j",
		CustomerID: 1,
		Lines:      singleLine(500),
	})
	require.NoError(t, err)

	// 超额收款：必须携带精确数值报错，不得截断
	_, err = svc.RecordPayment(ctx, &RecordPaymentRequest{
		RequestID: "pay-j1", InvoiceNo: invoice.InvoiceNo, Amount: 600,
	})
	var invalidErr *InvalidMutationError
	require.True(t, errors.As(err, &invalidErr))
	assert.Equal(t, int64(500), invalidErr.RemainingBalance)
	assert.Equal(t, int64(600), invalidErr.Requested)

	// 付清后再收款
	_, err = svc.RecordPayment(ctx, &RecordPaymentRequest{
		RequestID: "pay-j2", InvoiceNo: invoice.InvoiceNo, Amount: 500,
	})
	require.NoError(t, err)

	_, err = svc.RecordPayment(ctx, &RecordPaymentRequest{
		RequestID: "pay-j3", InvoiceNo: invoice.InvoiceNo, Amount: 1,
	})
	assert.True(t, errors.As(err, &invalidErr), "已付清发票的收款必须被拒绝")
}

// 现金结算退货只落现金账，客户余额不动
func TestRecordReturn_CashSettlementLeavesBalanceUntouched(t *testing.T) {
	svc, db := newTestInvoiceService(t)
	ctx := context.Background()

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-k",
		CustomerID: 1,
		Lines:      singleLine(1000),
	})
	require.NoError(t, err)

	before, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)

	invoice, err = svc.RecordReturn(ctx, &RecordReturnRequest{
		RequestID:     "ret-k",
		InvoiceNo:     invoice.InvoiceNo,
		ReturnedLines: singleLine(300),
		Settlement:    SettlementCash,
	})
	require.NoError(t, err)

	after, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, before, after, "现金退付在客户信用关系之外")
	assert.Equal(t, int64(700), invoice.RemainingBalance)

	var cashOut int64
	require.NoError(t, db.Model(&model.CashTransaction{}).
		Where("reference_id = ? AND direction = ?", invoice.InvoiceNo, model.CashDirectionOut).
		Count(&cashOut).Error)
	assert.Equal(t, int64(1), cashOut)
}

func TestRecordReturn_RejectsOverReturn(t *testing.T) {
	svc, _ := newTestInvoiceService(t)
	ctx := context.Background()

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-l",
		CustomerID: 1,
		Lines:      singleLine(1000),
	})
	require.NoError(t, err)

	_, err = svc.RecordReturn(ctx, &RecordReturnRequest{
		RequestID:     "ret-l1",
		InvoiceNo:     invoice.InvoiceNo,
		ReturnedLines: singleLine(600),
		Settlement:    SettlementLedger,
	})
	require.NoError(t, err)

	_, err = svc.RecordReturn(ctx, &RecordReturnRequest{
		RequestID:     "ret-l2",
		InvoiceNo:     invoice.InvoiceNo,
		ReturnedLines: singleLine(500),
		Settlement:    SettlementLedger,
	})
	var invalidErr *InvalidMutationError
	assert.True(t, errors.As(err, &invalidErr), "累计退货不得超过发票总额")
}

func TestApplyCredit_InsufficientCreditSurfacesExactValues(t *testing.T) {
	svc, _ := newTestInvoiceService(t)
	ctx := context.Background()

	seedCredit(t, svc, 1, 100, "seed-1")

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-m",
		CustomerID: 1,
		Lines:      singleLine(1000),
	})
	require.NoError(t, err)
	// 开票已耗尽 100 信用，再核销必然不足
	require.Equal(t, int64(900), invoice.RemainingBalance)

	_, err = svc.ApplyCredit(ctx, &ApplyCreditRequest{
		RequestID: "credit-m",
		InvoiceNo: invoice.InvoiceNo,
		Amount:    200,
	})
	var insufficientErr *InsufficientCreditError
	require.True(t, errors.As(err, &insufficientErr))
	assert.Equal(t, int64(200), insufficientErr.Requested)
	assert.Equal(t, int64(0), insufficientErr.Available)
}

func TestApplyCredit_ConsumesHeldCredit(t *testing.T) {
	svc, _ := newTestInvoiceService(t)
	ctx := context.Background()

	// 先开票形成欠款，再预存信用，最后核销到发票
	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-n",
		CustomerID: 1,
		Lines:      singleLine(1000),
	})
	require.NoError(t, err)

	seedCredit(t, svc, 1, 2000, "seed-n") // 余额 1000 - 2000 = -1000

	invoice, err = svc.ApplyCredit(ctx, &ApplyCreditRequest{
		RequestID: "credit-n",
		InvoiceNo: invoice.InvoiceNo,
		Amount:    1000,
	})
	require.NoError(t, err)

	assert.Equal(t, model.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, int64(0), invoice.RemainingBalance)

	// 核销是零符号的标记条目，余额不变
	balance, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1000), balance)
}

// 条目快照链在混合操作序列下保持连续
func TestLedger_OrderingInvariant(t *testing.T) {
	svc, _ := newTestInvoiceService(t)
	ctx := context.Background()

	seedCredit(t, svc, 1, 500, "seed-1")

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-o",
		CustomerID: 1,
		Lines:      singleLine(2000),
	})
	require.NoError(t, err)

	_, err = svc.RecordPayment(ctx, &RecordPaymentRequest{
		RequestID: "pay-o", InvoiceNo: invoice.InvoiceNo, Amount: 700,
	})
	require.NoError(t, err)

	_, err = svc.RecordReturn(ctx, &RecordReturnRequest{
		RequestID: "ret-o", InvoiceNo: invoice.InvoiceNo,
		ReturnedLines: singleLine(300), Settlement: SettlementLedger,
	})
	require.NoError(t, err)

	entries, err := svc.balance.EntriesFor(ctx, 1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 4)

	var signedSum int64
	for i, e := range entries {
		signedSum += e.SignedAmount()
		if i > 0 {
			assert.Equal(t, entries[i-1].BalanceAfter, e.BalanceBefore,
				"快照链断裂: entry[%d]", i)
		}
	}

	balance, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, signedSum, balance)
}

// 场景：同一 request_id 的收款重试在等锁期间，原请求已经完成入账
// 预期：重试方拿到锁后复核幂等，返回已入账结果，不产生第二笔条目
func TestRecordPayment_RetryDuringLockWaitPostsOnce(t *testing.T) {
	svc, db := newTestInvoiceService(t)
	ctx := context.Background()

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-race",
		CustomerID: 1,
		Lines:      singleLine(1000),
	})
	require.NoError(t, err)

	payReq := &RecordPaymentRequest{
		RequestID: "pay-race", InvoiceNo: invoice.InvoiceNo, Amount: 400,
	}

	// 重试方与原请求方各自持有服务实例，共享同一个库
	retrySvc := NewInvoiceService(db, nil, newTestConfig())
	retrySvc.newLock = func(customerID int64, requestID string) customerLocker {
		return &scriptedLock{onLock: func() {
			_, err := svc.RecordPayment(ctx, payReq)
			require.NoError(t, err)
		}}
	}

	got, err := retrySvc.RecordPayment(ctx, payReq)
	require.NoError(t, err)

	assert.Equal(t, int64(400), got.PaymentAmount)
	assert.Equal(t, int64(600), got.RemainingBalance)

	var entryCount int64
	require.NoError(t, db.Model(&model.LedgerEntry{}).
		Where("request_id = ?", "pay-race").Count(&entryCount).Error)
	assert.Equal(t, int64(1), entryCount, "重试不得重复入账")

	balance, err := svc.balance.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance)
}

// 退货重试同样在锁内复核，账本和现金账两条幂等线都要查
func TestRecordReturn_RetryDuringLockWaitPostsOnce(t *testing.T) {
	svc, db := newTestInvoiceService(t)
	ctx := context.Background()

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-race",
		CustomerID: 1,
		Lines:      singleLine(1000),
	})
	require.NoError(t, err)

	retReq := &RecordReturnRequest{
		RequestID: "ret-race", InvoiceNo: invoice.InvoiceNo,
		ReturnedLines: singleLine(300), Settlement: SettlementCash,
	}

	retrySvc := NewInvoiceService(db, nil, newTestConfig())
	retrySvc.newLock = func(customerID int64, requestID string) customerLocker {
		return &scriptedLock{onLock: func() {
			_, err := svc.RecordReturn(ctx, retReq)
			require.NoError(t, err)
		}}
	}

	got, err := retrySvc.RecordReturn(ctx, retReq)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.ReturnedAmount)
	assert.Equal(t, int64(700), got.RemainingBalance)

	// 现金结算退货只落现金账，条目必须恰好一条
	var cashCount int64
	require.NoError(t, db.Model(&model.CashTransaction{}).
		Where("request_id = ?", "ret-race").Count(&cashCount).Error)
	assert.Equal(t, int64(1), cashCount, "重试不得重复退款")
}

// 场景：锁等待超限
// 预期：各入口统一返回 ErrConcurrentModification
func TestCustomerLockTimeoutSurfacesConcurrentModification(t *testing.T) {
	svc, db := newTestInvoiceService(t)
	ctx := context.Background()

	invoice, err := svc.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-lock",
		CustomerID: 1,
		Lines:      singleLine(1000),
	})
	require.NoError(t, err)

	blocked := NewInvoiceService(db, nil, newTestConfig())
	blocked.newLock = func(customerID int64, requestID string) customerLocker {
		return &scriptedLock{err: lock.ErrLockFailed}
	}

	_, err = blocked.RecordPayment(ctx, &RecordPaymentRequest{
		RequestID: "pay-lock", InvoiceNo: invoice.InvoiceNo, Amount: 100,
	})
	assert.ErrorIs(t, err, ErrConcurrentModification)

	_, err = blocked.CreateInvoice(ctx, &CreateInvoiceRequest{
		RequestID:  "inv-lock-2",
		CustomerID: 1,
		Lines:      singleLine(500),
	})
	assert.ErrorIs(t, err, ErrConcurrentModification)
}
