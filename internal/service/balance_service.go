package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storeledger/internal/config"
	"storeledger/internal/model"
	"storeledger/internal/repository"
	"storeledger/pkg/idgen"

	"gorm.io/gorm"
)

// 余额变动方向
const (
	DirectionIncrease = "INCREASE" // 借记：客户欠款增加
	DirectionDecrease = "DECREASE" // 贷记：客户欠款减少 / 信用增加
)

// BalanceService 余额管理器
// customer_account.balance 的唯一写入口：其余组件只读缓存余额，
// 所有变更必须经由 UpdateAtomic / RecordAllocation 走"行锁 + 账本流水"原子路径
type BalanceService struct {
	db          *gorm.DB
	cfg         *config.Config
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.LedgerRepository
	outboxRepo  *repository.OutboxRepository
}

func NewBalanceService(db *gorm.DB, cfg *config.Config) *BalanceService {
	return &BalanceService{
		db:          db,
		cfg:         cfg,
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// CurrentBalance 读取缓存余额（快路径，O(1)，不扫账本）
// 账户不存在视为余额 0
func (s *BalanceService) CurrentBalance(ctx context.Context, customerID int64) (int64, error) {
	account, err := s.accountRepo.GetByCustomerID(ctx, customerID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return account.Balance, nil
}

// AvailableCredit 可用信用额度 = max(0, -balance)
//
// 【关键点】excludingInvoiceNo 非空时计算的是"没有该发票影响时"的余额：
// 开票流程先落借记条目再评估信用，此时缓存余额已包含本票影响，
// 必须按引用号剔除本票条目后再取负余额。这是一个明确的两阶段序列：
//   第一阶段：借记条目落账（使本票条目可按引用号寻址）
//   第二阶段：缓存余额 - 本票条目符号和 => 票前余额 => 可用信用
// 把"票前余额"误当成"当前余额"是这套引擎历史上最高发的错误
func (s *BalanceService) AvailableCredit(ctx context.Context, customerID int64, excludingInvoiceNo string) (int64, error) {
	account, err := s.accountRepo.GetByCustomerID(ctx, customerID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}

	if excludingInvoiceNo == "" {
		return account.AvailableCredit(), nil
	}

	return s.availableCreditExcluding(ctx, nil, account, excludingInvoiceNo)
}

// availableCreditExcluding 两阶段序列的第二阶段（tx 为 nil 时走只读连接）
func (s *BalanceService) availableCreditExcluding(ctx context.Context, tx *gorm.DB, account *model.CustomerAccount, excludingInvoiceNo string) (int64, error) {
	refSum, err := s.ledgerRepo.SumByReference(ctx, tx, account.CustomerID, excludingInvoiceNo)
	if err != nil {
		return 0, err
	}

	preInvoiceBalance := account.Balance - refSum
	if preInvoiceBalance < 0 {
		return -preInvoiceBalance, nil
	}
	return 0, nil
}

// BalanceUpdate 一次余额变更请求
type BalanceUpdate struct {
	CustomerID      int64
	Amount          int64  // 幅值，必须为正
	Direction       string // INCREASE / DECREASE
	TransactionType string
	ReferenceType   string
	ReferenceID     string
	RequestID       string
	Remark          string
}

// UpdateAtomic 变更余额的唯一许可路径（必须在调用方事务内执行）
//
// 单次变更的状态机：Pending -> Locked -> Applied | Aborted，
// 中间状态对外不可见：
//   1. 行锁锁定客户账户（Locked）
//   2. newBalance = oldBalance ± amount
//   3. 覆写账户 + 追加携带前后余额快照的账本条目 + 发件箱事件
//   4. 随调用方事务一并提交或回滚（Applied / Aborted）
func (s *BalanceService) UpdateAtomic(ctx context.Context, tx *gorm.DB, upd *BalanceUpdate) (*model.LedgerEntry, error) {
	if upd.Amount <= 0 {
		return nil, fmt.Errorf("变更金额必须为正: amount=%d", upd.Amount)
	}
	if !model.ValidTransactionTypes[upd.TransactionType] {
		return nil, fmt.Errorf("非法业务类型: %s", upd.TransactionType)
	}

	account, err := s.accountRepo.GetByCustomerIDForUpdate(ctx, tx, upd.CustomerID)
	if err != nil {
		return nil, err
	}

	var entryType string
	var newBalance int64
	switch upd.Direction {
	case DirectionIncrease:
		entryType = model.EntryTypeDebit
		newBalance = account.Balance + upd.Amount
	case DirectionDecrease:
		entryType = model.EntryTypeCredit
		newBalance = account.Balance - upd.Amount
	default:
		return nil, fmt.Errorf("非法变更方向: %s", upd.Direction)
	}

	if err := s.accountRepo.UpdateBalance(ctx, tx, upd.CustomerID, newBalance, account.Version); err != nil {
		return nil, err
	}

	entry := &model.LedgerEntry{
		EntryNo:         idgen.GenerateEntryNo(),
		RequestID:       upd.RequestID,
		CustomerID:      upd.CustomerID,
		EntryType:       entryType,
		TransactionType: upd.TransactionType,
		Amount:          upd.Amount,
		BalanceBefore:   account.Balance,
		BalanceAfter:    newBalance,
		ReferenceType:   upd.ReferenceType,
		ReferenceID:     upd.ReferenceID,
		Remark:          upd.Remark,
	}
	if err := s.ledgerRepo.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := s.emitBalanceChanged(ctx, tx, upd.CustomerID, newBalance, entry.EntryNo, upd.TransactionType); err != nil {
		return nil, err
	}

	return entry, nil
}

// RecordAllocation 记录一笔信用核销标记（必须在调用方事务内执行）
//
// 【关键点】核销条目是 ADJUSTMENT 类型、余额贡献为 0 的审计标记：
// 被消耗的信用本来就体现在余额里，本票的借记条目落账后余额已经吸收了它，
// 若再写一条带符号的贷记，信用会被双重计入。条目依然锁行落账、
// 携带相等的前后余额快照并挂在发票引用上，保证快照链续接和可审计
func (s *BalanceService) RecordAllocation(ctx context.Context, tx *gorm.DB, customerID, creditUsed int64, invoiceNo, requestID string) (*model.LedgerEntry, error) {
	if creditUsed <= 0 {
		return nil, fmt.Errorf("核销金额必须为正: creditUsed=%d", creditUsed)
	}

	account, err := s.accountRepo.GetByCustomerIDForUpdate(ctx, tx, customerID)
	if err != nil {
		return nil, err
	}

	entry := &model.LedgerEntry{
		EntryNo:         idgen.GenerateEntryNo(),
		RequestID:       requestID,
		CustomerID:      customerID,
		EntryType:       model.EntryTypeAdjustment,
		TransactionType: model.TxnTypeAdjustment,
		Amount:          creditUsed,
		BalanceBefore:   account.Balance,
		BalanceAfter:    account.Balance,
		ReferenceType:   model.ReferenceTypeInvoice,
		ReferenceID:     invoiceNo,
		Remark:          fmt.Sprintf("信用核销-%s", invoiceNo),
	}
	if err := s.ledgerRepo.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	return entry, nil
}

// AdjustmentRequest 手工调整请求（折让/利息/杂项调整）
type AdjustmentRequest struct {
	RequestID       string `json:"request_id" binding:"required"`
	CustomerID      int64  `json:"customer_id" binding:"required"`
	Amount          int64  `json:"amount" binding:"required,gt=0"`
	Direction       string `json:"direction" binding:"required"`        // INCREASE / DECREASE
	TransactionType string `json:"transaction_type" binding:"required"` // ADJUSTMENT / DISCOUNT / INTEREST
	Remark          string `json:"remark"`
}

// RecordAdjustment 手工调整入口（自带事务）
func (s *BalanceService) RecordAdjustment(ctx context.Context, req *AdjustmentRequest) (*model.LedgerEntry, error) {
	switch req.TransactionType {
	case model.TxnTypeAdjustment, model.TxnTypeDiscount, model.TxnTypeInterest:
	default:
		return nil, fmt.Errorf("手工调整不支持的业务类型: %s", req.TransactionType)
	}

	// 幂等快路径
	if existing, err := s.ledgerRepo.GetByRequestID(ctx, nil, req.RequestID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, req.CustomerID); err != nil {
		return nil, err
	}

	var entry *model.LedgerEntry
	err := s.db.Transaction(func(tx *gorm.DB) error {
		// 行锁内复核幂等：并发重放在快路径之后、行锁之前可能已入账
		if _, err := s.accountRepo.GetByCustomerIDForUpdate(ctx, tx, req.CustomerID); err != nil {
			return err
		}
		if existing, err := s.ledgerRepo.GetByRequestID(ctx, tx, req.RequestID); err != nil {
			return err
		} else if existing != nil {
			entry = existing
			return nil
		}

		var err error
		entry, err = s.UpdateAtomic(ctx, tx, &BalanceUpdate{
			CustomerID:      req.CustomerID,
			Amount:          req.Amount,
			Direction:       req.Direction,
			TransactionType: req.TransactionType,
			ReferenceType:   model.ReferenceTypeManual,
			ReferenceID:     req.RequestID,
			RequestID:       req.RequestID,
			Remark:          req.Remark,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// EntriesFor 审计展示：按规范顺序输出客户全部账本条目
func (s *BalanceService) EntriesFor(ctx context.Context, customerID int64) ([]*model.LedgerEntry, error) {
	return s.ledgerRepo.ListByCustomer(ctx, customerID)
}

// emitBalanceChanged 在余额写入事务内落一条发件箱事件
// 后台任务异步投递：至少一次，不保证顺序
func (s *BalanceService) emitBalanceChanged(ctx context.Context, tx *gorm.DB, customerID, newBalance int64, entryNo, transactionType string) error {
	payload := map[string]interface{}{
		"customer_id":      customerID,
		"balance":          newBalance,
		"entry_no":         entryNo,
		"transaction_type": transactionType,
		"changed_at":       time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(payload)

	msg := &model.OutboxMessage{
		EventType:  model.EventTypeBalanceChanged,
		MessageKey: fmt.Sprintf("%d", customerID),
		Topic:      s.cfg.Kafka.Topic.BalanceChanged,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, msg)
}
