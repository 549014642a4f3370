package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"storeledger/internal/config"
	"storeledger/internal/model"
	"storeledger/internal/repository"

	"gorm.io/gorm"
)

const sweepBatchSize = 200

// ValidationReport 单个客户的对账结果
type ValidationReport struct {
	CustomerID    int64 `json:"customer_id"`
	Consistent    bool  `json:"consistent"`
	LedgerSum     int64 `json:"ledger_sum"`
	CachedBalance int64 `json:"cached_balance"`
}

// RepairResult 单个客户的修复结果
type RepairResult struct {
	CustomerID    int64 `json:"customer_id"`
	Repaired      bool  `json:"repaired"`
	LedgerSum     int64 `json:"ledger_sum"`
	BalanceBefore int64 `json:"balance_before"`
}

// SweepResult 全量巡检结果
type SweepResult struct {
	Scanned           int `json:"scanned"`
	Repaired          int `json:"repaired"`
	DuplicatesRemoved int `json:"duplicates_removed"`
}

// ReconcileService 对账校验器
//
// 不变式：客户缓存余额 == 其全部账本条目的符号和（容差内）
// 冲突时一律以账本为准覆盖缓存，绝不反向调账本
type ReconcileService struct {
	db          *gorm.DB
	cfg         *config.Config
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.LedgerRepository
	outboxRepo  *repository.OutboxRepository
}

func NewReconcileService(db *gorm.DB, cfg *config.Config) *ReconcileService {
	return &ReconcileService{
		db:          db,
		cfg:         cfg,
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// Validate 只读对账：不加锁、不修改任何数据
func (s *ReconcileService) Validate(ctx context.Context, customerID int64) (*ValidationReport, error) {
	account, err := s.accountRepo.GetByCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}

	ledgerSum, err := s.ledgerRepo.SumByCustomer(ctx, s.db, customerID, "")
	if err != nil {
		return nil, fmt.Errorf("计算账本符号和失败: %w", err)
	}

	diff := ledgerSum - account.Balance
	if diff < 0 {
		diff = -diff
	}

	return &ValidationReport{
		CustomerID:    customerID,
		Consistent:    diff <= s.cfg.Business.RoundingEpsilon,
		LedgerSum:     ledgerSum,
		CachedBalance: account.Balance,
	}, nil
}

// Repair 对账并修复单个客户
//
// 【关键点】不一致时既上报又自愈：先记录精确差额日志（供人工追查成因），
// 再在行锁事务内按账本重算并覆盖缓存，不阻塞任何调用方
func (s *ReconcileService) Repair(ctx context.Context, customerID int64) (*RepairResult, error) {
	result := &RepairResult{CustomerID: customerID}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		account, err := s.accountRepo.GetByCustomerIDForUpdate(ctx, tx, customerID)
		if err != nil {
			return err
		}
		result.BalanceBefore = account.Balance

		// 锁内重算，避免和在途写入竞争
		ledgerSum, err := s.ledgerRepo.SumByCustomer(ctx, tx, customerID, "")
		if err != nil {
			return fmt.Errorf("计算账本符号和失败: %w", err)
		}
		result.LedgerSum = ledgerSum

		diff := ledgerSum - account.Balance
		if diff < 0 {
			diff = -diff
		}
		if diff <= s.cfg.Business.RoundingEpsilon {
			return nil
		}

		mismatch := &ReconciliationMismatchError{
			CustomerID:    customerID,
			LedgerSum:     ledgerSum,
			CachedBalance: account.Balance,
		}
		log.Printf("对账不一致，按账本修复: %v", mismatch)

		if err := s.accountRepo.UpdateBalance(ctx, tx, customerID, ledgerSum, account.Version); err != nil {
			return fmt.Errorf("修复余额失败: %w", err)
		}
		result.Repaired = true

		return s.emitRepaired(ctx, tx, customerID, ledgerSum)
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// RepairTx 在调用方已有的事务内重算并覆盖余额（删票等条目集合变化后使用）
// 调用方必须已持有该客户的行锁
func (s *ReconcileService) RepairTx(ctx context.Context, tx *gorm.DB, customerID int64) error {
	account, err := s.accountRepo.GetByCustomerIDForUpdate(ctx, tx, customerID)
	if err != nil {
		return err
	}

	ledgerSum, err := s.ledgerRepo.SumByCustomer(ctx, tx, customerID, "")
	if err != nil {
		return fmt.Errorf("计算账本符号和失败: %w", err)
	}

	if ledgerSum == account.Balance {
		return nil
	}
	if err := s.accountRepo.UpdateBalance(ctx, tx, customerID, ledgerSum, account.Version); err != nil {
		return fmt.Errorf("修复余额失败: %w", err)
	}
	return s.emitRepaired(ctx, tx, customerID, ledgerSum)
}

// RepairAll 全量巡检：重复条目清理 + 余额修复
// 进程启动时跑一次，之后由后台任务周期执行；重复执行安全
func (s *ReconcileService) RepairAll(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	offset := 0
	for {
		customerIDs, err := s.accountRepo.ListCustomerIDs(ctx, offset, sweepBatchSize)
		if err != nil {
			return result, fmt.Errorf("扫描客户账户失败: %w", err)
		}
		if len(customerIDs) == 0 {
			break
		}

		for _, customerID := range customerIDs {
			result.Scanned++

			removed, err := s.sweepDuplicates(ctx, customerID)
			if err != nil {
				log.Printf("重复条目清理失败: customerID=%d, err=%v", customerID, err)
				continue
			}
			result.DuplicatesRemoved += removed

			repair, err := s.Repair(ctx, customerID)
			if err != nil {
				log.Printf("余额修复失败: customerID=%d, err=%v", customerID, err)
				continue
			}
			if repair.Repaired {
				result.Repaired++
			}
		}

		offset += sweepBatchSize
	}

	log.Printf("全量巡检完成: scanned=%d, repaired=%d, duplicatesRemoved=%d",
		result.Scanned, result.Repaired, result.DuplicatesRemoved)

	return result, nil
}

// sweepDuplicates 清理单个客户的重复条目
//
// 判定规则：同一引用号 + 同一交易类型 + 同一金额，且创建时间落在锚点条目的
// 时间窗之内（缺省5秒），视为同一业务动作的重复落账。每组保留 id 最小者为锚，
// 窗口外的条目成为新锚点（同一天对同一发票的两笔等额收款是合法业务）。
// 删除后余额由随后的 Repair 按账本重算，不在这里动缓存
func (s *ReconcileService) sweepDuplicates(ctx context.Context, customerID int64) (int, error) {
	entries, err := s.ledgerRepo.ListByCustomer(ctx, customerID)
	if err != nil {
		return 0, err
	}

	type dupKey struct {
		ReferenceID     string
		TransactionType string
		Amount          int64
	}
	groups := make(map[dupKey][]*model.LedgerEntry)
	for _, e := range entries {
		if e.ReferenceID == "" {
			continue
		}
		k := dupKey{e.ReferenceID, e.TransactionType, e.Amount}
		groups[k] = append(groups[k], e)
	}

	window := time.Duration(s.cfg.Business.DuplicateWindowSeconds) * time.Second
	var toDelete []int64
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].ID < group[j].ID
			}
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})

		anchor := group[0]
		for _, e := range group[1:] {
			if e.CreatedAt.Sub(anchor.CreatedAt) <= window {
				toDelete = append(toDelete, e.ID)
			} else {
				anchor = e
			}
		}
	}

	if len(toDelete) == 0 {
		return 0, nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		_, err := s.ledgerRepo.DeleteByIDs(ctx, tx, toDelete)
		return err
	})
	if err != nil {
		return 0, err
	}

	log.Printf("清理重复条目: customerID=%d, removed=%d", customerID, len(toDelete))
	return len(toDelete), nil
}

// emitRepaired 修复也是一次余额变更，同样走发件箱通知下游
func (s *ReconcileService) emitRepaired(ctx context.Context, tx *gorm.DB, customerID, newBalance int64) error {
	payload := map[string]interface{}{
		"customer_id":      customerID,
		"balance":          newBalance,
		"transaction_type": "RECONCILE_REPAIR",
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
