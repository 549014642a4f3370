package repository

import (
	"context"

	"storeledger/internal/model"

	"gorm.io/gorm"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Append 追加一条账本条目（只追加，永不更新）
func (r *LedgerRepository) Append(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

// ListByCustomer 按规范顺序（created_at，平局按 id）列出客户全部条目，最早在前
func (r *LedgerRepository) ListByCustomer(ctx context.Context, customerID int64) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *LedgerRepository) GetByRequestID(ctx context.Context, tx *gorm.DB, requestID string) (*model.LedgerEntry, error) {
	if tx == nil {
		tx = r.db
	}
	var entry model.LedgerEntry
	err := tx.WithContext(ctx).Where("request_id = ?", requestID).First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// signedSumExpr 符号和：DEBIT 贡献 +amount，CREDIT 贡献 -amount，ADJUSTMENT 贡献 0
const signedSumExpr = "COALESCE(SUM(CASE entry_type " +
	"WHEN 'DEBIT' THEN amount " +
	"WHEN 'CREDIT' THEN -amount " +
	"ELSE 0 END), 0)"

// SumByCustomer 计算客户账本符号和
// excludeReferenceID 非空时剔除挂在该单据上的条目，
// 用于"扣除本张发票影响后的余额"这类两阶段读取
func (r *LedgerRepository) SumByCustomer(ctx context.Context, tx *gorm.DB, customerID int64, excludeReferenceID string) (int64, error) {
	if tx == nil {
		tx = r.db
	}

	query := tx.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("customer_id = ?", customerID)
	if excludeReferenceID != "" {
		query = query.Where("reference_id <> ?", excludeReferenceID)
	}

	var sum int64
	err := query.Select(signedSumExpr).Scan(&sum).Error
	return sum, err
}

// SumByReference 计算某张单据名下条目的符号和
func (r *LedgerRepository) SumByReference(ctx context.Context, tx *gorm.DB, customerID int64, referenceID string) (int64, error) {
	if tx == nil {
		tx = r.db
	}

	var sum int64
	err := tx.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("customer_id = ? AND reference_id = ?", customerID, referenceID).
		Select(signedSumExpr).
		Scan(&sum).Error
	return sum, err
}

func (r *LedgerRepository) ListByReference(ctx context.Context, referenceID string) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// DeleteByReference 删除单据名下指定业务类型的条目
// transactionTypes 为空表示该单据全部条目；仅限发票删除与对账修复两条路径调用
func (r *LedgerRepository) DeleteByReference(ctx context.Context, tx *gorm.DB, referenceID string, transactionTypes []string) (int64, error) {
	if tx == nil {
		tx = r.db
	}

	query := tx.WithContext(ctx).Where("reference_id = ?", referenceID)
	if len(transactionTypes) > 0 {
		query = query.Where("transaction_type IN ?", transactionTypes)
	}

	result := query.Delete(&model.LedgerEntry{})
	return result.RowsAffected, result.Error
}

// DeleteByIDs 按主键删除条目（仅限对账修复例程删除被证实的重复条目）
func (r *LedgerRepository) DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).Where("id IN ?", ids).Delete(&model.LedgerEntry{})
	return result.RowsAffected, result.Error
}
