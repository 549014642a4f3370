package repository

import (
	"context"
	"errors"

	"storeledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("客户账户不存在")
	ErrStaleAccount    = errors.New("客户账户版本已过期")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *model.CustomerAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByCustomerID(ctx context.Context, customerID int64) (*model.CustomerAccount, error) {
	var account model.CustomerAccount
	err := r.db.WithContext(ctx).Where("customer_id = ?", customerID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByCustomerIDForUpdate 行锁读取账户
// SQLite 方言不支持 FOR UPDATE，单元测试场景依赖其库级串行写入
func (r *AccountRepository) GetByCustomerIDForUpdate(ctx context.Context, tx *gorm.DB, customerID int64) (*model.CustomerAccount, error) {
	query := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var account model.CustomerAccount
	err := query.Where("customer_id = ?", customerID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// UpdateBalance 覆写缓存余额（调用方必须已持有该客户行锁）
// version 是读取账户时拿到的版本号：写入以 version 为条件并递增，
// 锁内读取和写入之间若有其他写入发生，这里命中 0 行并返回 ErrStaleAccount
func (r *AccountRepository) UpdateBalance(ctx context.Context, tx *gorm.DB, customerID int64, newBalance int64, version int) error {
	result := tx.WithContext(ctx).
		Model(&model.CustomerAccount{}).
		Where("customer_id = ? AND version = ?", customerID, version).
		Updates(map[string]interface{}{
			"balance": newBalance,
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrStaleAccount
	}

	return nil
}

func (r *AccountRepository) GetOrCreate(ctx context.Context, customerID int64) (*model.CustomerAccount, error) {
	account, err := r.GetByCustomerID(ctx, customerID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.CustomerAccount{
		CustomerID: customerID,
		Balance:    0,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "customer_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByCustomerID(ctx, customerID)
}

// ListCustomerIDs 分批列出全部客户ID（对账巡检用）
func (r *AccountRepository) ListCustomerIDs(ctx context.Context, offset, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.CustomerAccount{}).
		Order("customer_id ASC").
		Offset(offset).
		Limit(limit).
		Pluck("customer_id", &ids).Error
	return ids, err
}
