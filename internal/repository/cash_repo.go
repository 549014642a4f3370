package repository

import (
	"context"

	"storeledger/internal/model"

	"gorm.io/gorm"
)

type CashRepository struct {
	db *gorm.DB
}

func NewCashRepository(db *gorm.DB) *CashRepository {
	return &CashRepository{db: db}
}

func (r *CashRepository) Create(ctx context.Context, tx *gorm.DB, cash *model.CashTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(cash).Error
}

func (r *CashRepository) ListByReference(ctx context.Context, referenceID string) ([]*model.CashTransaction, error) {
	var records []*model.CashTransaction
	err := r.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("created_at ASC, id ASC").
		Find(&records).Error
	return records, err
}

func (r *CashRepository) GetByRequestID(ctx context.Context, tx *gorm.DB, requestID string) (*model.CashTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var record model.CashTransaction
	err := tx.WithContext(ctx).Where("request_id = ?", requestID).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *CashRepository) DeleteByReference(ctx context.Context, tx *gorm.DB, referenceID string) (int64, error) {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).Where("reference_id = ?", referenceID).Delete(&model.CashTransaction{})
	return result.RowsAffected, result.Error
}
