package repository

import (
	"context"
	"errors"

	"storeledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrInvoiceNotFound = errors.New("发票不存在")
)

type InvoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func (r *InvoiceRepository) Create(ctx context.Context, tx *gorm.DB, invoice *model.Invoice) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(invoice).Error
}

func (r *InvoiceRepository) GetByInvoiceNo(ctx context.Context, invoiceNo string) (*model.Invoice, error) {
	var invoice model.Invoice
	err := r.db.WithContext(ctx).Where("invoice_no = ?", invoiceNo).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *InvoiceRepository) GetByRequestID(ctx context.Context, requestID string) (*model.Invoice, error) {
	var invoice model.Invoice
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

// UpdateSettlement 回写结算字段（payment_amount / returned_amount / remaining_balance / status）
func (r *InvoiceRepository) UpdateSettlement(ctx context.Context, tx *gorm.DB, invoice *model.Invoice) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Invoice{}).
		Where("invoice_no = ?", invoice.InvoiceNo).
		Updates(map[string]interface{}{
			"payment_amount":    invoice.PaymentAmount,
			"returned_amount":   invoice.ReturnedAmount,
			"remaining_balance": invoice.RemainingBalance,
			"status":            invoice.Status,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrInvoiceNotFound
	}

	return nil
}

func (r *InvoiceRepository) Delete(ctx context.Context, tx *gorm.DB, invoiceNo string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Where("invoice_no = ?", invoiceNo).Delete(&model.Invoice{}).Error
}

func (r *InvoiceRepository) ListByCustomer(ctx context.Context, customerID int64, page, pageSize int) ([]*model.Invoice, int64, error) {
	var invoices []*model.Invoice
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Invoice{}).Where("customer_id = ?", customerID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&invoices).Error

	return invoices, total, err
}
