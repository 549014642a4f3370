package model

import (
	"time"
)

const (
	InvoiceStatusPending       = "PENDING"
	InvoiceStatusPartiallyPaid = "PARTIALLY_PAID"
	InvoiceStatusPaid          = "PAID"
)

// Invoice 销售发票表
// 行项目定价、税费计算由外部模块负责，本引擎只读写结算相关字段，
// 并维护不变式：remaining_balance = grand_total - payment_amount - returned_amount
type Invoice struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	InvoiceNo        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"invoice_no"`
	RequestID        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"` // 幂等ID
	CustomerID       int64     `gorm:"index;not null" json:"customer_id"`
	GrandTotal       int64     `gorm:"not null" json:"grand_total"`                // 发票总额
	DirectPayment    int64     `gorm:"not null;default:0" json:"direct_payment"`   // 开票时现金直付
	PaymentAmount    int64     `gorm:"not null;default:0" json:"payment_amount"`   // 累计已付（直付+信用核销+后续收款）
	ReturnedAmount   int64     `gorm:"not null;default:0" json:"returned_amount"`  // 累计退货金额
	RemainingBalance int64     `gorm:"not null;default:0" json:"remaining_balance"`
	Status           string    `gorm:"type:varchar(20);not null" json:"status"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoice"
}

// Recalculate 重算剩余应付并推导状态
// 状态只由 remaining_balance 和 payment_amount 推导，不允许外部直接指定
func (inv *Invoice) Recalculate(epsilon int64) {
	inv.RemainingBalance = inv.GrandTotal - inv.PaymentAmount - inv.ReturnedAmount
	inv.Status = DeriveInvoiceStatus(inv.RemainingBalance, inv.PaymentAmount, epsilon)
}

// DeriveInvoiceStatus 发票状态推导
// remaining <= epsilon 即视为已付清（epsilon 为系统最小单位舍入容差）
func DeriveInvoiceStatus(remainingBalance, paymentAmount, epsilon int64) string {
	if remainingBalance <= epsilon {
		return InvoiceStatusPaid
	}
	if paymentAmount > 0 {
		return InvoiceStatusPartiallyPaid
	}
	return InvoiceStatusPending
}
