package model

import (
	"time"
)

const (
	CashDirectionIn  = "IN"  // 现金流入（客户直付/收款）
	CashDirectionOut = "OUT" // 现金流出（现金结算退货）
)

// CashTransaction 现金账表
// 独立于客户信用账本的现金流水：现金结算不属于客户的信用关系，
// 因此现金事件只落在这张表，不产生客户账本条目
type CashTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CashNo        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"cash_no"`
	RequestID     string    `gorm:"type:varchar(64);index" json:"request_id"`
	CustomerID    int64     `gorm:"index;not null" json:"customer_id"`
	Direction     string    `gorm:"type:varchar(10);not null" json:"direction"`
	Amount        int64     `gorm:"not null" json:"amount"` // 幅值（最小货币单位，非负）
	ReferenceType string    `gorm:"type:varchar(20)" json:"reference_type"`
	ReferenceID   string    `gorm:"type:varchar(64);index" json:"reference_id"`
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CashTransaction) TableName() string {
	return "cash_transaction"
}
