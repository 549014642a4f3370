package model

import (
	"time"
)

// ============================================================================
// 账本条目类型常量
// ============================================================================

// 条目类型：决定条目对余额的符号贡献
const (
	EntryTypeDebit      = "DEBIT"      // 借记：增加客户欠款（+amount）
	EntryTypeCredit     = "CREDIT"     // 贷记：减少客户欠款 / 增加客户信用（-amount）
	EntryTypeAdjustment = "ADJUSTMENT" // 调整：信用核销标记，余额贡献为 0
)

// 业务类型：封闭枚举，新业务事件必须映射到其中之一，禁止自由字符串
const (
	TxnTypeInvoice    = "INVOICE"    // 开票
	TxnTypePayment    = "PAYMENT"    // 收款
	TxnTypeReturn     = "RETURN"     // 退货
	TxnTypeAdjustment = "ADJUSTMENT" // 调整（含信用核销）
	TxnTypeDiscount   = "DISCOUNT"   // 折让
	TxnTypeInterest   = "INTEREST"   // 利息
)

// 引用类型
const (
	ReferenceTypeInvoice = "INVOICE"
	ReferenceTypeManual  = "MANUAL"
)

// ValidTransactionTypes 业务类型合法性校验表
var ValidTransactionTypes = map[string]bool{
	TxnTypeInvoice:    true,
	TxnTypePayment:    true,
	TxnTypeReturn:     true,
	TxnTypeAdjustment: true,
	TxnTypeDiscount:   true,
	TxnTypeInterest:   true,
}

// ============================================================================
// 账本条目实体
// ============================================================================

// LedgerEntry 客户账本条目表
// 记录影响客户余额的每一笔财务事件，是历史真相的唯一来源
//
// 【重要】账本表设计原则：
// 1. 只追加，不修改 —— 仅对账修复例程可以删除被证实的重复条目
// 2. 每笔条目记录变动前后余额快照 —— 按 (created_at, id) 排序后，
//    第 n 条的 balance_after 必须等于第 n+1 条的 balance_before
// 3. amount 恒为非负幅值，符号由 entry_type 决定：
//    DEBIT 贡献 +amount，CREDIT 贡献 -amount，ADJUSTMENT 贡献 0
type LedgerEntry struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo         string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"` // 条目号（全局唯一）
	RequestID       string    `gorm:"type:varchar(64);index" json:"request_id"`              // 幂等ID，客户端生成
	CustomerID      int64     `gorm:"index;not null" json:"customer_id"`
	EntryType       string    `gorm:"type:varchar(20);not null" json:"entry_type"`
	TransactionType string    `gorm:"type:varchar(20);not null" json:"transaction_type"`
	Amount          int64     `gorm:"not null" json:"amount"` // 幅值（最小货币单位，非负）
	BalanceBefore   int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter    int64     `gorm:"not null" json:"balance_after"`
	ReferenceType   string    `gorm:"type:varchar(20)" json:"reference_type"`          // 来源单据类型（外部不透明标识）
	ReferenceID     string    `gorm:"type:varchar(64);index" json:"reference_id"`      // 来源单据号
	Remark          string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}

// SignedAmount 条目对余额的符号贡献
func (e *LedgerEntry) SignedAmount() int64 {
	switch e.EntryType {
	case EntryTypeDebit:
		return e.Amount
	case EntryTypeCredit:
		return -e.Amount
	default:
		// ADJUSTMENT：信用核销标记，不改变余额
		return 0
	}
}
