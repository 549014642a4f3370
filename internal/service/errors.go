package service

import (
	"errors"
	"fmt"
)

// ============================================================================
// 错误分类
// ============================================================================
//
// 四类错误都会中止当前事务并保持先前状态不变。
// ReconciliationMismatch 是唯一在上报后还会自动修复的一类（账本为准），
// 它从不阻塞触发它的调用方。
// 错误信息必须携带精确的计算值（不做舍入），差异才可排查。

// ErrConcurrentModification 客户行锁在有界等待内未获取到，调用方可重试
var ErrConcurrentModification = errors.New("客户账户操作冲突，请稍后重试")

// InsufficientCreditError 申请核销的信用超过可用额度
// 绝不静默截断：截断会掩盖调用方的缺陷
type InsufficientCreditError struct {
	CustomerID int64
	Requested  int64
	Available  int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("信用额度不足: customerID=%d, 申请核销=%d, 可用额度=%d",
		e.CustomerID, e.Requested, e.Available)
}

// InvalidMutationError 在许可路径（退货/删除）之外变更已付清发票
type InvalidMutationError struct {
	InvoiceNo        string
	Operation        string
	RemainingBalance int64
	Requested        int64
}

func (e *InvalidMutationError) Error() string {
	return fmt.Sprintf("发票不允许该变更: invoiceNo=%s, operation=%s, 剩余应付=%d, 请求金额=%d",
		e.InvoiceNo, e.Operation, e.RemainingBalance, e.Requested)
}

// ReconciliationMismatchError 账本符号和与缓存余额超出容差
// 账本只追加、可审计，冲突时以账本为准覆写缓存
type ReconciliationMismatchError struct {
	CustomerID    int64
	LedgerSum     int64
	CachedBalance int64
}

func (e *ReconciliationMismatchError) Error() string {
	return fmt.Sprintf("余额对账不一致: customerID=%d, 账本合计=%d, 缓存余额=%d, 差额=%d",
		e.CustomerID, e.LedgerSum, e.CachedBalance, e.LedgerSum-e.CachedBalance)
}
