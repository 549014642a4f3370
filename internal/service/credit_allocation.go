package service

// ============================================================================
// 信用核销计算
// ============================================================================

// Allocation 一次信用核销的计算结果
type Allocation struct {
	CreditUsed   int64 // 本次消耗的信用（最小货币单位）
	RemainingDue int64 // 核销后的剩余应付
}

// CreditAllocator 信用核销计算器
// 纯函数：确定性，无随机性，相同输入幂等产生相同输出
type CreditAllocator struct{}

func NewCreditAllocator() *CreditAllocator {
	return &CreditAllocator{}
}

// Allocate 计算一张发票消耗多少可用信用
//
// 两个分支是明确的业务规则，必须显式保留，不允许"化简"成纯算术：
// 1. 全额直付的发票绝不强制消耗信用，即使客户持有信用
// 2. 可用信用为零时不产生核销
//
// 守恒：creditUsed <= availableCredit 且 creditUsed <= outstanding，
// 金额全程为最小货币单位整数，不存在未结转的小数单位
func (a *CreditAllocator) Allocate(availableCredit, invoiceTotal, directPayment int64) Allocation {
	outstanding := invoiceTotal - directPayment
	if outstanding < 0 {
		outstanding = 0
	}

	// 业务规则：直付已覆盖全额，信用分文不动
	if directPayment == invoiceTotal {
		return Allocation{CreditUsed: 0, RemainingDue: outstanding}
	}

	// 业务规则：无可用信用，不核销
	if availableCredit == 0 {
		return Allocation{CreditUsed: 0, RemainingDue: outstanding}
	}

	creditUsed := availableCredit
	if creditUsed > outstanding {
		creditUsed = outstanding
	}

	return Allocation{
		CreditUsed:   creditUsed,
		RemainingDue: outstanding - creditUsed,
	}
}
