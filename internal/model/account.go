package model

import (
	"time"
)

// CustomerAccount 客户账户表
// balance 是每个客户唯一权威的缓存余额：正数表示客户欠款，负数表示客户持有信用（预付/多付）
//
// 【重要】金额一律以最小货币单位（分）的整数存储，杜绝浮点误差
// 任何修改 balance 的路径都必须同时写入一条对应的账本流水；
// 绕过 BalanceService 直接 UPDATE 余额字段属于结构性缺陷
type CustomerAccount struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CustomerID int64     `gorm:"uniqueIndex;not null" json:"customer_id"` // 客户ID，业务方传入
	Balance    int64     `gorm:"not null;default:0" json:"balance"`       // 缓存余额（最小货币单位）
	Version    int       `gorm:"not null;default:0" json:"version"`       // 乐观锁版本号
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CustomerAccount) TableName() string {
	return "customer_account"
}

// AvailableCredit 可用信用额度 = max(0, -balance)
func (a *CustomerAccount) AvailableCredit() int64 {
	if a.Balance < 0 {
		return -a.Balance
	}
	return 0
}
