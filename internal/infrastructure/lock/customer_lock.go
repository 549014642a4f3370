package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 客户维度分布式锁
// ============================================================================
//
// 同一客户的账务操作必须串行：第二个操作要么等待要么重试，
// 绝不能观察到第一个操作的中间状态。不同客户的操作完全独立并行。
//
// 数据库行锁是正确性的最终保证，这把锁负责把同一客户的竞争
// 挡在事务之外，避免热点客户在 InnoDB 锁队列里堆积。
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：使用 Lua 脚本保证"检查+删除"的原子性
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取客户锁超时")
)

// CustomerLock 客户维度锁
type CustomerLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewCustomerLock 创建客户锁
// value 使用 requestID，便于追踪是哪个请求持有锁
func NewCustomerLock(client *redis.Client, customerID int64, requestID string) *CustomerLock {
	return &CustomerLock{
		client:     client,
		key:        fmt.Sprintf("ledger:lock:customer:%d", customerID),
		value:      requestID,
		expiration: 30 * time.Second,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *CustomerLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 有界等待获取锁
// 超过 maxRetries 次仍未获取即返回 ErrLockFailed，调用方据此向上游报告可重试冲突
func (l *CustomerLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 先检查 value 是否是自己的再删除，防止锁过期后误删后续持有者的锁
func (l *CustomerLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}
