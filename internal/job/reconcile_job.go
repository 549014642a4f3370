package job

import (
	"context"
	"log"
	"time"

	"storeledger/internal/config"
	"storeledger/internal/service"

	"gorm.io/gorm"
)

// ReconcileJob 周期性全量对账任务
// 每轮执行重复条目清理和余额修复，执行失败只记日志，下一轮重试
type ReconcileJob struct {
	reconcile *service.ReconcileService
	stopCh    chan struct{}
	interval  time.Duration
}

func NewReconcileJob(db *gorm.DB, cfg *config.Config) *ReconcileJob {
	return &ReconcileJob{
		reconcile: service.NewReconcileService(db, cfg),
		stopCh:    make(chan struct{}),
		interval:  time.Duration(cfg.Business.ReconcileIntervalSeconds) * time.Second,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	log.Printf("[ReconcileJob] 周期对账任务启动, interval=%s", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.runSweep(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcileJob) runSweep(ctx context.Context) {
	result, err := j.reconcile.RepairAll(ctx)
	if err != nil {
		log.Printf("[ReconcileJob] 全量巡检失败: %v", err)
		return
	}
	if result.Repaired > 0 || result.DuplicatesRemoved > 0 {
		log.Printf("[ReconcileJob] 巡检发现并修复异常: repaired=%d, duplicatesRemoved=%d",
			result.Repaired, result.DuplicatesRemoved)
	}
}
