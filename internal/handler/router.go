package handler

import (
	"storeledger/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 客户账本相关
		customer := api.Group("/customer")
		{
			customer.GET("/balance", h.GetBalance)
			customer.GET("/credit", h.GetAvailableCredit)
			customer.GET("/ledger", h.GetLedger)
			customer.POST("/adjustment", h.RecordAdjustment)
		}

		// 发票相关
		invoice := api.Group("/invoice")
		{
			invoice.POST("/create", h.CreateInvoice)
			invoice.GET("/detail", h.GetInvoice)
			invoice.GET("/list", h.ListInvoices)
			invoice.POST("/payment", h.RecordPayment)
			invoice.POST("/return", h.RecordReturn)
			invoice.POST("/apply-credit", h.ApplyCredit)
			invoice.POST("/delete", h.DeleteInvoice)
		}

		// 对账相关
		reconcile := api.Group("/reconcile")
		{
			reconcile.GET("/validate", h.ValidateBalance)
			reconcile.POST("/repair", h.RepairBalance)
			reconcile.POST("/repair-all", h.RepairAll)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
