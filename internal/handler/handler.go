package handler

import (
	"errors"
	"strconv"

	"storeledger/internal/config"
	"storeledger/internal/repository"
	"storeledger/internal/service"
	"storeledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	balanceService   *service.BalanceService
	invoiceService   *service.InvoiceService
	reconcileService *service.ReconcileService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	return &Handler{
		balanceService:   service.NewBalanceService(db, cfg),
		invoiceService:   service.NewInvoiceService(db, rdb, cfg),
		reconcileService: service.NewReconcileService(db, cfg),
	}
}

// writeError 业务错误到响应码的统一映射
func writeError(c *gin.Context, err error) {
	var insufficientErr *service.InsufficientCreditError
	var invalidErr *service.InvalidMutationError
	var mismatchErr *service.ReconciliationMismatchError

	switch {
	case errors.Is(err, repository.ErrInvoiceNotFound):
		response.BusinessError(c, response.CodeInvoiceNotFound, err.Error())
	case errors.Is(err, repository.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, err.Error())
	case errors.As(err, &insufficientErr):
		response.BusinessError(c, response.CodeInsufficientCredit, err.Error())
	case errors.As(err, &invalidErr):
		response.BusinessError(c, response.CodeInvalidMutation, err.Error())
	case errors.As(err, &mismatchErr):
		response.BusinessError(c, response.CodeReconciliationMismatch, err.Error())
	case errors.Is(err, service.ErrConcurrentModification):
		response.BusinessError(c, response.CodeConcurrentModification, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

func parseCustomerID(c *gin.Context) (int64, bool) {
	customerID, err := strconv.ParseInt(c.Query("customer_id"), 10, 64)
	if err != nil || customerID <= 0 {
		response.ParamError(c, "customer_id 参数错误")
		return 0, false
	}
	return customerID, true
}

// ============================================================
// 客户账本相关接口
// ============================================================

// GetBalance 查询客户缓存余额
// GET /api/v1/customer/balance?customer_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	customerID, ok := parseCustomerID(c)
	if !ok {
		return
	}

	balance, err := h.balanceService.CurrentBalance(c.Request.Context(), customerID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"customer_id": customerID,
		"balance":     balance,
	})
}

// GetAvailableCredit 查询客户可用信用
// GET /api/v1/customer/credit?customer_id=xxx&excluding_invoice_no=yyy
func (h *Handler) GetAvailableCredit(c *gin.Context) {
	customerID, ok := parseCustomerID(c)
	if !ok {
		return
	}

	credit, err := h.balanceService.AvailableCredit(c.Request.Context(), customerID, c.Query("excluding_invoice_no"))
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"customer_id":      customerID,
		"available_credit": credit,
	})
}

// GetLedger 查询客户账本对账单（按创建时间升序）
// GET /api/v1/customer/ledger?customer_id=xxx
func (h *Handler) GetLedger(c *gin.Context) {
	customerID, ok := parseCustomerID(c)
	if !ok {
		return
	}

	entries, err := h.balanceService.EntriesFor(c.Request.Context(), customerID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"customer_id": customerID,
		"entries":     entries,
		"count":       len(entries),
	})
}

// RecordAdjustment 手工调整客户余额（调整/折让/利息）
// POST /api/v1/customer/adjustment
func (h *Handler) RecordAdjustment(c *gin.Context) {
	var req service.AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, err := h.balanceService.RecordAdjustment(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"entry_no":       entry.EntryNo,
		"customer_id":    entry.CustomerID,
		"balance_after":  entry.BalanceAfter,
		"balance_before": entry.BalanceBefore,
	})
}

// ============================================================
// 发票相关接口
// ============================================================

// CreateInvoice 开票
// POST /api/v1/invoice/create
func (h *Handler) CreateInvoice(c *gin.Context) {
	var req service.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	invoice, err := h.invoiceService.CreateInvoice(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, invoice)
}

// GetInvoice 查询发票详情
// GET /api/v1/invoice/detail?invoice_no=xxx
func (h *Handler) GetInvoice(c *gin.Context) {
	invoiceNo := c.Query("invoice_no")
	if invoiceNo == "" {
		response.ParamError(c, "invoice_no 参数错误")
		return
	}

	invoice, err := h.invoiceService.GetInvoice(c.Request.Context(), invoiceNo)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, invoice)
}

// ListInvoices 查询客户发票列表
// GET /api/v1/invoice/list?customer_id=xxx&page=1&page_size=20
func (h *Handler) ListInvoices(c *gin.Context) {
	customerID, ok := parseCustomerID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	invoices, total, err := h.invoiceService.ListInvoices(c.Request.Context(), customerID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":  invoices,
		"total": total,
		"page":  page,
	})
}

// RecordPayment 对发票收款
// POST /api/v1/invoice/payment
func (h *Handler) RecordPayment(c *gin.Context) {
	var req service.RecordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	invoice, err := h.invoiceService.RecordPayment(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, invoice)
}

// RecordReturn 退货
// POST /api/v1/invoice/return
func (h *Handler) RecordReturn(c *gin.Context) {
	var req service.RecordReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	invoice, err := h.invoiceService.RecordReturn(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, invoice)
}

// ApplyCredit 追加信用核销
// POST /api/v1/invoice/apply-credit
func (h *Handler) ApplyCredit(c *gin.Context) {
	var req service.ApplyCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	invoice, err := h.invoiceService.ApplyCredit(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, invoice)
}

// DeleteInvoice 删除发票
// POST /api/v1/invoice/delete
func (h *Handler) DeleteInvoice(c *gin.Context) {
	var req service.DeleteInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.invoiceService.DeleteInvoice(c.Request.Context(), &req); err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"invoice_no":  req.InvoiceNo,
		"disposition": req.Disposition,
	})
}

// ============================================================
// 对账相关接口
// ============================================================

// ValidateBalance 只读对账
// GET /api/v1/reconcile/validate?customer_id=xxx
func (h *Handler) ValidateBalance(c *gin.Context) {
	customerID, ok := parseCustomerID(c)
	if !ok {
		return
	}

	report, err := h.reconcileService.Validate(c.Request.Context(), customerID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, report)
}

// RepairBalance 对账并修复单个客户
// POST /api/v1/reconcile/repair
func (h *Handler) RepairBalance(c *gin.Context) {
	var req struct {
		CustomerID int64 `json:"customer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.reconcileService.Repair(c.Request.Context(), req.CustomerID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// RepairAll 全量巡检
// POST /api/v1/reconcile/repair-all
func (h *Handler) RepairAll(c *gin.Context) {
	result, err := h.reconcileService.RepairAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}
