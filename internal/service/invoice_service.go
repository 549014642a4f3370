package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"storeledger/internal/config"
	"storeledger/internal/infrastructure/lock"
	"storeledger/internal/model"
	"storeledger/internal/repository"
	"storeledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// 退货结算方式：二者的区别恰恰在于是否产生客户账本条目
const (
	SettlementLedger = "LEDGER" // 冲抵客户账本（产生贷记条目）
	SettlementCash   = "CASH"   // 现金退付（只落现金账，客户余额不动）
)

// 发票删除处置方式
const (
	DispositionReverseCredit    = "REVERSE_CREDIT"    // 只撤销开票借记及配套信用核销，保留后续独立收款
	DispositionDeleteEverything = "DELETE_EVERYTHING" // 删除该发票名下全部条目及现金流水
)

// InvoiceLine 发票行项目（定价由外部模块负责，引擎不关心内容）
type InvoiceLine struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"` // 最小货币单位
}

// Pricer 行项目计价接口（外部协作方：定价、税费）
// 计价必须在事务开始前完成，事务内不做任何外部查询
type Pricer interface {
	GrandTotal(lines []InvoiceLine) (int64, error)
}

// LinePricer 缺省计价实现：单价×数量求和
type LinePricer struct{}

func (LinePricer) GrandTotal(lines []InvoiceLine) (int64, error) {
	var total int64
	for _, line := range lines {
		if line.Quantity <= 0 || line.UnitPrice < 0 {
			return 0, fmt.Errorf("非法行项目: productID=%s, qty=%d, unitPrice=%d",
				line.ProductID, line.Quantity, line.UnitPrice)
		}
		total += line.Quantity * line.UnitPrice
	}
	return total, nil
}

// customerLocker 客户维度互斥：同一客户的账务操作串行化
type customerLocker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

type noopLock struct{}

func (noopLock) Lock(context.Context) error   { return nil }
func (noopLock) Unlock(context.Context) error { return nil }

// redisCustomerLock 绑定配置里的有界等待参数
type redisCustomerLock struct {
	inner      *lock.CustomerLock
	interval   time.Duration
	maxRetries int
}

func (l *redisCustomerLock) Lock(ctx context.Context) error {
	return l.inner.Lock(ctx, l.interval, l.maxRetries)
}

func (l *redisCustomerLock) Unlock(ctx context.Context) error {
	return l.inner.Unlock(ctx)
}

// InvoiceService 发票事务处理器
// 开票/收款/退货/信用核销/删票五个入口，每个入口一个可串行化事务；
// 因果链（借记 -> 信用核销 -> 发票字段回写）显式串在一处，不依赖任何隐式级联
type InvoiceService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	accountRepo *repository.AccountRepository
	invoiceRepo *repository.InvoiceRepository
	ledgerRepo  *repository.LedgerRepository
	cashRepo    *repository.CashRepository
	balance     *BalanceService
	reconcile   *ReconcileService
	allocator   *CreditAllocator
	pricer      Pricer
	newLock     func(customerID int64, requestID string) customerLocker
}

func NewInvoiceService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *InvoiceService {
	s := &InvoiceService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		accountRepo: repository.NewAccountRepository(db),
		invoiceRepo: repository.NewInvoiceRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		cashRepo:    repository.NewCashRepository(db),
		balance:     NewBalanceService(db, cfg),
		reconcile:   NewReconcileService(db, cfg),
		allocator:   NewCreditAllocator(),
		pricer:      LinePricer{},
	}
	s.newLock = s.defaultLock
	return s
}

// SetPricer 替换计价协作方（外部模块注入）
func (s *InvoiceService) SetPricer(p Pricer) {
	s.pricer = p
}

func (s *InvoiceService) defaultLock(customerID int64, requestID string) customerLocker {
	if s.redisClient == nil {
		// 无 Redis 部署形态：依赖数据库行锁串行化
		return noopLock{}
	}
	return &redisCustomerLock{
		inner:      lock.NewCustomerLock(s.redisClient, customerID, requestID),
		interval:   time.Duration(s.cfg.Business.LockWaitIntervalMs) * time.Millisecond,
		maxRetries: s.cfg.Business.LockWaitMaxRetries,
	}
}

// lockCustomer 客户维度有界等待锁，失败映射为可重试的并发冲突
func (s *InvoiceService) lockCustomer(ctx context.Context, customerID int64, requestID string) (func(), error) {
	customerLock := s.newLock(customerID, requestID)
	if err := customerLock.Lock(ctx); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return nil, ErrConcurrentModification
		}
		return nil, err
	}
	return func() { customerLock.Unlock(ctx) }, nil
}

// ============================================================
// 开票
// ============================================================

type CreateInvoiceRequest struct {
	RequestID     string        `json:"request_id" binding:"required"` // 幂等ID
	CustomerID    int64         `json:"customer_id" binding:"required"`
	Lines         []InvoiceLine `json:"lines" binding:"required"`
	DirectPayment int64         `json:"direct_payment"` // 开票时现金直付
}

// CreateInvoice 开票
//
// 【关键点】事务内的显式顺序，禁止调整：
// 1. 借记条目先落账：挂账金额 = grandTotal - directPayment（直付走现金账，
//    绝不进客户账本，"只有信用核销会产生客户账本条目"）
// 2. 借记落账后，本票条目才可按引用号寻址，再做两阶段信用评估：
//    票前可用信用 = max(0, -(当前余额 - 本票条目符号和))
// 3. 核销结果落 ADJUSTMENT 标记条目，回写发票结算字段
func (s *InvoiceService) CreateInvoice(ctx context.Context, req *CreateInvoiceRequest) (*model.Invoice, error) {
	// 幂等校验
	existing, err := s.invoiceRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询发票失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	// 外部计价在事务和锁之外完成
	grandTotal, err := s.pricer.GrandTotal(req.Lines)
	if err != nil {
		return nil, err
	}
	if grandTotal <= 0 {
		return nil, fmt.Errorf("发票总额必须为正: grandTotal=%d", grandTotal)
	}
	if req.DirectPayment < 0 || req.DirectPayment > grandTotal {
		return nil, fmt.Errorf("直付金额非法: directPayment=%d, grandTotal=%d", req.DirectPayment, grandTotal)
	}

	unlock, err := s.lockCustomer(ctx, req.CustomerID, req.RequestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 获取锁后再次检查幂等
	existing, err = s.invoiceRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, req.CustomerID); err != nil {
		return nil, fmt.Errorf("获取客户账户失败: %w", err)
	}

	invoiceNo := idgen.GenerateInvoiceNo()
	invoice := &model.Invoice{
		InvoiceNo:     invoiceNo,
		RequestID:     req.RequestID,
		CustomerID:    req.CustomerID,
		GrandTotal:    grandTotal,
		DirectPayment: req.DirectPayment,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// 第1步：挂账借记（直付部分不进客户账本）
		onAccount := grandTotal - req.DirectPayment
		if onAccount > 0 {
			_, err := s.balance.UpdateAtomic(ctx, tx, &BalanceUpdate{
				CustomerID:      req.CustomerID,
				Amount:          onAccount,
				Direction:       DirectionIncrease,
				TransactionType: model.TxnTypeInvoice,
				ReferenceType:   model.ReferenceTypeInvoice,
				ReferenceID:     invoiceNo,
				RequestID:       req.RequestID,
				Remark:          fmt.Sprintf("开票-%s", invoiceNo),
			})
			if err != nil {
				return fmt.Errorf("开票借记失败: %w", err)
			}
		}

		// 第2步：两阶段信用评估（剔除本票条目后的票前余额）
		account, err := s.accountRepo.GetByCustomerIDForUpdate(ctx, tx, req.CustomerID)
		if err != nil {
			return fmt.Errorf("锁定客户账户失败: %w", err)
		}
		availableCredit, err := s.balance.availableCreditExcluding(ctx, tx, account, invoiceNo)
		if err != nil {
			return fmt.Errorf("计算票前可用信用失败: %w", err)
		}

		// 第3步：信用核销
		alloc := s.allocator.Allocate(availableCredit, grandTotal, req.DirectPayment)
		if alloc.CreditUsed > 0 {
			if _, err := s.balance.RecordAllocation(ctx, tx, req.CustomerID, alloc.CreditUsed, invoiceNo, req.RequestID); err != nil {
				return fmt.Errorf("记录信用核销失败: %w", err)
			}
		}

		// 第4步：直付落现金账
		if req.DirectPayment > 0 {
			cash := &model.CashTransaction{
				CashNo:        idgen.GenerateCashNo(),
				RequestID:     req.RequestID,
				CustomerID:    req.CustomerID,
				Direction:     model.CashDirectionIn,
				Amount:        req.DirectPayment,
				ReferenceType: model.ReferenceTypeInvoice,
				ReferenceID:   invoiceNo,
				Remark:        fmt.Sprintf("开票直付-%s", invoiceNo),
			}
			if err := s.cashRepo.Create(ctx, tx, cash); err != nil {
				return fmt.Errorf("记录现金流水失败: %w", err)
			}
		}

		// 第5步：回写发票结算字段
		invoice.PaymentAmount = req.DirectPayment + alloc.CreditUsed
		invoice.Recalculate(s.cfg.Business.RoundingEpsilon)
		if err := s.invoiceRepo.Create(ctx, tx, invoice); err != nil {
			return fmt.Errorf("创建发票失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Printf("开票成功: invoiceNo=%s, customerID=%d, grandTotal=%d, directPayment=%d, creditUsed=%d, status=%s",
		invoice.InvoiceNo, invoice.CustomerID, invoice.GrandTotal, invoice.DirectPayment,
		invoice.PaymentAmount-invoice.DirectPayment, invoice.Status)

	return invoice, nil
}

// ============================================================
// 收款
// ============================================================

type RecordPaymentRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	InvoiceNo string `json:"invoice_no" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
}

// RecordPayment 对发票收款
// 收款在客户账本产生贷记条目（区别于开票直付），同时落现金账流水
func (s *InvoiceService) RecordPayment(ctx context.Context, req *RecordPaymentRequest) (*model.Invoice, error) {
	invoice, err := s.invoiceRepo.GetByInvoiceNo(ctx, req.InvoiceNo)
	if err != nil {
		return nil, err
	}

	// 幂等校验
	if existing, err := s.ledgerRepo.GetByRequestID(ctx, nil, req.RequestID); err != nil {
		return nil, err
	} else if existing != nil {
		return invoice, nil
	}

	unlock, err := s.lockCustomer(ctx, invoice.CustomerID, req.RequestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 获取锁后再次检查幂等：重试请求可能在等锁期间已被原请求入账
	if existing, err := s.ledgerRepo.GetByRequestID(ctx, nil, req.RequestID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.invoiceRepo.GetByInvoiceNo(ctx, req.InvoiceNo)
	}

	// 获取锁后重读发票再校验
	invoice, err = s.invoiceRepo.GetByInvoiceNo(ctx, req.InvoiceNo)
	if err != nil {
		return nil, err
	}

	epsilon := s.cfg.Business.RoundingEpsilon
	if invoice.RemainingBalance <= epsilon {
		return nil, &InvalidMutationError{
			InvoiceNo:        invoice.InvoiceNo,
			Operation:        "PAYMENT",
			RemainingBalance: invoice.RemainingBalance,
			Requested:        req.Amount,
		}
	}
	if req.Amount > invoice.RemainingBalance {
		return nil, &InvalidMutationError{
			InvoiceNo:        invoice.InvoiceNo,
			Operation:        "PAYMENT",
			RemainingBalance: invoice.RemainingBalance,
			Requested:        req.Amount,
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		_, err := s.balance.UpdateAtomic(ctx, tx, &BalanceUpdate{
			CustomerID:      invoice.CustomerID,
			Amount:          req.Amount,
			Direction:       DirectionDecrease,
			TransactionType: model.TxnTypePayment,
			ReferenceType:   model.ReferenceTypeInvoice,
			ReferenceID:     invoice.InvoiceNo,
			RequestID:       req.RequestID,
			Remark:          fmt.Sprintf("收款-%s", invoice.InvoiceNo),
		})
		if err != nil {
			return fmt.Errorf("收款贷记失败: %w", err)
		}

		cash := &model.CashTransaction{
			CashNo:        idgen.GenerateCashNo(),
			RequestID:     req.RequestID,
			CustomerID:    invoice.CustomerID,
			Direction:     model.CashDirectionIn,
			Amount:        req.Amount,
			ReferenceType: model.ReferenceTypeInvoice,
			ReferenceID:   invoice.InvoiceNo,
			Remark:        fmt.Sprintf("收款-%s", invoice.InvoiceNo),
		}
		if err := s.cashRepo.Create(ctx, tx, cash); err != nil {
			return fmt.Errorf("记录现金流水失败: %w", err)
		}

		invoice.PaymentAmount += req.Amount
		invoice.Recalculate(epsilon)
		if err := s.invoiceRepo.UpdateSettlement(ctx, tx, invoice); err != nil {
			return fmt.Errorf("回写发票结算字段失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Printf("收款成功: invoiceNo=%s, amount=%d, remaining=%d, status=%s",
		invoice.InvoiceNo, req.Amount, invoice.RemainingBalance, invoice.Status)

	return invoice, nil
}

// ============================================================
// 退货
// ============================================================

type RecordReturnRequest struct {
	RequestID     string        `json:"request_id" binding:"required"`
	InvoiceNo     string        `json:"invoice_no" binding:"required"`
	ReturnedLines []InvoiceLine `json:"returned_lines" binding:"required"`
	Settlement    string        `json:"settlement" binding:"required"` // LEDGER / CASH
}

// RecordReturn 退货
//
// 【关键点】两种结算方式的差别恰恰在于是否产生客户账本条目，这个不对称是业务规则：
//   LEDGER：贷记条目冲抵客户账本（减少欠款/增加信用）
//   CASH：  现金退付在客户信用关系之外，只落现金账，客户余额不动
// 两种方式都回写发票的 returned_amount / remaining_balance
func (s *InvoiceService) RecordReturn(ctx context.Context, req *RecordReturnRequest) (*model.Invoice, error) {
	if req.Settlement != SettlementLedger && req.Settlement != SettlementCash {
		return nil, fmt.Errorf("非法结算方式: %s", req.Settlement)
	}

	// 外部计价在事务和锁之外完成
	returnAmount, err := s.pricer.GrandTotal(req.ReturnedLines)
	if err != nil {
		return nil, err
	}
	if returnAmount <= 0 {
		return nil, fmt.Errorf("退货金额必须为正: returnAmount=%d", returnAmount)
	}

	invoice, err := s.invoiceRepo.GetByInvoiceNo(ctx, req.InvoiceNo)
	if err != nil {
		return nil, err
	}

	// 幂等校验（账本和现金账两条路径都查）
	if dup, err := s.returnAlreadyRecorded(ctx, req.RequestID); err != nil {
		return nil, err
	} else if dup {
		return invoice, nil
	}

	unlock, err := s.lockCustomer(ctx, invoice.CustomerID, req.RequestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 获取锁后再次检查幂等：重试请求可能在等锁期间已被原请求入账
	if dup, err := s.returnAlreadyRecorded(ctx, req.RequestID); err != nil {
		return nil, err
	} else if dup {
		return s.invoiceRepo.GetByInvoiceNo(ctx, req.InvoiceNo)
	}

	invoice, err = s.invoiceRepo.GetByInvoiceNo(ctx, req.InvoiceNo)
	if err != nil {
		return nil, err
	}

	if returnAmount > invoice.GrandTotal-invoice.ReturnedAmount {
		return nil, &InvalidMutationError{
			InvoiceNo:        invoice.InvoiceNo,
			Operation:        "RETURN",
			RemainingBalance: invoice.RemainingBalance,
			Requested:        returnAmount,
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		switch req.Settlement {
		case SettlementLedger:
			_, err := s.balance.UpdateAtomic(ctx, tx, &BalanceUpdate{
				CustomerID:      invoice.CustomerID,
				Amount:          returnAmount,
				Direction:       DirectionDecrease,
				TransactionType: model.TxnTypeReturn,
				ReferenceType:   model.ReferenceTypeInvoice,
				ReferenceID:     invoice.InvoiceNo,
				RequestID:       req.RequestID,
				Remark:          fmt.Sprintf("退货冲账-%s", invoice.InvoiceNo),
			})
			if err != nil {
				return fmt.Errorf("退货贷记失败: %w", err)
			}

		case SettlementCash:
			// 客户余额不动，只出现金
			cash := &model.CashTransaction{
				CashNo:        idgen.GenerateCashNo(),
				RequestID:     req.RequestID,
				CustomerID:    invoice.CustomerID,
				Direction:     model.CashDirectionOut,
				Amount:        returnAmount,
				ReferenceType: model.ReferenceTypeInvoice,
				ReferenceID:   invoice.InvoiceNo,
				Remark:        fmt.Sprintf("退货现金退付-%s", invoice.InvoiceNo),
			}
			if err := s.cashRepo.Create(ctx, tx, cash); err != nil {
				return fmt.Errorf("记录现金流水失败: %w", err)
			}
		}

		invoice.ReturnedAmount += returnAmount
		invoice.Recalculate(s.cfg.Business.RoundingEpsilon)
		if err := s.invoiceRepo.UpdateSettlement(ctx, tx, invoice); err != nil {
			return fmt.Errorf("回写发票结算字段失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Printf("退货成功: invoiceNo=%s, returnAmount=%d, settlement=%s, remaining=%d",
		invoice.InvoiceNo, returnAmount, req.Settlement, invoice.RemainingBalance)

	return invoice, nil
}

// ============================================================
// 追加信用核销
// ============================================================

type ApplyCreditRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	InvoiceNo string `json:"invoice_no" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
}

// ApplyCredit 把客户已持有的信用核销到未结清发票上
// 超出可用额度直接报错并携带精确数值，绝不静默截断
func (s *InvoiceService) ApplyCredit(ctx context.Context, req *ApplyCreditRequest) (*model.Invoice, error) {
	invoice, err := s.invoiceRepo.GetByInvoiceNo(ctx, req.InvoiceNo)
	if err != nil {
		return nil, err
	}

	// 幂等校验
	if existing, err := s.ledgerRepo.GetByRequestID(ctx, nil, req.RequestID); err != nil {
		return nil, err
	} else if existing != nil {
		return invoice, nil
	}

	unlock, err := s.lockCustomer(ctx, invoice.CustomerID, req.RequestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 获取锁后再次检查幂等：重试请求可能在等锁期间已被原请求入账
	if existing, err := s.ledgerRepo.GetByRequestID(ctx, nil, req.RequestID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.invoiceRepo.GetByInvoiceNo(ctx, req.InvoiceNo)
	}

	invoice, err = s.invoiceRepo.GetByInvoiceNo(ctx, req.InvoiceNo)
	if err != nil {
		return nil, err
	}

	epsilon := s.cfg.Business.RoundingEpsilon
	if invoice.RemainingBalance <= epsilon || req.Amount > invoice.RemainingBalance {
		return nil, &InvalidMutationError{
			InvoiceNo:        invoice.InvoiceNo,
			Operation:        "APPLY_CREDIT",
			RemainingBalance: invoice.RemainingBalance,
			Requested:        req.Amount,
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		account, err := s.accountRepo.GetByCustomerIDForUpdate(ctx, tx, invoice.CustomerID)
		if err != nil {
			return err
		}

		available := account.AvailableCredit()
		if req.Amount > available {
			return &InsufficientCreditError{
				CustomerID: invoice.CustomerID,
				Requested:  req.Amount,
				Available:  available,
			}
		}

		if _, err := s.balance.RecordAllocation(ctx, tx, invoice.CustomerID, req.Amount, invoice.InvoiceNo, req.RequestID); err != nil {
			return fmt.Errorf("记录信用核销失败: %w", err)
		}

		invoice.PaymentAmount += req.Amount
		invoice.Recalculate(epsilon)
		if err := s.invoiceRepo.UpdateSettlement(ctx, tx, invoice); err != nil {
			return fmt.Errorf("回写发票结算字段失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Printf("信用核销成功: invoiceNo=%s, creditUsed=%d, remaining=%d",
		invoice.InvoiceNo, req.Amount, invoice.RemainingBalance)

	return invoice, nil
}

// ============================================================
// 删票
// ============================================================

type DeleteInvoiceRequest struct {
	InvoiceNo   string `json:"invoice_no" binding:"required"`
	Disposition string `json:"disposition" binding:"required"` // REVERSE_CREDIT / DELETE_EVERYTHING
}

// DeleteInvoice 删除发票
//
// 【关键点】两种处置方式的差别是历史错账的重灾区，必须严格区分：
//   REVERSE_CREDIT：    只删开票借记和配套的信用核销标记（INVOICE/ADJUSTMENT 类型），
//                       显式保留客户后续独立做的收款、退货条目及其现金账流水 ——
//                       发票消失，但客户保留那些收款代表的信用
//   DELETE_EVERYTHING： 删除该发票名下全部账本条目和现金流水
// 两种处置完成后都在同一事务内重算余额（账本为准），保证不变式成立
func (s *InvoiceService) DeleteInvoice(ctx context.Context, req *DeleteInvoiceRequest) error {
	if req.Disposition != DispositionReverseCredit && req.Disposition != DispositionDeleteEverything {
		return fmt.Errorf("非法处置方式: %s", req.Disposition)
	}

	invoice, err := s.invoiceRepo.GetByInvoiceNo(ctx, req.InvoiceNo)
	if err != nil {
		return err
	}

	unlock, err := s.lockCustomer(ctx, invoice.CustomerID, req.InvoiceNo)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.accountRepo.GetByCustomerIDForUpdate(ctx, tx, invoice.CustomerID); err != nil {
			return err
		}

		switch req.Disposition {
		case DispositionReverseCredit:
			_, err := s.ledgerRepo.DeleteByReference(ctx, tx, invoice.InvoiceNo,
				[]string{model.TxnTypeInvoice, model.TxnTypeAdjustment})
			if err != nil {
				return fmt.Errorf("撤销开票条目失败: %w", err)
			}

		case DispositionDeleteEverything:
			if _, err := s.ledgerRepo.DeleteByReference(ctx, tx, invoice.InvoiceNo, nil); err != nil {
				return fmt.Errorf("删除账本条目失败: %w", err)
			}
			if _, err := s.cashRepo.DeleteByReference(ctx, tx, invoice.InvoiceNo); err != nil {
				return fmt.Errorf("删除现金流水失败: %w", err)
			}
		}

		if err := s.invoiceRepo.Delete(ctx, tx, invoice.InvoiceNo); err != nil {
			return fmt.Errorf("删除发票失败: %w", err)
		}

		// 条目集合变了，同一事务内按账本重算缓存余额
		if err := s.reconcile.RepairTx(ctx, tx, invoice.CustomerID); err != nil {
			return fmt.Errorf("删票后对账修复失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return err
	}

	log.Printf("删票成功: invoiceNo=%s, customerID=%d, disposition=%s",
		invoice.InvoiceNo, invoice.CustomerID, req.Disposition)

	return nil
}

// returnAlreadyRecorded 退货幂等检查：两种结算方式落账的表不同，两条路径都查
func (s *InvoiceService) returnAlreadyRecorded(ctx context.Context, requestID string) (bool, error) {
	if existing, err := s.ledgerRepo.GetByRequestID(ctx, nil, requestID); err != nil {
		return false, err
	} else if existing != nil {
		return true, nil
	}
	if existing, err := s.cashRepo.GetByRequestID(ctx, nil, requestID); err != nil {
		return false, err
	} else if existing != nil {
		return true, nil
	}
	return false, nil
}

// GetInvoice 查询发票
func (s *InvoiceService) GetInvoice(ctx context.Context, invoiceNo string) (*model.Invoice, error) {
	return s.invoiceRepo.GetByInvoiceNo(ctx, invoiceNo)
}

// ListInvoices 查询客户发票列表
func (s *InvoiceService) ListInvoices(ctx context.Context, customerID int64, page, pageSize int) ([]*model.Invoice, int64, error) {
	return s.invoiceRepo.ListByCustomer(ctx, customerID, page, pageSize)
}
