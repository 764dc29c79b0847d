package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "PerpPilot-Chain/internal/errors"
	"PerpPilot-Chain/internal/flow"
)

// Status 是交易记录的生命周期状态。
// Pending 是唯一的非终态，进入 Confirmed 或 Failed 后记录不再变更。
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// TxType 是交易记录的业务类型。
type TxType string

const (
	TxTypeDeposit       TxType = "deposit"
	TxTypeOpenPosition  TxType = "open_position"
	TxTypeClosePosition TxType = "close_position"
)

// TxTypeForKind 把意图类型映射为记录类型。
func TxTypeForKind(kind flow.Kind) TxType {
	switch kind {
	case flow.KindOpenPosition:
		return TxTypeOpenPosition
	case flow.KindClosePosition:
		return TxTypeClosePosition
	default:
		return TxTypeDeposit
	}
}

// Record 是一笔已提交交易的持久化记录，创建即 Pending，
// 仅由签名提交服务推进状态。
type Record struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	WalletID     string          `json:"wallet_id"`
	TxType       TxType          `json:"tx_type"`
	Status       Status          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	MarketIndex  uint16          `json:"market_index"`
	RetryCount   int             `json:"retry_count"`
	TxHash       string          `json:"tx_hash,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ConfirmedAt  *time.Time      `json:"confirmed_at,omitempty"`
}

// NewRecord 创建一条 Pending 记录并分配标识。
func NewRecord(userID, walletID string, txType TxType, amount decimal.Decimal, marketIndex uint16) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:          uuid.NewString(),
		UserID:      userID,
		WalletID:    walletID,
		TxType:      txType,
		Status:      StatusPending,
		Amount:      amount,
		MarketIndex: marketIndex,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone 返回记录的深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.ConfirmedAt != nil {
		at := *r.ConfirmedAt
		clone.ConfirmedAt = &at
	}
	return &clone
}

// StatusUpdate 描述一次状态推进。nil 字段保持原值。
// Status 为空时仅更新附带字段（例如重试前持久化 RetryCount）。
type StatusUpdate struct {
	Status       Status
	TxHash       *string
	RetryCount   *int
	ErrorCode    *string
	ErrorMessage *string
	ConfirmedAt  *time.Time
}

// 本包注册的错误码。
const (
	CodeRecordNotFound xerrors.Code = "RECORD_NOT_FOUND"
	CodeRecordConflict xerrors.Code = "RECORD_CONFLICT"
	CodeRecordTerminal xerrors.Code = "RECORD_TERMINAL"
)

var (
	// ErrRecordNotFound 表示记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "transaction record not found")
	// ErrRecordTerminal 表示记录已进入终态，禁止再次变更。
	ErrRecordTerminal = xerrors.New(CodeRecordTerminal, "transaction record already terminal")
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "transaction record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordConflict, xerrors.Attributes{
		Message:   "transaction record conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordTerminal, xerrors.Attributes{
		Message:   "transaction record already terminal",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
