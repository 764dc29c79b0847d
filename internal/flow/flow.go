package flow

import (
	"time"

	"github.com/shopspring/decimal"

	xerrors "PerpPilot-Chain/internal/errors"
	"PerpPilot-Chain/internal/venue"
)

// Kind 表示多步交易意图的类型。
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindOpenPosition  Kind = "open_position"
	KindClosePosition Kind = "close_position"
)

// IsValidKind 检查意图类型是否为支持的枚举值。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindDeposit, KindOpenPosition, KindClosePosition:
		return true
	default:
		return false
	}
}

// OrderType 表示订单子类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Fields 保存一个意图在多轮对话中逐步收集到的字段。
// 零值表示尚未收集。
type Fields struct {
	MarketIndex *uint16         `json:"market_index,omitempty"`
	Side        venue.Side      `json:"side,omitempty"`
	Size        decimal.Decimal `json:"size,omitempty"`
	Token       string          `json:"token,omitempty"`
	Percentage  decimal.Decimal `json:"percentage,omitempty"`
	OrderType   OrderType       `json:"order_type,omitempty"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
}

// Update 描述一次字段合并。nil 字段保持原值。
type Update struct {
	MarketIndex *uint16
	Side        *venue.Side
	Size        *decimal.Decimal
	Token       *string
	Percentage  *decimal.Decimal
	OrderType   *OrderType
	LimitPrice  *decimal.Decimal
	// AwaitingField 标记流程正在等待用户补充的字段名，
	// 下一条入站消息按此标记匹配，避免悬挂的消息监听器。
	AwaitingField *string
}

// Intent 是一个用户正在进行中的多步交易请求。
// 每个用户至多持有一个，由 Manager 统一管理生命周期。
type Intent struct {
	UserID        string    `json:"user_id"`
	ChatContextID string    `json:"chat_context_id"`
	Kind          Kind      `json:"kind"`
	Fields        Fields    `json:"fields"`
	AwaitingField string    `json:"awaiting_field,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Clone 返回意图的深拷贝。
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Fields.MarketIndex != nil {
		idx := *i.Fields.MarketIndex
		clone.Fields.MarketIndex = &idx
	}
	return &clone
}

// merge 将更新合并进字段集合。
func (f *Fields) merge(upd Update) {
	if upd.MarketIndex != nil {
		idx := *upd.MarketIndex
		f.MarketIndex = &idx
	}
	if upd.Side != nil {
		f.Side = *upd.Side
	}
	if upd.Size != nil {
		f.Size = *upd.Size
	}
	if upd.Token != nil {
		f.Token = *upd.Token
	}
	if upd.Percentage != nil {
		f.Percentage = *upd.Percentage
	}
	if upd.OrderType != nil {
		f.OrderType = *upd.OrderType
	}
	if upd.LimitPrice != nil {
		f.LimitPrice = *upd.LimitPrice
	}
}

// 本包注册的错误码。
const (
	CodeNoActiveFlow xerrors.Code = "NO_ACTIVE_FLOW"
)

var (
	// ErrNoActiveFlow 表示用户当前没有进行中的意图。
	ErrNoActiveFlow = xerrors.New(CodeNoActiveFlow, "no active flow")
)

func init() {
	xerrors.Register(CodeNoActiveFlow, xerrors.Attributes{
		Message:   "no active flow",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
