package venue

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	xerrors "PerpPilot-Chain/internal/errors"
)

// MarketDescriptor 描述场内一个可交易市场的只读元数据。
// 数据来源是市场目录配置与链上市场账户，本系统不拥有它。
type MarketDescriptor struct {
	MarketIndex       uint16
	Symbol            string
	MinOrderIncrement uint64
	Decimals          uint8
	QuoteMarketIndex  uint16
	Oracle            solana.PublicKey
	Mint              solana.PublicKey
	Vault             solana.PublicKey
	MarketAccount     solana.PublicKey
	QuoteMarket       solana.PublicKey
}

// AccountExistence 是一次账户探测的结果。
// 每次构建交易前都必须重新探测，禁止跨调用缓存：账户创建可能与上一笔请求竞争。
type AccountExistence struct {
	Authority            solana.PublicKey
	SubAccountID         uint16
	StatsAccountExists   bool
	TradingAccountExists bool
	Account              *TradingAccount
}

// TradingAccount 是经过边界解码器校验后的用户交易账户。
type TradingAccount struct {
	Authority     solana.PublicKey
	SubAccountID  uint16
	PerpPositions []PerpPosition
	SpotBalances  []SpotBalance
}

// PerpPosition 表示一个永续仓位，带符号的基础资产数量代表方向。
type PerpPosition struct {
	MarketIndex      uint16
	BaseAssetAmount  int64
	QuoteEntryAmount int64
}

// SpotBalance 表示一个现货市场上的余额。
type SpotBalance struct {
	MarketIndex   uint16
	ScaledBalance uint64
}

// PositionSnapshot 在查询时刻计算，场内协议始终是仓位的唯一事实来源。
type PositionSnapshot struct {
	MarketIndex    uint16
	SignedSize     int64
	QuoteNotional  decimal.Decimal
	Side           Side
	EntryPrice     decimal.Decimal
	CurrentPrice   decimal.Decimal
	UnrealizedPnl  decimal.Decimal
	MarginUsed     decimal.Decimal
}

// Side 表示仓位或订单方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Inverse 返回相反方向，平仓指令会用到。
func (s Side) Inverse() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Query 是向场内协议查询状态的接口。
// 实现必须把瞬时不可用作为错误返回，绝不能返回错误的答案。
type Query interface {
	GetMarketDescriptor(ctx context.Context, marketIndex uint16) (*MarketDescriptor, error)
	GetAccountExistence(ctx context.Context, authority solana.PublicKey, subAccountID uint16) (*AccountExistence, error)
	GetOraclePrice(ctx context.Context, marketIndex uint16) (decimal.Decimal, error)
}

// 本包注册的错误码。
const (
	CodeMarketNotFound     xerrors.Code = "MARKET_NOT_FOUND"
	CodeAccountProbeFailed xerrors.Code = "ACCOUNT_PROBE_FAILED"
	CodeAccountDecode      xerrors.Code = "ACCOUNT_DECODE_FAILED"
	CodeOracleUnavailable  xerrors.Code = "ORACLE_UNAVAILABLE"
)

var (
	// ErrMarketNotFound 表示市场目录中不存在请求的市场。
	ErrMarketNotFound = xerrors.New(CodeMarketNotFound, "market not found")
	// ErrAccountProbeFailed 表示链上账户探测失败，调用方可以重试。
	ErrAccountProbeFailed = xerrors.New(CodeAccountProbeFailed, "account probe failed")
)

func init() {
	xerrors.Register(CodeMarketNotFound, xerrors.Attributes{
		Message:   "market not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAccountProbeFailed, xerrors.Attributes{
		Message:   "account probe failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeAccountDecode, xerrors.Attributes{
		Message:   "venue account decode failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeOracleUnavailable, xerrors.Attributes{
		Message:   "oracle price unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}
