package venue

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	xerrors "PerpPilot-Chain/internal/errors"
)

// AccountFetcher 抽象了读取链上账户所需的最小能力。
// exists 为 false 表示账户不存在；网络故障必须通过 err 返回。
type AccountFetcher interface {
	AccountInfo(ctx context.Context, key solana.PublicKey) (data []byte, exists bool, err error)
}

// ChainQuery 组合市场目录与链上账户探测，实现 Query 接口。
type ChainQuery struct {
	catalog   *Catalog
	fetcher   AccountFetcher
	programID solana.PublicKey
}

// NewChainQuery 构造 ChainQuery。
func NewChainQuery(catalog *Catalog, fetcher AccountFetcher, programID solana.PublicKey) (*ChainQuery, error) {
	if catalog == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "市场目录不能为空")
	}
	if fetcher == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账户读取器不能为空")
	}
	if programID.IsZero() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "场内程序地址不能为空")
	}
	return &ChainQuery{catalog: catalog, fetcher: fetcher, programID: programID}, nil
}

// GetMarketDescriptor 实现 Query 接口。
func (q *ChainQuery) GetMarketDescriptor(_ context.Context, marketIndex uint16) (*MarketDescriptor, error) {
	descriptor, ok := q.catalog.Descriptor(marketIndex)
	if !ok {
		return nil, ErrMarketNotFound
	}
	return descriptor, nil
}

// GetAccountExistence 探测统计账户与交易账户是否存在。
// 探测结果只对本次调用有效，两次调用之间账户可能被并发请求创建。
func (q *ChainQuery) GetAccountExistence(ctx context.Context, authority solana.PublicKey, subAccountID uint16) (*AccountExistence, error) {
	statsKey, err := DeriveStatsAccount(q.programID, authority)
	if err != nil {
		return nil, xerrors.Wrap(CodeAccountProbeFailed, err, "派生统计账户地址失败")
	}
	tradingKey, err := DeriveTradingAccount(q.programID, authority, subAccountID)
	if err != nil {
		return nil, xerrors.Wrap(CodeAccountProbeFailed, err, "派生交易账户地址失败")
	}

	existence := &AccountExistence{Authority: authority, SubAccountID: subAccountID}

	_, statsExists, err := q.fetcher.AccountInfo(ctx, statsKey)
	if err != nil {
		return nil, xerrors.Wrap(CodeAccountProbeFailed, err, "探测统计账户失败")
	}
	existence.StatsAccountExists = statsExists

	data, tradingExists, err := q.fetcher.AccountInfo(ctx, tradingKey)
	if err != nil {
		return nil, xerrors.Wrap(CodeAccountProbeFailed, err, "探测交易账户失败")
	}
	existence.TradingAccountExists = tradingExists
	if tradingExists {
		account, err := DecodeTradingAccount(data)
		if err != nil {
			return nil, err
		}
		existence.Account = account
	}
	return existence, nil
}

// GetOraclePrice 读取市场预言机账户并解码价格。
func (q *ChainQuery) GetOraclePrice(ctx context.Context, marketIndex uint16) (decimal.Decimal, error) {
	descriptor, ok := q.catalog.Descriptor(marketIndex)
	if !ok {
		return decimal.Zero, ErrMarketNotFound
	}
	data, exists, err := q.fetcher.AccountInfo(ctx, descriptor.Oracle)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(CodeOracleUnavailable, err, "读取预言机账户失败")
	}
	if !exists {
		return decimal.Zero, xerrors.New(CodeOracleUnavailable, "预言机账户不存在")
	}
	return DecodeOraclePrice(data)
}

// SnapshotPosition 基于账户探测与预言机价格计算仓位快照。
// 快照在查询时刻有效，系统不在本地维护任何仓位台账。
func (q *ChainQuery) SnapshotPosition(ctx context.Context, existence *AccountExistence, marketIndex uint16) (*PositionSnapshot, error) {
	if existence == nil || existence.Account == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "交易账户不存在")
	}
	descriptor, ok := q.catalog.Descriptor(marketIndex)
	if !ok {
		return nil, ErrMarketNotFound
	}

	var position *PerpPosition
	for i := range existence.Account.PerpPositions {
		if existence.Account.PerpPositions[i].MarketIndex == marketIndex {
			position = &existence.Account.PerpPositions[i]
			break
		}
	}
	if position == nil || position.BaseAssetAmount == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, "该市场无仓位")
	}

	currentPrice, err := q.GetOraclePrice(ctx, marketIndex)
	if err != nil {
		return nil, err
	}

	side := SideLong
	if position.BaseAssetAmount < 0 {
		side = SideShort
	}

	size := decimal.New(position.BaseAssetAmount, -int32(descriptor.Decimals))
	entryNotional := decimal.New(position.QuoteEntryAmount, -quoteDecimals)
	snapshot := &PositionSnapshot{
		MarketIndex:   marketIndex,
		SignedSize:    position.BaseAssetAmount,
		QuoteNotional: size.Abs().Mul(currentPrice),
		Side:          side,
		CurrentPrice:  currentPrice,
	}
	if !size.IsZero() {
		snapshot.EntryPrice = entryNotional.Abs().Div(size.Abs())
	}
	// 多头盈亏 = (现价 - 开仓价) × 数量；空头取反。
	diff := currentPrice.Sub(snapshot.EntryPrice)
	if side == SideShort {
		diff = diff.Neg()
	}
	snapshot.UnrealizedPnl = diff.Mul(size.Abs())
	snapshot.MarginUsed = snapshot.QuoteNotional
	return snapshot, nil
}

// quoteDecimals 是结算货币的固定精度。
const quoteDecimals = 6
