package builder

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	xerrors "PerpPilot-Chain/internal/errors"
	"PerpPilot-Chain/internal/flow"
	"PerpPilot-Chain/internal/venue"
	"PerpPilot-Chain/pkg/logger"
)

// Builder 把一条完整意图和链上实时状态转换为一笔待签名交易。
// 账户存在性在每次构建时重新探测，绝不跨调用复用：创建可能与上一笔请求竞争。
type Builder struct {
	query       venue.Query
	fetcher     venue.AccountFetcher
	programID   solana.PublicKey
	state       solana.PublicKey
	accountName string
	log         *slog.Logger
}

// Request 是一次构建的输入。权限账户与子账户编号来自钱包托管层。
type Request struct {
	Intent       *flow.Intent
	Authority    solana.PublicKey
	SubAccountID uint16
}

// NewBuilder 创建交易构建器。
func NewBuilder(query venue.Query, fetcher venue.AccountFetcher, programID solana.PublicKey) (*Builder, error) {
	state, err := venue.DeriveStateAccount(programID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "derive state account")
	}
	return &Builder{
		query:       query,
		fetcher:     fetcher,
		programID:   programID,
		state:       state,
		accountName: "PerpPilot",
		log:         logger.Named("builder"),
	}, nil
}

// BuildTransaction 按意图类型分派构建。
func (b *Builder) BuildTransaction(ctx context.Context, req Request) (*UnsignedTransaction, error) {
	if req.Intent == nil {
		return nil, xerrors.New(CodeIntentFieldMissing, "intent is nil")
	}
	switch req.Intent.Kind {
	case flow.KindDeposit:
		return b.buildDeposit(ctx, req)
	case flow.KindOpenPosition:
		return b.buildOpenPosition(ctx, req)
	case flow.KindClosePosition:
		return b.buildClosePosition(ctx, req)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported intent kind %q", req.Intent.Kind))
	}
}

// prepared 汇总每次构建都要做的市场解析、账户派生和存在性探测。
type prepared struct {
	descriptor *venue.MarketDescriptor
	existence  *venue.AccountExistence
	statsPDA   solana.PublicKey
	tradingPDA solana.PublicKey
}

func (b *Builder) prepare(ctx context.Context, req Request) (*prepared, error) {
	if req.Intent.Fields.MarketIndex == nil {
		return nil, xerrors.New(CodeIntentFieldMissing, "market index not collected")
	}
	descriptor, err := b.query.GetMarketDescriptor(ctx, *req.Intent.Fields.MarketIndex)
	if err != nil {
		return nil, err
	}
	existence, err := b.query.GetAccountExistence(ctx, req.Authority, req.SubAccountID)
	if err != nil {
		return nil, err
	}
	statsPDA, err := venue.DeriveStatsAccount(b.programID, req.Authority)
	if err != nil {
		return nil, xerrors.Wrap(CodeBuildFailed, err, "derive stats account")
	}
	tradingPDA, err := venue.DeriveTradingAccount(b.programID, req.Authority, req.SubAccountID)
	if err != nil {
		return nil, xerrors.Wrap(CodeBuildFailed, err, "derive trading account")
	}
	return &prepared{
		descriptor: descriptor,
		existence:  existence,
		statsPDA:   statsPDA,
		tradingPDA: tradingPDA,
	}, nil
}

// bootstrap 为缺失的统计账户和交易账户各自独立补上初始化指令。
func (b *Builder) bootstrap(p *prepared, authority solana.PublicKey, subAccountID uint16) []solana.Instruction {
	var ixs []solana.Instruction
	if !p.existence.StatsAccountExists {
		ixs = append(ixs, initializeUserStats(b.programID, p.statsPDA, b.state, authority))
	}
	if !p.existence.TradingAccountExists {
		ixs = append(ixs, initializeUser(b.programID, p.tradingPDA, p.statsPDA, b.state, authority, subAccountID, b.accountName))
	}
	return ixs
}

// marginAccounts 收集保证金引擎校验交易时必须读取的账户：
// 目标市场、其结算市场，以及用户持有非零余额的每个市场。
// 漏掉任何一个都会在链上而非构建期被拒绝。
func (b *Builder) marginAccounts(ctx context.Context, target *venue.MarketDescriptor, account *venue.TradingAccount) (solana.AccountMetaSlice, error) {
	indices := map[uint16]struct{}{target.MarketIndex: {}}
	if account != nil {
		for _, pos := range account.PerpPositions {
			if pos.BaseAssetAmount != 0 {
				indices[pos.MarketIndex] = struct{}{}
			}
		}
		for _, bal := range account.SpotBalances {
			if bal.ScaledBalance != 0 {
				indices[bal.MarketIndex] = struct{}{}
			}
		}
	}
	sorted := make([]uint16, 0, len(indices))
	for idx := range indices {
		sorted = append(sorted, idx)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var oracles, markets solana.AccountMetaSlice
	for _, idx := range sorted {
		descriptor := target
		if idx != target.MarketIndex {
			var err error
			descriptor, err = b.query.GetMarketDescriptor(ctx, idx)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeOf(err), err,
					fmt.Sprintf("resolve margin-relevant market %d", idx))
			}
		}
		oracles = append(oracles, solana.Meta(descriptor.Oracle))
		markets = append(markets, solana.Meta(descriptor.MarketAccount).WRITE())
	}

	metas := append(oracles, markets...)
	metas = append(metas, solana.Meta(target.QuoteMarket).WRITE())
	return metas, nil
}

// buildDeposit 构建入金交易：按需补齐代币账户、原生包装和账户引导，再接入金指令。
func (b *Builder) buildDeposit(ctx context.Context, req Request) (*UnsignedTransaction, error) {
	fields := req.Intent.Fields
	if fields.Size.Sign() <= 0 {
		return nil, xerrors.New(CodeIntentFieldMissing, "deposit amount not collected")
	}
	p, err := b.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	amount, err := ToFixedPoint(fields.Size, p.descriptor.Decimals)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, xerrors.New(CodeAmountOutOfRange, "deposit amount rounds to zero")
	}

	tokenAccount, _, err := solana.FindAssociatedTokenAddress(req.Authority, p.descriptor.Mint)
	if err != nil {
		return nil, xerrors.Wrap(CodeBuildFailed, err, "derive token account")
	}
	tokenData, tokenExists, err := b.fetcher.AccountInfo(ctx, tokenAccount)
	if err != nil {
		return nil, xerrors.Wrap(venue.CodeAccountProbeFailed, err, "probe token account")
	}

	var ixs []solana.Instruction
	if !tokenExists {
		ixs = append(ixs, createTokenAccountIdempotent(req.Authority, req.Authority, tokenAccount, p.descriptor.Mint))
	}

	if p.descriptor.Mint.Equals(solana.SolMint) {
		wrapped := uint64(0)
		if tokenExists {
			wrapped, err = tokenAccountBalance(tokenData)
			if err != nil {
				return nil, err
			}
		}
		// 缺口补足到恰好满足入金额，绝不超额包装。
		if amount > wrapped {
			shortfall := amount - wrapped
			ixs = append(ixs,
				systemTransfer(req.Authority, tokenAccount, shortfall),
				syncNative(tokenAccount),
			)
			b.log.Info("wrapping native token",
				"user_id", req.Intent.UserID, "shortfall", shortfall, "wrapped", wrapped)
		}
	}

	ixs = append(ixs, b.bootstrap(p, req.Authority, req.SubAccountID)...)

	remaining, err := b.marginAccounts(ctx, p.descriptor, p.existence.Account)
	if err != nil {
		return nil, err
	}
	ixs = append(ixs, depositInstruction(
		b.programID, b.state, p.tradingPDA, p.statsPDA, req.Authority,
		p.descriptor.Vault, tokenAccount, p.descriptor.MarketIndex, amount, remaining,
	))

	return &UnsignedTransaction{Instructions: ixs, FeePayer: req.Authority}, nil
}

// buildOpenPosition 构建开仓交易。
func (b *Builder) buildOpenPosition(ctx context.Context, req Request) (*UnsignedTransaction, error) {
	fields := req.Intent.Fields
	if fields.Side == "" {
		return nil, xerrors.New(CodeIntentFieldMissing, "side not collected")
	}
	if fields.Size.Sign() <= 0 {
		return nil, xerrors.New(CodeIntentFieldMissing, "size not collected")
	}
	limit := fields.OrderType == flow.OrderTypeLimit
	if limit && fields.LimitPrice.Sign() <= 0 {
		return nil, xerrors.New(CodeLimitPriceRequired, "limit order requires a limit price")
	}

	p, err := b.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	baseAmount, err := ToFixedPoint(fields.Size, p.descriptor.Decimals)
	if err != nil {
		return nil, err
	}
	if baseAmount < p.descriptor.MinOrderIncrement {
		return nil, xerrors.New(CodeBelowMinimumSize,
			fmt.Sprintf("order size %d below minimum increment %d", baseAmount, p.descriptor.MinOrderIncrement))
	}
	var price uint64
	if limit {
		price, err = ToFixedPoint(fields.LimitPrice, quoteDecimals)
		if err != nil {
			return nil, err
		}
	}

	ixs := b.bootstrap(p, req.Authority, req.SubAccountID)
	remaining, err := b.marginAccounts(ctx, p.descriptor, p.existence.Account)
	if err != nil {
		return nil, err
	}
	orderIx, err := placePerpOrder(b.programID, b.state, p.tradingPDA, p.statsPDA, req.Authority, orderParams{
		MarketIndex: p.descriptor.MarketIndex,
		Side:        fields.Side,
		BaseAmount:  baseAmount,
		Limit:       limit,
		Price:       price,
		ReduceOnly:  false,
	}, remaining)
	if err != nil {
		return nil, err
	}
	ixs = append(ixs, orderIx)

	return &UnsignedTransaction{Instructions: ixs, FeePayer: req.Authority}, nil
}

// buildClosePosition 构建平仓交易：方向取现有仓位的反向，只减仓。
func (b *Builder) buildClosePosition(ctx context.Context, req Request) (*UnsignedTransaction, error) {
	p, err := b.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if !p.existence.TradingAccountExists || p.existence.Account == nil {
		return nil, xerrors.New(CodePositionNotFound, "trading account not initialized")
	}
	position := findPosition(p.existence.Account, p.descriptor.MarketIndex)
	if position == nil {
		return nil, xerrors.New(CodePositionNotFound,
			fmt.Sprintf("no open position in market %d", p.descriptor.MarketIndex))
	}

	sizeAbs := absInt64(position.BaseAssetAmount)
	percentage := req.Intent.Fields.Percentage
	if percentage.Sign() <= 0 {
		percentage = decimal.NewFromInt(100)
	}
	amount := closeAmount(sizeAbs, percentage)
	if amount < p.descriptor.MinOrderIncrement {
		if sizeAbs < p.descriptor.MinOrderIncrement {
			return nil, xerrors.New(CodeBelowMinimumSize,
				fmt.Sprintf("position size %d below minimum increment %d", sizeAbs, p.descriptor.MinOrderIncrement))
		}
		// 不足最小单位的部分平仓升级为全平，这是既定产品策略而非静默忽略。
		b.log.Warn("partial close below minimum, escalating to full close",
			"user_id", req.Intent.UserID, "requested", amount, "full_size", sizeAbs)
		amount = sizeAbs
	}

	positionSide := venue.SideLong
	if position.BaseAssetAmount < 0 {
		positionSide = venue.SideShort
	}

	remaining, err := b.marginAccounts(ctx, p.descriptor, p.existence.Account)
	if err != nil {
		return nil, err
	}
	orderIx, err := placePerpOrder(b.programID, b.state, p.tradingPDA, p.statsPDA, req.Authority, orderParams{
		MarketIndex: p.descriptor.MarketIndex,
		Side:        positionSide.Inverse(),
		BaseAmount:  amount,
		Limit:       false,
		Price:       0,
		ReduceOnly:  true,
	}, remaining)
	if err != nil {
		return nil, err
	}

	return &UnsignedTransaction{
		Instructions: []solana.Instruction{orderIx},
		FeePayer:     req.Authority,
	}, nil
}

func findPosition(account *venue.TradingAccount, marketIndex uint16) *venue.PerpPosition {
	for i := range account.PerpPositions {
		pos := &account.PerpPositions[i]
		if pos.MarketIndex == marketIndex && pos.BaseAssetAmount != 0 {
			return pos
		}
	}
	return nil
}

func absInt64(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}

// tokenAccountBalance 从 SPL 代币账户原始数据中读取余额。
func tokenAccountBalance(data []byte) (uint64, error) {
	if len(data) < 72 {
		return 0, xerrors.New(venue.CodeAccountDecode, "token account data too short")
	}
	return binary.LittleEndian.Uint64(data[64:72]), nil
}
