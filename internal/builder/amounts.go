package builder

import (
	"math"

	"github.com/shopspring/decimal"

	xerrors "PerpPilot-Chain/internal/errors"
)

// 报价资产（USDC 类稳定币）的定点精度。
const quoteDecimals = 6

// ToFixedPoint 把人类可读的十进制数量换算为场内定点整数。
// 按市场的小数位数左移后取最近整数，恰好一半时远离零舍入。
func ToFixedPoint(qty decimal.Decimal, decimals uint8) (uint64, error) {
	shifted := qty.Shift(int32(decimals)).Round(0)
	if shifted.Sign() < 0 {
		return 0, xerrors.New(CodeAmountOutOfRange, "amount must not be negative")
	}
	if !shifted.IsInteger() || shifted.Cmp(decimal.NewFromUint64(math.MaxUint64)) > 0 {
		return 0, xerrors.New(CodeAmountOutOfRange, "amount exceeds fixed point range")
	}
	return shifted.BigInt().Uint64(), nil
}

// FromFixedPoint 把场内定点整数还原为十进制数量，用于展示和审计。
func FromFixedPoint(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromUint64(raw).Shift(-int32(decimals))
}

// closeAmount 计算按百分比平仓的定点数量。
// percentage >= 100 视为全平。部分平仓向下取整。
func closeAmount(sizeAbs uint64, percentage decimal.Decimal) uint64 {
	if percentage.Cmp(decimal.NewFromInt(100)) >= 0 {
		return sizeAbs
	}
	amount := decimal.NewFromUint64(sizeAbs).
		Mul(percentage).
		Div(decimal.NewFromInt(100)).
		Floor()
	if amount.Sign() <= 0 {
		return 0
	}
	return amount.BigInt().Uint64()
}
