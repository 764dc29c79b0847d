package builder

import (
	"github.com/gagliardetto/solana-go"

	xerrors "PerpPilot-Chain/internal/errors"
)

// UnsignedTransaction 是构建完成、待签名的交易。
// 不变量：所有指令中带 isSigner 标记的账户有且只有手续费支付方（用户权限账户）。
type UnsignedTransaction struct {
	Instructions []solana.Instruction
	FeePayer     solana.PublicKey
}

// Assemble 用给定 blockhash 组装为可序列化的交易。
// blockhash 由提交方在每次尝试前重新获取，这里不持有。
func (u *UnsignedTransaction) Assemble(blockhash solana.Hash) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(u.Instructions, blockhash, solana.TransactionPayer(u.FeePayer))
	if err != nil {
		return nil, xerrors.Wrap(CodeBuildFailed, err, "assemble transaction")
	}
	return tx, nil
}

// 本包注册的错误码。
const (
	CodeBuildFailed         xerrors.Code = "BUILD_FAILED"
	CodeIntentFieldMissing  xerrors.Code = "INTENT_FIELD_MISSING"
	CodePositionNotFound    xerrors.Code = "POSITION_NOT_FOUND"
	CodeBelowMinimumSize    xerrors.Code = "BELOW_MINIMUM_ORDER_SIZE"
	CodeLimitPriceRequired  xerrors.Code = "LIMIT_PRICE_REQUIRED"
	CodeAmountOutOfRange    xerrors.Code = "AMOUNT_OUT_OF_RANGE"
)

func init() {
	xerrors.Register(CodeBuildFailed, xerrors.Attributes{
		Message:   "transaction build failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeIntentFieldMissing, xerrors.Attributes{
		Message:   "intent is missing a required field",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePositionNotFound, xerrors.Attributes{
		Message:   "no open position in the requested market",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBelowMinimumSize, xerrors.Attributes{
		Message:   "order size below market minimum increment",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLimitPriceRequired, xerrors.Attributes{
		Message:   "limit order requires a limit price",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAmountOutOfRange, xerrors.Attributes{
		Message:   "amount does not fit the venue's fixed point range",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
