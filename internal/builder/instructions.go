package builder

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"

	xerrors "PerpPilot-Chain/internal/errors"
	"PerpPilot-Chain/internal/venue"
)

// anchorDiscriminator 计算 Anchor 约定的指令判别码。
func anchorDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

var (
	discInitializeUserStats = anchorDiscriminator("initialize_user_stats")
	discInitializeUser      = anchorDiscriminator("initialize_user")
	discDeposit             = anchorDiscriminator("deposit")
	discPlacePerpOrder      = anchorDiscriminator("place_perp_order")
)

// SPL Token Program 的 SyncNative 指令编号。
const tokenInstructionSyncNative = 17

// Associated Token Program 的 CreateIdempotent 指令编号。
const ataInstructionCreateIdempotent = 1

// System Program 的 Transfer 指令编号。
const systemInstructionTransfer = 2

// 账户名固定长度，不足部分以零填充。
const accountNameLen = 32

// direction 是订单方向的线上编码。
func directionByte(side venue.Side) byte {
	if side == venue.SideShort {
		return 1
	}
	return 0
}

// orderTypeByte 是订单子类型的线上编码。
func orderTypeByte(limit bool) byte {
	if limit {
		return 1
	}
	return 0
}

// createTokenAccountIdempotent 构造关联代币账户的幂等创建指令。
// 账户已存在时该指令在链上是空操作，不会重复创建。
func createTokenAccountIdempotent(payer, owner, tokenAccount, mint solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(tokenAccount).WRITE(),
			solana.Meta(owner),
			solana.Meta(mint),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(solana.TokenProgramID),
		},
		[]byte{ataInstructionCreateIdempotent},
	)
}

// systemTransfer 构造原生代币转账指令。
func systemTransfer(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemInstructionTransfer)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return solana.NewInstruction(
		solana.SystemProgramID,
		solana.AccountMetaSlice{
			solana.Meta(from).WRITE().SIGNER(),
			solana.Meta(to).WRITE(),
		},
		data,
	)
}

// syncNative 构造把账户 lamports 同步进包装代币余额的指令。
func syncNative(tokenAccount solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.TokenProgramID,
		solana.AccountMetaSlice{
			solana.Meta(tokenAccount).WRITE(),
		},
		[]byte{tokenInstructionSyncNative},
	)
}

// initializeUserStats 构造统计账户的初始化指令。
func initializeUserStats(programID, statsAccount, state, authority solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		programID,
		solana.AccountMetaSlice{
			solana.Meta(statsAccount).WRITE(),
			solana.Meta(state).WRITE(),
			solana.Meta(authority).WRITE().SIGNER(),
			solana.Meta(solana.SysVarRentPubkey),
			solana.Meta(solana.SystemProgramID),
		},
		discInitializeUserStats,
	)
}

// initializeUser 构造交易账户的初始化指令。
func initializeUser(programID, tradingAccount, statsAccount, state, authority solana.PublicKey, subAccountID uint16, name string) solana.Instruction {
	data := make([]byte, 0, 8+2+accountNameLen)
	data = append(data, discInitializeUser...)
	data = binary.LittleEndian.AppendUint16(data, subAccountID)
	padded := make([]byte, accountNameLen)
	copy(padded, name)
	data = append(data, padded...)
	return solana.NewInstruction(
		programID,
		solana.AccountMetaSlice{
			solana.Meta(tradingAccount).WRITE(),
			solana.Meta(statsAccount).WRITE(),
			solana.Meta(state).WRITE(),
			solana.Meta(authority).WRITE().SIGNER(),
			solana.Meta(solana.SysVarRentPubkey),
			solana.Meta(solana.SystemProgramID),
		},
		data,
	)
}

// depositInstruction 构造抵押品入金指令。
// remaining 携带保证金引擎需要读取的市场和预言机账户。
func depositInstruction(programID, state, tradingAccount, statsAccount, authority, vault, userTokenAccount solana.PublicKey, marketIndex uint16, amount uint64, remaining solana.AccountMetaSlice) solana.Instruction {
	data := make([]byte, 0, 8+2+8+1)
	data = append(data, discDeposit...)
	data = binary.LittleEndian.AppendUint16(data, marketIndex)
	data = binary.LittleEndian.AppendUint64(data, amount)
	data = append(data, 0) // reduce_only

	accounts := solana.AccountMetaSlice{
		solana.Meta(state),
		solana.Meta(tradingAccount).WRITE(),
		solana.Meta(statsAccount).WRITE(),
		solana.Meta(authority).WRITE().SIGNER(),
		solana.Meta(vault).WRITE(),
		solana.Meta(userTokenAccount).WRITE(),
		solana.Meta(solana.TokenProgramID),
	}
	accounts = append(accounts, remaining...)
	return solana.NewInstruction(programID, accounts, data)
}

// orderParams 是下单指令的参数集。
type orderParams struct {
	MarketIndex uint16
	Side        venue.Side
	BaseAmount  uint64
	Limit       bool
	Price       uint64
	ReduceOnly  bool
}

// placePerpOrder 构造永续下单指令。
func placePerpOrder(programID, state, tradingAccount, statsAccount, authority solana.PublicKey, params orderParams, remaining solana.AccountMetaSlice) (solana.Instruction, error) {
	if params.Limit && params.Price == 0 {
		return nil, xerrors.New(CodeLimitPriceRequired, "limit order requires a price")
	}
	data := make([]byte, 0, 8+1+2+1+8+8+1)
	data = append(data, discPlacePerpOrder...)
	data = append(data, orderTypeByte(params.Limit))
	data = binary.LittleEndian.AppendUint16(data, params.MarketIndex)
	data = append(data, directionByte(params.Side))
	data = binary.LittleEndian.AppendUint64(data, params.BaseAmount)
	data = binary.LittleEndian.AppendUint64(data, params.Price)
	if params.ReduceOnly {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}

	accounts := solana.AccountMetaSlice{
		solana.Meta(state),
		solana.Meta(tradingAccount).WRITE(),
		solana.Meta(statsAccount).WRITE(),
		solana.Meta(authority).WRITE().SIGNER(),
	}
	accounts = append(accounts, remaining...)
	return solana.NewInstruction(programID, accounts, data), nil
}
