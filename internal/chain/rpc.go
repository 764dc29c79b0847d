package chain

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Commitment 表示确认级别。
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// RPC 抽象了与账本网络交互所需的能力。
// 所有方法都是阻塞调用，实现必须尊重 ctx 取消。
type RPC interface {
	// LatestBlockhash 返回一个新鲜的区块哈希，用作交易的生命期锚点。
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	// SendRaw 广播已签名的交易字节，开启签名校验。
	SendRaw(ctx context.Context, wire []byte) (solana.Signature, error)
	// Confirm 查询签名是否已达到指定确认级别。
	// 交易尚未出现或未达级别时返回 false 而不是错误。
	Confirm(ctx context.Context, sig solana.Signature, commitment Commitment) (bool, error)
	// AccountInfo 读取账户数据；账户不存在时 exists 为 false。
	AccountInfo(ctx context.Context, key solana.PublicKey) (data []byte, exists bool, err error)
}
