package chain

import (
	"context"
	stdErrors "errors"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	xerrors "PerpPilot-Chain/internal/errors"
)

// Config 描述账本 RPC 客户端的连接参数。
type Config struct {
	Endpoint   string
	Commitment Commitment
}

// Client 基于 JSON-RPC 实现 RPC 接口。
type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

// NewClient 构造账本 RPC 客户端。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RPC 地址不能为空")
	}
	return &Client{
		rpc:        rpc.New(cfg.Endpoint),
		commitment: toRPCCommitment(cfg.Commitment),
	}, nil
}

// LatestBlockhash 实现 RPC 接口。
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Hash{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, "获取最新区块哈希失败")
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, xerrors.New(xerrors.CodeRPCFailure, "区块哈希响应为空")
	}
	return out.Value.Blockhash, nil
}

// SendRaw 实现 RPC 接口。广播始终开启预检的签名校验。
func (c *Client) SendRaw(ctx context.Context, wire []byte) (solana.Signature, error) {
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, wire, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return solana.Signature{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, "广播交易失败")
	}
	return sig, nil
}

// Confirm 实现 RPC 接口。
func (c *Client) Confirm(ctx context.Context, sig solana.Signature, commitment Commitment) (bool, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeRPCFailure, err, "查询交易确认状态失败")
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}
	status := out.Value[0]
	if status.Err != nil {
		return false, xerrors.New(xerrors.CodeRPCFailure, "交易在链上执行失败",
			xerrors.WithRetryable(false))
	}
	return reached(status.ConfirmationStatus, commitment), nil
}

// AccountInfo 实现 RPC 接口与 venue.AccountFetcher。
func (c *Client) AccountInfo(ctx context.Context, key solana.PublicKey) ([]byte, bool, error) {
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
	})
	if err != nil {
		if stdErrors.Is(err, rpc.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, xerrors.Wrap(xerrors.CodeRPCFailure, err, "读取账户失败")
	}
	if out == nil || out.Value == nil {
		return nil, false, nil
	}
	data := out.Value.Data.GetBinary()
	return data, true, nil
}

func toRPCCommitment(commitment Commitment) rpc.CommitmentType {
	switch commitment {
	case CommitmentProcessed:
		return rpc.CommitmentProcessed
	case CommitmentConfirmed:
		return rpc.CommitmentConfirmed
	default:
		return rpc.CommitmentFinalized
	}
}

// reached 判断链上报告的确认级别是否覆盖请求级别。
func reached(got rpc.ConfirmationStatusType, want Commitment) bool {
	rank := func(s string) int {
		switch s {
		case string(CommitmentProcessed):
			return 1
		case string(CommitmentConfirmed):
			return 2
		case string(CommitmentFinalized):
			return 3
		default:
			return 0
		}
	}
	return rank(string(got)) >= rank(string(want))
}
