package submit

import (
	"context"
	"log/slog"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"PerpPilot-Chain/internal/builder"
	"PerpPilot-Chain/internal/chain"
	xerrors "PerpPilot-Chain/internal/errors"
	"PerpPilot-Chain/internal/signer"
	"PerpPilot-Chain/pkg/logger"
)

// 本包注册的错误码。
const (
	CodeMissingSignature xerrors.Code = "MISSING_SIGNATURE"
	CodeConfirmTimeout   xerrors.Code = "CONFIRM_TIMEOUT"
)

func init() {
	xerrors.Register(CodeMissingSignature, xerrors.Attributes{
		Message:   "signer did not return a fee payer signature",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeConfirmTimeout, xerrors.Attributes{
		Message:   "transaction confirmation timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Service 负责签名和提交：每次尝试都完整走一遍
// 取块哈希、签名、重建、广播、确认，而不是裸重发旧字节。
type Service struct {
	rpc             chain.RPC
	signer          signer.Signer
	policy          Policy
	commitment      chain.Commitment
	confirmInterval time.Duration
	confirmTimeout  time.Duration
	log             *slog.Logger
}

// Option 配置 Service。
type Option func(*Service)

// WithPolicy 覆盖重试策略。
func WithPolicy(policy Policy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithCommitment 覆盖确认级别。
func WithCommitment(commitment chain.Commitment) Option {
	return func(s *Service) {
		if commitment != "" {
			s.commitment = commitment
		}
	}
}

// WithConfirmation 覆盖确认轮询的间隔和上限。
func WithConfirmation(interval, timeout time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.confirmInterval = interval
		}
		if timeout > 0 {
			s.confirmTimeout = timeout
		}
	}
}

// NewService 创建签名提交服务。
func NewService(rpc chain.RPC, sgn signer.Signer, opts ...Option) *Service {
	s := &Service{
		rpc:             rpc,
		signer:          sgn,
		policy:          DefaultPolicy(),
		commitment:      chain.CommitmentConfirmed,
		confirmInterval: 2 * time.Second,
		confirmTimeout:  60 * time.Second,
		log:             logger.Named("submit"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignAndSend 完整执行一次签名提交并等待确认，内部按策略重试。
// onRetry 在每次重试前触发，调用方用它持久化重试计数。
// 成功返回已确认的交易签名，耗尽时原样返回最后一次的错误。
func (s *Service) SignAndSend(ctx context.Context, userID string, unsigned *builder.UnsignedTransaction, onRetry func(attempt int)) (solana.Signature, error) {
	var confirmed solana.Signature
	err := s.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		sig, err := s.attempt(ctx, userID, unsigned)
		if err != nil {
			s.log.Warn("submission attempt failed",
				"user_id", userID, "attempt", attempt, "error", err)
			return err
		}
		confirmed = sig
		return nil
	}, onRetry)
	if err != nil {
		return solana.Signature{}, err
	}
	return confirmed, nil
}

// attempt 执行一个完整的签名提交周期。
func (s *Service) attempt(ctx context.Context, userID string, unsigned *builder.UnsignedTransaction) (solana.Signature, error) {
	blockhash, err := s.rpc.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, "fetch blockhash")
	}
	tx, err := unsigned.Assemble(blockhash)
	if err != nil {
		return solana.Signature{}, err
	}

	// 序列化前清掉全部签名槽位，占位零签名保持线格式合法。
	// 签名方可能附加授权副签名，它绝不能进入广播交易。
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	wire, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, xerrors.Wrap(xerrors.CodeUnknown, err, "serialize transaction")
	}

	signedWire, err := s.signer.SignTransaction(ctx, userID, wire)
	if err != nil {
		return solana.Signature{}, err
	}

	feePayerSig, err := extractFeePayerSignature(signedWire, unsigned.FeePayer)
	if err != nil {
		return solana.Signature{}, err
	}

	// 从原始指令重建交易，签名标记只认手续费支付方。
	// 签名方返回的账户元数据一概不信。
	rebuilt, err := rebuildForBroadcast(unsigned, blockhash, feePayerSig)
	if err != nil {
		return solana.Signature{}, err
	}
	broadcastWire, err := rebuilt.MarshalBinary()
	if err != nil {
		return solana.Signature{}, xerrors.Wrap(xerrors.CodeUnknown, err, "serialize broadcast transaction")
	}

	sig, err := s.rpc.SendRaw(ctx, broadcastWire)
	if err != nil {
		return solana.Signature{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, "broadcast transaction")
	}

	if err := s.awaitConfirmation(ctx, sig); err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

// extractFeePayerSignature 重新解析签名方返回的字节并取出手续费支付方的签名。
func extractFeePayerSignature(signedWire []byte, feePayer solana.PublicKey) (solana.Signature, error) {
	signedTx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(signedWire))
	if err != nil {
		return solana.Signature{}, xerrors.Wrap(signer.CodeSignerResponse, err, "parse signed transaction")
	}
	for i, key := range signedTx.Message.AccountKeys {
		if !key.Equals(feePayer) {
			continue
		}
		if i >= len(signedTx.Signatures) || signedTx.Signatures[i].IsZero() {
			break
		}
		return signedTx.Signatures[i], nil
	}
	return solana.Signature{}, xerrors.New(CodeMissingSignature, "fee payer signature absent from signed transaction")
}

// rebuildForBroadcast 从原始指令重建广播交易。
// 每个账户的签名标记强制为“是否手续费支付方”，防御外部签名方注入多余签名位。
func rebuildForBroadcast(unsigned *builder.UnsignedTransaction, blockhash solana.Hash, feePayerSig solana.Signature) (*solana.Transaction, error) {
	sanitized := make([]solana.Instruction, 0, len(unsigned.Instructions))
	for _, ix := range unsigned.Instructions {
		data, err := ix.Data()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "read instruction data")
		}
		metas := make(solana.AccountMetaSlice, 0, len(ix.Accounts()))
		for _, meta := range ix.Accounts() {
			metas = append(metas, &solana.AccountMeta{
				PublicKey:  meta.PublicKey,
				IsWritable: meta.IsWritable,
				IsSigner:   meta.PublicKey.Equals(unsigned.FeePayer),
			})
		}
		sanitized = append(sanitized, solana.NewInstruction(ix.ProgramID(), metas, data))
	}
	tx, err := solana.NewTransaction(sanitized, blockhash, solana.TransactionPayer(unsigned.FeePayer))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "rebuild transaction")
	}
	tx.Signatures = []solana.Signature{feePayerSig}
	return tx, nil
}

// awaitConfirmation 轮询直到达到确认级别或超时。
func (s *Service) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	deadline := time.Now().Add(s.confirmTimeout)
	ticker := time.NewTicker(s.confirmInterval)
	defer ticker.Stop()
	for {
		ok, err := s.rpc.Confirm(ctx, sig, s.commitment)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeOf(err), err, "confirm transaction")
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return xerrors.New(CodeConfirmTimeout, "confirmation timed out for "+sig.String())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
