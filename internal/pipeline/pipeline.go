package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"PerpPilot-Chain/internal/builder"
	xerrors "PerpPilot-Chain/internal/errors"
	"PerpPilot-Chain/internal/flow"
	"PerpPilot-Chain/internal/ledger"
	"PerpPilot-Chain/internal/notify"
	"PerpPilot-Chain/internal/observability/alerting"
	"PerpPilot-Chain/pkg/logger"
)

// TransactionBuilder 把意图转换为待签名交易。
type TransactionBuilder interface {
	BuildTransaction(ctx context.Context, req builder.Request) (*builder.UnsignedTransaction, error)
}

// Submitter 完成签名、广播与确认。
type Submitter interface {
	SignAndSend(ctx context.Context, userID string, unsigned *builder.UnsignedTransaction, onRetry func(attempt int)) (solana.Signature, error)
}

// Service 串联一条意图从构建到落账的完整执行。
// 每个用户动作驱动一个独立的流水线实例，彼此不共享可变状态。
type Service struct {
	flows    *flow.Manager
	builder  TransactionBuilder
	submit   Submitter
	store    ledger.Store
	producer notify.Producer
	alerts   alerting.Dispatcher
	log      *slog.Logger
}

// Option 配置 Service。
type Option func(*Service)

// WithNotifier 接入状态事件队列。
func WithNotifier(producer notify.Producer) Option {
	return func(s *Service) {
		s.producer = producer
	}
}

// WithAlerts 接入告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(s *Service) {
		s.alerts = dispatcher
	}
}

// NewService 创建流水线服务。
func NewService(flows *flow.Manager, txBuilder TransactionBuilder, submitter Submitter, store ledger.Store, opts ...Option) *Service {
	s := &Service{
		flows:   flows,
		builder: txBuilder,
		submit:  submitter,
		store:   store,
		log:     logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request 是一次流水线执行的输入。
// 权限账户、钱包标识和子账户编号由钱包托管层解析。
type Request struct {
	Intent       *flow.Intent
	Authority    solana.PublicKey
	WalletID     string
	SubAccountID uint16
}

// Result 是成功执行的结果。
type Result struct {
	RecordID string
	TxHash   string
}

// Execute 执行一条完整意图：构建、落账、签名提交、状态推进、事件分发。
// 记录一旦创建，流水线即运行至终态，不受后续取消影响。
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	intent := req.Intent
	if intent == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "intent is nil")
	}
	// 意图进入执行后即被消费，无论结局如何不再保留。
	defer func() {
		if s.flows != nil {
			if err := s.flows.ClearFlow(context.WithoutCancel(ctx), intent.UserID); err != nil {
				s.log.Error("clear flow", "user_id", intent.UserID, "error", err)
			}
		}
	}()

	unsigned, err := s.builder.BuildTransaction(ctx, builder.Request{
		Intent:       intent,
		Authority:    req.Authority,
		SubAccountID: req.SubAccountID,
	})
	if err != nil {
		s.log.Warn("build failed", "user_id", intent.UserID, "kind", intent.Kind, "error", err)
		return nil, err
	}

	marketIndex := uint16(0)
	if intent.Fields.MarketIndex != nil {
		marketIndex = *intent.Fields.MarketIndex
	}
	record := ledger.NewRecord(intent.UserID, req.WalletID,
		ledger.TxTypeForKind(intent.Kind), intent.Fields.Size, marketIndex)
	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}

	// 记录落账后流水线与调用方取消解耦：广播可能已经不可撤回，
	// 聊天端断开不能把一笔链上会成功的交易记成失败。
	runCtx := context.WithoutCancel(ctx)

	sig, err := s.submit.SignAndSend(runCtx, intent.UserID, unsigned, func(attempt int) {
		if _, uerr := s.store.UpdateStatus(runCtx, record.ID, ledger.StatusUpdate{RetryCount: &attempt}); uerr != nil {
			s.log.Error("persist retry count", "record_id", record.ID, "error", uerr)
		}
	})
	if err != nil {
		s.markFailed(runCtx, record, err)
		return nil, err
	}

	txHash := sig.String()
	confirmedAt := time.Now().UTC()
	updated, err := s.store.UpdateStatus(runCtx, record.ID, ledger.StatusUpdate{
		Status:      ledger.StatusConfirmed,
		TxHash:      &txHash,
		ConfirmedAt: &confirmedAt,
	})
	if err != nil {
		return nil, err
	}
	s.publish(runCtx, updated)
	logger.Audit().Info("交易确认",
		"record_id", record.ID, "user_id", intent.UserID,
		"tx_type", string(record.TxType), "tx_hash", txHash)
	s.log.Info("transaction confirmed",
		"user_id", intent.UserID, "record_id", record.ID, "tx_hash", txHash)
	return &Result{RecordID: record.ID, TxHash: txHash}, nil
}

// markFailed 把记录推进到 Failed 并分发事件与告警。
func (s *Service) markFailed(ctx context.Context, record *ledger.Record, cause error) {
	code := string(xerrors.CodeOf(cause))
	message := cause.Error()
	updated, err := s.store.UpdateStatus(ctx, record.ID, ledger.StatusUpdate{
		Status:       ledger.StatusFailed,
		ErrorCode:    &code,
		ErrorMessage: &message,
	})
	if err != nil {
		s.log.Error("mark record failed", "record_id", record.ID, "error", err)
		return
	}
	s.publish(ctx, updated)
	logger.Audit().Warn("交易终态失败",
		"record_id", record.ID, "user_id", record.UserID,
		"tx_type", string(record.TxType), "error_code", code, "error", message)

	if s.alerts != nil && xerrors.ShouldAlert(cause) {
		event := alerting.Event{
			Code:       xerrors.CodeOf(cause),
			Message:    message,
			Severity:   xerrors.SeverityOf(cause),
			RecordID:   record.ID,
			UserID:     record.UserID,
			TxType:     string(record.TxType),
			RetryCount: updated.RetryCount,
			OccurredAt: time.Now().UTC(),
		}
		if err := s.alerts.Notify(ctx, event); err != nil {
			s.log.Error("dispatch alert", "record_id", record.ID, "error", err)
		}
	}
}

// publish 把记录状态变化投递给聊天层。
func (s *Service) publish(ctx context.Context, record *ledger.Record) {
	if s.producer == nil || record == nil {
		return
	}
	event := notify.Event{
		RecordID:   record.ID,
		UserID:     record.UserID,
		TxType:     string(record.TxType),
		Status:     string(record.Status),
		TxHash:     record.TxHash,
		ErrorCode:  record.ErrorCode,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, event); err != nil {
		s.log.Error("publish status event", "record_id", record.ID, "error", err)
	}
}
