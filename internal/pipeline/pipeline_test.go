package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"PerpPilot-Chain/internal/builder"
	"PerpPilot-Chain/internal/chain"
	"PerpPilot-Chain/internal/flow"
	"PerpPilot-Chain/internal/ledger"
	"PerpPilot-Chain/internal/notify"
	"PerpPilot-Chain/internal/observability/alerting"
	"PerpPilot-Chain/internal/signer"
	"PerpPilot-Chain/internal/submit"
	"PerpPilot-Chain/internal/venue"
)

func testKey(tag byte) solana.PublicKey {
	var raw [32]byte
	raw[0] = tag
	raw[31] = tag
	return solana.PublicKeyFromBytes(raw[:])
}

var (
	testProgramID = testKey(0xA0)
	testAuthority = testKey(0xA1)
)

type fakeQuery struct {
	descriptors map[uint16]*venue.MarketDescriptor
	existence   *venue.AccountExistence
}

func (q *fakeQuery) GetMarketDescriptor(_ context.Context, marketIndex uint16) (*venue.MarketDescriptor, error) {
	d, ok := q.descriptors[marketIndex]
	if !ok {
		return nil, venue.ErrMarketNotFound
	}
	return d, nil
}

func (q *fakeQuery) GetAccountExistence(context.Context, solana.PublicKey, uint16) (*venue.AccountExistence, error) {
	return q.existence, nil
}

func (q *fakeQuery) GetOraclePrice(context.Context, uint16) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeFetcher struct{}

func (fakeFetcher) AccountInfo(context.Context, solana.PublicKey) ([]byte, bool, error) {
	return nil, false, nil
}

type fakeRPC struct {
	failBroadcast bool
	afterSend     func()
}

func (r *fakeRPC) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash(testKey(0x77)), nil
}

func (r *fakeRPC) SendRaw(_ context.Context, wire []byte) (solana.Signature, error) {
	if r.failBroadcast {
		return solana.Signature{}, errors.New("connection refused")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(wire))
	if err != nil {
		return solana.Signature{}, err
	}
	if r.afterSend != nil {
		r.afterSend()
	}
	return tx.Signatures[0], nil
}

func (r *fakeRPC) Confirm(ctx context.Context, _ solana.Signature, _ chain.Commitment) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *fakeRPC) AccountInfo(context.Context, solana.PublicKey) ([]byte, bool, error) {
	return nil, false, nil
}

var testSignatureValue = func() solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = byte(64 - i)
	}
	return sig
}()

type fakeSigner struct{}

func (fakeSigner) SignTransaction(_ context.Context, _ string, wire []byte) ([]byte, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(wire))
	if err != nil {
		return nil, err
	}
	tx.Signatures[0] = testSignatureValue
	return tx.MarshalBinary()
}

// zeroSigSigner 原样返回交易，费用支付方签名保持零值。
type zeroSigSigner struct{}

func (zeroSigSigner) SignTransaction(_ context.Context, _ string, wire []byte) ([]byte, error) {
	return wire, nil
}

type capturingDispatcher struct {
	events []alerting.Event
}

func (d *capturingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.events = append(d.events, event)
	return nil
}

type capturingProducer struct {
	events []notify.Event
}

func (p *capturingProducer) Publish(_ context.Context, event notify.Event) error {
	p.events = append(p.events, event)
	return nil
}

func (p *capturingProducer) Close() error { return nil }

func depositMarket() *venue.MarketDescriptor {
	return &venue.MarketDescriptor{
		MarketIndex:       1,
		Symbol:            "USDC",
		MinOrderIncrement: 1,
		Decimals:          6,
		Oracle:            testKey(0xB1),
		Mint:              testKey(0xC1),
		Vault:             testKey(0xD1),
		MarketAccount:     testKey(0xE1),
		QuoteMarket:       testKey(0xF0),
	}
}

func newTestPipeline(t *testing.T, rpc *fakeRPC, store ledger.Store, producer notify.Producer) (*Service, *flow.Manager) {
	t.Helper()
	var opts []Option
	if producer != nil {
		opts = append(opts, WithNotifier(producer))
	}
	return newTestPipelineWith(t, rpc, fakeSigner{}, store, opts...)
}

func newTestPipelineWith(t *testing.T, rpc *fakeRPC, sgn signer.Signer, store ledger.Store, opts ...Option) (*Service, *flow.Manager) {
	t.Helper()
	query := &fakeQuery{
		descriptors: map[uint16]*venue.MarketDescriptor{1: depositMarket()},
		existence: &venue.AccountExistence{
			Authority:            testAuthority,
			StatsAccountExists:   false,
			TradingAccountExists: false,
		},
	}
	b, err := builder.NewBuilder(query, fakeFetcher{}, testProgramID)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	sleeper := func(context.Context, time.Duration) error { return nil }
	submitter := submit.NewService(rpc, sgn,
		submit.WithPolicy(submit.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Sleep: sleeper}),
		submit.WithConfirmation(time.Millisecond, time.Second),
	)
	flows := flow.NewManager(flow.NewMemoryStore())
	return NewService(flows, b, submitter, store, opts...), flows
}

func TestExecuteDepositEndToEnd(t *testing.T) {
	// 无代币账户、未初始化账户的用户入金 100 个 6 位小数代币。
	store := ledger.NewMemoryStore()
	producer := &capturingProducer{}
	svc, flows := newTestPipeline(t, &fakeRPC{}, store, producer)
	ctx := context.Background()

	if _, err := flows.StartFlow(ctx, "user-1", "chat-1", flow.KindDeposit); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	size := decimal.NewFromInt(100)
	idx := uint16(1)
	intent, err := flows.UpdateData(ctx, "user-1", flow.Update{MarketIndex: &idx, Size: &size})
	if err != nil {
		t.Fatalf("UpdateData: %v", err)
	}

	result, err := svc.Execute(ctx, Request{
		Intent:    intent,
		Authority: testAuthority,
		WalletID:  "wallet-1",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.TxHash != testSignatureValue.String() {
		t.Fatalf("tx hash = %s, want the broadcast signature", result.TxHash)
	}

	record, err := store.Get(ctx, result.RecordID)
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if record.Status != ledger.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", record.Status)
	}
	if record.TxHash != result.TxHash {
		t.Fatalf("record hash = %s, want %s", record.TxHash, result.TxHash)
	}
	if record.ConfirmedAt == nil {
		t.Fatal("confirmed_at not set")
	}
	if record.TxType != ledger.TxTypeDeposit {
		t.Fatalf("tx_type = %s, want deposit", record.TxType)
	}

	byHash, err := store.GetByHash(ctx, result.TxHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if byHash.ID != result.RecordID {
		t.Fatalf("hash lookup = %s, want %s", byHash.ID, result.RecordID)
	}

	// 流水线完成后意图被消费。
	if flows.IsInFlow(ctx, "user-1") {
		t.Fatal("flow must be cleared after execution")
	}

	if len(producer.events) != 1 || producer.events[0].Status != string(ledger.StatusConfirmed) {
		t.Fatalf("events = %+v, want one confirmed event", producer.events)
	}
}

func TestExecuteMarksFailedOnExhaustion(t *testing.T) {
	store := ledger.NewMemoryStore()
	producer := &capturingProducer{}
	svc, flows := newTestPipeline(t, &fakeRPC{failBroadcast: true}, store, producer)
	ctx := context.Background()

	if _, err := flows.StartFlow(ctx, "user-1", "chat-1", flow.KindDeposit); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	size := decimal.NewFromInt(100)
	idx := uint16(1)
	intent, err := flows.UpdateData(ctx, "user-1", flow.Update{MarketIndex: &idx, Size: &size})
	if err != nil {
		t.Fatalf("UpdateData: %v", err)
	}

	if _, err := svc.Execute(ctx, Request{Intent: intent, Authority: testAuthority}); err == nil {
		t.Fatal("expected exhaustion error")
	}

	records, err := store.ListForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	record := records[0]
	if record.Status != ledger.StatusFailed {
		t.Fatalf("status = %s, want failed", record.Status)
	}
	if record.ErrorCode == "" || record.ErrorMessage == "" {
		t.Fatalf("record = %+v, want error context persisted", record)
	}
	// 重试钩子在终态前推进了计数。
	if record.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", record.RetryCount)
	}
	if len(producer.events) != 1 || producer.events[0].Status != string(ledger.StatusFailed) {
		t.Fatalf("events = %+v, want one failed event", producer.events)
	}
}

func TestExecuteRunsToCompletionAfterCallerCancel(t *testing.T) {
	// 广播后聊天端断开：交易已不可撤回，记录必须推进到终态。
	store := ledger.NewMemoryStore()
	producer := &capturingProducer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rpc := &fakeRPC{afterSend: cancel}
	svc, flows := newTestPipeline(t, rpc, store, producer)

	if _, err := flows.StartFlow(ctx, "user-1", "chat-1", flow.KindDeposit); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	size := decimal.NewFromInt(100)
	idx := uint16(1)
	intent, err := flows.UpdateData(ctx, "user-1", flow.Update{MarketIndex: &idx, Size: &size})
	if err != nil {
		t.Fatalf("UpdateData: %v", err)
	}

	result, err := svc.Execute(ctx, Request{Intent: intent, Authority: testAuthority})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	record, err := store.Get(context.Background(), result.RecordID)
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if record.Status != ledger.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed despite caller cancel", record.Status)
	}
	if flows.IsInFlow(context.Background(), "user-1") {
		t.Fatal("flow must be cleared after execution")
	}
	if len(producer.events) != 1 || producer.events[0].Status != string(ledger.StatusConfirmed) {
		t.Fatalf("events = %+v, want one confirmed event", producer.events)
	}
}

func TestExecuteDispatchesAlertOnFatalSignerFailure(t *testing.T) {
	store := ledger.NewMemoryStore()
	dispatcher := &capturingDispatcher{}
	svc, flows := newTestPipelineWith(t, &fakeRPC{}, zeroSigSigner{}, store,
		WithAlerts(dispatcher))
	ctx := context.Background()

	if _, err := flows.StartFlow(ctx, "user-1", "chat-1", flow.KindDeposit); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	size := decimal.NewFromInt(100)
	idx := uint16(1)
	intent, err := flows.UpdateData(ctx, "user-1", flow.Update{MarketIndex: &idx, Size: &size})
	if err != nil {
		t.Fatalf("UpdateData: %v", err)
	}

	if _, err := svc.Execute(ctx, Request{Intent: intent, Authority: testAuthority}); err == nil {
		t.Fatal("expected missing signature error")
	}

	records, err := store.ListForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(records) != 1 || records[0].Status != ledger.StatusFailed {
		t.Fatalf("records = %+v, want one failed record", records)
	}
	if records[0].ErrorCode != string(submit.CodeMissingSignature) {
		t.Fatalf("error_code = %s, want %s", records[0].ErrorCode, submit.CodeMissingSignature)
	}
	if len(dispatcher.events) != 1 {
		t.Fatalf("alerts = %d, want 1", len(dispatcher.events))
	}
	event := dispatcher.events[0]
	if event.Code != submit.CodeMissingSignature {
		t.Fatalf("alert code = %s, want %s", event.Code, submit.CodeMissingSignature)
	}
	if event.RecordID != records[0].ID || event.UserID != "user-1" {
		t.Fatalf("alert event = %+v, want record context", event)
	}
}

func TestExecuteBuildFailureCreatesNoRecord(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, flows := newTestPipeline(t, &fakeRPC{}, store, nil)
	ctx := context.Background()

	if _, err := flows.StartFlow(ctx, "user-1", "chat-1", flow.KindDeposit); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	size := decimal.NewFromInt(1)
	missing := uint16(42)
	intent, err := flows.UpdateData(ctx, "user-1", flow.Update{MarketIndex: &missing, Size: &size})
	if err != nil {
		t.Fatalf("UpdateData: %v", err)
	}

	if _, err := svc.Execute(ctx, Request{Intent: intent, Authority: testAuthority}); err == nil {
		t.Fatal("expected build error")
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("records = %d, validation failures must not create records", stats.Total)
	}
}
