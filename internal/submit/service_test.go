package submit

import (
	"context"
	"errors"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"PerpPilot-Chain/internal/builder"
	"PerpPilot-Chain/internal/chain"
	xerrors "PerpPilot-Chain/internal/errors"
)

func testKey(tag byte) solana.PublicKey {
	var raw [32]byte
	raw[0] = tag
	raw[31] = tag
	return solana.PublicKeyFromBytes(raw[:])
}

var testFeePayer = testKey(0x01)

func testUnsigned() *builder.UnsignedTransaction {
	ix := solana.NewInstruction(
		testKey(0x10),
		solana.AccountMetaSlice{
			solana.Meta(testFeePayer).WRITE().SIGNER(),
			solana.Meta(testKey(0x11)).WRITE(),
		},
		[]byte{1, 2, 3},
	)
	return &builder.UnsignedTransaction{
		Instructions: []solana.Instruction{ix},
		FeePayer:     testFeePayer,
	}
}

type fakeRPC struct {
	blockhash solana.Hash
	sent      [][]byte
	sendErr   error
}

func (r *fakeRPC) LatestBlockhash(context.Context) (solana.Hash, error) {
	return r.blockhash, nil
}

func (r *fakeRPC) SendRaw(_ context.Context, wire []byte) (solana.Signature, error) {
	if r.sendErr != nil {
		return solana.Signature{}, r.sendErr
	}
	r.sent = append(r.sent, wire)
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(wire))
	if err != nil {
		return solana.Signature{}, err
	}
	return tx.Signatures[0], nil
}

func (r *fakeRPC) Confirm(context.Context, solana.Signature, chain.Commitment) (bool, error) {
	return true, nil
}

func (r *fakeRPC) AccountInfo(context.Context, solana.PublicKey) ([]byte, bool, error) {
	return nil, false, nil
}

var testSignatureValue = func() solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	return sig
}()

// fakeSigner 解析交易、为首个签名槽填入签名，并附加一个授权副签名。
type fakeSigner struct {
	calls        int
	err          error
	omitFeePayer bool
}

func (s *fakeSigner) SignTransaction(_ context.Context, _ string, wire []byte) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(wire))
	if err != nil {
		return nil, err
	}
	if s.omitFeePayer {
		tx.Signatures = make([]solana.Signature, len(tx.Signatures))
	} else {
		tx.Signatures[0] = testSignatureValue
		var cosign solana.Signature
		cosign[0] = 0xEE
		tx.Signatures = append(tx.Signatures, cosign)
	}
	out, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return out, nil
}

type fakeSleeper struct {
	slept []time.Duration
}

func (s *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return nil
}

func TestSignAndSendHappyPath(t *testing.T) {
	rpc := &fakeRPC{}
	sgn := &fakeSigner{}
	svc := NewService(rpc, sgn, WithConfirmation(time.Millisecond, time.Second))

	sig, err := svc.SignAndSend(context.Background(), "user-1", testUnsigned(), nil)
	if err != nil {
		t.Fatalf("SignAndSend: %v", err)
	}
	if !sig.Equals(testSignatureValue) {
		t.Fatalf("signature = %s, want the signer's fee payer signature", sig)
	}
	if sgn.calls != 1 {
		t.Fatalf("signer calls = %d, want 1", sgn.calls)
	}
}

func TestBroadcastStripsCoSignerAndSpuriousFlags(t *testing.T) {
	rpc := &fakeRPC{}
	sgn := &fakeSigner{}
	svc := NewService(rpc, sgn, WithConfirmation(time.Millisecond, time.Second))

	if _, err := svc.SignAndSend(context.Background(), "user-1", testUnsigned(), nil); err != nil {
		t.Fatalf("SignAndSend: %v", err)
	}
	if len(rpc.sent) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(rpc.sent))
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(rpc.sent[0]))
	if err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if len(tx.Signatures) != 1 {
		t.Fatalf("broadcast carries %d signatures, the co-signer must be stripped", len(tx.Signatures))
	}
	if got := tx.Message.Header.NumRequiredSignatures; got != 1 {
		t.Fatalf("required signatures = %d, want exactly the fee payer", got)
	}
	if !tx.Message.AccountKeys[0].Equals(testFeePayer) {
		t.Fatalf("fee payer = %s, want %s", tx.Message.AccountKeys[0], testFeePayer)
	}
}

func TestMissingFeePayerSignatureIsFatal(t *testing.T) {
	rpc := &fakeRPC{}
	sgn := &fakeSigner{omitFeePayer: true}
	sleeper := &fakeSleeper{}
	policy := Policy{MaxRetries: 3, BaseDelay: time.Second, Sleep: sleeper.sleep}
	svc := NewService(rpc, sgn, WithPolicy(policy), WithConfirmation(time.Millisecond, time.Second))

	_, err := svc.SignAndSend(context.Background(), "user-1", testUnsigned(), nil)
	if code := xerrors.CodeOf(err); code != CodeMissingSignature {
		t.Fatalf("code = %s, want %s", code, CodeMissingSignature)
	}
	if sgn.calls != 1 {
		t.Fatalf("signer calls = %d, fatal errors must not be retried", sgn.calls)
	}
	if len(sleeper.slept) != 0 {
		t.Fatalf("slept %v, fatal errors must not back off", sleeper.slept)
	}
}

func TestRetryBackoffBound(t *testing.T) {
	// 签名方持续网络故障：恰好 4 个完整周期，重试序号 1、2、3，
	// 退避合计不少于 1+2+4 秒。
	rpc := &fakeRPC{}
	sgn := &fakeSigner{err: errors.New("dial tcp: connection refused")}
	sleeper := &fakeSleeper{}
	policy := Policy{MaxRetries: 3, BaseDelay: time.Second, Sleep: sleeper.sleep}
	svc := NewService(rpc, sgn, WithPolicy(policy), WithConfirmation(time.Millisecond, time.Second))

	var retries []int
	_, err := svc.SignAndSend(context.Background(), "user-1", testUnsigned(), func(attempt int) {
		retries = append(retries, attempt)
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if sgn.calls != 4 {
		t.Fatalf("cycles = %d, want 4", sgn.calls)
	}
	if len(retries) != 3 || retries[0] != 1 || retries[1] != 2 || retries[2] != 3 {
		t.Fatalf("onRetry attempts = %v, want [1 2 3]", retries)
	}
	var total time.Duration
	for _, d := range sleeper.slept {
		total += d
	}
	if total < 7*time.Second {
		t.Fatalf("cumulative backoff = %v, want at least 7s", total)
	}
}

func TestExhaustionReturnsLastErrorUnchanged(t *testing.T) {
	cause := errors.New("rpc node timeout")
	rpc := &fakeRPC{sendErr: cause}
	sgn := &fakeSigner{}
	sleeper := &fakeSleeper{}
	policy := Policy{MaxRetries: 1, BaseDelay: time.Millisecond, Sleep: sleeper.sleep}
	svc := NewService(rpc, sgn, WithPolicy(policy), WithConfirmation(time.Millisecond, time.Second))

	_, err := svc.SignAndSend(context.Background(), "user-1", testUnsigned(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want the last attempt's error preserved", err)
	}
}

func TestDefaultRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("request timed out"), true},
		{errors.New("429 too many requests"), true},
		{errors.New("blockhash not found"), true},
		{errors.New("invalid instruction data"), false},
		{xerrors.New(xerrors.CodeRPCFailure, "node overloaded"), true},
		{xerrors.New(CodeMissingSignature, "no signature"), false},
		{context.Canceled, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := DefaultRetryable(tc.err); got != tc.want {
			t.Errorf("DefaultRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
