package venue

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	xerrors "PerpPilot-Chain/internal/errors"
)

func testKey(tag byte) solana.PublicKey {
	var raw [32]byte
	raw[0] = tag
	raw[31] = tag
	return solana.PublicKeyFromBytes(raw[:])
}

var (
	testProgramID = testKey(0xB0)
	testAuthority = testKey(0xB1)
	testOracle    = testKey(0xB2)
)

type fakeFetcher struct {
	accounts map[solana.PublicKey][]byte
	failAll  bool
}

func (f *fakeFetcher) AccountInfo(_ context.Context, key solana.PublicKey) ([]byte, bool, error) {
	if f.failAll {
		return nil, false, errors.New("rpc unavailable")
	}
	data, ok := f.accounts[key]
	return data, ok, nil
}

func (f *fakeFetcher) put(key solana.PublicKey, data []byte) {
	if f.accounts == nil {
		f.accounts = make(map[solana.PublicKey][]byte)
	}
	f.accounts[key] = data
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := NewCatalog(MarketDefinitions{Markets: []MarketDefinition{{
		MarketIndex:       0,
		Symbol:            "SOL-PERP",
		MinOrderIncrement: 10_000_000,
		Decimals:          9,
		QuoteMarketIndex:  0,
		Oracle:            testOracle.String(),
	}}})
	if err != nil {
		t.Fatalf("构造市场目录失败: %v", err)
	}
	return catalog
}

func appendUint16(buf []byte, v uint16) []byte {
	var raw [2]byte
	binary.LittleEndian.PutUint16(raw[:], v)
	return append(buf, raw[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], v)
	return append(buf, raw[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], v)
	return append(buf, raw[:]...)
}

func tradingAccountBlob(authority solana.PublicKey, subAccountID uint16, perps []PerpPosition, spots []SpotBalance) []byte {
	buf := append([]byte{}, tagTradingAccount[:]...)
	buf = append(buf, authority.Bytes()...)
	buf = appendUint16(buf, subAccountID)
	buf = appendUint32(buf, uint32(len(perps)))
	for _, p := range perps {
		buf = appendUint16(buf, p.MarketIndex)
		buf = appendUint64(buf, uint64(p.BaseAssetAmount))
		buf = appendUint64(buf, uint64(p.QuoteEntryAmount))
	}
	buf = appendUint32(buf, uint32(len(spots)))
	for _, s := range spots {
		buf = appendUint16(buf, s.MarketIndex)
		buf = appendUint64(buf, s.ScaledBalance)
	}
	return buf
}

func oracleBlob(price int64, exponent int32) []byte {
	buf := appendUint64(nil, uint64(price))
	return appendUint32(buf, uint32(exponent))
}

func TestGetAccountExistenceDecodesTradingAccount(t *testing.T) {
	fetcher := &fakeFetcher{}
	statsKey, err := DeriveStatsAccount(testProgramID, testAuthority)
	if err != nil {
		t.Fatalf("派生统计账户失败: %v", err)
	}
	tradingKey, err := DeriveTradingAccount(testProgramID, testAuthority, 0)
	if err != nil {
		t.Fatalf("派生交易账户失败: %v", err)
	}
	fetcher.put(statsKey, append([]byte{}, tagStatsAccount[:]...))
	fetcher.put(tradingKey, tradingAccountBlob(testAuthority, 0,
		[]PerpPosition{{MarketIndex: 0, BaseAssetAmount: 2_500_000_000, QuoteEntryAmount: 250_000_000}},
		[]SpotBalance{{MarketIndex: 0, ScaledBalance: 42}},
	))

	query, err := NewChainQuery(testCatalog(t), fetcher, testProgramID)
	if err != nil {
		t.Fatalf("构造查询失败: %v", err)
	}
	existence, err := query.GetAccountExistence(context.Background(), testAuthority, 0)
	if err != nil {
		t.Fatalf("探测账户失败: %v", err)
	}
	if !existence.StatsAccountExists || !existence.TradingAccountExists {
		t.Fatalf("账户应当都存在: %+v", existence)
	}
	if existence.Account == nil {
		t.Fatal("交易账户未被解码")
	}
	if !existence.Account.Authority.Equals(testAuthority) {
		t.Fatalf("authority 不匹配: %s", existence.Account.Authority)
	}
	if len(existence.Account.PerpPositions) != 1 || len(existence.Account.SpotBalances) != 1 {
		t.Fatalf("仓位或余额数量不符: %+v", existence.Account)
	}
	if existence.Account.PerpPositions[0].BaseAssetAmount != 2_500_000_000 {
		t.Fatalf("仓位数量不符: %d", existence.Account.PerpPositions[0].BaseAssetAmount)
	}
}

func TestGetAccountExistenceMissingAccounts(t *testing.T) {
	query, err := NewChainQuery(testCatalog(t), &fakeFetcher{}, testProgramID)
	if err != nil {
		t.Fatalf("构造查询失败: %v", err)
	}
	existence, err := query.GetAccountExistence(context.Background(), testAuthority, 0)
	if err != nil {
		t.Fatalf("探测账户失败: %v", err)
	}
	if existence.StatsAccountExists || existence.TradingAccountExists || existence.Account != nil {
		t.Fatalf("新用户不应有任何账户: %+v", existence)
	}
}

func TestGetAccountExistenceProbeFailureIsRetryable(t *testing.T) {
	query, err := NewChainQuery(testCatalog(t), &fakeFetcher{failAll: true}, testProgramID)
	if err != nil {
		t.Fatalf("构造查询失败: %v", err)
	}
	_, err = query.GetAccountExistence(context.Background(), testAuthority, 0)
	if xerrors.CodeOf(err) != CodeAccountProbeFailed {
		t.Fatalf("期望探测失败错误码，得到: %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("探测失败应当可重试: %v", err)
	}
}

func TestSnapshotPositionLong(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.put(testOracle, oracleBlob(120, 0))
	query, err := NewChainQuery(testCatalog(t), fetcher, testProgramID)
	if err != nil {
		t.Fatalf("构造查询失败: %v", err)
	}

	existence := &AccountExistence{
		Authority:            testAuthority,
		TradingAccountExists: true,
		Account: &TradingAccount{
			Authority: testAuthority,
			PerpPositions: []PerpPosition{
				{MarketIndex: 0, BaseAssetAmount: 2_500_000_000, QuoteEntryAmount: 250_000_000},
			},
		},
	}

	snapshot, err := query.SnapshotPosition(context.Background(), existence, 0)
	if err != nil {
		t.Fatalf("计算快照失败: %v", err)
	}
	if snapshot.Side != SideLong {
		t.Fatalf("方向应为多头: %s", snapshot.Side)
	}
	if !snapshot.EntryPrice.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("开仓价应为 100: %s", snapshot.EntryPrice)
	}
	if !snapshot.CurrentPrice.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("现价应为 120: %s", snapshot.CurrentPrice)
	}
	if !snapshot.UnrealizedPnl.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("多头浮盈应为 50: %s", snapshot.UnrealizedPnl)
	}
	if !snapshot.QuoteNotional.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("名义价值应为 300: %s", snapshot.QuoteNotional)
	}
}

func TestSnapshotPositionShort(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.put(testOracle, oracleBlob(12_000_000_000, -8))
	query, err := NewChainQuery(testCatalog(t), fetcher, testProgramID)
	if err != nil {
		t.Fatalf("构造查询失败: %v", err)
	}

	existence := &AccountExistence{
		Authority:            testAuthority,
		TradingAccountExists: true,
		Account: &TradingAccount{
			Authority: testAuthority,
			PerpPositions: []PerpPosition{
				{MarketIndex: 0, BaseAssetAmount: -2_500_000_000, QuoteEntryAmount: -250_000_000},
			},
		},
	}

	snapshot, err := query.SnapshotPosition(context.Background(), existence, 0)
	if err != nil {
		t.Fatalf("计算快照失败: %v", err)
	}
	if snapshot.Side != SideShort {
		t.Fatalf("方向应为空头: %s", snapshot.Side)
	}
	if !snapshot.UnrealizedPnl.Equal(decimal.NewFromInt(-50)) {
		t.Fatalf("空头浮亏应为 -50: %s", snapshot.UnrealizedPnl)
	}
}

func TestSnapshotPositionAbsent(t *testing.T) {
	query, err := NewChainQuery(testCatalog(t), &fakeFetcher{}, testProgramID)
	if err != nil {
		t.Fatalf("构造查询失败: %v", err)
	}

	cases := []struct {
		name      string
		existence *AccountExistence
	}{
		{"无交易账户", nil},
		{"空账户", &AccountExistence{Authority: testAuthority}},
		{"零仓位", &AccountExistence{
			Authority: testAuthority,
			Account: &TradingAccount{PerpPositions: []PerpPosition{
				{MarketIndex: 0, BaseAssetAmount: 0},
			}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := query.SnapshotPosition(context.Background(), tc.existence, 0)
			if xerrors.CodeOf(err) != xerrors.CodeNotFound {
				t.Fatalf("期望 NOT_FOUND，得到: %v", err)
			}
		})
	}
}

func TestDecodeTradingAccountRejectsBadData(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"数据过短", []byte{1, 2, 3}},
		{"标签不匹配", make([]byte, 64)},
		{"截断的仓位列表", appendUint32(
			appendUint16(append(append([]byte{}, tagTradingAccount[:]...), testAuthority.Bytes()...), 0), 3)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeTradingAccount(tc.data); xerrors.CodeOf(err) != CodeAccountDecode {
				t.Fatalf("期望解码错误码，得到: %v", err)
			}
		})
	}
}

func TestDecodeOraclePrice(t *testing.T) {
	price, err := DecodeOraclePrice(oracleBlob(12_345, -2))
	if err != nil {
		t.Fatalf("解码价格失败: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("123.45")) {
		t.Fatalf("价格应为 123.45: %s", price)
	}

	if _, err := DecodeOraclePrice(oracleBlob(-1, 0)); err == nil {
		t.Fatal("负价格应被拒绝")
	}
	if _, err := DecodeOraclePrice(oracleBlob(1, 40)); err == nil {
		t.Fatal("指数越界应被拒绝")
	}
	if _, err := DecodeOraclePrice([]byte{1, 2}); err == nil {
		t.Fatal("截断数据应被拒绝")
	}
}

func TestNewCatalogValidation(t *testing.T) {
	_, err := NewCatalog(MarketDefinitions{Markets: []MarketDefinition{
		{MarketIndex: 0, Symbol: "A"},
		{MarketIndex: 0, Symbol: "B"},
	}})
	if err == nil {
		t.Fatal("重复的市场索引应被拒绝")
	}

	_, err = NewCatalog(MarketDefinitions{Markets: []MarketDefinition{
		{MarketIndex: 0, Symbol: "A", Oracle: "not-base58!"},
	}})
	if err == nil {
		t.Fatal("非法公钥应被拒绝")
	}
}
