package venue

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	xerrors "PerpPilot-Chain/internal/errors"
)

// 本文件是场内账户数据进入系统的唯一解码入口。
// 所有链上账户 blob 都在这里按账户类型标签解码成显式结构体，
// 上层代码不再做任何防御性的字段探测。

// accountTag 是账户数据前 8 字节的类型标签。
type accountTag [8]byte

var (
	tagTradingAccount = deriveAccountTag("User")
	tagStatsAccount   = deriveAccountTag("UserStats")
)

// deriveAccountTag 按 anchor 惯例计算账户类型标签。
func deriveAccountTag(name string) accountTag {
	sum := sha256.Sum256([]byte("account:" + name))
	var tag accountTag
	copy(tag[:], sum[:8])
	return tag
}

type accountReader struct {
	data []byte
	pos  int
}

func (r *accountReader) remaining() int { return len(r.data) - r.pos }

func (r *accountReader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("账户数据在偏移 %d 处截断，还需 %d 字节", r.pos, n)
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *accountReader) pubkey() (solana.PublicKey, error) {
	raw, err := r.bytes(32)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}

func (r *accountReader) uint16LE() (uint16, error) {
	raw, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(raw), nil
}

func (r *accountReader) uint32LE() (uint32, error) {
	raw, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

func (r *accountReader) uint64LE() (uint64, error) {
	raw, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func (r *accountReader) int64LE() (int64, error) {
	raw, err := r.uint64LE()
	if err != nil {
		return 0, err
	}
	return int64(raw), nil
}

// DecodeTradingAccount 解码用户交易账户。
// 布局: tag[8] | authority[32] | sub_account_id u16 |
// perp_count u32 | perp_count × (market_index u16, base_asset_amount i64, quote_entry_amount i64) |
// spot_count u32 | spot_count × (market_index u16, scaled_balance u64)
func DecodeTradingAccount(data []byte) (*TradingAccount, error) {
	reader, err := openTagged(data, tagTradingAccount, "trading account")
	if err != nil {
		return nil, err
	}

	account := &TradingAccount{}
	if account.Authority, err = reader.pubkey(); err != nil {
		return nil, decodeErr(err)
	}
	if account.SubAccountID, err = reader.uint16LE(); err != nil {
		return nil, decodeErr(err)
	}

	perpCount, err := reader.uint32LE()
	if err != nil {
		return nil, decodeErr(err)
	}
	if perpCount > maxAccountEntries {
		return nil, decodeErr(fmt.Errorf("永续仓位数量 %d 超出上限", perpCount))
	}
	account.PerpPositions = make([]PerpPosition, 0, perpCount)
	for i := uint32(0); i < perpCount; i++ {
		var pos PerpPosition
		if pos.MarketIndex, err = reader.uint16LE(); err != nil {
			return nil, decodeErr(err)
		}
		if pos.BaseAssetAmount, err = reader.int64LE(); err != nil {
			return nil, decodeErr(err)
		}
		if pos.QuoteEntryAmount, err = reader.int64LE(); err != nil {
			return nil, decodeErr(err)
		}
		account.PerpPositions = append(account.PerpPositions, pos)
	}

	spotCount, err := reader.uint32LE()
	if err != nil {
		return nil, decodeErr(err)
	}
	if spotCount > maxAccountEntries {
		return nil, decodeErr(fmt.Errorf("现货余额数量 %d 超出上限", spotCount))
	}
	account.SpotBalances = make([]SpotBalance, 0, spotCount)
	for i := uint32(0); i < spotCount; i++ {
		var bal SpotBalance
		if bal.MarketIndex, err = reader.uint16LE(); err != nil {
			return nil, decodeErr(err)
		}
		if bal.ScaledBalance, err = reader.uint64LE(); err != nil {
			return nil, decodeErr(err)
		}
		account.SpotBalances = append(account.SpotBalances, bal)
	}
	return account, nil
}

// DecodeStatsAccount 校验统计账户的类型标签并返回其持有者。
// 布局: tag[8] | authority[32] | number_of_sub_accounts u16
func DecodeStatsAccount(data []byte) (solana.PublicKey, error) {
	reader, err := openTagged(data, tagStatsAccount, "stats account")
	if err != nil {
		return solana.PublicKey{}, err
	}
	authority, err := reader.pubkey()
	if err != nil {
		return solana.PublicKey{}, decodeErr(err)
	}
	return authority, nil
}

// DecodeOraclePrice 解码预言机价格账户。
// 布局: price i64 | exponent i32，价格 = price × 10^exponent。
func DecodeOraclePrice(data []byte) (decimal.Decimal, error) {
	reader := &accountReader{data: data}
	raw, err := reader.int64LE()
	if err != nil {
		return decimal.Zero, decodeErr(err)
	}
	expRaw, err := reader.uint32LE()
	if err != nil {
		return decimal.Zero, decodeErr(err)
	}
	exponent := int32(expRaw)
	if exponent < -18 || exponent > 18 {
		return decimal.Zero, decodeErr(fmt.Errorf("预言机指数 %d 超出合理范围", exponent))
	}
	price := decimal.New(raw, exponent)
	if price.IsNegative() {
		return decimal.Zero, decodeErr(fmt.Errorf("预言机价格为负: %s", price))
	}
	return price, nil
}

// maxAccountEntries 防御损坏数据导致的超额分配。
const maxAccountEntries = 1024

func openTagged(data []byte, want accountTag, kind string) (*accountReader, error) {
	if len(data) < len(want) {
		return nil, decodeErr(fmt.Errorf("%s 数据过短: %d 字节", kind, len(data)))
	}
	var got accountTag
	copy(got[:], data[:8])
	if got != want {
		return nil, decodeErr(fmt.Errorf("%s 类型标签不匹配", kind))
	}
	return &accountReader{data: data, pos: 8}, nil
}

func decodeErr(cause error) error {
	return xerrors.Wrap(CodeAccountDecode, cause, "解码场内账户失败")
}
