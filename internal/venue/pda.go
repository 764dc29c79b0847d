package venue

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// 场内协议的程序派生地址。种子布局由协议固定，不可配置。

// DeriveStatsAccount 返回用户统计账户地址。
func DeriveStatsAccount(programID, authority solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("user_stats"), authority.Bytes()},
		programID,
	)
	return address, err
}

// DeriveTradingAccount 返回指定子账户的交易账户地址。
func DeriveTradingAccount(programID, authority solana.PublicKey, subAccountID uint16) (solana.PublicKey, error) {
	sub := make([]byte, 2)
	binary.LittleEndian.PutUint16(sub, subAccountID)
	address, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("user"), authority.Bytes(), sub},
		programID,
	)
	return address, err
}

// DeriveStateAccount 返回协议全局状态账户地址。
func DeriveStateAccount(programID solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("state")},
		programID,
	)
	return address, err
}
