package submit

import (
	"context"
	"errors"
	"strings"

	xerrors "PerpPilot-Chain/internal/errors"
)

// 瞬时网络故障的特征串。命中任意一条即允许带退避重试。
var transientPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"rate limit",
	"too many requests",
	"429",
	"503",
	"502",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"temporarily unavailable",
	"node is behind",
	"blockhash not found",
	"unexpected eof",
}

// DefaultRetryable 判定一个错误是否值得重试。
// 网络、超时和限流类故障可以重试，其余一律立即放弃。
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return xerrors.RetryableError(err)
}
