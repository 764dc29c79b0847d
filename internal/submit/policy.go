package submit

import (
	"context"
	"time"
)

// Sleeper 在两次尝试之间等待，必须尊重 ctx 取消。测试注入假实现。
type Sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy 是可复用的重试策略：尝试上限、指数退避和可重试判定。
// 第 n 次重试前等待 BaseDelay×2^(n-1)，封顶 MaxDelay。
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Retryable  func(error) bool
	Sleep      Sleeper
}

// DefaultPolicy 返回默认重试策略。
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Retryable == nil {
		p.Retryable = DefaultRetryable
	}
	if p.Sleep == nil {
		p.Sleep = realSleep
	}
	return p
}

// Do 执行 op 直到成功、错误不可重试或尝试耗尽。
// 总尝试次数为 MaxRetries+1。onRetry 在每次重试前触发，参数为重试序号（从 1 起）。
// 耗尽时原样返回最后一次的错误。
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, onRetry func(attempt int)) error {
	p = p.normalized()
	var last error
	for attempt := 0; ; attempt++ {
		last = op(ctx, attempt)
		if last == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !p.Retryable(last) {
			return last
		}
		delay := p.BaseDelay << uint(attempt)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if err := p.Sleep(ctx, delay); err != nil {
			return last
		}
		if onRetry != nil {
			onRetry(attempt + 1)
		}
	}
}
