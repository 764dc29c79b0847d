package notify

import (
	"context"
	"errors"
	"sync"
)

// MemoryQueue 是基于 channel 的进程内事件队列，适用于单实例部署和测试。
type MemoryQueue struct {
	events    chan Event
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue 创建内存事件队列。
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{
		events: make(chan Event, buffer),
		closed: make(chan struct{}),
	}
}

// Publish 投递一个状态事件。
func (q *MemoryQueue) Publish(ctx context.Context, event Event) error {
	select {
	case <-q.closed:
		return errors.New("queue closed")
	case <-ctx.Done():
		return ctx.Err()
	case q.events <- event:
		return nil
	}
}

// Consume 启动 workerCount 个协程消费事件，ctx 取消时返回。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.closed:
					return
				case event := <-q.events:
					_ = handler(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭队列。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}
