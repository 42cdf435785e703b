package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wfunc/smart-kiosk/internal/storage"
	"go.uber.org/zap"
)

// TestPersistQueue_DrainOnStop 测试停止时排空剩余载荷
func TestPersistQueue_DrainOnStop(t *testing.T) {
	store := storage.NewMemoryStore()
	q := NewPersistQueue(store, 16, zap.NewNop())
	q.Start()

	for i := 0; i < 5; i++ {
		p := storage.NewPayload(storage.OpDispenseIncrement).With("total_ml", i*100)
		assert.True(t, q.Enqueue(p))
	}
	q.Stop()

	assert.Len(t, store.Payloads(), 5)
	assert.Equal(t, int64(0), q.Dropped())
}

// TestPersistQueue_DropNewestWhenFull 测试队满丢弃最新载荷
func TestPersistQueue_DropNewestWhenFull(t *testing.T) {
	store := storage.NewMemoryStore()
	q := NewPersistQueue(store, 2, zap.NewNop())
	// 不启动工作协程, 让队列保持满

	assert.True(t, q.Enqueue(storage.NewPayload(storage.OpCoin)))
	assert.True(t, q.Enqueue(storage.NewPayload(storage.OpCoin)))
	assert.False(t, q.Enqueue(storage.NewPayload(storage.OpCoin)))
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())

	q.Start()
	q.Stop()
	assert.Len(t, store.Payloads(), 2)
}

// TestPersistQueue_EnqueueAfterStop 测试停止后入队失败
func TestPersistQueue_EnqueueAfterStop(t *testing.T) {
	q := NewPersistQueue(storage.NewMemoryStore(), 4, zap.NewNop())
	q.Start()
	q.Stop()

	assert.False(t, q.Enqueue(storage.NewPayload(storage.OpCoin)))
	// 重复停止是安全的
	q.Stop()
}

// TestPersistQueue_EnqueueRacesStop 测试入队与停止并发时不会写已关闭的通道
func TestPersistQueue_EnqueueRacesStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		q := NewPersistQueue(storage.NewMemoryStore(), 4, zap.NewNop())
		q.Start()

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					q.Enqueue(storage.NewPayload(storage.OpCoin))
				}
			}()
		}
		q.Stop()
		wg.Wait()
	}
}

// TestPersistQueue_AsyncConsume 测试异步消费
func TestPersistQueue_AsyncConsume(t *testing.T) {
	store := storage.NewMemoryStore()
	q := NewPersistQueue(store, 16, zap.NewNop())
	q.Start()
	defer q.Stop()

	q.Enqueue(storage.NewPayload(storage.OpCoin))

	assert.Eventually(t, func() bool {
		return len(store.Payloads()) == 1
	}, time.Second, 5*time.Millisecond)
}
