package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/smart-kiosk/internal/storage"
	"go.uber.org/zap"
)

const defaultQueueSize = 512

// PersistQueue 有界持久化队列
// 业务线程只入队, 队满时丢弃最新载荷并记日志, 绝不阻塞硬件线程;
// 单个工作协程异步消费落库, 落库失败丢弃载荷, 内存态始终是权威
type PersistQueue struct {
	store   storage.Store
	queue   chan *storage.Payload
	log     *zap.Logger
	dropped atomic.Int64
	wg      sync.WaitGroup

	// mu保护stopped与通道关闭的互斥:
	// Enqueue持读锁入队, Stop持写锁置位并关通道,
	// 入队动作不可能落在已关闭的通道上
	mu      sync.RWMutex
	stopped bool
}

// NewPersistQueue 创建持久化队列
func NewPersistQueue(store storage.Store, size int, log *zap.Logger) *PersistQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &PersistQueue{
		store: store,
		queue: make(chan *storage.Payload, size),
		log:   log,
	}
}

// Start 启动消费协程
func (q *PersistQueue) Start() {
	q.wg.Add(1)
	go q.worker()
}

// Stop 停止队列并排空剩余载荷
func (q *PersistQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.queue)
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue 入队载荷
// 队列已满或已停止时丢弃并返回false
func (q *PersistQueue) Enqueue(p *storage.Payload) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return false
	}
	select {
	case q.queue <- p:
		return true
	default:
		q.dropped.Add(1)
		q.log.Warn("持久化队列已满, 丢弃载荷",
			zap.String("op", p.Op),
			zap.String("session_id", p.SessionID),
			zap.Int64("dropped_total", q.dropped.Load()),
		)
		return false
	}
}

// Len 返回待消费载荷数
func (q *PersistQueue) Len() int {
	return len(q.queue)
}

// Dropped 返回累计丢弃数
func (q *PersistQueue) Dropped() int64 {
	return q.dropped.Load()
}

func (q *PersistQueue) worker() {
	defer q.wg.Done()

	for p := range q.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := q.store.Apply(ctx, p); err != nil {
			q.log.Error("载荷落库失败, 已丢弃",
				zap.String("op", p.Op),
				zap.String("id", p.ID),
				zap.Error(err),
			)
		}
		cancel()
	}
}
