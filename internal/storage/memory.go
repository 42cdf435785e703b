package storage

import (
	"context"
	"sync"
)

// MemoryStore 内存存储实现
// 测试与离线模式使用; 载荷按到达顺序留存, 幂等键去重
type MemoryStore struct {
	mu       sync.Mutex
	payloads []*Payload
	seen     map[string]struct{}
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen: make(map[string]struct{}),
	}
}

// Apply 应用载荷
func (s *MemoryStore) Apply(_ context.Context, p *Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID != "" {
		key := p.Op + ":" + p.ID
		if _, dup := s.seen[key]; dup {
			return nil
		}
		s.seen[key] = struct{}{}
	}
	s.payloads = append(s.payloads, p)
	return nil
}

// Close 关闭存储
func (s *MemoryStore) Close() error { return nil }

// Payloads 返回已应用载荷的快照
func (s *MemoryStore) Payloads() []*Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Payload, len(s.payloads))
	copy(out, s.payloads)
	return out
}

// ByOp 返回指定操作名的载荷
func (s *MemoryStore) ByOp(op string) []*Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Payload
	for _, p := range s.payloads {
		if p.Op == op {
			out = append(out, p)
		}
	}
	return out
}
