package hardware

import (
	"bytes"
	"sync"
	"time"
)

// fakePort 串口替身, 读端模拟带超时的非阻塞读
type fakePort struct {
	mu      sync.Mutex
	readBuf bytes.Buffer
	written bytes.Buffer
	closed  bool
}

func newFakePort() *fakePort {
	return &fakePort{}
}

// Feed 注入固件输出
func (p *fakePort) Feed(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(data)
}

// Written 返回主机写入的全部数据
func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	n, _ := p.readBuf.Read(b)
	p.mu.Unlock()
	if n == 0 {
		// 模拟串口读超时
		time.Sleep(5 * time.Millisecond)
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
