package service

import (
	"sync"
	"time"

	"github.com/wfunc/smart-kiosk/internal/models"
	"github.com/wfunc/smart-kiosk/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// 批量落库阈值
	serialLogBatchSize = 100
	// 批量落库周期
	serialLogFlushInterval = 5 * time.Second
	// 待写缓冲容量, 满时丢弃而不是阻塞串口读循环
	serialLogChanSize = 1000
)

// SerialLogService 串口原始日志服务
// 挂在监听器的tap上, 把固件链路的进出行异步批量落库,
// 写库永远不能拖慢串口读循环
type SerialLogService struct {
	repo   *repository.SerialLogRepository
	logger *zap.Logger

	mu     sync.Mutex
	buffer []*models.SerialLog

	bufferCh chan *models.SerialLog
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	retentionDays int
}

// NewSerialLogService 创建串口日志服务
func NewSerialLogService(db *gorm.DB, retentionDays int, logger *zap.Logger) *SerialLogService {
	s := &SerialLogService{
		repo:          repository.NewSerialLogRepository(db),
		logger:        logger,
		buffer:        make([]*models.SerialLog, 0, serialLogBatchSize),
		bufferCh:      make(chan *models.SerialLog, serialLogChanSize),
		stopCh:        make(chan struct{}),
		retentionDays: retentionDays,
	}

	s.wg.Add(1)
	go s.backgroundWriter()

	return s
}

// RecordInbound 记录一行固件上报
func (s *SerialLogService) RecordInbound(device, line, eventName, eventID string, dropped bool) {
	s.record(&models.SerialLog{
		Direction: models.SerialLogReceive,
		Device:    device,
		Line:      line,
		EventName: eventName,
		EventID:   eventID,
		Dropped:   dropped,
	})
}

// RecordOutbound 记录一条出站指令
func (s *SerialLogService) RecordOutbound(device, cmd string) {
	s.record(&models.SerialLog{
		Direction: models.SerialLogSend,
		Device:    device,
		Line:      cmd,
	})
}

func (s *SerialLogService) record(log *models.SerialLog) {
	log.Timestamp = time.Now().UnixMilli()
	select {
	case s.bufferCh <- log:
	default:
		// 缓冲满, 留档让位于业务
	}
}

// backgroundWriter 后台批量写入协程
func (s *SerialLogService) backgroundWriter() {
	defer s.wg.Done()

	ticker := time.NewTicker(serialLogFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case log := <-s.bufferCh:
			s.mu.Lock()
			s.buffer = append(s.buffer, log)
			if len(s.buffer) >= serialLogBatchSize {
				s.flushBuffer()
			}
			s.mu.Unlock()

		case <-ticker.C:
			s.mu.Lock()
			s.flushBuffer()
			s.mu.Unlock()

		case <-s.stopCh:
			// 排空缓冲后退出
			for {
				select {
				case log := <-s.bufferCh:
					s.buffer = append(s.buffer, log)
				default:
					s.mu.Lock()
					s.flushBuffer()
					s.mu.Unlock()
					return
				}
			}
		}
	}
}

// flushBuffer 批量写入缓冲区, 调用方持有s.mu
func (s *SerialLogService) flushBuffer() {
	if len(s.buffer) == 0 {
		return
	}

	if err := s.repo.CreateBatch(s.buffer); err != nil {
		s.logger.Error("串口日志批量写入失败",
			zap.Int("count", len(s.buffer)), zap.Error(err))
	}
	s.buffer = s.buffer[:0]
}

// Cleanup 清理超过保留期的日志
func (s *SerialLogService) Cleanup() (int64, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}
	deleted, err := s.repo.CleanupLogs(s.retentionDays)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("串口日志已清理",
			zap.Int64("deleted", deleted), zap.Int("retention_days", s.retentionDays))
	}
	return deleted, nil
}

// Stop 停止服务并落盘剩余日志
func (s *SerialLogService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
