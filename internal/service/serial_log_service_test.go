package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/smart-kiosk/internal/models"
	"github.com/wfunc/smart-kiosk/internal/repository"
	"go.uber.org/zap"
)

func TestSerialLogStopFlushesBuffer(t *testing.T) {
	db := repository.SetupTestDB()
	defer repository.CleanupTestDB(db)

	svc := NewSerialLogService(db, 30, zap.NewNop())

	svc.RecordInbound("/dev/ttyUSB0", "COIN_EVENT:5", "coin_inserted", "abc123", false)
	svc.RecordInbound("/dev/ttyUSB0", "garbage line", "", "", true)
	svc.RecordOutbound("/dev/ttyUSB0", "MODE WATER")

	// 批量阈值和周期都没到, 落库靠Stop时的排空
	svc.Stop()

	repo := repository.NewSerialLogRepository(db)
	logs, err := repo.GetLatest(10, "")
	require.NoError(t, err)
	require.Len(t, logs, 3)

	recv, err := repo.GetLatest(10, models.SerialLogReceive)
	require.NoError(t, err)
	assert.Len(t, recv, 2)

	sent, err := repo.GetLatest(10, models.SerialLogSend)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "MODE WATER", sent[0].Line)
}

func TestSerialLogDroppedFlagPreserved(t *testing.T) {
	db := repository.SetupTestDB()
	defer repository.CleanupTestDB(db)

	svc := NewSerialLogService(db, 30, zap.NewNop())
	svc.RecordInbound("/dev/ttyUSB0", "COIN_EVENT:5", "coin_inserted", "dup999", true)
	svc.Stop()

	repo := repository.NewSerialLogRepository(db)
	count, err := repo.CountDropped(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSerialLogCleanupRetention(t *testing.T) {
	db := repository.SetupTestDB()
	defer repository.CleanupTestDB(db)

	// 直接落一条过期记录和一条新记录
	old := &models.SerialLog{
		Direction: models.SerialLogReceive,
		Line:      "stale",
		CreatedAt: time.Now().AddDate(0, 0, -40),
	}
	require.NoError(t, db.Create(old).Error)
	fresh := &models.SerialLog{
		Direction: models.SerialLogReceive,
		Line:      "fresh",
	}
	require.NoError(t, db.Create(fresh).Error)

	svc := NewSerialLogService(db, 30, zap.NewNop())
	defer svc.Stop()

	deleted, err := svc.Cleanup()
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	repo := repository.NewSerialLogRepository(db)
	logs, err := repo.GetLatest(10, "")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "fresh", logs[0].Line)
}

func TestSerialLogCleanupDisabled(t *testing.T) {
	db := repository.SetupTestDB()
	defer repository.CleanupTestDB(db)

	svc := NewSerialLogService(db, 0, zap.NewNop())
	defer svc.Stop()

	deleted, err := svc.Cleanup()
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
