package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClockSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := RealClock{}.Sleep(ctx, time.Hour)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRealClockSleepReturnsAfterDuration(t *testing.T) {
	err := RealClock{}.Sleep(context.Background(), time.Millisecond)
	assert.NoError(t, err)
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := t.TempDir() + "/logs/grid.log"
	logger, err := NewLogger(path)
	assert.NoError(t, err)
	logger.Info("hello")
	_ = logger.Sync()
	assert.FileExists(t, path)
}
