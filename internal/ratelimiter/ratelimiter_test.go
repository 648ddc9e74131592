package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireAllowsBurstUpToCapacity(t *testing.T) {
	l := New(60, 0) // 60 rpm = capacity 60, refill 1/sec
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := New(1, 0)
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx)) // drain the single burst slot

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Acquire(cancelCtx)
	require.Error(t, err)
}

func TestReportUsageIsNoopWithoutTPM(t *testing.T) {
	l := New(60, 0)
	require.NotPanics(t, func() { l.ReportUsage(1000) })
}
