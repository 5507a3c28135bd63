package jobstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// misfire循环两轮之间的最短间隔
	minMisfireSleep = 50 * time.Millisecond
	// 集群心跳两轮之间的最短间隔
	minCheckinSleep = 100 * time.Millisecond
)

// misfireSleep 计算misfire循环下一轮前的休眠时间
func misfireSleep(threshold, elapsed, retryInterval time.Duration, hasMore bool, failures int) time.Duration {
	if hasMore {
		return 0
	}
	sleep := threshold - elapsed
	if sleep <= 0 {
		sleep = minMisfireSleep
	}
	if failures > 0 && sleep < retryInterval {
		sleep = retryInterval
	}
	return sleep
}

// checkinSleep 计算集群心跳下一轮前的休眠时间，扣除距离上次心跳已经过去的时间
func checkinSleep(interval, sinceCheckin, retryInterval time.Duration, failures int) time.Duration {
	sleep := interval - sinceCheckin
	if sleep <= 0 {
		sleep = minCheckinSleep
	}
	if failures > 0 && sleep < retryInterval {
		sleep = retryInterval
	}
	return sleep
}

// retryUntilDone 按固定间隔重试fn，直到成功、遇到不可重试的错误或ctx结束
func retryUntilDone(ctx context.Context, interval time.Duration, fn func() error,
	notify func(err error, next time.Duration)) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, notify)
}

// sleepCtx 休眠d，ctx结束时提前返回false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
