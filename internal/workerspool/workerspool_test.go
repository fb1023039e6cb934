// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/dehaze/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
)

func TestPool_RunAll(t *testing.T) {
	pool := New().SetMaxParallelism(4)
	results := make([]int, 8)
	pool.RunAll(len(results), func(i int) {
		results[i] = i * i
	})
	for ii, v := range results {
		assert.Equal(t, ii*ii, v)
	}
	assert.Equal(t, 0, pool.Running())
}

func TestPool_Limit(t *testing.T) {
	pool := New().SetMaxParallelism(2)
	var running, maxRunning atomic.Int32
	pool.RunAll(6, func(i int) {
		n := running.Add(1)
		for {
			current := maxRunning.Load()
			if n <= current || maxRunning.CompareAndSwap(current, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
	})
	assert.LessOrEqual(t, int(maxRunning.Load()), 2)
}

func TestPool_AllStartTogether(t *testing.T) {
	// With enough parallelism, all tasks must be running at the same time: they wait on each other.
	pool := New().SetMaxParallelism(-1)
	const numTasks = 8
	var count atomic.Int32
	allStarted := xsync.NewLatch()
	done := xsync.NewLatch()
	go func() {
		pool.RunAll(numTasks, func(i int) {
			if count.Add(1) == numTasks {
				allStarted.Trigger()
			}
			allStarted.Wait()
		})
		done.Trigger()
	}()
	assert.True(t, done.WaitTimeout(time.Second), "tasks were not run in parallel")

	// No parallelism: tasks are run inline.
	pool.SetMaxParallelism(0)
	count.Store(0)
	pool.RunAll(3, func(i int) { count.Add(1) })
	assert.Equal(t, int32(3), count.Load())
}
