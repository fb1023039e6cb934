// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements a few synchronization primitives missing from the standard library.
package xsync

import (
	"sync"
	"time"
)

// Latch is a one-way signal: once triggered, it stays triggered, and every waiter is released.
// The zero value is not usable, create it with NewLatch.
type Latch struct {
	once sync.Once
	wait chan struct{}
}

// NewLatch returns an untriggered Latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch. It is safe to call it more than once, and from different goroutines.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.wait) })
}

// Wait until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// WaitChan returns a channel that is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// WaitTimeout waits for the latch for at most timeout. It returns whether the latch was triggered.
func (l *Latch) WaitTimeout(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.wait:
		return true
	case <-timer.C:
		return false
	}
}

// Test returns whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}
