/************************************************************************************
 *
 * wyre, a lightweight Go client for the Discord gateway and REST API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 The Wyre Authors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package wyre

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultWorkerPoolRunsSubmittedTasks(t *testing.T) {
	logger := NewDefaultLogger(io.Discard, LogLevelErrorLevel)
	pool := NewDefaultWorkerPool(logger, WithMinWorkers(2), WithMaxWorkers(4), WithQueueCap(8))
	defer pool.Shutdown()

	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		ok := pool.Submit(func() {
			defer wg.Done()
			n.Add(1)
		})
		if !ok {
			t.Fatal("Submit returned false with queue capacity available")
		}
	}
	wg.Wait()
	if n.Load() != 8 {
		t.Fatalf("n = %d, want 8", n.Load())
	}
}

func TestDefaultWorkerPoolSubmitAfterShutdownIsRejected(t *testing.T) {
	logger := NewDefaultLogger(io.Discard, LogLevelErrorLevel)
	pool := NewDefaultWorkerPool(logger, WithMinWorkers(1))
	pool.Shutdown()
	if pool.Submit(func() {}) {
		t.Fatal("expected Submit to reject work after Shutdown")
	}
}

func TestDefaultWorkerPoolGrowsUnderQueuePressure(t *testing.T) {
	logger := NewDefaultLogger(io.Discard, LogLevelErrorLevel)
	pool := NewDefaultWorkerPool(logger,
		WithMinWorkers(1),
		WithMaxWorkers(4),
		WithQueueCap(4),
		WithQueueGrowThreshold(0.5),
		WithIdleTimeout(50*time.Millisecond),
	)
	defer pool.Shutdown()

	release := make(chan struct{})
	defer close(release)
	var started sync.WaitGroup
	started.Add(1)
	pool.Submit(func() {
		started.Done()
		<-release
	})
	started.Wait()

	// With the single worker blocked, queuing past the grow threshold
	// must spawn additional workers so these still get drained.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		pool.Submit(func() { wg.Done() })
	}
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("queued tasks not drained while the initial worker was blocked; the pool did not grow")
	}
}
