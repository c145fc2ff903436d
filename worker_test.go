// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCompilerPool_Create(t *testing.T) {
	pool := NewCompilerPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}

	if !pool.IsRunning() {
		t.Error("Pool should be running after creation")
	}
}

func TestCompilerPool_CreateZeroWorkers(t *testing.T) {
	pool := NewCompilerPool(0)
	defer pool.Close()

	expected := runtime.GOMAXPROCS(0)
	if pool.Workers() != expected {
		t.Errorf("Workers() = %d, want %d (GOMAXPROCS)", pool.Workers(), expected)
	}
}

func TestCompilerPool_Submit(t *testing.T) {
	pool := NewCompilerPool(4)

	var counter atomic.Int64
	var wg sync.WaitGroup

	numTasks := 50
	wg.Add(numTasks)
	for range numTasks {
		pool.Submit(func() {
			counter.Add(1)
			wg.Done()
		})
	}

	wg.Wait()
	pool.Close()

	if counter.Load() != int64(numTasks) {
		t.Errorf("counter = %d, want %d", counter.Load(), numTasks)
	}
}

func TestCompilerPool_SubmitNil(t *testing.T) {
	pool := NewCompilerPool(2)
	defer pool.Close()

	// Must not panic or deadlock.
	pool.Submit(nil)
}

func TestCompilerPool_ExecuteAll(t *testing.T) {
	pool := NewCompilerPool(4)
	defer pool.Close()

	var counter atomic.Int64
	numTasks := 100

	tasks := make([]func(), numTasks)
	for i := range tasks {
		tasks[i] = func() {
			counter.Add(1)
		}
	}

	pool.ExecuteAll(tasks)

	if counter.Load() != int64(numTasks) {
		t.Errorf("counter = %d, want %d", counter.Load(), numTasks)
	}
}

func TestCompilerPool_CloseDrainsQueue(t *testing.T) {
	pool := NewCompilerPool(2)

	var counter atomic.Int64
	numTasks := 20
	for range numTasks {
		pool.Submit(func() {
			time.Sleep(time.Millisecond)
			counter.Add(1)
		})
	}

	// Close must wait for queued compiles to finish.
	pool.Close()

	if counter.Load() != int64(numTasks) {
		t.Errorf("counter after Close = %d, want %d", counter.Load(), numTasks)
	}
	if pool.IsRunning() {
		t.Error("pool reports running after Close")
	}
}

func TestCompilerPool_CloseIdempotent(t *testing.T) {
	pool := NewCompilerPool(2)
	pool.Close()
	pool.Close() // must not panic
}

func TestCompilerPool_SubmitAfterClose(t *testing.T) {
	pool := NewCompilerPool(2)
	pool.Close()

	var ran atomic.Bool
	pool.Submit(func() { ran.Store(true) })

	time.Sleep(10 * time.Millisecond)
	if ran.Load() {
		t.Error("task ran after Close")
	}
}

func TestCompilerPool_WorkStealing(t *testing.T) {
	pool := NewCompilerPool(4)
	defer pool.Close()

	// One slow task plus many fast ones; stealing should let the fast
	// tasks complete while the slow one occupies a single worker.
	var counter atomic.Int64
	var wg sync.WaitGroup

	wg.Add(1)
	pool.Submit(func() {
		time.Sleep(50 * time.Millisecond)
		wg.Done()
	})

	numFast := 40
	wg.Add(numFast)
	for range numFast {
		pool.Submit(func() {
			counter.Add(1)
			wg.Done()
		})
	}

	wg.Wait()
	if counter.Load() != int64(numFast) {
		t.Errorf("counter = %d, want %d", counter.Load(), numFast)
	}
}
