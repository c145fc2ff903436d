// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// CompilerPool runs pipeline compiles on background goroutines.
//
// Each worker has its own queue and steals from the others when idle,
// so a slow compile on one worker does not starve the rest of a warm-up
// batch. Compile tasks are independent; the pipelines they target do
// their own locking.
//
// Thread safety: CompilerPool is safe for concurrent use.
type CompilerPool struct {
	// workers is the number of worker goroutines.
	workers int

	// workQueues holds per-worker task queues.
	// Each worker primarily pulls from its own queue but can steal from others.
	workQueues []chan func()

	// done signals workers to stop.
	done chan struct{}

	// wg waits for all workers to finish.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting tasks.
	running atomic.Bool
}

// NewCompilerPool creates a pool with the specified number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
// The pool starts immediately and workers begin waiting for tasks.
func NewCompilerPool(workers int) *CompilerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// Buffer sized well past the worker count so a warm-up burst does
	// not block the submitter.
	queueSize := workers * 4
	if queueSize < 8 {
		queueSize = 8
	}

	p := &CompilerPool{
		workers:    workers,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
	}

	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}

	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}

	return p
}

// worker is the main loop for each worker goroutine.
func (p *CompilerPool) worker(id int) {
	defer p.wg.Done()

	myQueue := p.workQueues[id]

	for {
		select {
		case <-p.done:
			// Finish queued compiles before exiting so Close drains
			// the warm-up backlog.
			p.drainQueue(myQueue)
			return

		case task := <-myQueue:
			if task != nil {
				task()
			}

		default:
			// Try to steal a compile from another worker.
			if stolen := p.steal(id); stolen != nil {
				stolen()
			} else {
				// No task available anywhere, block on own queue.
				select {
				case <-p.done:
					p.drainQueue(myQueue)
					return
				case task := <-myQueue:
					if task != nil {
						task()
					}
				}
			}
		}
	}
}

// drainQueue executes all remaining tasks in a queue.
func (p *CompilerPool) drainQueue(queue chan func()) {
	for {
		select {
		case task := <-queue:
			if task != nil {
				task()
			}
		default:
			return
		}
	}
}

// steal attempts to take a task from another worker's queue.
// Returns nil if none is available.
func (p *CompilerPool) steal(myID int) func() {
	for i := range p.workers {
		if i == myID {
			continue
		}

		select {
		case task := <-p.workQueues[i]:
			return task
		default:
			// Queue is empty, try next.
		}
	}
	return nil
}

// Submit queues a single compile task on the worker with the shortest
// queue. If the pool is closed, Submit is a no-op.
func (p *CompilerPool) Submit(fn func()) {
	if fn == nil || !p.running.Load() {
		return
	}

	minLen := len(p.workQueues[0])
	minIdx := 0

	for i := 1; i < p.workers; i++ {
		qLen := len(p.workQueues[i])
		if qLen < minLen {
			minLen = qLen
			minIdx = i
		}
	}

	select {
	case p.workQueues[minIdx] <- fn:
	case <-p.done:
		// Pool is closing.
	}
}

// ExecuteAll distributes a batch of compile tasks across workers and
// waits for every one to finish. Used by state cache replay to bound
// the warm-up. If the pool is closed, ExecuteAll is a no-op.
func (p *CompilerPool) ExecuteAll(tasks []func()) {
	if len(tasks) == 0 || !p.running.Load() {
		return
	}

	var completionWG sync.WaitGroup
	completionWG.Add(len(tasks))

	for i, fn := range tasks {
		workerID := i % p.workers
		taskFn := fn

		wrapped := func() {
			defer completionWG.Done()
			taskFn()
		}

		select {
		case p.workQueues[workerID] <- wrapped:
		case <-p.done:
			completionWG.Done()
		}
	}

	completionWG.Wait()
}

// Close gracefully shuts down the pool.
// It stops accepting new tasks, waits for all queued compiles to
// complete, and then stops all workers.
// Close is safe to call multiple times.
func (p *CompilerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		// Already closed
		return
	}

	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *CompilerPool) Workers() int {
	return p.workers
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *CompilerPool) IsRunning() bool {
	return p.running.Load()
}

// QueuedWork returns the total number of tasks currently queued.
// This is an approximation as queues can change while iterating.
func (p *CompilerPool) QueuedWork() int {
	total := 0
	for _, q := range p.workQueues {
		total += len(q)
	}
	return total
}
