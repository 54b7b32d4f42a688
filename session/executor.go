// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "sync"

// executor serializes all mutations of one session onto a single
// goroutine. Operations targeting different sessions proceed in
// parallel; within a session, a reconnection and a concurrent
// subscription update can never interleave.
type executor struct {
	jobs chan func()

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

const executorQueueSize = 64

func newExecutor() *executor {
	e := &executor{
		jobs: make(chan func(), executorQueueSize),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *executor) loop() {
	for job := range e.jobs {
		job()
	}
	close(e.done)
}

// submit enqueues a job, blocking if the queue is full. Returns false
// if the executor has shut down; session mutations arriving after
// teardown are dropped by the caller.
func (e *executor) submit(job func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	// Enqueue under the lock so close cannot race the send.
	e.jobs <- job
	e.mu.Unlock()
	return true
}

// run enqueues a job and waits for it to finish. Returns false if the
// executor has shut down.
func (e *executor) run(job func()) bool {
	finished := make(chan struct{})
	if !e.submit(func() {
		defer close(finished)
		job()
	}) {
		return false
	}
	<-finished
	return true
}

// close stops the executor after draining already-queued jobs. Safe
// to call more than once; blocks until the loop exits. Must not be
// called from the executor goroutine itself.
func (e *executor) close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
	e.mu.Unlock()
	<-e.done
}
