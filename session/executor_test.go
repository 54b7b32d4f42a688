// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"testing"
)

func TestExecutorRunsJobsInOrder(t *testing.T) {
	e := newExecutor()
	defer e.close()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 10; i++ {
		i := i
		if !e.submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	if !e.run(func() {}) {
		t.Fatal("run rejected")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("ran %d jobs, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("job order %v", got)
		}
	}
}

func TestExecutorRunWaitsForCompletion(t *testing.T) {
	e := newExecutor()
	defer e.close()

	done := false
	if !e.run(func() { done = true }) {
		t.Fatal("run rejected")
	}
	if !done {
		t.Fatal("run returned before the job finished")
	}
}

func TestExecutorRejectsAfterClose(t *testing.T) {
	e := newExecutor()
	e.close()

	if e.submit(func() {}) {
		t.Fatal("submit accepted after close")
	}
	if e.run(func() {}) {
		t.Fatal("run accepted after close")
	}
}

func TestExecutorCloseDrainsQueuedJobs(t *testing.T) {
	e := newExecutor()

	var (
		mu    sync.Mutex
		count int
	)
	for i := 0; i < 20; i++ {
		e.submit(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	e.close()

	mu.Lock()
	defer mu.Unlock()
	if count != 20 {
		t.Fatalf("close drained %d jobs, want 20", count)
	}
}

func TestExecutorCloseIsIdempotent(t *testing.T) {
	e := newExecutor()
	e.close()
	e.close()
}
