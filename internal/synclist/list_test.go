// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package synclist

import (
	"sync"
	"testing"
)

type entry struct {
	key    int
	handle string
}

func TestListEmpty(t *testing.T) {
	var l List[entry]

	if got := l.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
	if got := l.Find(func(*entry) bool { return true }); got != nil {
		t.Errorf("Find on empty list = %v, want nil", got)
	}
}

func TestListInsertFind(t *testing.T) {
	var l List[entry]

	a := l.Insert(&entry{key: 1, handle: "a"})
	b := l.Insert(&entry{key: 2, handle: "b"})

	if got := l.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if got := l.Find(func(e *entry) bool { return e.key == 1 }); got != a {
		t.Errorf("Find(key=1) = %v, want %v", got, a)
	}
	if got := l.Find(func(e *entry) bool { return e.key == 2 }); got != b {
		t.Errorf("Find(key=2) = %v, want %v", got, b)
	}
	if got := l.Find(func(e *entry) bool { return e.key == 3 }); got != nil {
		t.Errorf("Find(key=3) = %v, want nil", got)
	}
}

func TestListNewestFirst(t *testing.T) {
	var l List[entry]

	l.Insert(&entry{key: 1, handle: "old"})
	l.Insert(&entry{key: 1, handle: "new"})

	got := l.Find(func(e *entry) bool { return e.key == 1 })
	if got == nil || got.handle != "new" {
		t.Errorf("Find returned %v, want newest entry", got)
	}
}

func TestListRange(t *testing.T) {
	var l List[entry]

	for i := range 5 {
		l.Insert(&entry{key: i})
	}

	var keys []int
	l.Range(func(e *entry) bool {
		keys = append(keys, e.key)
		return true
	})
	want := []int{4, 3, 2, 1, 0}
	if len(keys) != len(want) {
		t.Fatalf("Range visited %d entries, want %d", len(keys), len(want))
	}
	for i, k := range keys {
		if k != want[i] {
			t.Errorf("Range order[%d] = %d, want %d", i, k, want[i])
		}
	}

	// Early termination.
	count := 0
	l.Range(func(*entry) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("Range with early stop visited %d entries, want 2", count)
	}
}

// TestListConcurrentReaders exercises lock-free reads racing a writer.
// Run with -race to verify publication safety.
func TestListConcurrentReaders(t *testing.T) {
	var l List[entry]
	var mu sync.Mutex

	const inserts = 100
	const readers = 8

	var wg sync.WaitGroup
	wg.Add(readers + 1)

	go func() {
		defer wg.Done()
		for i := range inserts {
			mu.Lock()
			l.Insert(&entry{key: i, handle: "h"})
			mu.Unlock()
		}
	}()

	for range readers {
		go func() {
			defer wg.Done()
			for range 1000 {
				l.Find(func(e *entry) bool {
					// Every observed entry must be fully initialized.
					if e.handle != "h" {
						t.Error("observed partially initialized entry")
					}
					return e.key == inserts-1
				})
			}
		}()
	}

	wg.Wait()

	if got := l.Len(); got != inserts {
		t.Errorf("Len() = %d, want %d", got, inserts)
	}
}
