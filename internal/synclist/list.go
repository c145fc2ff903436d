// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package synclist provides an append-only singly linked list with
// lock-free readers.
//
// The list is designed for read-mostly caches: entries are inserted
// rarely (under an external lock held by the single writer) and looked
// up very frequently from many goroutines. Once published, a node is
// never mutated or unlinked, so readers can traverse the list without
// any synchronization beyond the atomic head load.
package synclist

import "sync/atomic"

// node is a single list entry. The value and next pointer are set
// before the node is published via the atomic head store and never
// change afterwards.
type node[T any] struct {
	value *T
	next  *node[T]
}

// List is an append-only linked list. Insert prepends, so iteration
// visits entries newest-first. The zero value is an empty list ready
// for use.
//
// Thread safety: any number of goroutines may call Find, Range and Len
// concurrently. Insert must be externally serialized; callers hold a
// mutex around the check-insert sequence anyway to avoid duplicate
// entries, which also serializes the writers.
type List[T any] struct {
	head atomic.Pointer[node[T]]
	size atomic.Int64
}

// Insert prepends v to the list and returns it.
// The caller must hold its own lock to serialize writers.
func (l *List[T]) Insert(v *T) *T {
	n := &node[T]{
		value: v,
		next:  l.head.Load(),
	}
	// Publishing the node is the linearization point. The node is fully
	// initialized before the store, so a reader that observes the new
	// head sees a complete entry.
	l.head.Store(n)
	l.size.Add(1)
	return v
}

// Find returns the first entry for which match returns true, or nil.
// Entries are visited newest-first. Find never blocks and performs no
// allocation.
func (l *List[T]) Find(match func(*T) bool) *T {
	for n := l.head.Load(); n != nil; n = n.next {
		if match(n.value) {
			return n.value
		}
	}
	return nil
}

// Range calls fn for every entry, newest-first, until fn returns false.
func (l *List[T]) Range(fn func(*T) bool) {
	for n := l.head.Load(); n != nil; n = n.next {
		if !fn(n.value) {
			return
		}
	}
}

// Len returns the number of entries in the list.
func (l *List[T]) Len() int {
	return int(l.size.Load())
}
