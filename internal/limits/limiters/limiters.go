/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package limiters provides concurrency limits for outbound work.
package limiters

import (
	"context"
	"sync"
)

// Semaphore limits the number of concurrent holders. A Semaphore with
// non-positive capacity never blocks.
type Semaphore struct {
	c chan struct{}
}

func NewSemaphore(max int) Semaphore {
	if max <= 0 {
		return Semaphore{}
	}
	return Semaphore{c: make(chan struct{}, max)}
}

// Take blocks until a slot is available or ctx is done.
func (s Semaphore) Take(ctx context.Context) error {
	if s.c == nil {
		return nil
	}
	select {
	case s.c <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s Semaphore) Release() {
	if s.c == nil {
		return
	}
	select {
	case <-s.c:
	default:
		panic("limiters: mismatched Release call")
	}
}

// BucketSet gives each key its own Semaphore of the same capacity. The
// main use is per-destination limits. Semaphores are dropped as soon as
// nobody holds or waits for them.
//
// The zero value (or Max <= 0) never blocks.
type BucketSet struct {
	Max int

	mLck sync.Mutex
	m    map[string]*bucket
}

type bucket struct {
	sem  Semaphore
	refs int
}

func NewBucketSet(max int) *BucketSet {
	return &BucketSet{Max: max}
}

// Take acquires a slot for key, blocking until one is available or ctx is
// done.
func (r *BucketSet) Take(ctx context.Context, key string) error {
	if r.Max <= 0 {
		return nil
	}

	r.mLck.Lock()
	if r.m == nil {
		r.m = make(map[string]*bucket)
	}
	b, ok := r.m[key]
	if !ok {
		b = &bucket{sem: NewSemaphore(r.Max)}
		r.m[key] = b
	}
	b.refs++
	r.mLck.Unlock()

	if err := b.sem.Take(ctx); err != nil {
		r.unref(key, b)
		return err
	}
	return nil
}

// Release frees the slot acquired by Take for key.
func (r *BucketSet) Release(key string) {
	if r.Max <= 0 {
		return
	}

	r.mLck.Lock()
	b, ok := r.m[key]
	r.mLck.Unlock()
	if !ok {
		panic("limiters: Release for unknown key " + key)
	}
	b.sem.Release()
	r.unref(key, b)
}

func (r *BucketSet) unref(key string, b *bucket) {
	r.mLck.Lock()
	defer r.mLck.Unlock()
	b.refs--
	if b.refs == 0 {
		delete(r.m, key)
	}
}

// Len returns the number of keys currently held or waited for.
func (r *BucketSet) Len() int {
	r.mLck.Lock()
	defer r.mLck.Unlock()
	return len(r.m)
}
