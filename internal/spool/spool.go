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

// Package spool implements the durable work queue of the engine: a mail
// repository with exclusive per-entry leases and blocking acceptance of
// unleased entries.
//
// Leases live in memory only. After a restart every stored entry is
// available again, which together with durable Store gives at-least-once
// processing.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
)

// ErrClosed is returned by Accept and AcceptDelay after Close.
var ErrClosed = errors.New("spool: closed")

const (
	DefaultPollInterval = time.Minute

	// Lower bound of a single wait in Accept loops.
	minWait = 5 * time.Millisecond
)

type Options struct {
	// Name is used in logs and metrics.
	Name string
	// Backoff returns the delay added to LastUpdated before an entry
	// becomes eligible for AcceptDelay. nil means no delay.
	Backoff func(retryCount int) time.Duration
	// PollInterval bounds the time between rescans of the backend when
	// nothing signals a change. Entries written by other processes are
	// noticed within it.
	PollInterval time.Duration
	Log          log.Logger
}

type Spool struct {
	backend mail.Repository
	content *Content
	opts    Options
	log     log.Logger

	mu     sync.Mutex
	leases map[string]struct{}
	// Cached eligibility time of entries, see AcceptDelay.
	due map[string]time.Time
	// Closed and replaced on each change that can make an entry
	// acceptable.
	wake   chan struct{}
	stop   chan struct{}
	closed bool
}

// New wraps backend. Content references of its records are tracked by
// content together with other spools using the same Content.
func New(backend mail.Repository, content *Content, opts Options) *Spool {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Name == "" {
		opts.Name = "spool"
	}
	s := &Spool{
		backend: backend,
		content: content,
		opts:    opts,
		log:     opts.Log,
		leases:  make(map[string]struct{}),
		due:     make(map[string]time.Time),
		wake:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	content.attach(backend)
	return s
}

func (s *Spool) Name() string {
	return s.opts.Name
}

func (s *Spool) backoff(retryCount int) time.Duration {
	if s.opts.Backoff == nil {
		return 0
	}
	return s.opts.Backoff(retryCount)
}

// notifyLocked wakes up all goroutines blocked in Accept. s.mu must be held.
func (s *Spool) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Spool) lease(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[key]; ok {
		return false
	}
	s.leases[key] = struct{}{}
	leasesGauge.WithLabelValues(s.opts.Name).Set(float64(len(s.leases)))
	return true
}

func (s *Spool) unleaseLocked(key string) {
	delete(s.leases, key)
	leasesGauge.WithLabelValues(s.opts.Name).Set(float64(len(s.leases)))
}

// Release gives up the lease on key without changing the stored entry.
func (s *Spool) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[key]; !ok {
		return
	}
	s.unleaseLocked(key)
	s.notifyLocked()
}

// Leased reports whether key is currently leased.
func (s *Spool) Leased(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.leases[key]
	return ok
}

// Store durably saves m, sets m.LastUpdated and releases the lease on
// m.ID. If the backend fails, the previously stored version is kept and the
// lease is not released.
func (s *Spool) Store(ctx context.Context, m *mail.Mail) error {
	prevUpdated := m.LastUpdated
	m.LastUpdated = time.Now()
	if err := s.backend.Store(ctx, m); err != nil {
		m.LastUpdated = prevUpdated
		return fmt.Errorf("spool %s: %w", s.opts.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.due[m.ID] = m.LastUpdated.Add(s.backoff(m.RetryCount))
	s.unleaseLocked(m.ID)
	s.notifyLocked()
	return nil
}

// StoreNew puts body into the MessageStore and stores m referencing it.
// Both happen under the content lock so the content cannot be reclaimed
// before the record exists.
func (s *Spool) StoreNew(ctx context.Context, m *mail.Mail, body io.Reader) error {
	if err := s.content.lock(); err != nil {
		return fmt.Errorf("spool %s: %w", s.opts.Name, err)
	}
	defer s.content.unlock()

	ref, size, err := s.content.store.Put(ctx, body)
	if err != nil {
		return fmt.Errorf("spool %s: %w", s.opts.Name, err)
	}
	m.ContentRef = ref
	m.Size = size
	return s.Store(ctx, m)
}

func (s *Spool) Retrieve(ctx context.Context, key string) (*mail.Mail, error) {
	m, err := s.backend.Retrieve(ctx, key)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Remove deletes the entry with the key. Removing a missing entry only
// releases the lease.
func (s *Spool) Remove(ctx context.Context, key string) error {
	m, err := s.backend.Retrieve(ctx, key)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			s.forget(key)
			return nil
		}
		return fmt.Errorf("spool %s: %w", s.opts.Name, err)
	}
	return s.RemoveMail(ctx, m)
}

// RemoveMail deletes the entry of m, releases its lease and deletes its
// content unless something else references it.
func (s *Spool) RemoveMail(ctx context.Context, m *mail.Mail) error {
	if err := s.backend.Remove(ctx, m.ID); err != nil {
		return fmt.Errorf("spool %s: %w", s.opts.Name, err)
	}
	s.forget(m.ID)

	if err := s.content.release(ctx, m.ContentRef); err != nil {
		// The record is gone already, leaking content is the lesser evil.
		s.log.Error("failed to release content", err, "msg_id", m.ID, "content_ref", m.ContentRef)
	}
	return nil
}

func (s *Spool) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.due, key)
	s.unleaseLocked(key)
}

func (s *Spool) List(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx)
}

// dueTime returns the time the entry becomes eligible for AcceptDelay.
func (s *Spool) dueTime(ctx context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	due, ok := s.due[key]
	s.mu.Unlock()
	if ok {
		return due, nil
	}

	m, err := s.backend.Retrieve(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	due = m.LastUpdated.Add(s.backoff(m.RetryCount))

	s.mu.Lock()
	s.due[key] = due
	s.mu.Unlock()
	return due, nil
}

// tryLease scans the backend and leases the first acceptable entry. If
// checkDue is set, entries that are not yet eligible are skipped and the
// earliest time one of them becomes eligible is returned.
func (s *Spool) tryLease(ctx context.Context, checkDue bool) (string, time.Time, error) {
	keys, err := s.backend.List(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("spool %s: %w", s.opts.Name, err)
	}
	entriesGauge.WithLabelValues(s.opts.Name).Set(float64(len(keys)))

	now := time.Now()
	var next time.Time
	for _, key := range keys {
		if !s.lease(key) {
			continue
		}
		if !checkDue {
			return key, time.Time{}, nil
		}

		due, err := s.dueTime(ctx, key)
		if err != nil {
			s.mu.Lock()
			s.unleaseLocked(key)
			s.mu.Unlock()
			if errors.Is(err, mail.ErrNotFound) {
				continue
			}
			return "", time.Time{}, fmt.Errorf("spool %s: %w", s.opts.Name, err)
		}
		if !due.After(now) {
			return key, time.Time{}, nil
		}

		s.mu.Lock()
		s.unleaseLocked(key)
		s.mu.Unlock()
		if next.IsZero() || due.Before(next) {
			next = due
		}
	}
	return "", next, nil
}

func (s *Spool) accept(ctx context.Context, checkDue bool, delay time.Duration) (string, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return "", ErrClosed
		}
		// Captured before the scan so a Store that happens during the scan
		// is not missed.
		wake := s.wake
		s.mu.Unlock()

		key, next, err := s.tryLease(ctx, checkDue)
		if err != nil {
			return "", err
		}
		if key != "" {
			return key, nil
		}

		wait := s.opts.PollInterval
		if checkDue {
			if delay > 0 && delay < wait {
				wait = delay
			}
			if !next.IsZero() {
				if untilNext := time.Until(next); untilNext < wait {
					wait = untilNext
				}
			}
		}
		if wait < minWait {
			wait = minWait
		}

		timer := time.NewTimer(wait)
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-s.stop:
			timer.Stop()
			return "", ErrClosed
		}
		timer.Stop()
	}
}

// Accept blocks until an unleased entry exists, leases it and returns its
// key. Retry eligibility is not checked.
func (s *Spool) Accept(ctx context.Context) (string, error) {
	return s.accept(ctx, false, 0)
}

// AcceptDelay is like Accept but only yields entries with
// LastUpdated + Backoff(RetryCount) <= now. Entries are re-evaluated at
// least every delay, on every Store and Release, and at the moment the
// earliest skipped entry becomes eligible.
func (s *Spool) AcceptDelay(ctx context.Context, delay time.Duration) (string, error) {
	return s.accept(ctx, true, delay)
}

// Close makes pending and future Accept calls fail with ErrClosed and
// closes the backend.
func (s *Spool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()

	s.content.detach(s.backend)
	return s.backend.Close()
}

var _ module.Spool = (*Spool)(nil)
