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

package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
	"golang.org/x/sync/errgroup"
)

const DefaultFaultDelay = time.Second

// Manager runs a fixed pool of workers taking mail from the spool and
// dispatching it through the processor set.
//
// Each dispatch ends with the mail durably stored again or removed, so a
// crash at any point leaves the mail in the spool in its last stored
// state.
type Manager struct {
	Spool      module.Spool
	Processors *Set
	Workers    int
	// Delay before the next Accept after a spool failure.
	FaultDelay time.Duration
	Log        log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	eg     *errgroup.Group
}

func (mgr *Manager) Start() error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.eg != nil {
		return errors.New("processor: manager is already running")
	}
	if mgr.Workers <= 0 {
		mgr.Workers = 1
	}
	if mgr.FaultDelay <= 0 {
		mgr.FaultDelay = DefaultFaultDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr.cancel = cancel
	mgr.eg, ctx = errgroup.WithContext(ctx)
	for i := 0; i < mgr.Workers; i++ {
		mgr.eg.Go(func() error {
			mgr.worker(ctx)
			return nil
		})
	}
	mgr.Log.Debugf("started %d workers", mgr.Workers)
	return nil
}

// Stop interrupts pending Accept calls and waits for running dispatches to
// complete.
func (mgr *Manager) Stop() error {
	mgr.mu.Lock()
	eg, cancel := mgr.eg, mgr.cancel
	mgr.eg, mgr.cancel = nil, nil
	mgr.mu.Unlock()
	if eg == nil {
		return nil
	}

	cancel()
	return eg.Wait()
}

func (mgr *Manager) worker(ctx context.Context) {
	for {
		key, err := mgr.Spool.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			spoolFaults.Inc()
			mgr.Log.Error("accept failed", err)
			if !sleep(ctx, mgr.FaultDelay) {
				return
			}
			continue
		}

		// Dispatch is not interrupted by Stop.
		if err := mgr.Process(context.WithoutCancel(ctx), key); err != nil {
			spoolFaults.Inc()
			mgr.Log.Error("processing failed", err, "msg_id", key)
			mgr.Spool.Release(key)
			if !sleep(ctx, mgr.FaultDelay) {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Process dispatches the leased spool entry once and persists the results.
// The lease must be held by the caller. On error it is not released and the
// stored mail is left as it was before the dispatch.
func (mgr *Manager) Process(ctx context.Context, key string) error {
	m, err := mgr.Spool.Retrieve(ctx, key)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			mgr.Spool.Release(key)
			return nil
		}
		return err
	}

	busyWorkers.Inc()
	defer busyWorkers.Dec()

	results, err := mgr.Processors.Dispatch(ctx, m)
	if err != nil {
		return fmt.Errorf("processor: dispatch %s: %w", key, err)
	}

	// Split mail is stored before the original is updated so that recipients
	// are never lost.
	for _, res := range results {
		if res == m || res.State.IsGhost() {
			continue
		}
		if err := mgr.Spool.Store(ctx, res); err != nil {
			return fmt.Errorf("processor: store split mail %s: %w", res.ID, err)
		}
	}

	if m.State.IsGhost() {
		if err := mgr.Spool.RemoveMail(ctx, m); err != nil {
			return err
		}
		MailLogger(mgr.Log, m).DebugMsg("processing finished")
		return nil
	}
	return mgr.Spool.Store(ctx, m)
}
