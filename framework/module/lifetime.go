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

package module

import (
	"fmt"

	"github.com/imyousuf/james-sub036/framework/log"
)

// LifetimeModule is implemented by matchers, mailets and engine parts that
// run background goroutines.
type LifetimeModule interface {
	Start() error
	Stop() error
}

type lifetimeEntry struct {
	name    string
	mod     LifetimeModule
	started bool
}

// LifetimeTracker starts registered modules in order and stops them in the
// reverse order.
type LifetimeTracker struct {
	logger    log.Logger
	instances []*lifetimeEntry
}

func (lt *LifetimeTracker) Add(name string, mod LifetimeModule) {
	lt.instances = append(lt.instances, &lifetimeEntry{name: name, mod: mod})
}

// StartAll calls Start for all registered modules. If one fails, the ones
// already started are stopped.
func (lt *LifetimeTracker) StartAll() error {
	for _, entry := range lt.instances {
		if entry.started {
			continue
		}

		if err := entry.mod.Start(); err != nil {
			lt.StopAll()
			return fmt.Errorf("failed to start %s: %w", entry.name, err)
		}
		lt.logger.DebugMsg("module started", "name", entry.name)
		entry.started = true
	}
	return nil
}

// StopAll calls Stop for all started modules in reverse order.
func (lt *LifetimeTracker) StopAll() {
	for i := len(lt.instances) - 1; i >= 0; i-- {
		entry := lt.instances[i]

		if !entry.started {
			continue
		}

		if err := entry.mod.Stop(); err != nil {
			lt.logger.Error("module stop failed", err, "name", entry.name)
		} else {
			lt.logger.DebugMsg("module stopped", "name", entry.name)
		}
		entry.started = false
	}
}

func NewLifetime(log log.Logger) *LifetimeTracker {
	return &LifetimeTracker{
		logger: log,
	}
}
