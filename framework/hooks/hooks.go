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

// Package hooks implements process-wide lifecycle notifications
// (shutdown, log rotation) triggered by signals.
package hooks

import "sync"

type Event int

const (
	// EventShutdown is triggered when the daemon is about to stop.
	EventShutdown Event = iota

	// EventLogRotate is triggered when the daemon receives the SIGUSR1
	// signal and indicates the request to reopen log files since they might
	// have been rotated.
	EventLogRotate
)

func (e Event) String() string {
	switch e {
	case EventShutdown:
		return "shutdown"
	case EventLogRotate:
		return "log_rotate"
	}
	return "unknown"
}

// Registry holds hooks for each event. The zero value is ready to use.
type Registry struct {
	lck   sync.Mutex
	hooks map[Event][]func()
}

func (r *Registry) hooksToRun(ev Event) []func() {
	r.lck.Lock()
	defer r.lck.Unlock()

	// Copied so hooks run without holding the lock, they are likely to do
	// I/O.
	return append([]func(){}, r.hooks[ev]...)
}

// Run runs the hooks installed for ev in the reverse order.
func (r *Registry) Run(ev Event) {
	hooks := r.hooksToRun(ev)
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// Add installs the hook to be executed when ev occurs.
func (r *Registry) Add(ev Event, f func()) {
	r.lck.Lock()
	defer r.lck.Unlock()

	if r.hooks == nil {
		r.hooks = make(map[Event][]func())
	}
	r.hooks[ev] = append(r.hooks[ev], f)
}

var global Registry

// RunHooks runs the process-wide hooks for ev in the reverse order.
func RunHooks(ev Event) {
	global.Run(ev)
}

// AddHook installs the process-wide hook for ev.
func AddHook(ev Event, f func()) {
	global.Add(ev, f)
}
