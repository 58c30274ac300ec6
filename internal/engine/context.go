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

package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/imyousuf/james-sub036/framework/dns"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
	"github.com/imyousuf/james-sub036/internal/repository"
	"github.com/imyousuf/james-sub036/internal/spool"
)

var _ module.Context = (*Engine)(nil)

func (e *Engine) Hostname() string {
	return e.cfg.Hostname
}

func (e *Engine) Postmaster() string {
	return e.cfg.Postmaster
}

func (e *Engine) IsLocalDomain(domain string) bool {
	for _, local := range e.cfg.LocalDomains {
		if dns.Equal(local, domain) {
			return true
		}
	}
	return false
}

func (e *Engine) StateDir() string {
	return e.cfg.StateDir
}

func (e *Engine) Logger() log.Logger {
	return e.log
}

func (e *Engine) Resolver() dns.Resolver {
	return e.resolver
}

func (e *Engine) ProcessorExists(name string) bool {
	return e.processorNames[name]
}

func (e *Engine) InitialProcessor() string {
	return e.cfg.Spool.InitialProcessor
}

func (e *Engine) MessageStore() mail.MessageStore {
	return e.store
}

func (e *Engine) Lifetime() *module.LifetimeTracker {
	return e.lifetime
}

func (e *Engine) Send(ctx context.Context, m *mail.Mail) error {
	return e.spool.Store(ctx, m)
}

func (e *Engine) SendNew(ctx context.Context, m *mail.Mail, body io.Reader) error {
	return e.spool.StoreNew(ctx, m, body)
}

// OpenArchive opens the repository or returns the instance already opened
// for url.
func (e *Engine) OpenArchive(url string) (mail.Archive, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a, ok := e.archives[url]; ok {
		return a, nil
	}
	if _, ok := e.spools[url]; ok {
		return nil, fmt.Errorf("engine: %s is already used as a spool", url)
	}
	a, err := repository.Open(url, e.log.Sublogger("repository"))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.archives[url] = a
	return a, nil
}

// SpoolAt returns the spool already opened for url.
func (e *Engine) SpoolAt(url string) (*spool.Spool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.spools[url]
	return s, ok
}

func (e *Engine) OpenSpool(name, url string, opts module.SpoolOptions) (module.Spool, error) {
	return e.openSpool(name, url, opts)
}

func (e *Engine) openSpool(name, url string, opts module.SpoolOptions) (*spool.Spool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.spools[url]; ok {
		return nil, fmt.Errorf("engine: spool %s is already open", url)
	}
	if _, ok := e.archives[url]; ok {
		return nil, fmt.Errorf("engine: %s is already used as a repository", url)
	}
	backend, err := repository.Open(url, e.log.Sublogger("repository"))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	s := spool.New(backend, e.content, spool.Options{
		Name:         name,
		Backoff:      opts.Backoff,
		PollInterval: time.Duration(e.cfg.Spool.PollInterval),
		Log:          e.log.Sublogger("spool/" + name),
	})
	e.spools[url] = s
	return s, nil
}
