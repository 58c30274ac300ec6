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

// Package engine assembles the main spool, the message store, the
// processors and the spool manager described by the configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/imyousuf/james-sub036/framework/address"
	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/dns"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
	"github.com/imyousuf/james-sub036/internal/processor"
	"github.com/imyousuf/james-sub036/internal/spool"

	// Built-in matchers and mailets.
	_ "github.com/imyousuf/james-sub036/internal/mailet"
	_ "github.com/imyousuf/james-sub036/internal/matcher"
	_ "github.com/imyousuf/james-sub036/internal/remote"
)

const mainSpoolName = "main"

// Engine is the running mail processing system. It implements
// module.Context for the matchers and mailets it creates.
type Engine struct {
	cfg      *config.Config
	log      log.Logger
	resolver dns.Resolver

	store       mail.MessageStore
	storeCloser io.Closer
	content     *spool.Content
	spool       *spool.Spool

	processorNames map[string]bool
	processors     *processor.Set
	manager        *processor.Manager
	lifetime       *module.LifetimeTracker

	mu       sync.Mutex
	archives map[string]mail.Archive
	spools   map[string]*spool.Spool
	running  bool
}

// Open opens the message store and the main spool. Processors are not
// loaded, which is enough to enqueue or inspect mail.
func Open(cfg *config.Config, logger log.Logger) (*Engine, error) {
	resolver, err := dns.New(cfg.DNS.Servers)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:            cfg,
		log:            logger,
		resolver:       resolver,
		processorNames: map[string]bool{mail.ErrorName: true},
		lifetime:       module.NewLifetime(logger.Sublogger("lifetime")),
		archives:       make(map[string]mail.Archive),
		spools:         make(map[string]*spool.Spool),
	}
	for _, proc := range cfg.Processors {
		e.processorNames[proc.Name] = true
	}

	e.store, e.storeCloser, err = openMessageStore(cfg.MessageStore, logger.Sublogger("msgstore"))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.content = spool.NewContent(e.store, logger.Sublogger("content"))
	e.content.UseLockFile(filepath.Join(cfg.StateDir, "content.lock"))

	mainSpool, err := e.openSpool(mainSpoolName, cfg.Spool.URL, module.SpoolOptions{})
	if err != nil {
		e.storeCloser.Close()
		return nil, err
	}
	e.spool = mainSpool
	return e, nil
}

// New opens the engine and loads the processors.
func New(cfg *config.Config, logger log.Logger) (*Engine, error) {
	e, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := e.LoadProcessors(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// LoadProcessors initializes all matchers and mailets.
func (e *Engine) LoadProcessors() error {
	set, err := processor.Load(e, e.cfg.Processors, e.cfg.Globals())
	if err != nil {
		return err
	}
	if !set.Exists(e.cfg.Spool.InitialProcessor) {
		return fmt.Errorf("engine: initial processor %s is not defined", e.cfg.Spool.InitialProcessor)
	}
	e.processors = set
	e.manager = &processor.Manager{
		Spool:      e.spool,
		Processors: set,
		Workers:    e.cfg.Spool.Workers,
		FaultDelay: time.Duration(e.cfg.Spool.FaultDelay),
		Log:        e.log.Sublogger("spool_manager"),
	}
	return nil
}

// Start starts matchers and mailets with background work and then the
// spool manager workers.
func (e *Engine) Start() error {
	if e.manager == nil {
		return errors.New("engine: processors are not loaded")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine: already running")
	}

	if err := e.lifetime.StartAll(); err != nil {
		return err
	}
	if err := e.manager.Start(); err != nil {
		e.lifetime.StopAll()
		return err
	}
	e.running = true
	e.log.Msg("engine started", "workers", e.cfg.Spool.Workers, "processors", e.processors.Names())
	return nil
}

// Stop stops the spool manager, waiting for running dispatches, and then
// the rest of the modules.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}

	err := e.manager.Stop()
	e.lifetime.StopAll()
	e.running = false
	e.log.Msg("engine stopped")
	return err
}

// Close stops the engine if it is running and closes all spools,
// repositories and the message store.
func (e *Engine) Close() error {
	if err := e.Stop(); err != nil {
		e.log.Error("stop failed", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for url, s := range e.spools {
		if err := s.Close(); err != nil {
			e.log.Error("spool close failed", err, "url", url)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for url, a := range e.archives {
		if err := a.Close(); err != nil {
			e.log.Error("repository close failed", err, "url", url)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	e.spools = map[string]*spool.Spool{}
	e.archives = map[string]mail.Archive{}
	if err := e.storeCloser.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Spool returns the main spool.
func (e *Engine) Spool() *spool.Spool {
	return e.spool
}

// Processors returns the loaded processors, nil before LoadProcessors.
func (e *Engine) Processors() *processor.Set {
	return e.processors
}

// Enqueue stores a new mail into the main spool in the initial processor
// state. It returns after the mail is durably stored.
func (e *Engine) Enqueue(ctx context.Context, sender string, rcpts []string, body io.Reader) (string, error) {
	if sender != "" && !address.Valid(sender) {
		return "", fmt.Errorf("engine: malformed sender address: %s", sender)
	}
	if len(rcpts) == 0 {
		return "", errors.New("engine: no recipients")
	}
	for _, rcpt := range rcpts {
		if !address.Valid(rcpt) {
			return "", fmt.Errorf("engine: malformed recipient address: %s", rcpt)
		}
	}

	m := mail.New(sender, rcpts, "", mail.Processor(e.cfg.Spool.InitialProcessor))
	if err := e.spool.StoreNew(ctx, m, body); err != nil {
		return "", err
	}
	e.log.Msg("enqueued", "msg_id", m.ID, "sender", sender, "rcpts", m.Recipients, "size", m.Size)
	return m.ID, nil
}

// RemoveMail removes the mail from the main spool along with its content.
// Leased mail cannot be removed.
func (e *Engine) RemoveMail(ctx context.Context, id string) error {
	if e.spool.Leased(id) {
		return fmt.Errorf("engine: mail %s is being processed", id)
	}
	m, err := e.spool.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	return e.spool.RemoveMail(ctx, m)
}
