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

package spool

import (
	"context"
	"fmt"
	"sync"

	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
)

// Content manages message content shared by several spools.
//
// Mail records in different spools (and split copies inside one spool)
// may reference the same content. It is deleted from the MessageStore only
// when no record in any attached spool references it anymore.
type Content struct {
	store mail.MessageStore
	log   log.Logger

	// Serializes "put content, store record" against "count references,
	// delete content", otherwise a freshly stored record could lose its
	// content to a concurrent release. flock extends that to other
	// processes if set.
	mu       sync.Mutex
	flock    *fileLock
	backends []mail.Repository
}

func NewContent(store mail.MessageStore, logger log.Logger) *Content {
	return &Content{store: store, log: logger}
}

// UseLockFile makes content changes also exclusive with other processes
// locking the same file. Must be called before any spool is used.
func (c *Content) UseLockFile(path string) {
	c.flock = &fileLock{path: path}
}

func (c *Content) lock() error {
	c.mu.Lock()
	if c.flock == nil {
		return nil
	}
	if err := c.flock.lock(); err != nil {
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Content) unlock() {
	if c.flock != nil {
		c.flock.unlock()
	}
	c.mu.Unlock()
}

func (c *Content) Store() mail.MessageStore {
	return c.store
}

func (c *Content) attach(r mail.Repository) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends = append(c.backends, r)
}

func (c *Content) detach(r mail.Repository) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range c.backends {
		if b == r {
			c.backends = append(c.backends[:i], c.backends[i+1:]...)
			return
		}
	}
}

// release deletes the content if no attached repository references it.
// If some repository cannot count references, the content is kept.
func (c *Content) release(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}

	if err := c.lock(); err != nil {
		return err
	}
	defer c.unlock()

	for _, b := range c.backends {
		counter, ok := b.(mail.ContentCounter)
		if !ok {
			c.log.DebugMsg("content kept, repository cannot count references", "content_ref", ref)
			return nil
		}
		n, err := counter.ContentRefs(ctx, ref)
		if err != nil {
			return fmt.Errorf("spool: content refs: %w", err)
		}
		if n != 0 {
			return nil
		}
	}

	if err := c.store.Delete(ctx, ref); err != nil {
		return fmt.Errorf("spool: delete content: %w", err)
	}
	c.log.DebugMsg("content deleted", "content_ref", ref)
	return nil
}
