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

package testutils

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/imyousuf/james-sub036/framework/dns"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
)

// Context is a module.Context for matcher and mailet tests. Mail passed to
// Send and SendNew is recorded in Sent.
type Context struct {
	Host         string
	Master       string
	LocalDomains []string
	Dir          string
	Log          log.Logger
	DNS          dns.Resolver
	Processors   []string
	Initial      string

	Store    *MessageStore
	Archives map[string]*Repository
	// OpenSpoolFunc is used by OpenSpool. If nil, OpenSpool fails.
	OpenSpoolFunc func(name, url string, opts module.SpoolOptions) (module.Spool, error)

	mu   sync.Mutex
	Sent []*mail.Mail
	Life *module.LifetimeTracker
}

func NewContext(t *testing.T) *Context {
	l := Logger(t, "test")
	return &Context{
		Host:         "mx.example.org",
		Master:       "postmaster@example.org",
		LocalDomains: []string{"example.org"},
		Dir:          t.TempDir(),
		Log:          l,
		Processors:   []string{"root", "error"},
		Initial:      "root",
		Store:        NewMessageStore(),
		Archives:     make(map[string]*Repository),
		Life:         module.NewLifetime(l),
	}
}

func (c *Context) Hostname() string   { return c.Host }
func (c *Context) Postmaster() string { return c.Master }
func (c *Context) StateDir() string   { return c.Dir }
func (c *Context) Logger() log.Logger { return c.Log }

func (c *Context) IsLocalDomain(domain string) bool {
	for _, d := range c.LocalDomains {
		if dns.Equal(d, domain) {
			return true
		}
	}
	return false
}

func (c *Context) Resolver() dns.Resolver {
	if c.DNS == nil {
		return dns.DefaultResolver()
	}
	return c.DNS
}

func (c *Context) ProcessorExists(name string) bool {
	for _, p := range c.Processors {
		if p == name {
			return true
		}
	}
	return false
}

func (c *Context) InitialProcessor() string { return c.Initial }

func (c *Context) MessageStore() mail.MessageStore { return c.Store }

func (c *Context) Send(_ context.Context, m *mail.Mail) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, m.Clone(m.ID))
	return nil
}

func (c *Context) SendNew(ctx context.Context, m *mail.Mail, body io.Reader) error {
	ref, size, err := c.Store.Put(ctx, body)
	if err != nil {
		return err
	}
	m.ContentRef = ref
	m.Size = size
	return c.Send(ctx, m)
}

// SentMail returns a copy of mail recorded by Send.
func (c *Context) SentMail() []*mail.Mail {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*mail.Mail(nil), c.Sent...)
}

// Body returns the content referenced by m as a string.
func (c *Context) Body(t *testing.T, m *mail.Mail) string {
	t.Helper()
	r, err := c.Store.Get(context.Background(), m.ContentRef)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var b strings.Builder
	if _, err := io.Copy(&b, r); err != nil {
		t.Fatal(err)
	}
	return b.String()
}

func (c *Context) OpenArchive(url string) (mail.Archive, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	repo, ok := c.Archives[url]
	if !ok {
		repo = NewRepository()
		c.Archives[url] = repo
	}
	return repo, nil
}

func (c *Context) OpenSpool(name, url string, opts module.SpoolOptions) (module.Spool, error) {
	if c.OpenSpoolFunc == nil {
		return nil, fmt.Errorf("testutils: OpenSpool is not available")
	}
	return c.OpenSpoolFunc(name, url, opts)
}

func (c *Context) Lifetime() *module.LifetimeTracker { return c.Life }

// NewMail stores body in the context MessageStore and returns a mail in the
// specified state referencing it.
func (c *Context) NewMail(t *testing.T, sender string, rcpts []string, state mail.State, body string) *mail.Mail {
	t.Helper()
	ref, size, err := c.Store.Put(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	m := mail.New(sender, rcpts, ref, state)
	m.Size = size
	return m
}

var _ module.Context = (*Context)(nil)
