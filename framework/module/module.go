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

// Package module contains the matcher and mailet contracts, the registry of
// their implementations and the view of the engine they get at runtime.
//
// Interfaces are placed here to prevent circular dependencies between the
// engine and the packages implementing matchers and mailets.
package module

import (
	"context"
	"io"
	"time"

	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/dns"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
)

// Matcher selects the subset of recipients of a Mail a step applies to.
//
// Match returns the matched recipients in their original order. A nil or
// empty result means no match. Match must not mutate the Mail.
type Matcher interface {
	Init(mctx Context, condition string) error
	Match(ctx context.Context, m *mail.Mail) ([]string, error)
}

// Mailet is the action of a step.
//
// Service may change the state, recipients and attributes of the Mail and
// store new mail through Context. Any other effect must be idempotent with
// respect to the mail ID since processing is at-least-once. A returned
// error moves the Mail to the error state.
type Mailet interface {
	Init(mctx Context, cfg *config.Map) error
	Service(ctx context.Context, m *mail.Mail) error
}

// Spool is a Repository with exclusive leasing of entries.
type Spool interface {
	mail.Repository

	// Accept blocks until some entry is not leased by anybody, leases it and
	// returns its key.
	Accept(ctx context.Context) (string, error)
	// AcceptDelay is like Accept but skips entries that are not yet
	// eligible for retry. The set of entries is re-evaluated at least every
	// delay.
	AcceptDelay(ctx context.Context, delay time.Duration) (string, error)
	// Release gives up the lease without changing the entry.
	Release(key string)
	// RemoveMail removes the entry and releases its content if nothing
	// else references it.
	RemoveMail(ctx context.Context, m *mail.Mail) error
}

// SpoolOptions configures a spool opened through Context.
type SpoolOptions struct {
	// Backoff returns the delay before an entry with the given retry count
	// becomes eligible for AcceptDelay.
	Backoff func(retryCount int) time.Duration
}

// Context is the view of the engine available to matchers and mailets.
type Context interface {
	Hostname() string
	Postmaster() string
	IsLocalDomain(domain string) bool
	StateDir() string
	Logger() log.Logger
	Resolver() dns.Resolver

	// ProcessorExists reports whether the processor is configured. It is
	// meant to be used after all processors are loaded, that is in
	// LifetimeModule.Start.
	ProcessorExists(name string) bool
	InitialProcessor() string

	MessageStore() mail.MessageStore
	// Send stores m into the main spool. The content referenced by m must
	// already be present in the MessageStore.
	Send(ctx context.Context, m *mail.Mail) error
	// SendNew stores body into the MessageStore and then m (with
	// ContentRef and Size set) into the main spool.
	SendNew(ctx context.Context, m *mail.Mail, body io.Reader) error

	// OpenArchive returns the repository identified by url. Instances are
	// shared between callers using the same url.
	OpenArchive(url string) (mail.Archive, error)
	// OpenSpool returns a spool sharing the MessageStore of the main spool.
	OpenSpool(name, url string, opts SpoolOptions) (Spool, error)

	Lifetime() *LifetimeTracker
}
