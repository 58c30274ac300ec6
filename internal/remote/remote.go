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

// Package remote implements the remote_delivery mailet.
//
// Mail handed to the mailet is moved into a separate outgoing spool and
// delivered to the MX hosts of recipient domains by a pool of delivery
// workers. Transient failures are retried according to the delay
// schedule, permanent ones (and transient ones after max_retries attempts)
// are reported to the sender with a DSN.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/dns"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
	"github.com/imyousuf/james-sub036/internal/limits/limiters"
	"golang.org/x/sync/errgroup"
)

var (
	DefaultSchedule = []time.Duration{
		5 * time.Minute,
		30 * time.Minute,
		2 * time.Hour,
		6 * time.Hour,
	}
	DefaultMaxRetries = 5
)

const faultDelay = time.Second

type RemoteDelivery struct {
	mctx module.Context
	log  log.Logger

	outgoingURL  string
	threads      int
	schedule     []time.Duration
	maxRetries   int
	gateway      []string
	dsnProcessor string
	pollInterval time.Duration

	relay    Relay
	resolver dns.Resolver
	outgoing module.Spool
	// Concurrent sessions per recipient domain.
	domainLimits *limiters.BucketSet

	mu     sync.Mutex
	cancel context.CancelFunc
	eg     *errgroup.Group
}

func (rd *RemoteDelivery) Init(mctx module.Context, cfg *config.Map) error {
	rd.mctx = mctx
	rd.log = mctx.Logger().Sublogger("remote_delivery")

	var (
		hostname   string
		port       string
		requireTLS bool
		timeout    time.Duration
		domainConc int
	)
	cfg.String("outgoing", false, false, "file://"+filepath.Join(mctx.StateDir(), "outgoing"), &rd.outgoingURL)
	cfg.Int("delivery_threads", false, false, 1, &rd.threads)
	cfg.DurationList("delay_schedule", false, false, DefaultSchedule, &rd.schedule)
	cfg.Int("max_retries", false, false, DefaultMaxRetries, &rd.maxRetries)
	cfg.StringList("gateway", false, false, nil, &rd.gateway)
	cfg.String("port", false, false, "25", &port)
	cfg.String("dsn_processor", false, false, mctx.InitialProcessor(), &rd.dsnProcessor)
	cfg.String("hostname", true, false, mctx.Hostname(), &hostname)
	cfg.Bool("require_tls", false, false, &requireTLS)
	cfg.Duration("poll_interval", false, false, time.Minute, &rd.pollInterval)
	cfg.Duration("command_timeout", false, false, 5*time.Minute, &timeout)
	cfg.Int("domain_concurrency", false, false, 0, &domainConc)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if rd.threads <= 0 {
		return fmt.Errorf("remote_delivery: delivery_threads should be positive")
	}
	if rd.maxRetries < 0 {
		return fmt.Errorf("remote_delivery: max_retries should not be negative")
	}
	if len(rd.schedule) == 0 {
		return fmt.Errorf("remote_delivery: delay_schedule should not be empty")
	}
	for i, d := range rd.schedule {
		if d < 0 || (i > 0 && d < rd.schedule[i-1]) {
			return fmt.Errorf("remote_delivery: delay_schedule should be non-negative and non-decreasing")
		}
	}
	if domainConc < 0 {
		return fmt.Errorf("remote_delivery: domain_concurrency should not be negative")
	}
	rd.domainLimits = limiters.NewBucketSet(domainConc)
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("remote_delivery: invalid port: %s", port)
	}

	aHostname, err := dns.ToASCII(hostname)
	if err != nil {
		return fmt.Errorf("remote_delivery: cannot represent hostname as A-label: %w", err)
	}

	if rd.resolver == nil {
		rd.resolver = mctx.Resolver()
	}
	if rd.relay == nil {
		rd.relay = &smtpRelay{
			hostname:       aHostname,
			port:           port,
			requireTLS:     requireTLS,
			dialer:         (&net.Dialer{}).DialContext,
			log:            rd.log,
			commandTimeout: timeout,
		}
	}

	outgoing, err := mctx.OpenSpool("remote_delivery", rd.outgoingURL, module.SpoolOptions{
		Backoff: rd.backoff,
	})
	if err != nil {
		return fmt.Errorf("remote_delivery: %w", err)
	}
	rd.outgoing = outgoing
	return nil
}

// backoff returns the delay before the next attempt for mail that failed
// retryCount times.
func (rd *RemoteDelivery) backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	i := retryCount - 1
	if i >= len(rd.schedule) {
		i = len(rd.schedule) - 1
	}
	return rd.schedule[i]
}

// Service moves the mail into the outgoing spool. Storing is keyed by the
// mail ID, so repeated processing does not duplicate the delivery.
func (rd *RemoteDelivery) Service(ctx context.Context, m *mail.Mail) error {
	out := m.Clone(m.ID)
	out.RetryCount = 0
	out.ErrorMessage = ""
	if err := rd.outgoing.Store(ctx, out); err != nil {
		return fmt.Errorf("remote_delivery: %w", err)
	}
	rd.log.Msg("queued", "msg_id", m.ID, "rcpts", m.Recipients)
	m.State = mail.Ghost
	return nil
}

func (rd *RemoteDelivery) Start() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.eg != nil {
		return errors.New("remote_delivery: already running")
	}
	if !rd.mctx.ProcessorExists(rd.dsnProcessor) {
		return fmt.Errorf("remote_delivery: unknown dsn_processor: %s", rd.dsnProcessor)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rd.cancel = cancel
	rd.eg, ctx = errgroup.WithContext(ctx)
	for i := 0; i < rd.threads; i++ {
		rd.eg.Go(func() error {
			rd.worker(ctx)
			return nil
		})
	}
	return nil
}

// Stop interrupts idle workers and waits for running attempts to finish.
func (rd *RemoteDelivery) Stop() error {
	rd.mu.Lock()
	eg, cancel := rd.eg, rd.cancel
	rd.eg, rd.cancel = nil, nil
	rd.mu.Unlock()
	if eg == nil {
		return nil
	}

	cancel()
	return eg.Wait()
}

func (rd *RemoteDelivery) worker(ctx context.Context) {
	for {
		key, err := rd.outgoing.AcceptDelay(ctx, rd.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rd.log.Error("accept failed", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(faultDelay):
			}
			continue
		}

		// An attempt in progress is not interrupted by Stop.
		if err := rd.attempt(context.WithoutCancel(ctx), key); err != nil {
			rd.outgoing.Release(key)
			rd.log.Error("delivery attempt failed", err, "msg_id", key)
			select {
			case <-ctx.Done():
				return
			case <-time.After(faultDelay):
			}
		}
	}
}

func init() {
	module.RegisterMailet("remote_delivery", func() module.Mailet { return &RemoteDelivery{} })
}
