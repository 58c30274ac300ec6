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

package remote

import (
	"context"
	"errors"
	"fmt"
	"runtime/trace"
	"sort"
	"strconv"
	"strings"

	"github.com/imyousuf/james-sub036/framework/address"
	"github.com/imyousuf/james-sub036/framework/dns"
	"github.com/imyousuf/james-sub036/framework/exterrors"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/internal/bounce"
)

// rcptResult is the outcome of the attempt for a single recipient. err is
// nil if the recipient was accepted.
type rcptResult struct {
	host string
	err  error
}

// attempt runs one delivery attempt for the outgoing spool entry key and
// stores or removes it. A returned error means the entry was left
// untouched and the lease should be released.
func (rd *RemoteDelivery) attempt(ctx context.Context, key string) error {
	m, err := rd.outgoing.Retrieve(ctx, key)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			rd.outgoing.Release(key)
			return nil
		}
		return err
	}
	dl := rd.log.With("msg_id", m.ID)

	if len(m.Recipients) == 0 {
		dl.Msg("no recipients left, dropping")
		return rd.outgoing.RemoveMail(ctx, m)
	}

	results := rd.deliver(ctx, m)

	var (
		failures   []bounce.Failure
		retryRcpts []string
		lastErr    error
	)
	for _, rcpt := range m.Recipients {
		res := results[rcpt]
		if res.err == nil {
			rcptResults.WithLabelValues("delivered").Inc()
			dl.Msg("delivered", "rcpt", rcpt, "remote_server", res.host, "attempt", m.RetryCount+1)
			continue
		}

		dl.Error("delivery attempt failed", res.err, "rcpt", rcpt, "attempt", m.RetryCount+1)
		if exterrors.IsTemporaryOrUnspec(res.err) {
			retryRcpts = append(retryRcpts, rcpt)
			lastErr = res.err
			continue
		}
		rcptResults.WithLabelValues("permanent").Inc()
		failures = append(failures, bounce.Failure{Rcpt: rcpt, RemoteMTA: res.host, Err: res.err})
	}

	retried := false
	if len(retryRcpts) != 0 {
		m.RetryCount++
		retried = true
		if m.RetryCount > rd.maxRetries {
			dl.Msg("too many attempts, giving up", "rcpts", retryRcpts, "attempts", m.RetryCount)
			for _, rcpt := range retryRcpts {
				rcptResults.WithLabelValues("permanent").Inc()
				failures = append(failures, bounce.Failure{Rcpt: rcpt, RemoteMTA: results[rcpt].host, Err: results[rcpt].err})
			}
			retryRcpts = nil
		} else {
			rcptResults.WithLabelValues("transient").Add(float64(len(retryRcpts)))
		}
	}

	if len(failures) != 0 {
		if err := rd.bounce(ctx, m, failures); err != nil {
			// The DSN cannot be lost, keep the failed recipients and try
			// again later.
			dl.Error("cannot generate DSN, will retry", err)
			for _, f := range failures {
				retryRcpts = append(retryRcpts, f.Rcpt)
				lastErr = f.Err
			}
			if !retried {
				m.RetryCount++
			}
		}
	}

	if len(retryRcpts) == 0 {
		return rd.outgoing.RemoveMail(ctx, m)
	}

	m.SetRecipients(retryRcpts)
	if lastErr != nil {
		m.ErrorMessage = lastErr.Error()
	}
	if err := rd.outgoing.Store(ctx, m); err != nil {
		return err
	}
	dl.Msg("will retry", "rcpts", retryRcpts, "attempts", m.RetryCount, "next_try_delay", rd.backoff(m.RetryCount))
	return nil
}

// bounce reports failures to the sender. Mail with the null sender is not
// bounced.
func (rd *RemoteDelivery) bounce(ctx context.Context, m *mail.Mail, failures []bounce.Failure) error {
	if m.IsBounce() {
		rd.log.Msg("not bouncing a bounce", "msg_id", m.ID, "rcpts", failedRcpts(failures))
		return nil
	}

	// The ID depends on the attempt so a repeated attempt after a crash
	// replaces the DSN instead of sending another one.
	dsnID := m.ID + "-dsn-" + strconv.Itoa(m.RetryCount)
	dsnMail, err := bounce.Send(ctx, rd.mctx, m, failures, mail.Processor(rd.dsnProcessor), dsnID)
	if err != nil {
		return err
	}
	dsnGenerated.Inc()
	rd.log.Msg("bounced", "msg_id", m.ID, "dsn_id", dsnMail.ID, "rcpts", failedRcpts(failures))
	return nil
}

func failedRcpts(failures []bounce.Failure) []string {
	rcpts := make([]string, 0, len(failures))
	for _, f := range failures {
		rcpts = append(rcpts, f.Rcpt)
	}
	return rcpts
}

// deliver attempts delivery to all recipients of m, grouped by domain.
func (rd *RemoteDelivery) deliver(ctx context.Context, m *mail.Mail) map[string]rcptResult {
	results := make(map[string]rcptResult, len(m.Recipients))

	domains := make(map[string][]string)
	var order []string
	for _, rcpt := range m.Recipients {
		_, domain, err := address.Split(rcpt)
		if err != nil || domain == "" {
			results[rcpt] = rcptResult{err: &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
				Message:      "Malformed recipient address",
				Err:          err,
			}}
			continue
		}
		domain, _ = dns.ForLookup(domain)
		if _, ok := domains[domain]; !ok {
			order = append(order, domain)
		}
		domains[domain] = append(domains[domain], rcpt)
	}

	for _, domain := range order {
		rcpts := domains[domain]
		region := trace.StartRegion(ctx, "remote/domain")
		res := rd.deliverDomain(ctx, m, domain, rcpts)
		region.End()
		for rcpt, r := range res {
			results[rcpt] = r
		}
	}
	return results
}

// deliverDomain tries the hosts of the domain in order until one of them
// accepts the session.
func (rd *RemoteDelivery) deliverDomain(ctx context.Context, m *mail.Mail, domain string, rcpts []string) map[string]rcptResult {
	results := make(map[string]rcptResult, len(rcpts))
	failAll := func(host string, err error) map[string]rcptResult {
		for _, rcpt := range rcpts {
			results[rcpt] = rcptResult{host: host, err: err}
		}
		return results
	}

	if err := rd.domainLimits.Take(ctx, domain); err != nil {
		return failAll("", err)
	}
	defer rd.domainLimits.Release(domain)

	hosts, err := rd.lookupHosts(ctx, domain)
	if err != nil {
		return failAll("", err)
	}

	var (
		lastErr  error
		lastHost string
	)
	for _, host := range hosts {
		body, err := rd.mctx.MessageStore().Get(ctx, m.ContentRef)
		if err != nil {
			return failAll("", fmt.Errorf("remote_delivery: content %s: %w", m.ContentRef, err))
		}

		rd.log.DebugMsg("trying", "msg_id", m.ID, "remote_server", host, "domain", domain)
		rcptErrs, err := rd.relay.Deliver(ctx, host, m.Sender, rcpts, body)
		body.Close()
		if err == nil {
			for _, rcpt := range rcpts {
				results[rcpt] = rcptResult{host: host, err: rcptErrs[rcpt]}
			}
			return results
		}

		rd.log.Error("cannot use MX", err, "msg_id", m.ID, "remote_server", host, "domain", domain)
		lastErr, lastHost = err, host
		if !exterrors.IsTemporaryOrUnspec(err) {
			break
		}
	}

	return failAll(lastHost, lastErr)
}

// lookupHosts returns the hosts to connect to for the domain. The
// gateway, if configured, is used for all domains.
func (rd *RemoteDelivery) lookupHosts(ctx context.Context, domain string) ([]string, error) {
	if len(rd.gateway) != 0 {
		return rd.gateway, nil
	}

	aDomain, err := dns.ToASCII(domain)
	if err != nil {
		return nil, &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
			Message:      "Malformed recipient domain",
			Err:          err,
		}
	}

	region := trace.StartRegion(ctx, "remote/LookupMX")
	records, err := rd.resolver.LookupMX(ctx, dns.FQDN(aDomain))
	region.End()
	if err != nil {
		if !dns.IsNotFound(err) {
			return nil, dnsError(err)
		}
		records = nil
	}

	if len(records) == 0 {
		// RFC 5321 Section 5.1: the domain itself is the implicit MX.
		if _, err := rd.resolver.LookupHost(ctx, dns.FQDN(aDomain)); err != nil {
			return nil, dnsError(err)
		}
		return []string{aDomain}, nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	for _, record := range records {
		if record.Host == "." || record.Host == "" {
			// RFC 7505.
			return nil, &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept email (null MX)",
				Misc: map[string]interface{}{
					"domain": domain,
				},
			}
		}
		hosts = append(hosts, strings.TrimSuffix(record.Host, "."))
	}
	return hosts, nil
}

func dnsError(err error) error {
	reason, misc := exterrors.UnwrapDNSErr(err)
	if dns.IsNotFound(err) {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
			Message:      "Recipient domain does not exist",
			Reason:       reason,
			Err:          err,
			Misc:         misc,
		}
	}
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 4, 3},
		Message:      "DNS lookup error",
		Reason:       reason,
		Err:          err,
		Misc:         misc,
	}
}
