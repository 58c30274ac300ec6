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

package matcher

import (
	"context"
	"fmt"
	"regexp"

	"github.com/imyousuf/james-sub036/framework/address"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
)

// RecipientIs matches recipients from a comma-separated list of addresses.
type RecipientIs struct {
	PerRecipient
	addrs addressSet
}

func (r *RecipientIs) Init(_ module.Context, condition string) error {
	addrs, err := parseAddressSet(condition)
	if err != nil {
		return fmt.Errorf("recipient_is: %w", err)
	}
	r.addrs = addrs
	r.Pred = func(_ context.Context, _ *mail.Mail, rcpt string) (bool, error) {
		return r.addrs.has(rcpt), nil
	}
	return nil
}

// RecipientIsRegex matches recipients against a regular expression. The
// expression is applied to the normalized address.
type RecipientIsRegex struct {
	PerRecipient
	re *regexp.Regexp
}

func (r *RecipientIsRegex) Init(_ module.Context, condition string) error {
	if condition == "" {
		return fmt.Errorf("recipient_is_regex: expression is required")
	}
	re, err := regexp.Compile(condition)
	if err != nil {
		return fmt.Errorf("recipient_is_regex: %w", err)
	}
	r.re = re
	r.Pred = func(_ context.Context, _ *mail.Mail, rcpt string) (bool, error) {
		norm, err := address.ForLookup(rcpt)
		if err != nil {
			return false, nil
		}
		return r.re.MatchString(norm), nil
	}
	return nil
}

// HostIs matches recipients in one of the listed domains.
type HostIs struct {
	PerRecipient
	domains domainSet
}

func (h *HostIs) Init(_ module.Context, condition string) error {
	domains, err := parseDomainSet(condition)
	if err != nil {
		return fmt.Errorf("host_is: %w", err)
	}
	h.domains = domains
	h.Pred = func(_ context.Context, _ *mail.Mail, rcpt string) (bool, error) {
		return h.domains.hasAddr(rcpt), nil
	}
	return nil
}

// HostIsLocal matches recipients in the local domains of the server.
// Postmaster without a domain is local too.
type HostIsLocal struct {
	PerRecipient
}

func (h *HostIsLocal) Init(mctx module.Context, condition string) error {
	if condition != "" {
		return fmt.Errorf("host_is_local: unexpected condition")
	}
	h.Pred = func(_ context.Context, _ *mail.Mail, rcpt string) (bool, error) {
		_, domain, err := address.Split(rcpt)
		if err != nil {
			return false, nil
		}
		if domain == "" {
			return true, nil
		}
		return mctx.IsLocalDomain(domain), nil
	}
	return nil
}

func init() {
	module.RegisterMatcher("recipient_is", func() module.Matcher { return &RecipientIs{} })
	module.RegisterMatcher("recipient_is_regex", func() module.Matcher { return &RecipientIsRegex{} })
	module.RegisterMatcher("host_is", func() module.Matcher { return &HostIs{} })
	module.RegisterMatcher("host_is_local", func() module.Matcher { return &HostIsLocal{} })
	module.RegisterMatcher("recipient_is_local", func() module.Matcher { return &HostIsLocal{} })
}
