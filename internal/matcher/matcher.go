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

// Package matcher implements the built-in matchers.
//
// Most matchers decide per recipient. They embed PerRecipient which
// collects the recipients accepted by a predicate in their original order.
package matcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/imyousuf/james-sub036/framework/address"
	"github.com/imyousuf/james-sub036/framework/dns"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
)

// PerRecipient matches the recipients for which Pred returns true.
type PerRecipient struct {
	Pred func(ctx context.Context, m *mail.Mail, rcpt string) (bool, error)
}

func (pr PerRecipient) Match(ctx context.Context, m *mail.Mail) ([]string, error) {
	var matched []string
	for _, rcpt := range m.Recipients {
		ok, err := pr.Pred(ctx, m, rcpt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rcpt, err)
		}
		if ok {
			matched = append(matched, rcpt)
		}
	}
	return matched, nil
}

// All matches every recipient.
type All struct{}

func (All) Init(_ module.Context, condition string) error {
	if condition != "" {
		return fmt.Errorf("all: unexpected condition")
	}
	return nil
}

func (All) Match(_ context.Context, m *mail.Mail) ([]string, error) {
	return m.Recipients, nil
}

// None never matches.
type None struct{}

func (None) Init(_ module.Context, condition string) error {
	if condition != "" {
		return fmt.Errorf("none: unexpected condition")
	}
	return nil
}

func (None) Match(context.Context, *mail.Mail) ([]string, error) {
	return nil, nil
}

// splitList splits a comma-separated condition into trimmed non-empty
// items.
func splitList(condition string) []string {
	var res []string
	for _, item := range strings.Split(condition, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			res = append(res, item)
		}
	}
	return res
}

// addressSet is a set of normalized addresses.
type addressSet map[string]struct{}

func parseAddressSet(condition string) (addressSet, error) {
	items := splitList(condition)
	if len(items) == 0 {
		return nil, fmt.Errorf("at least one address is required")
	}
	set := make(addressSet, len(items))
	for _, item := range items {
		norm, err := address.ForLookup(item)
		if err != nil {
			return nil, fmt.Errorf("invalid address %s: %w", item, err)
		}
		if !address.Valid(norm) {
			return nil, fmt.Errorf("invalid address: %s", item)
		}
		set[norm] = struct{}{}
	}
	return set, nil
}

func (s addressSet) has(addr string) bool {
	norm, err := address.ForLookup(addr)
	if err != nil {
		return false
	}
	_, ok := s[norm]
	return ok
}

// domainSet is a set of normalized domains.
type domainSet map[string]struct{}

func parseDomainSet(condition string) (domainSet, error) {
	items := splitList(condition)
	if len(items) == 0 {
		return nil, fmt.Errorf("at least one domain is required")
	}
	set := make(domainSet, len(items))
	for _, item := range items {
		norm, err := dns.ForLookup(item)
		if err != nil {
			return nil, fmt.Errorf("invalid domain %s: %w", item, err)
		}
		set[norm] = struct{}{}
	}
	return set, nil
}

func (s domainSet) hasAddr(addr string) bool {
	domain := address.Domain(addr)
	if domain == "" {
		return false
	}
	norm, err := dns.ForLookup(domain)
	if err != nil {
		return false
	}
	_, ok := s[norm]
	return ok
}

func init() {
	module.RegisterMatcher("all", func() module.Matcher { return All{} })
	module.RegisterMatcher("none", func() module.Matcher { return None{} })
}
