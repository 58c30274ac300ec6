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

	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
)

// senderMatcher matches all recipients if pred accepts the sender.
type senderMatcher struct {
	pred func(sender string) bool
}

func (s *senderMatcher) Match(_ context.Context, m *mail.Mail) ([]string, error) {
	if !s.pred(m.Sender) {
		return nil, nil
	}
	return m.Recipients, nil
}

// SenderIs matches mail from one of the listed addresses.
type SenderIs struct {
	senderMatcher
}

func (s *SenderIs) Init(_ module.Context, condition string) error {
	addrs, err := parseAddressSet(condition)
	if err != nil {
		return fmt.Errorf("sender_is: %w", err)
	}
	s.pred = func(sender string) bool {
		return sender != "" && addrs.has(sender)
	}
	return nil
}

// SenderIsNull matches mail with the null reverse-path, that is bounces.
type SenderIsNull struct {
	senderMatcher
}

func (s *SenderIsNull) Init(_ module.Context, condition string) error {
	if condition != "" {
		return fmt.Errorf("sender_is_null: unexpected condition")
	}
	s.pred = func(sender string) bool {
		return sender == ""
	}
	return nil
}

// SenderHostIs matches mail from one of the listed domains.
type SenderHostIs struct {
	senderMatcher
}

func (s *SenderHostIs) Init(_ module.Context, condition string) error {
	domains, err := parseDomainSet(condition)
	if err != nil {
		return fmt.Errorf("sender_host_is: %w", err)
	}
	s.pred = domains.hasAddr
	return nil
}

// HasAttribute matches mail that has the named attribute.
type HasAttribute struct {
	name string
}

func (h *HasAttribute) Init(_ module.Context, condition string) error {
	if condition == "" {
		return fmt.Errorf("has_attribute: attribute name is required")
	}
	h.name = condition
	return nil
}

func (h *HasAttribute) Match(_ context.Context, m *mail.Mail) ([]string, error) {
	if !m.Attributes.Has(h.name) {
		return nil, nil
	}
	return m.Recipients, nil
}

func init() {
	module.RegisterMatcher("sender_is", func() module.Matcher { return &SenderIs{} })
	module.RegisterMatcher("sender_is_null", func() module.Matcher { return &SenderIsNull{} })
	module.RegisterMatcher("sender_host_is", func() module.Matcher { return &SenderHostIs{} })
	module.RegisterMatcher("has_attribute", func() module.Matcher { return &HasAttribute{} })
}
