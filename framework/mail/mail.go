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

// Package mail defines the unit of work of the engine (Mail), its routing
// State and the storage interfaces it moves through.
package mail

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imyousuf/james-sub036/framework/address"
)

// Mail is a message envelope plus processing metadata. The message content
// lives in a MessageStore and is referenced by ContentRef.
//
// ID never changes once assigned. Recipients is an ordered set and is never
// nil after New or Unmarshal.
type Mail struct {
	ID         string     `json:"id"`
	Sender     string     `json:"sender"`
	Recipients []string   `json:"recipients"`
	State      State      `json:"state"`
	Attributes Attributes `json:"attributes"`
	ContentRef string     `json:"content_ref"`
	Size       int64      `json:"size,omitempty"`

	Arrival     time.Time `json:"arrival"`
	LastUpdated time.Time `json:"last_updated"`
	RetryCount  int       `json:"retry_count,omitempty"`

	RemoteHost   string `json:"remote_host,omitempty"`
	RemoteAddr   string `json:"remote_addr,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewID generates an identifier for a new mail.
func NewID() string {
	return uuid.NewString()
}

// New creates a Mail with a fresh ID in the given state.
func New(sender string, rcpts []string, contentRef string, state State) *Mail {
	now := time.Now()
	m := &Mail{
		ID:          NewID(),
		Sender:      sender,
		State:       state,
		ContentRef:  contentRef,
		Arrival:     now,
		LastUpdated: now,
	}
	m.SetRecipients(rcpts)
	return m
}

// IsBounce reports whether the mail has the null reverse-path. Failures of
// such mail are never reported back to the sender.
func (m *Mail) IsBounce() bool {
	return m.Sender == ""
}

func rcptKey(rcpt string) string {
	key, _ := address.ForLookup(rcpt)
	return key
}

// SetRecipients replaces the recipient list. Duplicates (compared after
// address normalization) are dropped, the first occurrence wins.
func (m *Mail) SetRecipients(rcpts []string) {
	seen := make(map[string]struct{}, len(rcpts))
	res := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		key := rcptKey(rcpt)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		res = append(res, rcpt)
	}
	m.Recipients = res
}

// RemoveRecipients drops the listed recipients keeping the order of the
// rest.
func (m *Mail) RemoveRecipients(rcpts ...string) {
	drop := make(map[string]struct{}, len(rcpts))
	for _, rcpt := range rcpts {
		drop[rcptKey(rcpt)] = struct{}{}
	}
	res := make([]string, 0, len(m.Recipients))
	for _, rcpt := range m.Recipients {
		if _, ok := drop[rcptKey(rcpt)]; ok {
			continue
		}
		res = append(res, rcpt)
	}
	m.Recipients = res
}

// HasRecipient reports whether rcpt is in the recipient list.
func (m *Mail) HasRecipient(rcpt string) bool {
	key := rcptKey(rcpt)
	for _, r := range m.Recipients {
		if rcptKey(r) == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of m with the specified ID.
func (m *Mail) Clone(id string) *Mail {
	c := *m
	c.ID = id
	c.Recipients = append(make([]string, 0, len(m.Recipients)), m.Recipients...)
	c.Attributes = m.Attributes.Clone()
	return &c
}

// Split moves rcpts out of m into a new Mail sharing the content and
// attributes. The new mail gets an ID derived from m.ID.
func (m *Mail) Split(rcpts []string) *Mail {
	c := m.Clone(m.ID + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	c.SetRecipients(rcpts)
	m.RemoveRecipients(rcpts...)
	return c
}

// Marshal serializes m for durable storage.
func Marshal(m *Mail) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses data produced by Marshal.
func Unmarshal(data []byte) (*Mail, error) {
	m := &Mail{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("mail: malformed metadata: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("mail: malformed metadata: missing id")
	}
	if m.Recipients == nil {
		m.Recipients = []string{}
	}
	return m, nil
}
