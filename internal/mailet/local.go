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

package mailet

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/imyousuf/james-sub036/framework/address"
	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
)

// LocalDelivery stores one copy of the mail per recipient in the mailbox
// repository and finishes processing.
//
// Copies are keyed "<mail id>~<recipient>", delivering the same mail again
// replaces them.
type LocalDelivery struct {
	mctx module.Context
	log  log.Logger
	url  string

	repo mail.Archive
}

func (ld *LocalDelivery) Init(mctx module.Context, cfg *config.Map) error {
	ld.mctx = mctx
	ld.log = mctx.Logger().Sublogger("local_delivery")
	cfg.String("url", false, false, "file://"+filepath.Join(mctx.StateDir(), "mailboxes"), &ld.url)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	repo, err := mctx.OpenArchive(ld.url)
	if err != nil {
		return fmt.Errorf("local_delivery: %w", err)
	}
	ld.repo = repo
	return nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._@+=-]`)

// MailboxKey returns the repository key of the copy of the mail delivered
// to rcpt.
func MailboxKey(id, rcpt string) string {
	norm, err := address.ForLookup(rcpt)
	if err != nil {
		norm = rcpt
	}
	return id + "~" + unsafeKeyChars.ReplaceAllString(norm, "_")
}

func (ld *LocalDelivery) Service(ctx context.Context, m *mail.Mail) error {
	for _, rcpt := range m.Recipients {
		cp := m.Clone(MailboxKey(m.ID, rcpt))
		cp.SetRecipients([]string{rcpt})
		cp.State = mail.Ghost

		if err := storeCopy(ctx, ld.mctx.MessageStore(), ld.repo, cp); err != nil {
			return fmt.Errorf("local_delivery: %s: %w", rcpt, err)
		}
		ld.log.Msg("delivered", "msg_id", m.ID, "rcpt", rcpt)
	}
	m.State = mail.Ghost
	return nil
}

func init() {
	module.RegisterMailet("local_delivery", func() module.Mailet { return &LocalDelivery{} })
}
