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
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/imyousuf/james-sub036/framework/address"
	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
	"lukechampine.com/blake3"
)

// Forward submits a copy of the mail addressed to the configured
// recipients to the initial processor. The original recipients are
// replaced unless pass_through is set.
type Forward struct {
	mctx        module.Context
	log         log.Logger
	to          []string
	passThrough bool
	idSuffix    string
}

func (f *Forward) Init(mctx module.Context, cfg *config.Map) error {
	f.mctx = mctx
	f.log = mctx.Logger().Sublogger("forward")
	cfg.StringList("to", false, true, nil, &f.to)
	cfg.Bool("pass_through", false, false, &f.passThrough)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	for _, rcpt := range f.to {
		if !address.Valid(rcpt) {
			return fmt.Errorf("forward: invalid address: %s", rcpt)
		}
	}

	// Copies made by different forward steps of the same mail must not
	// collide, copies made by the same step on reprocessing must.
	sum := blake3.Sum256([]byte(strings.Join(f.to, ",")))
	f.idSuffix = "-fwd-" + hex.EncodeToString(sum[:6])
	return nil
}

func (f *Forward) Service(ctx context.Context, m *mail.Mail) error {
	cp := m.Clone(m.ID + f.idSuffix)
	cp.SetRecipients(f.to)
	cp.State = mail.Processor(f.mctx.InitialProcessor())
	cp.ErrorMessage = ""
	cp.RetryCount = 0

	if err := f.mctx.Send(ctx, cp); err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	f.log.Msg("forwarded", "msg_id", m.ID, "fwd_id", cp.ID, "rcpts", f.to)

	if !f.passThrough {
		m.State = mail.Ghost
	}
	return nil
}

func init() {
	module.RegisterMailet("forward", func() module.Mailet { return &Forward{} })
}
