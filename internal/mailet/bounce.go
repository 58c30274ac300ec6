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

	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
	"github.com/imyousuf/james-sub036/internal/bounce"
)

// Bounce sends a DSN to the sender of the mail reporting ErrorMessage as
// the failure reason for all recipients. Mail with the null sender is not
// bounced.
type Bounce struct {
	mctx         module.Context
	log          log.Logger
	dsnProcessor string
	passThrough  bool
}

func (b *Bounce) Init(mctx module.Context, cfg *config.Map) error {
	b.mctx = mctx
	b.log = mctx.Logger().Sublogger("bounce")
	cfg.String("dsn_processor", false, false, mctx.InitialProcessor(), &b.dsnProcessor)
	cfg.Bool("pass_through", false, false, &b.passThrough)
	_, err := cfg.Process()
	return err
}

func (b *Bounce) Service(ctx context.Context, m *mail.Mail) error {
	dsnMail, err := bounce.Send(ctx, b.mctx, m, bounce.FromErrorMessage(m), mail.Processor(b.dsnProcessor), m.ID+"-dsn")
	if err != nil {
		return fmt.Errorf("bounce: %w", err)
	}
	if dsnMail == nil {
		b.log.Msg("not bouncing a bounce", "msg_id", m.ID, "rcpts", m.Recipients)
	} else {
		b.log.Msg("bounced", "msg_id", m.ID, "dsn_id", dsnMail.ID, "rcpts", m.Recipients)
	}

	if !b.passThrough {
		m.State = mail.Ghost
	}
	return nil
}

func init() {
	module.RegisterMailet("bounce", func() module.Mailet { return &Bounce{} })
}
