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
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
)

// ToRepository stores a copy of the mail (metadata and content) in a
// repository. Storing is keyed by the mail ID so repeated processing
// replaces the copy.
//
// Unless pass_through is set, processing of the mail stops.
type ToRepository struct {
	mctx        module.Context
	url         string
	passThrough bool

	repo mail.Archive
}

func (tr *ToRepository) Init(mctx module.Context, cfg *config.Map) error {
	tr.mctx = mctx
	cfg.String("url", false, true, "", &tr.url)
	cfg.Bool("pass_through", false, false, &tr.passThrough)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	repo, err := mctx.OpenArchive(tr.url)
	if err != nil {
		return fmt.Errorf("to_repository: %w", err)
	}
	tr.repo = repo
	return nil
}

func (tr *ToRepository) Service(ctx context.Context, m *mail.Mail) error {
	if err := storeCopy(ctx, tr.mctx.MessageStore(), tr.repo, m); err != nil {
		return fmt.Errorf("to_repository %s: %w", tr.url, err)
	}
	if !tr.passThrough {
		m.State = mail.Ghost
	}
	return nil
}

// storeCopy stores m with its content into repo.
func storeCopy(ctx context.Context, store mail.MessageStore, repo mail.Archive, m *mail.Mail) error {
	body, err := store.Get(ctx, m.ContentRef)
	if err != nil {
		return fmt.Errorf("content %s: %w", m.ContentRef, err)
	}
	defer body.Close()

	return repo.StoreMessage(ctx, m, body)
}

func init() {
	module.RegisterMailet("to_repository", func() module.Mailet { return &ToRepository{} })
}
