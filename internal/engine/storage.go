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

package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/internal/msgstore/fs"
	"github.com/imyousuf/james-sub036/internal/msgstore/s3"
	"github.com/imyousuf/james-sub036/internal/repository/sql"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openMessageStore returns the MessageStore selected by the configuration
// and the closer releasing its resources.
func openMessageStore(cfg config.MessageStore, logger log.Logger) (mail.MessageStore, io.Closer, error) {
	switch cfg.Driver {
	case "fs":
		store, err := fs.New(cfg.Root)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil
	case "s3":
		store, err := s3.New(s3.Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			Secure:    cfg.S3.Secure,
			Prefix:    cfg.S3.Prefix,
		}, logger.Sublogger("s3"))
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.CheckBucket(ctx); err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil
	case "sql":
		src, err := sql.ParseSource(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		db, err := sql.OpenDB(src)
		if err != nil {
			return nil, nil, err
		}
		return db.MessageStore(), db, nil
	}
	return nil, nil, fmt.Errorf("engine: unknown message store driver: %s", cfg.Driver)
}
