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

package s3

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/internal/msgstore"
	"github.com/imyousuf/james-sub036/internal/testutils"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

func testStore(t *testing.T, bucket string) *Store {
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	if err := backend.CreateBucket("mailetd-test"); err != nil {
		t.Fatal(err)
	}

	st, err := New(Config{
		Endpoint:  ts.Listener.Addr().String(),
		Bucket:    bucket,
		AccessKey: "access-key",
		SecretKey: "secret-key",
		Prefix:    "messages/",
	}, testutils.Logger(t, modName))
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestS3(t *testing.T) {
	msgstore.TestStore(t, func(t *testing.T) mail.MessageStore {
		return testStore(t, "mailetd-test")
	})
}

func TestCheckBucket(t *testing.T) {
	if err := testStore(t, "mailetd-test").CheckBucket(context.Background()); err != nil {
		t.Errorf("existing bucket: %v", err)
	}
	if err := testStore(t, "missing").CheckBucket(context.Background()); err == nil {
		t.Error("missing bucket reported as existing")
	}
}
