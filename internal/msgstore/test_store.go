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

package msgstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/imyousuf/james-sub036/framework/mail"
)

// TestStore runs the common MessageStore conformance checks against the
// store returned by newStore.
func TestStore(t *testing.T, newStore func(t *testing.T) mail.MessageStore) {
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		s := newStore(t)
		body := "Subject: test\r\n\r\nHello\r\n"
		ref, size, err := s.Put(ctx, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		if size != int64(len(body)) {
			t.Errorf("wrong size: %d", size)
		}
		if !ValidRef(ref) {
			t.Errorf("malformed ref: %s", ref)
		}

		r, err := s.Get(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != body {
			t.Errorf("wrong content: %q", got)
		}
	})

	t.Run("Dedup", func(t *testing.T) {
		s := newStore(t)
		ref1, _, err := s.Put(ctx, strings.NewReader("same"))
		if err != nil {
			t.Fatal(err)
		}
		ref2, _, err := s.Put(ctx, strings.NewReader("same"))
		if err != nil {
			t.Fatal(err)
		}
		if ref1 != ref2 {
			t.Errorf("same content gave different refs: %s %s", ref1, ref2)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ref, _, err := s.Put(ctx, strings.NewReader("delete me"))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, ref); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, ref); !errors.Is(err, mail.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, ref); err != nil {
			t.Errorf("repeated delete failed: %v", err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		s := newStore(t)
		missing := strings.Repeat("0", RefLen)
		if _, err := s.Get(ctx, missing); !errors.Is(err, mail.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.Get(ctx, "../../etc/passwd"); err == nil {
			t.Error("malformed ref accepted")
		}
	})
}
