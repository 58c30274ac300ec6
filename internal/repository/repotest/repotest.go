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

// Package repotest contains the conformance checks shared by mail
// repository implementations.
package repotest

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/imyousuf/james-sub036/framework/mail"
)

func testMail(id string, rcpts ...string) *mail.Mail {
	m := mail.New("sender@example.org", rcpts, strings.Repeat("a", 64), mail.Processor("root"))
	m.ID = id
	return m
}

// Run checks the behavior of the mail.Archive returned by open. Each
// subtest gets a fresh repository.
func Run(t *testing.T, open func(t *testing.T) mail.Archive) {
	ctx := context.Background()

	t.Run("StoreRetrieve", func(t *testing.T) {
		r := open(t)
		m := testMail("m1", "a@example.org", "b@example.org")
		if err := m.Attributes.Set("x", "y"); err != nil {
			t.Fatal(err)
		}
		if err := r.Store(ctx, m); err != nil {
			t.Fatal(err)
		}

		got, err := r.Retrieve(ctx, "m1")
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got.Recipients, m.Recipients) || got.Sender != m.Sender || got.State != m.State {
			t.Errorf("mismatch: %+v", got)
		}
		if v, _ := got.Attributes.String("x"); v != "y" {
			t.Errorf("attribute lost")
		}
	})

	t.Run("Upsert", func(t *testing.T) {
		r := open(t)
		m := testMail("m1", "a@example.org")
		if err := r.Store(ctx, m); err != nil {
			t.Fatal(err)
		}
		m.State = mail.Processor("transport")
		m.RetryCount = 3
		if err := r.Store(ctx, m); err != nil {
			t.Fatal(err)
		}
		got, err := r.Retrieve(ctx, "m1")
		if err != nil {
			t.Fatal(err)
		}
		if got.State.String() != "transport" || got.RetryCount != 3 {
			t.Errorf("update lost: %+v", got)
		}
		keys, err := r.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 1 {
			t.Errorf("upsert created duplicates: %v", keys)
		}
	})

	t.Run("RemoveList", func(t *testing.T) {
		r := open(t)
		for _, id := range []string{"m1", "m2", "m3"} {
			if err := r.Store(ctx, testMail(id, "a@example.org")); err != nil {
				t.Fatal(err)
			}
		}
		if err := r.Remove(ctx, "m2"); err != nil {
			t.Fatal(err)
		}
		if err := r.Remove(ctx, "m2"); err != nil {
			t.Errorf("repeated remove failed: %v", err)
		}
		keys, err := r.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		sort.Strings(keys)
		if !reflect.DeepEqual(keys, []string{"m1", "m3"}) {
			t.Errorf("wrong keys: %v", keys)
		}
		if _, err := r.Retrieve(ctx, "m2"); !errors.Is(err, mail.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ContentRefs", func(t *testing.T) {
		r := open(t)
		counter, ok := r.(mail.ContentCounter)
		if !ok {
			t.Skip("repository does not count content references")
		}
		m1 := testMail("m1", "a@example.org")
		m2 := testMail("m2", "a@example.org")
		m3 := testMail("m3", "a@example.org")
		m3.ContentRef = strings.Repeat("b", 64)
		for _, m := range []*mail.Mail{m1, m2, m3} {
			if err := r.Store(ctx, m); err != nil {
				t.Fatal(err)
			}
		}
		n, err := counter.ContentRefs(ctx, m1.ContentRef)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("want 2 refs, got %d", n)
		}
		if err := r.Remove(ctx, "m1"); err != nil {
			t.Fatal(err)
		}
		n, err = counter.ContentRefs(ctx, m1.ContentRef)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("want 1 ref after remove, got %d", n)
		}
	})

	t.Run("Message", func(t *testing.T) {
		r := open(t)
		m := testMail("m1", "a@example.org")
		if err := r.StoreMessage(ctx, m, strings.NewReader("Subject: x\r\n\r\nbody\r\n")); err != nil {
			t.Fatal(err)
		}
		// Idempotent by key.
		if err := r.StoreMessage(ctx, m, strings.NewReader("Subject: x\r\n\r\nbody\r\n")); err != nil {
			t.Fatal(err)
		}
		body, err := r.OpenMessage(ctx, "m1")
		if err != nil {
			t.Fatal(err)
		}
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "Subject: x\r\n\r\nbody\r\n" {
			t.Errorf("wrong body: %q", data)
		}
		keys, err := r.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 1 {
			t.Errorf("wrong keys: %v", keys)
		}
		if _, err := r.OpenMessage(ctx, "missing"); !errors.Is(err, mail.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
