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
	"io"
	"strings"
	"testing"

	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
	"github.com/imyousuf/james-sub036/internal/testutils"
)

const testMsg = "From: sender@example.com\r\n" +
	"Subject: Test\r\n" +
	"\r\n" +
	"Hello\r\n"

func initMailet(t *testing.T, mctx module.Context, name string, raw map[string]interface{}) module.Mailet {
	t.Helper()
	newMailet := module.GetMailet(name)
	if newMailet == nil {
		t.Fatalf("mailet %s is not registered", name)
	}
	block, err := config.NewBlock(raw)
	if err != nil {
		t.Fatal(err)
	}
	mlt := newMailet()
	if err := mlt.Init(mctx, config.NewMap(nil, "test", block)); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return mlt
}

func service(t *testing.T, mlt module.Mailet, m *mail.Mail) {
	t.Helper()
	if err := mlt.Service(context.Background(), m); err != nil {
		t.Fatalf("Service: %v", err)
	}
}

func TestNull(t *testing.T) {
	mctx := testutils.NewContext(t)
	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("root"), testMsg)
	service(t, initMailet(t, mctx, "null", nil), m)
	if !m.State.IsGhost() {
		t.Fatalf("expected ghost, got %v", m.State)
	}
}

func TestToProcessor(t *testing.T) {
	mctx := testutils.NewContext(t)
	mctx.Processors = []string{"root", "error", "transport"}

	mlt := initMailet(t, mctx, "to_processor", map[string]interface{}{
		"processor": "transport",
		"notice":    "relaying",
	})
	if err := mlt.(module.LifetimeModule).Start(); err != nil {
		t.Fatal(err)
	}

	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("root"), testMsg)
	service(t, mlt, m)
	if m.State.String() != "transport" {
		t.Errorf("wrong state: %v", m.State)
	}
	if m.ErrorMessage != "relaying" {
		t.Errorf("notice is not stored: %q", m.ErrorMessage)
	}

	unknown := initMailet(t, mctx, "to_processor", map[string]interface{}{"processor": "missing"})
	if err := unknown.(module.LifetimeModule).Start(); err == nil {
		t.Error("expected an error for an unknown processor")
	}
}

func TestToProcessor_MissingConfig(t *testing.T) {
	block, _ := config.NewBlock(map[string]interface{}{})
	err := (&ToProcessor{}).Init(testutils.NewContext(t), config.NewMap(nil, "test", block))
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestAttributes(t *testing.T) {
	mctx := testutils.NewContext(t)
	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("root"), testMsg)

	service(t, initMailet(t, mctx, "set_attribute", map[string]interface{}{"name": "spam", "value": "yes"}), m)
	if v, ok := m.Attributes.String("spam"); !ok || v != "yes" {
		t.Fatalf("attribute is not set: %v %v", v, ok)
	}

	service(t, initMailet(t, mctx, "remove_attribute", map[string]interface{}{"name": "spam"}), m)
	if m.Attributes.Has("spam") {
		t.Fatal("attribute is not removed")
	}
	if m.State.String() != "root" {
		t.Fatalf("state changed: %v", m.State)
	}
}

func TestLog(t *testing.T) {
	mctx := testutils.NewContext(t)
	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("root"), testMsg)
	m.ErrorMessage = "oops"
	service(t, initMailet(t, mctx, "log", map[string]interface{}{"message": "seen"}), m)
	if m.State.String() != "root" {
		t.Fatalf("state changed: %v", m.State)
	}
}

func readAll(t *testing.T, r io.ReadCloser) string {
	t.Helper()
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestToRepository(t *testing.T) {
	for _, passThrough := range []bool{false, true} {
		mctx := testutils.NewContext(t)
		mlt := initMailet(t, mctx, "to_repository", map[string]interface{}{
			"url":          "file:///var/mail/spam",
			"pass_through": passThrough,
		})

		m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("root"), testMsg)
		service(t, mlt, m)
		// Idempotent by mail ID.
		service(t, mlt, m)

		repo := mctx.Archives["file:///var/mail/spam"]
		all := repo.All()
		if len(all) != 1 || all[0].ID != m.ID {
			t.Fatalf("pass_through=%v: wrong repository contents: %v", passThrough, all)
		}
		r, err := repo.OpenMessage(context.Background(), m.ID)
		if err != nil {
			t.Fatal(err)
		}
		if body := readAll(t, r); body != testMsg {
			t.Errorf("wrong body stored: %q", body)
		}

		if passThrough && m.State.IsGhost() {
			t.Error("pass_through=true, but processing stopped")
		}
		if !passThrough && !m.State.IsGhost() {
			t.Error("pass_through=false, but processing continues")
		}
	}
}

func TestLocalDelivery(t *testing.T) {
	mctx := testutils.NewContext(t)
	mlt := initMailet(t, mctx, "local_delivery", map[string]interface{}{"url": "file:///mailboxes"})

	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org", "B@Example.org"}, mail.Processor("local"), testMsg)
	service(t, mlt, m.Clone(m.ID))
	// Redelivery after a crash must not create duplicates.
	service(t, mlt, m)

	if !m.State.IsGhost() {
		t.Fatalf("expected ghost, got %v", m.State)
	}

	repo := mctx.Archives["file:///mailboxes"]
	all := repo.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 mailbox copies, got %d", len(all))
	}
	for _, key := range []string{m.ID + "~a@example.org", m.ID + "~b@example.org"} {
		r, err := repo.OpenMessage(context.Background(), key)
		if err != nil {
			t.Fatalf("%s: %v", key, err)
		}
		if body := readAll(t, r); body != testMsg {
			t.Errorf("%s: wrong body: %q", key, body)
		}
	}
}

func TestMailboxKey(t *testing.T) {
	if key := MailboxKey("id", "Üser/x@Example.org"); strings.ContainsAny(key, "/Ü") {
		t.Errorf("unsafe characters are not replaced: %s", key)
	}
}

func TestForward(t *testing.T) {
	mctx := testutils.NewContext(t)
	mlt := initMailet(t, mctx, "forward", map[string]interface{}{
		"to": []interface{}{"x@example.net", "y@example.net"},
	})

	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("root"), testMsg)
	service(t, mlt, m)
	if !m.State.IsGhost() {
		t.Fatalf("expected ghost, got %v", m.State)
	}

	sent := mctx.SentMail()
	if len(sent) != 1 {
		t.Fatalf("expected 1 forwarded mail, got %d", len(sent))
	}
	fwd := sent[0]
	if fwd.ID == m.ID || !strings.HasPrefix(fwd.ID, m.ID) {
		t.Errorf("unexpected forwarded mail ID: %s", fwd.ID)
	}
	if strings.Join(fwd.Recipients, ",") != "x@example.net,y@example.net" {
		t.Errorf("wrong recipients: %v", fwd.Recipients)
	}
	if fwd.State.String() != "root" || fwd.Sender != "s@example.com" || fwd.ContentRef != m.ContentRef {
		t.Errorf("wrong forwarded mail: %+v", fwd)
	}
}

func TestBounce(t *testing.T) {
	mctx := testutils.NewContext(t)
	mlt := initMailet(t, mctx, "bounce", nil)

	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Error, testMsg)
	m.ErrorMessage = "mailbox is full"
	service(t, mlt, m)
	if !m.State.IsGhost() {
		t.Fatalf("expected ghost, got %v", m.State)
	}

	sent := mctx.SentMail()
	if len(sent) != 1 {
		t.Fatalf("expected 1 DSN, got %d", len(sent))
	}
	if !sent[0].IsBounce() || sent[0].Recipients[0] != "s@example.com" {
		t.Errorf("wrong DSN envelope: %+v", sent[0])
	}
	if body := mctx.Body(t, sent[0]); !strings.Contains(body, "mailbox is full") {
		t.Errorf("DSN does not contain the error message:\n%s", body)
	}

	// No bounce for a bounce.
	dsn := mctx.NewMail(t, "", []string{"s@example.com"}, mail.Error, testMsg)
	service(t, mlt, dsn)
	if len(mctx.SentMail()) != 1 {
		t.Fatal("a bounce was bounced")
	}
	if !dsn.State.IsGhost() {
		t.Fatalf("expected ghost, got %v", dsn.State)
	}
}
