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

package bounce

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/imyousuf/james-sub036/framework/exterrors"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/internal/testutils"
)

const testMsg = "From: sender@example.com\r\n" +
	"Subject: Hello\r\n" +
	"\r\n" +
	"Body\r\n"

func TestSend(t *testing.T) {
	mctx := testutils.NewContext(t)
	m := mctx.NewMail(t, "sender@example.com", []string{"a@example.net", "b@example.net"}, mail.Processor("transport"), testMsg)

	dsnMail, err := Send(context.Background(), mctx, m, []Failure{
		{
			Rcpt:      "a@example.net",
			RemoteMTA: "mx.example.net",
			Err: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
				Message:      "No such user",
			},
		},
		{Rcpt: "b@example.net", Err: errors.New("timeout")},
	}, mail.Processor("root"), m.ID+"-dsn")
	if err != nil {
		t.Fatal(err)
	}
	if dsnMail == nil {
		t.Fatal("no DSN generated")
	}

	sent := mctx.SentMail()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent mail, got %d", len(sent))
	}
	dsnStored := sent[0]
	if dsnStored.ID != m.ID+"-dsn" {
		t.Errorf("wrong DSN ID: %s", dsnStored.ID)
	}
	if !dsnStored.IsBounce() {
		t.Errorf("DSN must have the null sender, got %q", dsnStored.Sender)
	}
	if len(dsnStored.Recipients) != 1 || dsnStored.Recipients[0] != "sender@example.com" {
		t.Errorf("wrong DSN recipients: %v", dsnStored.Recipients)
	}
	if dsnStored.State.String() != "root" {
		t.Errorf("wrong DSN state: %v", dsnStored.State)
	}
	if v, _ := dsnStored.Attributes.String(AttrDSNFor); v != m.ID {
		t.Errorf("wrong %s attribute: %q", AttrDSNFor, v)
	}

	body := strings.ToLower(mctx.Body(t, dsnStored))
	for _, want := range []string{
		"subject: undelivered mail returned to sender",
		"final-recipient: rfc822; a@example.net",
		"status: 5.1.1",
		"final-recipient: rfc822; b@example.net",
		"status: 5.0.0",
		"subject: hello",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("DSN does not contain %q:\n%s", want, body)
		}
	}
}

func TestSend_NullSender(t *testing.T) {
	mctx := testutils.NewContext(t)
	m := mctx.NewMail(t, "", []string{"a@example.net"}, mail.Processor("transport"), testMsg)

	dsnMail, err := Send(context.Background(), mctx, m, []Failure{{Rcpt: "a@example.net", Err: errors.New("fail")}}, mail.Processor("root"), "")
	if err != nil {
		t.Fatal(err)
	}
	if dsnMail != nil {
		t.Fatal("DSN generated for a bounce")
	}
	if len(mctx.SentMail()) != 0 {
		t.Fatal("bounce of a bounce was submitted")
	}
}

func TestFromErrorMessage(t *testing.T) {
	m := mail.New("s@example.com", []string{"a@example.org", "b@example.org"}, "", mail.Error)
	m.ErrorMessage = "mailet log: broken"

	failures := FromErrorMessage(m)
	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(failures))
	}
	if failures[1].Rcpt != "b@example.org" {
		t.Errorf("wrong recipient: %s", failures[1].Rcpt)
	}
	if !strings.Contains(failures[0].Err.Error(), "mailet log: broken") {
		t.Errorf("error message is lost: %v", failures[0].Err)
	}
	if exterrors.IsTemporaryOrUnspec(failures[0].Err) {
		t.Errorf("failure must be permanent")
	}
}
