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

package smtpconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/imyousuf/james-sub036/framework/exterrors"
	"github.com/imyousuf/james-sub036/internal/testutils"
)

const testMsg = "From: <sender@example.org>\r\nSubject: test\r\n\r\nHello\r\n"

func TestSession(t *testing.T) {
	be, port := testutils.SMTPServer(t)

	c := New()
	c.Log = testutils.Logger(t, "smtpconn")
	ctx := context.Background()
	if _, err := c.Connect(ctx, "127.0.0.1", port, false, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Mail(ctx, "sender@example.org", int64(len(testMsg))); err != nil {
		t.Fatal(err)
	}
	for _, rcpt := range []string{"a@example.com", "b@example.com"} {
		if err := c.Rcpt(ctx, rcpt); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Data(ctx, strings.NewReader(testMsg)); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "sender@example.org", []string{"a@example.com", "b@example.com"}, testMsg)
	if got := len(c.Rcpts()); got != 2 {
		t.Errorf("unexpected accepted rcpts count: %d", got)
	}
}

func TestRcptError(t *testing.T) {
	be, port := testutils.SMTPServer(t)
	be.RcptErr = map[string]error{
		"bad@example.com": &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user",
		},
		"full@example.com": &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 2, 2},
			Message:      "Mailbox full",
		},
	}

	c := New()
	c.Log = testutils.Logger(t, "smtpconn")
	ctx := context.Background()
	if _, err := c.Connect(ctx, "127.0.0.1", port, false, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Mail(ctx, "sender@example.org", 0); err != nil {
		t.Fatal(err)
	}

	err := c.Rcpt(ctx, "bad@example.com")
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected SMTPError, got %T %v", err, err)
	}
	if smtpErr.Code != 550 || smtpErr.EnhancedCode != (exterrors.EnhancedCode{5, 1, 1}) {
		t.Errorf("wrong status: %d %v", smtpErr.Code, smtpErr.EnhancedCode)
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		t.Error("550 is reported as temporary")
	}

	err = c.Rcpt(ctx, "full@example.com")
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected SMTPError, got %T %v", err, err)
	}
	if smtpErr.Code != 452 || smtpErr.EnhancedCode[0] != 4 {
		t.Errorf("552 is not rewritten: %d %v", smtpErr.Code, smtpErr.EnhancedCode)
	}
	if !exterrors.IsTemporaryOrUnspec(err) {
		t.Error("452 is reported as permanent")
	}
}

func TestConnectRefused(t *testing.T) {
	c := New()
	c.Log = testutils.Logger(t, "smtpconn")
	_, err := c.Connect(context.Background(), "127.0.0.1", testutils.ClosedPort(t), false, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected SMTPError, got %T %v", err, err)
	}
	if smtpErr.Code != 450 || smtpErr.EnhancedCode != (exterrors.EnhancedCode{4, 4, 2}) {
		t.Errorf("wrong status: %d %v", smtpErr.Code, smtpErr.EnhancedCode)
	}
	if !exterrors.IsTemporaryOrUnspec(err) {
		t.Error("connection error is reported as permanent")
	}
}

func TestMail_UnicodeSenderWithoutSMTPUTF8(t *testing.T) {
	_, port := testutils.SMTPServer(t)

	c := New()
	c.Log = testutils.Logger(t, "smtpconn")
	ctx := context.Background()
	if _, err := c.Connect(ctx, "127.0.0.1", port, false, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err := c.Mail(ctx, "тест@example.org", 0)
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.EnhancedCode != (exterrors.EnhancedCode{5, 6, 7}) {
		t.Fatalf("expected 5.6.7 error, got %v", err)
	}
}

func TestConnect_STARTTLS(t *testing.T) {
	be, port, roots := testutils.SMTPServerTLS(t)

	c := New()
	c.Log = testutils.Logger(t, "smtpconn")
	c.Hostname = "mx.example.org"
	ctx := context.Background()
	didTLS, err := c.Connect(ctx, "127.0.0.1", port, true, &tls.Config{RootCAs: roots})
	if err != nil {
		t.Fatal(err)
	}
	if !didTLS {
		t.Fatal("session is not encrypted")
	}
	if err := c.Mail(ctx, "sender@example.org", 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Rcpt(ctx, "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := c.Data(ctx, strings.NewReader(testMsg)); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "sender@example.org", []string{"a@example.com"}, testMsg)
	msg := be.Messages()[0]
	if !msg.TLS {
		t.Error("message was received without TLS")
	}
	if msg.Hello != "mx.example.org" {
		t.Errorf("wrong EHLO name after STARTTLS: %q", msg.Hello)
	}
}

func TestConnect_STARTTLSNotOffered(t *testing.T) {
	_, port := testutils.SMTPServer(t)

	c := New()
	c.Log = testutils.Logger(t, "smtpconn")
	_, err := c.Connect(context.Background(), "127.0.0.1", port, true, nil)
	var tlsErr TLSError
	if !errors.As(err, &tlsErr) {
		t.Fatalf("expected TLSError, got %T %v", err, err)
	}
}

func TestConnect_UntrustedCertificate(t *testing.T) {
	_, port, _ := testutils.SMTPServerTLS(t)

	c := New()
	c.Log = testutils.Logger(t, "smtpconn")
	_, err := c.Connect(context.Background(), "127.0.0.1", port, true, &tls.Config{RootCAs: x509.NewCertPool()})
	var tlsErr TLSError
	if !errors.As(err, &tlsErr) {
		t.Fatalf("expected TLSError, got %T %v", err, err)
	}
}
