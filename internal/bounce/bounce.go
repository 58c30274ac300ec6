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

// Package bounce builds and submits delivery status notifications for mail
// that could not be delivered.
package bounce

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/imyousuf/james-sub036/framework/exterrors"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/internal/dsn"
)

// Failure is the reason delivery to a recipient failed.
type Failure struct {
	Rcpt      string
	RemoteMTA string
	Err       error
}

// Submitter is the part of module.Context used to submit the DSN.
type Submitter interface {
	Hostname() string
	MessageStore() mail.MessageStore
	SendNew(ctx context.Context, m *mail.Mail, body io.Reader) error
}

// AttrDSNFor is set on generated DSNs to the ID of the failed mail.
const AttrDSNFor = "dsn.for"

// Send generates a DSN reporting failures of m and submits it addressed to
// m.Sender in the state dsnState. The DSN gets the ID dsnID, a random one
// is used if it is empty. Submitting again with the same ID replaces the
// previous DSN.
//
// Mail with the null sender is never bounced, Send returns nil DSN and no
// error for it.
func Send(ctx context.Context, sub Submitter, m *mail.Mail, failures []Failure, dsnState mail.State, dsnID string) (*mail.Mail, error) {
	if m.IsBounce() {
		return nil, nil
	}
	if len(failures) == 0 {
		return nil, errors.New("bounce: no failures to report")
	}

	header, err := readHeader(ctx, sub.MessageStore(), m.ContentRef)
	if err != nil {
		return nil, fmt.Errorf("bounce: %w", err)
	}

	hostname := sub.Hostname()
	if dsnID == "" {
		dsnID = mail.NewID()
	}
	envelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + hostname + ">",
		From:  "MAILER-DAEMON@" + hostname,
		To:    m.Sender,
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    hostname,
		ReceivedFromMTA: m.RemoteHost,
		XSender:         m.Sender,
		XMailID:         m.ID,
		ArrivalDate:     m.Arrival,
		LastAttemptDate: time.Now(),
	}

	rcptInfo := make([]dsn.RecipientInfo, 0, len(failures))
	for _, f := range failures {
		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient: f.Rcpt,
			RemoteMTA:      f.RemoteMTA,
			Action:         dsn.ActionFailed,
			Status:         status(f.Err),
			DiagnosticCode: f.Err,
		})
	}

	var body bytes.Buffer
	dsnHeader, err := dsn.GenerateDSN(envelope, mtaInfo, rcptInfo, header, &body)
	if err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	if err := textproto.WriteHeader(&msg, dsnHeader); err != nil {
		return nil, fmt.Errorf("bounce: %w", err)
	}
	msg.Write(body.Bytes())

	dsnMail := mail.New("", []string{m.Sender}, "", dsnState)
	dsnMail.ID = dsnID
	if err := dsnMail.Attributes.Set(AttrDSNFor, m.ID); err != nil {
		return nil, err
	}
	if err := sub.SendNew(ctx, dsnMail, &msg); err != nil {
		return nil, fmt.Errorf("bounce: %w", err)
	}
	return dsnMail, nil
}

// status returns the DSN status code for err. Errors without an SMTP
// status are reported as 5.0.0.
func status(err error) exterrors.EnhancedCode {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.EnhancedCode[0] != 0 {
		return smtpErr.EnhancedCode
	}
	return exterrors.EnhancedCode{5, 0, 0}
}

// readHeader returns the header of the stored message. Malformed or
// missing content results in an empty header so the DSN can still be
// sent.
func readHeader(ctx context.Context, store mail.MessageStore, ref string) (textproto.Header, error) {
	if ref == "" {
		return textproto.Header{}, nil
	}
	r, err := store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			return textproto.Header{}, nil
		}
		return textproto.Header{}, err
	}
	defer r.Close()

	hdr, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return textproto.Header{}, nil
	}
	return hdr, nil
}

// FromErrorMessage converts the error recorded in the mail into failures
// for all of its recipients.
func FromErrorMessage(m *mail.Mail) []Failure {
	msg := strings.TrimSpace(m.ErrorMessage)
	if msg == "" {
		msg = "delivery failed"
	}
	err := &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 0, 0},
		Message:      msg,
	}
	failures := make([]Failure, 0, len(m.Recipients))
	for _, rcpt := range m.Recipients {
		failures = append(failures, Failure{Rcpt: rcpt, Err: err})
	}
	return failures
}
