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

// Package dsn generates delivery status notifications as defined by
// RFC 3464 and RFC 3462.
package dsn

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/imyousuf/james-sub036/framework/address"
	"github.com/imyousuf/james-sub036/framework/dns"
	"github.com/imyousuf/james-sub036/framework/exterrors"
)

const dateFormat = "Mon, 2 Jan 2006 15:04:05 -0700"

// ReportingMTAInfo is the per-message part of the delivery-status report.
type ReportingMTAInfo struct {
	ReportingMTA    string
	ReceivedFromMTA string

	// Original sender, included as 'X-Mailetd-Sender: rfc822; ADDR'.
	XSender string
	// Mail ID, included as 'X-Mailetd-MailID: ID'.
	XMailID string

	ArrivalDate     time.Time
	LastAttemptDate time.Time
}

// asciiDomain converts domain to A-labels. DSNs are always generated in
// the 7-bit form.
func asciiDomain(domain string) (string, error) {
	return dns.ToASCII(domain)
}

func asciiAddr(addr string) (string, error) {
	mbox, domain, err := address.Split(addr)
	if err != nil {
		return "", err
	}
	if domain == "" {
		return mbox, nil
	}
	domain, err = asciiDomain(domain)
	if err != nil {
		return "", err
	}
	return mbox + "@" + domain, nil
}

func (info ReportingMTAInfo) writeTo(w io.Writer) error {
	// DSN format uses structure similar to MIME header, so we reuse
	// MIME generator here.
	h := textproto.Header{}

	if info.ReportingMTA == "" {
		return errors.New("dsn: Reporting-MTA field is mandatory")
	}
	reportingMTA, err := asciiDomain(info.ReportingMTA)
	if err != nil {
		return fmt.Errorf("dsn: cannot convert Reporting-MTA: %w", err)
	}
	h.Add("Reporting-MTA", "dns; "+reportingMTA)

	if info.ReceivedFromMTA != "" {
		receivedFromMTA, err := asciiDomain(info.ReceivedFromMTA)
		if err != nil {
			return fmt.Errorf("dsn: cannot convert Received-From-MTA: %w", err)
		}
		h.Add("Received-From-MTA", "dns; "+receivedFromMTA)
	}

	if info.XSender != "" {
		sender, err := asciiAddr(info.XSender)
		if err != nil {
			return fmt.Errorf("dsn: cannot convert X-Mailetd-Sender: %w", err)
		}
		h.Add("X-Mailetd-Sender", "rfc822; "+sender)
	}
	if info.XMailID != "" {
		h.Add("X-Mailetd-MailID", info.XMailID)
	}

	if !info.ArrivalDate.IsZero() {
		h.Add("Arrival-Date", info.ArrivalDate.Format(dateFormat))
	}
	if !info.LastAttemptDate.IsZero() {
		h.Add("Last-Attempt-Date", info.LastAttemptDate.Format(dateFormat))
	}

	return textproto.WriteHeader(w, h)
}

type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
	ActionRelayed   Action = "relayed"
	ActionExpanded  Action = "expanded"
)

// RecipientInfo is the per-recipient part of the delivery-status report.
type RecipientInfo struct {
	FinalRecipient string
	RemoteMTA      string

	Action Action
	Status exterrors.EnhancedCode

	// DiagnosticCode is the error that will be returned to the sender.
	DiagnosticCode error
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "\r", " ")
}

func (info RecipientInfo) writeTo(w io.Writer) error {
	h := textproto.Header{}

	if info.FinalRecipient == "" {
		return errors.New("dsn: Final-Recipient is required")
	}
	finalRcpt, err := asciiAddr(info.FinalRecipient)
	if err != nil {
		return fmt.Errorf("dsn: cannot convert Final-Recipient: %w", err)
	}
	h.Add("Final-Recipient", "rfc822; "+finalRcpt)

	if info.Action == "" {
		return errors.New("dsn: Action is required")
	}
	h.Add("Action", string(info.Action))
	if info.Status[0] == 0 {
		return errors.New("dsn: Status is required")
	}
	h.Add("Status", info.Status.String())

	var smtpErr *exterrors.SMTPError
	if errors.As(info.DiagnosticCode, &smtpErr) {
		// The message may come from another server and contain line breaks.
		h.Add("Diagnostic-Code", fmt.Sprintf("smtp; %d %s %s",
			smtpErr.Code, smtpErr.EnhancedCode.String(), oneLine(smtpErr.Message)))
	} else if info.DiagnosticCode != nil {
		h.Add("Diagnostic-Code", "X-Mailetd; "+oneLine(info.DiagnosticCode.Error()))
	}

	if info.RemoteMTA != "" {
		remoteMTA, err := asciiDomain(info.RemoteMTA)
		if err != nil {
			return fmt.Errorf("dsn: cannot convert Remote-MTA: %w", err)
		}
		h.Add("Remote-MTA", "dns; "+remoteMTA)
	}

	return textproto.WriteHeader(w, h)
}

type Envelope struct {
	MsgID string
	From  string
	To    string
}

// GenerateDSN writes the multipart/report body to outWriter and returns
// the header of the report message. failedHeader is the header of the
// original message, included as the third part.
func GenerateDSN(envelope Envelope, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo, failedHeader textproto.Header, outWriter io.Writer) (textproto.Header, error) {
	partWriter := textproto.NewMultipartWriter(outWriter)

	reportHeader := textproto.Header{}
	reportHeader.Add("Date", time.Now().Format(dateFormat))
	reportHeader.Add("Message-Id", envelope.MsgID)
	reportHeader.Add("Content-Transfer-Encoding", "8bit")
	reportHeader.Add("Content-Type", "multipart/report; report-type=delivery-status; boundary="+partWriter.Boundary())
	reportHeader.Add("MIME-Version", "1.0")
	reportHeader.Add("Auto-Submitted", "auto-replied")
	reportHeader.Add("To", envelope.To)
	reportHeader.Add("From", envelope.From)
	reportHeader.Add("Subject", "Undelivered Mail Returned to Sender")

	defer partWriter.Close()

	if err := writeHumanReadablePart(partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}
	if err := writeMachineReadablePart(partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}
	return reportHeader, writeHeader(partWriter, failedHeader)
}

func writeHeader(w *textproto.MultipartWriter, header textproto.Header) error {
	partHeader := textproto.Header{}
	partHeader.Add("Content-Description", "Undelivered message header")
	partHeader.Add("Content-Type", "message/rfc822-headers")
	partHeader.Add("Content-Transfer-Encoding", "8bit")
	headerWriter, err := w.CreatePart(partHeader)
	if err != nil {
		return err
	}
	return textproto.WriteHeader(headerWriter, header)
}

func writeMachineReadablePart(w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	machineHeader := textproto.Header{}
	machineHeader.Add("Content-Type", "message/delivery-status")
	machineHeader.Add("Content-Description", "Delivery report")
	machineWriter, err := w.CreatePart(machineHeader)
	if err != nil {
		return err
	}

	// writeTo adds an empty line after each block.
	if err := mtaInfo.writeTo(machineWriter); err != nil {
		return err
	}

	for _, rcpt := range rcptsInfo {
		if err := rcpt.writeTo(machineWriter); err != nil {
			return err
		}
	}
	return nil
}

// failedText is the text of the human-readable part of DSN.
var failedText = template.Must(template.New("dsn-text").Parse(`
This is the mail delivery system at {{.ReportingMTA}}.

Your message could not be delivered to one or more recipients.
The delivery failed permanently or the retry period expired.

Contact the postmaster for further assistance, provide the Mail ID (below):

Mail ID: {{.XMailID}}
Arrival: {{.ArrivalDate}}
Last delivery attempt: {{.LastAttemptDate}}

`))

func writeHumanReadablePart(w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	humanHeader := textproto.Header{}
	humanHeader.Add("Content-Transfer-Encoding", "8bit")
	humanHeader.Add("Content-Type", `text/plain; charset="utf-8"`)
	humanHeader.Add("Content-Description", "Notification")
	humanWriter, err := w.CreatePart(humanHeader)
	if err != nil {
		return err
	}

	mtaInfo.ArrivalDate = mtaInfo.ArrivalDate.Truncate(time.Second)
	mtaInfo.LastAttemptDate = mtaInfo.LastAttemptDate.Truncate(time.Second)

	if err := failedText.Execute(humanWriter, mtaInfo); err != nil {
		return err
	}

	for _, rcpt := range rcptsInfo {
		if _, err := fmt.Fprintf(humanWriter, "Delivery to %s failed with error: %v\n", rcpt.FinalRecipient, rcpt.DiagnosticCode); err != nil {
			return err
		}
	}

	return nil
}
