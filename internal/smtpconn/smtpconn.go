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

// Package smtpconn wraps the go-smtp client for outbound delivery.
//
// Errors returned by C methods are converted to *exterrors.SMTPError so
// callers can tell permanent failures from transient ones. Non-ASCII
// addresses are converted to A-labels if the server lacks SMTPUTF8.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"runtime/trace"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/imyousuf/james-sub036/framework/address"
	"github.com/imyousuf/james-sub036/framework/exterrors"
	"github.com/imyousuf/james-sub036/framework/log"
)

// C is a single outbound SMTP session. It cannot be reused after Close.
type C struct {
	// Dialer to use to establish new network connections. Set to net.Dialer
	// DialContext by New.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout for the initial TCP connection establishment.
	ConnectTimeout time.Duration

	// Timeout for most session commands (EHLO, MAIL, RCPT, DATA, STARTTLS).
	CommandTimeout time.Duration

	// Timeout for the final dot.
	SubmissionTimeout time.Duration

	// Hostname to send in EHLO. Expected to be in the A-label form.
	Hostname string

	Log log.Logger

	serverName string
	cl         *smtp.Client
	rcpts      []string
}

// New creates a C with reasonable defaults.
func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    5 * time.Minute,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		Hostname:          "localhost.localdomain",
	}
}

// TLSError is returned by Connect if STARTTLS failed.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

// Temporary reports TLS failures as transient, the next attempt may pick
// a different MX or the remote certificate may get fixed.
func (err TLSError) Temporary() bool {
	return true
}

func (c *C) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	var (
		tlsErr  TLSError
		extErr  *exterrors.SMTPError
		smtpErr *smtp.SMTPError
		opErr   *net.OpError
		dnsErr  *net.DNSError
	)
	switch {
	case errors.As(err, &tlsErr):
		return err
	case errors.As(err, &extErr):
		return err
	case errors.As(err, &smtpErr):
		code := smtpErr.Code
		enchCode := exterrors.EnhancedCode(smtpErr.EnhancedCode)
		// RFC 5321 Section 4.5.3.1.10.
		if code == 552 {
			code = 452
			enchCode[0] = 4
			c.Log.DebugMsg("SMTP code 552 rewritten to 452", "remote_server", serverName)
		}
		if enchCode[0] == 0 || enchCode[0] == -1 {
			enchCode = exterrors.EnhancedCode{code / 100, 0, 0}
		}
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: enchCode,
			Message:      serverName + " said: " + smtpErr.Message,
			Misc: map[string]interface{}{
				"remote_server": serverName,
			},
			Err: err,
		}
	case errors.As(err, &dnsErr):
		reason, misc := exterrors.UnwrapDNSErr(err)
		misc["remote_server"] = serverName
		return &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(dnsErr, 450, 550),
			EnhancedCode: exterrors.SMTPEnchCode(dnsErr, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "DNS error",
			Err:          err,
			Reason:       reason,
			Misc:         misc,
		}
	case errors.As(err, &opErr):
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_server": serverName,
				"io_op":         opErr.Op,
			},
		}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, context.DeadlineExceeded):
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Connection lost",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_server": serverName,
			},
		}
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": serverName,
		})
	}
}

// Connect establishes the connection with host:port and executes EHLO.
//
// If starttls is set and the server advertises STARTTLS, it is used. A
// failed handshake is reported as TLSError. didTLS reports whether the
// session is encrypted.
func (c *C) Connect(ctx context.Context, host, port string, starttls bool, tlsConfig *tls.Config) (didTLS bool, err error) {
	defer trace.StartRegion(ctx, "smtpconn/Connect").End()

	didTLS, cl, err := c.attemptConnect(ctx, host, port, starttls, tlsConfig)
	if err != nil {
		return false, c.wrapClientErr(err, host)
	}

	c.serverName = host
	c.cl = cl
	return didTLS, nil
}

func (c *C) attemptConnect(ctx context.Context, host, port string, starttls bool, tlsConfig *tls.Config) (bool, *smtp.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	conn, err := c.Dialer(dialCtx, "tcp", net.JoinHostPort(host, port))
	cancel()
	if err != nil {
		return false, nil, err
	}

	if !starttls {
		cl := smtp.NewClient(conn)
		cl.CommandTimeout = c.CommandTimeout
		cl.SubmissionTimeout = c.SubmissionTimeout
		if err := cl.Hello(c.Hostname); err != nil {
			cl.Close()
			return false, nil, err
		}
		return false, cl, nil
	}

	var cfg *tls.Config
	if tlsConfig != nil {
		cfg = tlsConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = host

	// The session before STARTTLS uses the go-smtp default EHLO name, the
	// configured one is sent once the connection is encrypted. A server
	// that does not offer STARTTLS is reported as TLSError so the caller
	// can reconnect without it.
	cl, err := smtp.NewClientStartTLS(conn, cfg)
	if err != nil {
		if isConnErr(err) {
			return false, nil, err
		}
		return false, nil, TLSError{err}
	}
	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout

	// EHLO is the first exchange over TLS, handshake errors surface here.
	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return false, nil, err
		}
		return false, nil, TLSError{err}
	}

	return true, cl, nil
}

// isConnErr reports whether err is a failure of the underlying connection
// rather than a refusal to negotiate TLS.
func isConnErr(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// Mail sends the MAIL FROM command. The SMTPUTF8 extension is requested
// if the sender is not ASCII and the server supports it, otherwise the
// sender is converted to A-labels.
func (c *C) Mail(ctx context.Context, from string, size int64) error {
	defer trace.StartRegion(ctx, "smtpconn/MAIL FROM").End()

	opts := smtp.MailOptions{}
	if ok, _ := c.cl.Extension("SIZE"); ok && size > 0 {
		opts.Size = size
	}
	if !address.IsASCII(from) {
		if ok, _ := c.cl.Extension("SMTPUTF8"); ok {
			opts.UTF8 = true
		} else {
			var err error
			from, err = address.ToASCII(from)
			if err != nil {
				return &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
					Message:      "SMTPUTF8 is unsupported, cannot convert sender address",
					Misc: map[string]interface{}{
						"remote_server": c.serverName,
					},
					Err: err,
				}
			}
		}
	}

	if err := c.cl.Mail(from, &opts); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

// Rcpt sends the RCPT TO command.
func (c *C) Rcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "smtpconn/RCPT TO").End()

	if ok, _ := c.cl.Extension("SMTPUTF8"); !ok && !address.IsASCII(to) {
		var err error
		to, err = address.ToASCII(to)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported, cannot convert recipient address",
				Misc: map[string]interface{}{
					"remote_server": c.serverName,
				},
				Err: err,
			}
		}
	}

	if err := c.cl.Rcpt(to, nil); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	c.rcpts = append(c.rcpts, to)
	return nil
}

// Rcpts returns the recipients accepted by the server.
func (c *C) Rcpts() []string {
	return c.rcpts
}

func (c *C) ServerName() string {
	return c.serverName
}

// Data sends the DATA command followed by the message.
//
// If Data fails, the connection may be in the middle of the message
// stream and should be closed with DirectClose.
func (c *C) Data(ctx context.Context, body io.Reader) error {
	defer trace.StartRegion(ctx, "smtpconn/DATA").End()

	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if _, err := io.Copy(wc, body); err != nil {
		wc.Close()
		return c.wrapClientErr(err, c.serverName)
	}
	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

// Close sends the QUIT command and closes the connection.
func (c *C) Close() error {
	if c.cl == nil {
		return nil
	}
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err, c.serverName))
		c.cl.Close()
	}
	c.cl = nil
	c.serverName = ""
	return nil
}

// DirectClose closes the connection without sending QUIT.
func (c *C) DirectClose() error {
	if c.cl == nil {
		return nil
	}
	c.cl.Close()
	c.cl = nil
	c.serverName = ""
	return nil
}
