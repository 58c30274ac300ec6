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

package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"time"

	"github.com/imyousuf/james-sub036/framework/exterrors"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/internal/smtpconn"
)

// Relay transfers a message to a single remote host.
//
// A non-nil error means the session failed as a whole (connection, TLS,
// MAIL FROM) and the next host may be tried. Otherwise the map contains
// per-recipient failures, recipients missing from it were accepted.
type Relay interface {
	Deliver(ctx context.Context, host, from string, rcpts []string, body io.Reader) (map[string]error, error)
}

// smtpRelay is the Relay talking SMTP to port on the remote host.
type smtpRelay struct {
	hostname   string
	port       string
	requireTLS bool
	tlsConfig  *tls.Config
	dialer     func(ctx context.Context, network, addr string) (net.Conn, error)
	log        log.Logger

	connectTimeout    time.Duration
	commandTimeout    time.Duration
	submissionTimeout time.Duration
}

func (r *smtpRelay) newConn() *smtpconn.C {
	c := smtpconn.New()
	if r.dialer != nil {
		c.Dialer = r.dialer
	}
	c.Log = r.log
	c.Hostname = r.hostname
	if r.connectTimeout != 0 {
		c.ConnectTimeout = r.connectTimeout
	}
	if r.commandTimeout != 0 {
		c.CommandTimeout = r.commandTimeout
	}
	if r.submissionTimeout != 0 {
		c.SubmissionTimeout = r.submissionTimeout
	}
	return c
}

func isVerifyError(err error) bool {
	var (
		unknownAuthErr x509.UnknownAuthorityError
		hostnameErr    x509.HostnameError
		invalidErr     x509.CertificateInvalidError
		verifyErr      *tls.CertificateVerificationError
	)
	return errors.As(err, &unknownAuthErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &verifyErr)
}

// connect tries STARTTLS with certificate verification first, then without
// verification and finally plaintext unless TLS is required.
func (r *smtpRelay) connect(ctx context.Context, host string) (*smtpconn.C, error) {
	var tlsCfg *tls.Config
	if r.tlsConfig != nil {
		tlsCfg = r.tlsConfig.Clone()
	} else {
		tlsCfg = &tls.Config{}
	}

	starttls := true
	for {
		c := r.newConn()
		didTLS, err := c.Connect(ctx, host, r.port, starttls, tlsCfg)
		if err != nil {
			var tlsErr smtpconn.TLSError
			if !errors.As(err, &tlsErr) {
				return nil, err
			}
			if isVerifyError(err) && !tlsCfg.InsecureSkipVerify {
				r.log.Error("TLS verify error, trying without authentication", err, "remote_server", host)
				tlsCfg.InsecureSkipVerify = true
				continue
			}
			if r.requireTLS {
				return nil, &exterrors.SMTPError{
					Code:         451,
					EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
					Message:      "TLS handshake failed",
					Err:          err,
					Misc: map[string]interface{}{
						"remote_server": host,
					},
				}
			}
			r.log.Error("TLS error, trying plaintext", err, "remote_server", host)
			starttls = false
			continue
		}

		if r.requireTLS && !didTLS {
			c.Close()
			return nil, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "TLS is not available",
				Misc: map[string]interface{}{
					"remote_server": host,
				},
			}
		}
		return c, nil
	}
}

func (r *smtpRelay) Deliver(ctx context.Context, host, from string, rcpts []string, body io.Reader) (map[string]error, error) {
	c, err := r.connect(ctx, host)
	if err != nil {
		return nil, err
	}

	if err := c.Mail(ctx, from, 0); err != nil {
		c.Close()
		return nil, err
	}

	failures := make(map[string]error)
	accepted := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		if err := c.Rcpt(ctx, rcpt); err != nil {
			failures[rcpt] = err
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		c.Close()
		return failures, nil
	}

	if err := c.Data(ctx, body); err != nil {
		c.DirectClose()
		for _, rcpt := range accepted {
			failures[rcpt] = err
		}
		return failures, nil
	}

	c.Close()
	return failures, nil
}
