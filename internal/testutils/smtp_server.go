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

package testutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

type SMTPMessage struct {
	// Hello is the EHLO name in effect when MAIL FROM was received.
	Hello string
	TLS   bool
	From  string
	Opts smtp.MailOptions
	To   []string
	Data []byte
}

// SMTPBackend records messages received by the server started with
// SMTPServer. The error fields make the corresponding command fail.
type SMTPBackend struct {
	mu              sync.Mutex
	messages        []*SMTPMessage
	sessionCounter  int
	mailFromCounter int

	MailErr error
	RcptErr map[string]error
	DataErr error
}

func (be *SMTPBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	be.mu.Lock()
	defer be.mu.Unlock()
	be.sessionCounter++
	return &session{backend: be, conn: c}, nil
}

// Messages returns a copy of the list of received messages.
func (be *SMTPBackend) Messages() []*SMTPMessage {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]*SMTPMessage(nil), be.messages...)
}

func (be *SMTPBackend) Sessions() int {
	be.mu.Lock()
	defer be.mu.Unlock()
	return be.sessionCounter
}

func (be *SMTPBackend) CheckMsg(t *testing.T, indx int, from string, rcptTo []string, data string) {
	t.Helper()

	msgs := be.Messages()
	if len(msgs) <= indx {
		t.Errorf("Expected at least %d messages in mailbox, got %d", indx+1, len(msgs))
		return
	}

	msg := msgs[indx]
	if msg.From != from {
		t.Errorf("Wrong MAIL FROM: %v", msg.From)
	}

	to := append([]string(nil), msg.To...)
	sort.Strings(to)
	rcptTo = append([]string(nil), rcptTo...)
	sort.Strings(rcptTo)
	if !reflect.DeepEqual(to, rcptTo) {
		t.Errorf("Wrong RCPT TO: %v", msg.To)
	}
	if string(msg.Data) != data {
		t.Errorf("Wrong DATA payload: %q", string(msg.Data))
	}
}

type session struct {
	backend *SMTPBackend
	conn    *smtp.Conn
	msg     *SMTPMessage
}

func (s *session) Reset() {
	s.msg = &SMTPMessage{}
}

func (s *session) Logout() error {
	return nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.backend.mu.Lock()
	s.backend.mailFromCounter++
	err := s.backend.MailErr
	s.backend.mu.Unlock()
	if err != nil {
		return err
	}

	s.Reset()
	s.msg.From = from
	s.msg.Hello = s.conn.Hostname()
	_, s.msg.TLS = s.conn.TLSConnectionState()
	if opts != nil {
		s.msg.Opts = *opts
	}
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	err := s.backend.RcptErr[to]
	s.backend.mu.Unlock()
	if err != nil {
		return err
	}

	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	s.backend.mu.Lock()
	err := s.backend.DataErr
	s.backend.mu.Unlock()
	if err != nil {
		return err
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b

	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

// SMTPServer starts a server on a random local port. It is closed when the
// test finishes.
func SMTPServer(t *testing.T) (be *SMTPBackend, port string) {
	t.Helper()
	return smtpServer(t, nil)
}

// SMTPServerTLS is SMTPServer with STARTTLS enabled. The returned pool
// trusts the self-signed certificate issued for 127.0.0.1.
func SMTPServerTLS(t *testing.T) (be *SMTPBackend, port string, roots *x509.CertPool) {
	t.Helper()

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"mailetd test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &privKey.PublicKey, privKey)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	roots = x509.NewCertPool()
	roots.AddCert(leaf)

	be, port = smtpServer(t, &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  privKey,
			Leaf:        leaf,
		}},
	})
	return be, port, roots
}

func smtpServer(t *testing.T, tlsConfig *tls.Config) (be *SMTPBackend, port string) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	be = new(SMTPBackend)
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second
	s.TLSConfig = tlsConfig

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(l)
	}()
	t.Cleanup(func() {
		s.Close()
		<-done
	})

	_, port, err = net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return be, port
}

// ClosedPort returns a local port nothing listens on.
func ClosedPort(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(l.Addr().String())
	l.Close()
	return port
}
