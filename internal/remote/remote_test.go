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
	"errors"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/dns"
	"github.com/imyousuf/james-sub036/framework/exterrors"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
	"github.com/imyousuf/james-sub036/internal/spool"
	"github.com/imyousuf/james-sub036/internal/testutils"
)

const testBody = "From: <sender@example.org>\r\nSubject: test\r\n\r\nHello\r\n"

var (
	errRefused = &exterrors.SMTPError{
		Code:         450,
		EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
		Message:      "Network I/O error",
		Err:          errors.New("connection refused"),
	}
	errNoUser = &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
		Message:      "No such user",
	}
)

type relayCall struct {
	host  string
	from  string
	rcpts []string
	body  string
}

// fakeRelay fails hosts listed in hostErr, fails recipients listed in
// rcptErr and accepts everything else.
type fakeRelay struct {
	mu      sync.Mutex
	calls   []relayCall
	hostErr map[string]error
	rcptErr map[string]error
}

func (r *fakeRelay) Deliver(_ context.Context, host, from string, rcpts []string, body io.Reader) (map[string]error, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, relayCall{host: host, from: from, rcpts: append([]string(nil), rcpts...), body: string(b)})
	if err := r.hostErr[host]; err != nil {
		return nil, err
	}
	res := make(map[string]error)
	for _, rcpt := range rcpts {
		if err := r.rcptErr[rcpt]; err != nil {
			res[rcpt] = err
		}
	}
	return res, nil
}

func (r *fakeRelay) Calls() []relayCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relayCall(nil), r.calls...)
}

var testZones = map[string]mockdns.Zone{
	"example.com.": {
		MX: []net.MX{
			{Host: "mx2.example.com.", Pref: 20},
			{Host: "mx1.example.com.", Pref: 10},
		},
	},
	"mx1.example.com.": {A: []string{"127.0.0.1"}},
	"mx2.example.com.": {A: []string{"127.0.0.1"}},
	"example.net.": {
		MX: []net.MX{{Host: "mx.example.net.", Pref: 10}},
	},
	"mx.example.net.": {A: []string{"127.0.0.1"}},
	"implicit.example.": {A: []string{"127.0.0.1"}},
	"nomail.example.": {
		MX: []net.MX{{Host: ".", Pref: 0}},
	},
	"broken.example.": {
		Err: &net.DNSError{Err: "server misbehaving", Name: "broken.example.", IsTemporary: true},
	},
}

type testEnv struct {
	rd    *RemoteDelivery
	mctx  *testutils.Context
	spool *spool.Spool
	repo  *testutils.Repository
}

func newTestEnv(t *testing.T, relay Relay, block config.Block) *testEnv {
	t.Helper()

	mctx := testutils.NewContext(t)
	mctx.DNS = &mockdns.Resolver{Zones: testZones}
	env := &testEnv{mctx: mctx, repo: testutils.NewRepository()}
	mctx.OpenSpoolFunc = func(name, _ string, opts module.SpoolOptions) (module.Spool, error) {
		env.spool = spool.New(env.repo, spool.NewContent(mctx.Store, mctx.Log), spool.Options{
			Name:         name,
			Backoff:      opts.Backoff,
			PollInterval: 50 * time.Millisecond,
			Log:          mctx.Log,
		})
		return env.spool, nil
	}

	env.rd = &RemoteDelivery{relay: relay}
	if block == nil {
		block = config.Block{}
	}
	if err := env.rd.Init(mctx, config.NewMap(nil, "test", block)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { env.spool.Close() })
	return env
}

// queue runs the mailet on a new mail and returns the ID of the
// outgoing entry.
func (env *testEnv) queue(t *testing.T, sender string, rcpts ...string) *mail.Mail {
	t.Helper()
	m := env.mctx.NewMail(t, sender, rcpts, mail.Processor("transport"), testBody)
	if err := env.rd.Service(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if !m.State.IsGhost() {
		t.Fatalf("mail is not ghosted after queuing: %v", m.State)
	}
	return m
}

// runAttempt leases the entry and runs a single delivery attempt for it.
func (env *testEnv) runAttempt(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	key, err := env.spool.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.rd.attempt(context.Background(), key); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) outgoing(t *testing.T, id string) *mail.Mail {
	t.Helper()
	m, err := env.spool.Retrieve(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestBackoff(t *testing.T) {
	rd := &RemoteDelivery{schedule: []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour}}
	prev := time.Duration(0)
	for i, want := range []time.Duration{0, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 2 * time.Hour, 2 * time.Hour} {
		got := rd.backoff(i)
		if got != want {
			t.Errorf("backoff(%d) = %v, want %v", i, got, want)
		}
		if got < prev {
			t.Errorf("backoff(%d) decreased", i)
		}
		prev = got
	}
}

func TestInit_Errors(t *testing.T) {
	for _, block := range []config.Block{
		{"delivery_threads": {"0"}},
		{"max_retries": {"-1"}},
		{"delay_schedule": {"1h", "5m"}},
		{"port": {"smtp"}},
		{"domain_concurrency": {"-1"}},
		{"unknown": {"1"}},
	} {
		mctx := testutils.NewContext(t)
		mctx.OpenSpoolFunc = func(string, string, module.SpoolOptions) (module.Spool, error) {
			t.Fatal("spool opened for invalid configuration")
			return nil, nil
		}
		rd := &RemoteDelivery{relay: &fakeRelay{}}
		if err := rd.Init(mctx, config.NewMap(nil, "test", block)); err == nil {
			t.Errorf("no error for %v", block)
		}
	}
}

func TestDelivery(t *testing.T) {
	relay := &fakeRelay{}
	env := newTestEnv(t, relay, nil)

	m := env.queue(t, "sender@example.org", "a@example.com", "b@example.net", "c@example.com")
	env.runAttempt(t)

	calls := relay.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 relay calls, got %d", len(calls))
	}
	if calls[0].host != "mx1.example.com" || !reflect.DeepEqual(calls[0].rcpts, []string{"a@example.com", "c@example.com"}) {
		t.Errorf("wrong first call: %+v", calls[0])
	}
	if calls[1].host != "mx.example.net" || !reflect.DeepEqual(calls[1].rcpts, []string{"b@example.net"}) {
		t.Errorf("wrong second call: %+v", calls[1])
	}
	for _, c := range calls {
		if c.from != "sender@example.org" || c.body != testBody {
			t.Errorf("wrong envelope or body: %+v", c)
		}
	}

	if _, err := env.spool.Retrieve(context.Background(), m.ID); !errors.Is(err, mail.ErrNotFound) {
		t.Errorf("delivered mail is still spooled: %v", err)
	}
	if env.mctx.Store.Len() != 0 {
		t.Error("content of delivered mail is not removed")
	}
	if len(env.mctx.SentMail()) != 0 {
		t.Error("DSN generated for delivered mail")
	}
}

func TestDelivery_DomainConcurrency(t *testing.T) {
	relay := &fakeRelay{}
	env := newTestEnv(t, relay, config.Block{"domain_concurrency": {"1"}})

	m := env.queue(t, "sender@example.org", "a@example.com")

	// Another session to the domain is in progress.
	if err := env.rd.domainLimits.Take(context.Background(), "example.com"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	key, err := env.spool.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- env.rd.attempt(context.Background(), key)
	}()

	time.Sleep(50 * time.Millisecond)
	if len(relay.Calls()) != 0 {
		t.Fatal("domain limit is not respected")
	}
	env.rd.domainLimits.Release("example.com")

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("attempt is not resumed after the slot is released")
	}
	if len(relay.Calls()) != 1 {
		t.Errorf("expected one relay call, got %d", len(relay.Calls()))
	}
	if _, err := env.spool.Retrieve(context.Background(), m.ID); !errors.Is(err, mail.ErrNotFound) {
		t.Errorf("delivered mail is still spooled: %v", err)
	}
}

func TestDelivery_MXFallback(t *testing.T) {
	relay := &fakeRelay{hostErr: map[string]error{"mx1.example.com": errRefused}}
	env := newTestEnv(t, relay, nil)

	m := env.queue(t, "sender@example.org", "a@example.com")
	env.runAttempt(t)

	calls := relay.Calls()
	if len(calls) != 2 || calls[0].host != "mx1.example.com" || calls[1].host != "mx2.example.com" {
		t.Fatalf("hosts are not tried in preference order: %+v", calls)
	}
	if _, err := env.spool.Retrieve(context.Background(), m.ID); !errors.Is(err, mail.ErrNotFound) {
		t.Errorf("delivered mail is still spooled: %v", err)
	}
}

func TestDelivery_TransientRetry(t *testing.T) {
	relay := &fakeRelay{hostErr: map[string]error{
		"mx1.example.com": errRefused,
		"mx2.example.com": errRefused,
	}}
	env := newTestEnv(t, relay, config.Block{
		"delay_schedule": {"5m", "30m", "2h"},
		"max_retries":    {"3"},
	})

	m := env.queue(t, "sender@example.org", "a@example.com")
	before := time.Now()
	env.runAttempt(t)

	out := env.outgoing(t, m.ID)
	if out.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", out.RetryCount)
	}
	if !reflect.DeepEqual(out.Recipients, []string{"a@example.com"}) {
		t.Errorf("recipients changed: %v", out.Recipients)
	}
	if out.ContentRef != m.ContentRef || out.Sender != m.Sender {
		t.Error("envelope changed")
	}
	if out.LastUpdated.Before(before) {
		t.Error("LastUpdated is not updated")
	}
	if got := env.rd.backoff(out.RetryCount); got != 5*time.Minute {
		t.Errorf("next attempt delay = %v, want 5m", got)
	}
	if env.spool.Leased(m.ID) {
		t.Error("entry is still leased")
	}

	// Not eligible yet.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := env.spool.AcceptDelay(ctx, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("entry is accepted before the retry delay: %v", err)
	}
	if len(env.mctx.SentMail()) != 0 {
		t.Error("DSN generated for transient failure")
	}
}

func TestDelivery_MaxRetriesBounce(t *testing.T) {
	relay := &fakeRelay{hostErr: map[string]error{
		"mx1.example.com": errRefused,
		"mx2.example.com": errRefused,
	}}
	env := newTestEnv(t, relay, config.Block{
		"delay_schedule": {"5m", "30m", "2h"},
		"max_retries":    {"3"},
	})

	m := env.queue(t, "sender@example.org", "a@example.com")
	for i := 1; i <= 3; i++ {
		env.runAttempt(t)
		if out := env.outgoing(t, m.ID); out.RetryCount != i {
			t.Fatalf("attempt %d: RetryCount = %d", i, out.RetryCount)
		}
		if len(env.mctx.SentMail()) != 0 {
			t.Fatalf("attempt %d: DSN generated before max retries", i)
		}
	}

	env.runAttempt(t)
	if _, err := env.spool.Retrieve(context.Background(), m.ID); !errors.Is(err, mail.ErrNotFound) {
		t.Errorf("bounced mail is still spooled: %v", err)
	}

	sent := env.mctx.SentMail()
	if len(sent) != 1 {
		t.Fatalf("expected 1 DSN, got %d", len(sent))
	}
	dsn := sent[0]
	if dsn.Sender != "" || !reflect.DeepEqual(dsn.Recipients, []string{"sender@example.org"}) {
		t.Errorf("wrong DSN envelope: %q %v", dsn.Sender, dsn.Recipients)
	}
	if dsn.ID != m.ID+"-dsn-4" {
		t.Errorf("wrong DSN ID: %s", dsn.ID)
	}
	if dsn.State.String() != "root" {
		t.Errorf("wrong DSN state: %v", dsn.State)
	}
	body := strings.ToLower(env.mctx.Body(t, dsn))
	for _, part := range []string{"final-recipient: rfc822; a@example.com", "action: failed", "status: 4.4.2"} {
		if !strings.Contains(body, part) {
			t.Errorf("DSN does not contain %q:\n%s", part, body)
		}
	}
}

func TestDelivery_PermanentBounce(t *testing.T) {
	relay := &fakeRelay{rcptErr: map[string]error{"b@example.com": errNoUser}}
	env := newTestEnv(t, relay, nil)

	m := env.queue(t, "sender@example.org", "a@example.com", "b@example.com")
	env.runAttempt(t)

	if _, err := env.spool.Retrieve(context.Background(), m.ID); !errors.Is(err, mail.ErrNotFound) {
		t.Errorf("mail is still spooled: %v", err)
	}
	sent := env.mctx.SentMail()
	if len(sent) != 1 {
		t.Fatalf("expected 1 DSN, got %d", len(sent))
	}
	body := strings.ToLower(env.mctx.Body(t, sent[0]))
	if !strings.Contains(body, "final-recipient: rfc822; b@example.com") {
		t.Errorf("DSN does not report b@example.com:\n%s", body)
	}
	if strings.Contains(body, "final-recipient: rfc822; a@example.com") {
		t.Errorf("DSN reports delivered recipient:\n%s", body)
	}
	if !strings.Contains(body, "status: 5.1.1") {
		t.Errorf("DSN does not contain the status:\n%s", body)
	}
}

func TestDelivery_Mixed(t *testing.T) {
	relay := &fakeRelay{hostErr: map[string]error{"mx.example.net": errRefused}}
	env := newTestEnv(t, relay, nil)

	m := env.queue(t, "sender@example.org", "a@example.net", "b@nomail.example", "c@example.com")
	env.runAttempt(t)

	out := env.outgoing(t, m.ID)
	if !reflect.DeepEqual(out.Recipients, []string{"a@example.net"}) {
		t.Errorf("wrong recipients left: %v", out.Recipients)
	}
	if out.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", out.RetryCount)
	}
	if out.ErrorMessage == "" {
		t.Error("ErrorMessage is not set")
	}

	sent := env.mctx.SentMail()
	if len(sent) != 1 {
		t.Fatalf("expected 1 DSN, got %d", len(sent))
	}
	body := strings.ToLower(env.mctx.Body(t, sent[0]))
	if !strings.Contains(body, "final-recipient: rfc822; b@nomail.example") || !strings.Contains(body, "status: 5.1.10") {
		t.Errorf("wrong DSN:\n%s", body)
	}
}

func TestDelivery_NoBounceABounce(t *testing.T) {
	relay := &fakeRelay{rcptErr: map[string]error{"a@example.com": errNoUser}}
	env := newTestEnv(t, relay, nil)

	m := env.queue(t, "", "a@example.com")
	env.runAttempt(t)

	if _, err := env.spool.Retrieve(context.Background(), m.ID); !errors.Is(err, mail.ErrNotFound) {
		t.Errorf("mail is still spooled: %v", err)
	}
	if len(env.mctx.SentMail()) != 0 {
		t.Error("DSN generated for mail with the null sender")
	}
	if env.mctx.Store.Len() != 0 {
		t.Error("content is not removed")
	}
}

func TestDelivery_BounceExhausted(t *testing.T) {
	relay := &fakeRelay{hostErr: map[string]error{"mx.example.net": errRefused}}
	env := newTestEnv(t, relay, config.Block{"max_retries": {"0"}})

	m := env.queue(t, "", "a@example.net")
	env.runAttempt(t)

	if _, err := env.spool.Retrieve(context.Background(), m.ID); !errors.Is(err, mail.ErrNotFound) {
		t.Errorf("mail is still spooled: %v", err)
	}
	if len(env.mctx.SentMail()) != 0 {
		t.Error("DSN generated for mail with the null sender")
	}
}

func TestLookupHosts(t *testing.T) {
	env := newTestEnv(t, &fakeRelay{}, nil)
	ctx := context.Background()

	hosts, err := env.rd.lookupHosts(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hosts, []string{"mx1.example.com", "mx2.example.com"}) {
		t.Errorf("wrong hosts: %v", hosts)
	}

	hosts, err = env.rd.lookupHosts(ctx, "implicit.example")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hosts, []string{"implicit.example"}) {
		t.Errorf("wrong implicit MX: %v", hosts)
	}

	checkErr := func(domain string, code int, enchCode exterrors.EnhancedCode) {
		t.Helper()
		_, err := env.rd.lookupHosts(ctx, domain)
		var smtpErr *exterrors.SMTPError
		if !errors.As(err, &smtpErr) {
			t.Fatalf("%s: expected SMTPError, got %v", domain, err)
		}
		if smtpErr.Code != code || smtpErr.EnhancedCode != enchCode {
			t.Errorf("%s: got %d %v, want %d %v", domain, smtpErr.Code, smtpErr.EnhancedCode, code, enchCode)
		}
	}
	checkErr("nomail.example", 556, exterrors.EnhancedCode{5, 1, 10})
	checkErr("nonexistent.example", 550, exterrors.EnhancedCode{5, 1, 2})
	checkErr("broken.example", 451, exterrors.EnhancedCode{4, 4, 3})
}

func extResolver(t *testing.T) dns.Resolver {
	t.Helper()

	srv, err := mockdns.NewServer(testZones, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })

	r, err := dns.New([]string{srv.LocalAddr().String()})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestLookupHosts_ExtResolver(t *testing.T) {
	env := newTestEnv(t, &fakeRelay{}, nil)
	env.rd.resolver = extResolver(t)
	ctx := context.Background()

	hosts, err := env.rd.lookupHosts(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hosts, []string{"mx1.example.com", "mx2.example.com"}) {
		t.Errorf("wrong hosts: %v", hosts)
	}

	_, err = env.rd.lookupHosts(ctx, "nonexistent.example")
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected SMTPError, got %v", err)
	}
	if smtpErr.Code != 550 || smtpErr.EnhancedCode != (exterrors.EnhancedCode{5, 1, 2}) {
		t.Errorf("NXDOMAIN: got %d %v", smtpErr.Code, smtpErr.EnhancedCode)
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		t.Error("NXDOMAIN is reported as temporary")
	}

	_, err = env.rd.lookupHosts(ctx, "broken.example")
	if !errors.As(err, &smtpErr) || smtpErr.Code != 451 {
		t.Errorf("SERVFAIL: expected 451, got %v", err)
	}
}

func TestDelivery_NXDOMAINBounce(t *testing.T) {
	env := newTestEnv(t, &fakeRelay{}, nil)
	env.rd.resolver = extResolver(t)

	m := env.queue(t, "sender@example.org", "a@nonexistent.example")
	env.runAttempt(t)

	if _, err := env.spool.Retrieve(context.Background(), m.ID); !errors.Is(err, mail.ErrNotFound) {
		t.Errorf("mail is kept for a retry: %v", err)
	}
	sent := env.mctx.SentMail()
	if len(sent) != 1 {
		t.Fatalf("expected 1 DSN, got %d", len(sent))
	}
	body := strings.ToLower(env.mctx.Body(t, sent[0]))
	if !strings.Contains(body, "status: 5.1.2") {
		t.Errorf("DSN does not contain the status:\n%s", body)
	}
}

func TestLookupHosts_Gateway(t *testing.T) {
	env := newTestEnv(t, &fakeRelay{}, config.Block{"gateway": {"relay.example.org"}})
	hosts, err := env.rd.lookupHosts(context.Background(), "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hosts, []string{"relay.example.org"}) {
		t.Errorf("gateway is not used: %v", hosts)
	}
}

func TestRemoteDelivery_SMTP(t *testing.T) {
	be, port := testutils.SMTPServer(t)

	env := newTestEnv(t, nil, config.Block{"port": {port}})
	var (
		dialMu sync.Mutex
		dialed []string
	)
	env.rd.relay.(*smtpRelay).dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		dialMu.Lock()
		dialed = append(dialed, host)
		dialMu.Unlock()
		return (&net.Dialer{}).DialContext(ctx, network, net.JoinHostPort("127.0.0.1", port))
	}

	m := env.queue(t, "sender@example.org", "a@example.com", "b@example.com")
	if err := env.rd.Start(); err != nil {
		t.Fatal(err)
	}
	defer env.rd.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := env.spool.Retrieve(context.Background(), m.ID)
		if errors.Is(err, mail.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("mail is not delivered in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := env.rd.Stop(); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "sender@example.org", []string{"a@example.com", "b@example.com"}, testBody)
	dialMu.Lock()
	defer dialMu.Unlock()
	if len(dialed) == 0 || dialed[0] != "mx1.example.com" {
		t.Errorf("wrong host dialed: %v", dialed)
	}
}

func TestRemoteDelivery_StartUnknownDSNProcessor(t *testing.T) {
	env := newTestEnv(t, &fakeRelay{}, config.Block{"dsn_processor": {"nonexistent"}})
	if err := env.rd.Start(); err == nil {
		env.rd.Stop()
		t.Fatal("expected error")
	}
}
