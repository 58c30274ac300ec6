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

package dns

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// ExtResolver is a convenience wrapper for miekg/dns library that queries
// a fixed list of servers instead of whatever /etc/resolv.conf says.
type ExtResolver struct {
	cl  *dns.Client
	Cfg *dns.ClientConfig
}

// RCodeError is returned by ExtResolver when the RCODE in response is not
// NOERROR.
type RCodeError struct {
	Name string
	Code int
}

func (err RCodeError) Temporary() bool {
	return err.Code == dns.RcodeServerFailure
}

func (err RCodeError) Error() string {
	switch err.Code {
	case dns.RcodeFormatError:
		return "dns: rcode FORMERR when looking up " + err.Name
	case dns.RcodeServerFailure:
		return "dns: rcode SERVFAIL when looking up " + err.Name
	case dns.RcodeNameError:
		return "dns: rcode NXDOMAIN when looking up " + err.Name
	case dns.RcodeNotImplemented:
		return "dns: rcode NOTIMP when looking up " + err.Name
	case dns.RcodeRefused:
		return "dns: rcode REFUSED when looking up " + err.Name
	}
	return "dns: non-success rcode: " + strconv.Itoa(err.Code) + " when looking up " + err.Name
}

// IsNotFound reports whether err is a definitive "no such domain" answer from
// either net.Resolver or ExtResolver.
func IsNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	var rcodeErr RCodeError
	if errors.As(err, &rcodeErr) {
		return rcodeErr.Code == dns.RcodeNameError
	}
	return false
}

func (e ExtResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var resp *dns.Msg
	var lastErr error
	for _, srv := range e.Cfg.Servers {
		resp, _, lastErr = e.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, e.Cfg.Port))
		if lastErr != nil {
			continue
		}

		if resp.Rcode != dns.RcodeSuccess {
			lastErr = RCodeError{msg.Question[0].Name, resp.Rcode}
			// NXDOMAIN is authoritative, asking other servers is pointless.
			if resp.Rcode == dns.RcodeNameError {
				break
			}
			continue
		}

		break
	}
	return resp, lastErr
}

func (e ExtResolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.SetEdns0(4096, false)
	return e.exchange(ctx, msg)
}

func (e ExtResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	resp, err := e.query(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	mxs := make([]*net.MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		mxRR, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		mxs = append(mxs, &net.MX{
			Host: mxRR.Mx,
			Pref: mxRR.Preference,
		})
	}
	return mxs, nil
}

func (e ExtResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	var (
		addrs   []net.IPAddr
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeAAAA, dns.TypeA} {
		resp, err := e.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			if IsNotFound(err) {
				return nil, err
			}
			continue
		}
		for _, rr := range resp.Answer {
			switch rr := rr.(type) {
			case *dns.AAAA:
				addrs = append(addrs, net.IPAddr{IP: rr.AAAA})
			case *dns.A:
				addrs = append(addrs, net.IPAddr{IP: rr.A})
			}
		}
	}
	if len(addrs) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return addrs, nil
}

func (e ExtResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	ips, err := e.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	return addrs, nil
}

// NewExtResolver creates the resolver using servers ("host" or
// "host:port"). If servers is empty, the ones from /etc/resolv.conf are
// used.
func NewExtResolver(servers ...string) (*ExtResolver, error) {
	cfg := &dns.ClientConfig{Port: "53", Timeout: 5, Attempts: 2}
	if len(servers) == 0 {
		sysCfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, err
		}
		cfg = sysCfg
	}

	for _, srv := range servers {
		host, port, err := net.SplitHostPort(srv)
		if err != nil {
			host = srv
		} else {
			cfg.Port = port
		}
		cfg.Servers = append(cfg.Servers, host)
	}

	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1"}
	}

	cl := new(dns.Client)
	cl.Dialer = &net.Dialer{
		Timeout: time.Duration(cfg.Timeout) * time.Second,
	}
	return &ExtResolver{
		cl:  cl,
		Cfg: cfg,
	}, nil
}
