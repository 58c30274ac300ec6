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

// Package dns defines the resolver interface used by delivery code and
// provides two implementations: the system resolver and ExtResolver, a stub
// resolver talking to explicitly configured servers.
package dns

import (
	"context"
	"net"
)

// Resolver is an interface that describes DNS-related methods used by
// mailetd.
//
// It is implemented by *net.Resolver. Methods behave the same way.
type Resolver interface {
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DefaultResolver returns the system resolver.
func DefaultResolver() Resolver {
	return net.DefaultResolver
}

// New returns the system resolver if servers is empty and ExtResolver
// using servers otherwise.
func New(servers []string) (Resolver, error) {
	if len(servers) == 0 {
		return DefaultResolver(), nil
	}
	return NewExtResolver(servers...)
}
