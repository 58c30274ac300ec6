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

package address

import (
	"errors"
	"unicode/utf8"

	"github.com/imyousuf/james-sub036/framework/dns"
)

var ErrUnicodeMailbox = errors.New("address: cannot convert the Unicode local-part to the ACE form")

// IsASCII reports whether the address contains only 7-bit characters.
func IsASCII(addr string) bool {
	for i := 0; i < len(addr); i++ {
		if addr[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// ToASCII converts the domain part of the address to the A-label form. It
// fails with ErrUnicodeMailbox if the local-part is not ASCII, there is no
// way to represent it without SMTPUTF8.
func ToASCII(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}
	if !IsASCII(mbox) {
		return addr, ErrUnicodeMailbox
	}
	if domain == "" {
		return mbox, nil
	}

	aDomain, err := dns.ToASCII(domain)
	if err != nil {
		return addr, err
	}
	return mbox + "@" + aDomain, nil
}
