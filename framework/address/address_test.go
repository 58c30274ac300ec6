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

import "testing"

func TestSplit(t *testing.T) {
	for _, c := range []struct {
		addr, mbox, domain string
		fail               bool
	}{
		{addr: "user@example.org", mbox: "user", domain: "example.org"},
		{addr: `"a@b"@example.org`, mbox: `"a@b"`, domain: "example.org"},
		{addr: "postmaster", mbox: "postmaster"},
		{addr: "user", fail: true},
		{addr: "@example.org", fail: true},
		{addr: "user@", fail: true},
	} {
		mbox, domain, err := Split(c.addr)
		if c.fail {
			if err == nil {
				t.Errorf("%s: expected error", c.addr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", c.addr, err)
			continue
		}
		if mbox != c.mbox || domain != c.domain {
			t.Errorf("%s: got %q %q", c.addr, mbox, domain)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("User@EXAMPLE.org", "user@example.org.") {
		t.Error("case-folded addresses are not equal")
	}
	if Equal("a@example.org", "b@example.org") {
		t.Error("different addresses are equal")
	}
}

func TestPRECISFold(t *testing.T) {
	got, err := PRECISFold("User@Example.ORG")
	if err != nil {
		t.Fatal(err)
	}
	if got != "user@example.org" {
		t.Errorf("got %s", got)
	}
}

func TestValid(t *testing.T) {
	if !Valid("a@example.org") || !Valid("postmaster") {
		t.Error("valid address rejected")
	}
	if Valid("a b@example.org") || Valid("nope") {
		t.Error("invalid address accepted")
	}
}

func TestToASCII(t *testing.T) {
	got, err := ToASCII("user@тест.example")
	if err != nil {
		t.Fatal(err)
	}
	if got != "user@xn--e1aybc.example" {
		t.Errorf("wrong conversion: %s", got)
	}
	if _, err := ToASCII("юзер@example.org"); err != ErrUnicodeMailbox {
		t.Errorf("expected ErrUnicodeMailbox, got %v", err)
	}
	if !IsASCII("user@example.org") || IsASCII("user@тест.example") {
		t.Error("IsASCII is wrong")
	}
}
