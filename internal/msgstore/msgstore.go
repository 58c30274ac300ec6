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

// Package msgstore contains helpers shared by MessageStore implementations.
//
// Message content is addressed by the hex-encoded BLAKE3-256 digest of its
// bytes, so storing the same content twice yields the same reference.
package msgstore

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"lukechampine.com/blake3"
)

// RefLen is the length of content references produced by Hasher.
const RefLen = 64

// Hasher computes the content reference of the data written to it.
type Hasher struct {
	h hash.Hash
	n int64
}

func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(32, nil)}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.n += int64(n)
	return n, err
}

// Ref returns the reference of the data written so far.
func (h *Hasher) Ref() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Size returns the number of bytes written so far.
func (h *Hasher) Size() int64 {
	return h.n
}

// Ref computes the content reference of the data read from r.
func Ref(r io.Reader) (string, int64, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return "", 0, err
	}
	return h.Ref(), h.Size(), nil
}

// ValidRef reports whether ref looks like a reference produced by Hasher.
// Stores use it to reject path traversal and garbage keys.
func ValidRef(ref string) bool {
	if len(ref) != RefLen {
		return false
	}
	_, err := hex.DecodeString(ref)
	return err == nil
}

func CheckRef(ref string) error {
	if !ValidRef(ref) {
		return fmt.Errorf("msgstore: malformed content reference: %q", ref)
	}
	return nil
}
