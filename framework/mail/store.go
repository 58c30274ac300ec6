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

package mail

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Repository.Retrieve and MessageStore.Get when
// the key is absent.
var ErrNotFound = errors.New("mail: not found")

// Repository is a durable keyed set of Mail records.
//
// Store is an atomic upsert: after a failed Store the previously stored
// version (if any) is still retrievable. Remove of a missing key is not an
// error.
type Repository interface {
	Store(ctx context.Context, m *Mail) error
	Retrieve(ctx context.Context, key string) (*Mail, error)
	Remove(ctx context.Context, key string) error
	// List returns the keys currently stored. Keys stored or removed
	// concurrently may or may not be included.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// ContentCounter is implemented by repositories that can count how many
// of their records reference a content ref.
type ContentCounter interface {
	ContentRefs(ctx context.Context, ref string) (int, error)
}

// Archive is a Repository that keeps a self-contained copy of the message
// content next to the metadata. It backs store-and-maybe-stop endpoints
// and mailboxes.
type Archive interface {
	Repository
	// StoreMessage stores the metadata and the content read from body.
	// Storing the same key again replaces both.
	StoreMessage(ctx context.Context, m *Mail, body io.Reader) error
	OpenMessage(ctx context.Context, key string) (io.ReadCloser, error)
}

// MessageStore keeps message content outside of Mail records.
type MessageStore interface {
	// Put stores the content and returns the reference to it along with the
	// number of bytes stored.
	Put(ctx context.Context, body io.Reader) (ref string, size int64, err error)
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete removes the content. Deleting a missing ref is not an error.
	Delete(ctx context.Context, ref string) error
}
