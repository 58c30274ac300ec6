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
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/imyousuf/james-sub036/framework/mail"
)

// Repository is an in-memory mail.Archive. Records are stored serialized so
// callers cannot mutate stored state through retained pointers.
type Repository struct {
	mu      sync.Mutex
	records map[string][]byte
	bodies  map[string][]byte

	// Set to make the next Store/Retrieve/Remove call fail.
	StoreErr    error
	RetrieveErr error
	RemoveErr   error
}

func NewRepository() *Repository {
	return &Repository{
		records: make(map[string][]byte),
		bodies:  make(map[string][]byte),
	}
}

func (r *Repository) Store(_ context.Context, m *mail.Mail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.StoreErr; err != nil {
		r.StoreErr = nil
		return err
	}
	data, err := mail.Marshal(m)
	if err != nil {
		return err
	}
	r.records[m.ID] = data
	return nil
}

func (r *Repository) Retrieve(_ context.Context, key string) (*mail.Mail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.RetrieveErr; err != nil {
		r.RetrieveErr = nil
		return nil, err
	}
	data, ok := r.records[key]
	if !ok {
		return nil, mail.ErrNotFound
	}
	return mail.Unmarshal(data)
}

func (r *Repository) Remove(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.RemoveErr; err != nil {
		r.RemoveErr = nil
		return err
	}
	delete(r.records, key)
	delete(r.bodies, key)
	return nil
}

func (r *Repository) List(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Repository) ContentRefs(_ context.Context, ref string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, data := range r.records {
		m, err := mail.Unmarshal(data)
		if err != nil {
			return 0, err
		}
		if m.ContentRef == ref {
			count++
		}
	}
	return count, nil
}

func (r *Repository) StoreMessage(ctx context.Context, m *mail.Mail, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if err := r.Store(ctx, m); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies[m.ID] = data
	return nil
}

func (r *Repository) OpenMessage(_ context.Context, key string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.bodies[key]
	if !ok {
		return nil, mail.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// All returns all stored mail sorted by key.
func (r *Repository) All() []*mail.Mail {
	keys, _ := r.List(context.Background())
	res := make([]*mail.Mail, 0, len(keys))
	for _, k := range keys {
		m, err := r.Retrieve(context.Background(), k)
		if err != nil {
			continue
		}
		res = append(res, m)
	}
	return res
}

func (r *Repository) Close() error {
	return nil
}

var ErrInjected = errors.New("testutils: injected failure")
