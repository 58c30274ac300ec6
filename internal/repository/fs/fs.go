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

// Package fs implements a mail repository keeping each record in a separate
// JSON file. Updates are atomic: the new version is written to a temporary
// file, synced and renamed over the old one.
package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
)

const (
	metaExt   = ".meta"
	bodyExt   = ".eml"
	brokenExt = ".broken"
	newExt    = ".new"
)

var keyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@+=~-]*$`)

// ValidKey reports whether key can be used as a file name component.
func ValidKey(key string) bool {
	return keyRe.MatchString(key) && !strings.Contains(key, "..") && len(key) <= 200
}

type indexEntry struct {
	modTime time.Time
	ref     string
}

type Repository struct {
	location string
	log      log.Logger

	// Cache of content refs used by ContentRefs, keyed by record key.
	indexLck sync.Mutex
	index    map[string]indexEntry
}

// New opens the repository in the directory, creating it if needed.
func New(location string, logger log.Logger) (*Repository, error) {
	if location == "" {
		return nil, errors.New("repository/fs: directory not set")
	}
	if err := os.MkdirAll(location, 0o700); err != nil {
		return nil, fmt.Errorf("repository/fs: %w", err)
	}
	return &Repository{
		location: location,
		log:      logger,
		index:    make(map[string]indexEntry),
	}, nil
}

func (r *Repository) Location() string {
	return r.location
}

func (r *Repository) checkKey(key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("repository/fs: invalid key: %q", key)
	}
	return nil
}

// writeAtomic writes data to path via a temporary file so a crash leaves
// either the old or the new version.
func writeAtomic(path string, src io.Reader) error {
	tmp := path + newExt
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (r *Repository) Store(_ context.Context, m *mail.Mail) error {
	if err := r.checkKey(m.ID); err != nil {
		return err
	}
	data, err := mail.Marshal(m)
	if err != nil {
		return fmt.Errorf("repository/fs: %w", err)
	}
	if err := writeAtomic(filepath.Join(r.location, m.ID+metaExt), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("repository/fs: store %s: %w", m.ID, err)
	}
	r.indexLck.Lock()
	delete(r.index, m.ID)
	r.indexLck.Unlock()
	return nil
}

func (r *Repository) Retrieve(_ context.Context, key string) (*mail.Mail, error) {
	if err := r.checkKey(key); err != nil {
		return nil, err
	}
	path := filepath.Join(r.location, key+metaExt)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mail.ErrNotFound
		}
		return nil, fmt.Errorf("repository/fs: retrieve %s: %w", key, err)
	}

	m, err := mail.Unmarshal(data)
	if err != nil {
		// A record that cannot be parsed would be picked up forever. Move
		// it aside so it can be inspected manually.
		r.log.Error("malformed record, moving aside", err, "key", key)
		if renameErr := os.Rename(path, path+brokenExt); renameErr != nil {
			return nil, fmt.Errorf("repository/fs: retrieve %s: %w", key, renameErr)
		}
		return nil, fmt.Errorf("repository/fs: retrieve %s: %w", key, mail.ErrNotFound)
	}
	if m.ID != key {
		return nil, fmt.Errorf("repository/fs: retrieve %s: record has mismatched id %s", key, m.ID)
	}
	return m, nil
}

func (r *Repository) Remove(_ context.Context, key string) error {
	if err := r.checkKey(key); err != nil {
		return err
	}
	for _, ext := range []string{metaExt, bodyExt} {
		if err := os.Remove(filepath.Join(r.location, key+ext)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("repository/fs: remove %s: %w", key, err)
		}
	}
	r.indexLck.Lock()
	delete(r.index, key)
	r.indexLck.Unlock()
	return nil
}

func (r *Repository) List(context.Context) ([]string, error) {
	dirInfo, err := os.ReadDir(r.location)
	if err != nil {
		return nil, fmt.Errorf("repository/fs: list: %w", err)
	}
	keys := make([]string, 0, len(dirInfo))
	for _, entry := range dirInfo {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, metaExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, metaExt))
	}
	return keys, nil
}

// ContentRefs counts records referencing ref. Records are re-read only if
// their file changed since the last call.
func (r *Repository) ContentRefs(ctx context.Context, ref string) (int, error) {
	dirInfo, err := os.ReadDir(r.location)
	if err != nil {
		return 0, fmt.Errorf("repository/fs: %w", err)
	}

	r.indexLck.Lock()
	defer r.indexLck.Unlock()

	seen := make(map[string]struct{}, len(dirInfo))
	count := 0
	for _, entry := range dirInfo {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metaExt) {
			continue
		}
		key := strings.TrimSuffix(name, metaExt)
		seen[key] = struct{}{}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("repository/fs: %w", err)
		}

		idx, ok := r.index[key]
		if !ok || !idx.modTime.Equal(info.ModTime()) {
			data, err := os.ReadFile(filepath.Join(r.location, name))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return 0, fmt.Errorf("repository/fs: %w", err)
			}
			m, err := mail.Unmarshal(data)
			if err != nil {
				// Unparseable records still pin their content until they
				// are moved aside.
				return 0, fmt.Errorf("repository/fs: %s: %w", key, err)
			}
			idx = indexEntry{modTime: info.ModTime(), ref: m.ContentRef}
			r.index[key] = idx
		}
		if idx.ref == ref {
			count++
		}
	}

	for key := range r.index {
		if _, ok := seen[key]; !ok {
			delete(r.index, key)
		}
	}
	return count, nil
}

func (r *Repository) StoreMessage(ctx context.Context, m *mail.Mail, body io.Reader) error {
	if err := r.checkKey(m.ID); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(r.location, m.ID+bodyExt), body); err != nil {
		return fmt.Errorf("repository/fs: store %s: %w", m.ID, err)
	}
	return r.Store(ctx, m)
}

func (r *Repository) OpenMessage(_ context.Context, key string) (io.ReadCloser, error) {
	if err := r.checkKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(r.location, key+bodyExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mail.ErrNotFound
		}
		return nil, fmt.Errorf("repository/fs: %w", err)
	}
	return f, nil
}

func (r *Repository) Close() error {
	return nil
}

var (
	_ mail.Archive        = (*Repository)(nil)
	_ mail.ContentCounter = (*Repository)(nil)
)
