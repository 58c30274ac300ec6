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

// Package fs implements a MessageStore keeping each message in a separate
// file under a directory tree.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/internal/msgstore"
)

type Store struct {
	root string
}

// New creates the store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("msgstore/fs: directory not set")
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o700); err != nil {
		return nil, fmt.Errorf("msgstore/fs: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(ref string) string {
	return filepath.Join(s.root, ref[:2], ref)
}

func (s *Store) Put(_ context.Context, body io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-")
	if err != nil {
		return "", 0, fmt.Errorf("msgstore/fs: %w", err)
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	h := msgstore.NewHasher()
	if _, err := io.Copy(io.MultiWriter(f, h), body); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("msgstore/fs: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("msgstore/fs: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("msgstore/fs: %w", err)
	}

	ref := h.Ref()
	dst := s.path(ref)
	if _, err := os.Stat(dst); err == nil {
		return ref, h.Size(), nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return "", 0, fmt.Errorf("msgstore/fs: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", 0, fmt.Errorf("msgstore/fs: %w", err)
	}
	return ref, h.Size(), nil
}

func (s *Store) Get(_ context.Context, ref string) (io.ReadCloser, error) {
	if err := msgstore.CheckRef(ref); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mail.ErrNotFound
		}
		return nil, fmt.Errorf("msgstore/fs: %w", err)
	}
	return f, nil
}

func (s *Store) Delete(_ context.Context, ref string) error {
	if err := msgstore.CheckRef(ref); err != nil {
		return err
	}
	if err := os.Remove(s.path(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("msgstore/fs: %w", err)
	}
	return nil
}
