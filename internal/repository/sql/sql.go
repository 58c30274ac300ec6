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

// Package sql implements mail repositories and a message store on top of
// database/sql. SQLite, PostgreSQL and MySQL are supported.
//
// Several repositories can live in one database, each record row is tagged
// with the repository name.
package sql

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/internal/msgstore"
)

// DB is an open database with the schema initialized.
type DB struct {
	db      *sql.DB
	dialect dialect

	upsert        *sql.Stmt
	retrieve      *sql.Stmt
	remove        *sql.Stmt
	list          *sql.Stmt
	countRefs     *sql.Stmt
	openBody      *sql.Stmt
	insertContent *sql.Stmt
	getContent    *sql.Stmt
	deleteContent *sql.Stmt
}

// OpenDB connects to the database described by src and creates the tables
// if they do not exist.
func OpenDB(src Source) (*DB, error) {
	db, err := sql.Open(src.Driver, src.DSN)
	if err != nil {
		return nil, fmt.Errorf("repository/sql: failed to open db: %w", err)
	}
	if src.dialect == dialectSQLite {
		// SQLite does not handle concurrent writers, serialize on the
		// connection pool instead of retrying SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	d := &DB{db: db, dialect: src.dialect}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init() error {
	if d.dialect == dialectSQLite {
		if _, err := d.db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
			return fmt.Errorf("repository/sql: %w", err)
		}
	}
	for _, q := range d.dialect.schema() {
		if _, err := d.db.Exec(q); err != nil {
			return fmt.Errorf("repository/sql: schema init failed: %w", err)
		}
	}

	var err error
	prepare := func(query string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sql.Stmt
		stmt, err = d.db.Prepare(query)
		if err != nil {
			err = fmt.Errorf("repository/sql: failed to prepare %q: %w", query, err)
		}
		return stmt
	}
	r := d.dialect.rebind

	d.upsert = prepare(d.dialect.upsertRecord())
	d.retrieve = prepare(r(`SELECT meta FROM mail_records WHERE repo = ? AND mail_key = ?`))
	d.remove = prepare(r(`DELETE FROM mail_records WHERE repo = ? AND mail_key = ?`))
	d.list = prepare(r(`SELECT mail_key FROM mail_records WHERE repo = ?`))
	d.countRefs = prepare(r(`SELECT COUNT(*) FROM mail_records WHERE repo = ? AND content_ref = ?`))
	d.openBody = prepare(r(`SELECT body FROM mail_records WHERE repo = ? AND mail_key = ? AND body IS NOT NULL`))
	d.insertContent = prepare(d.dialect.insertContent())
	d.getContent = prepare(r(`SELECT body FROM mail_content WHERE ref = ?`))
	d.deleteContent = prepare(r(`DELETE FROM mail_content WHERE ref = ?`))
	return err
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Repository returns the repository with the given name stored in d.
func (d *DB) Repository(name string) *Repository {
	return &Repository{db: d, name: name}
}

// MessageStore returns the message store kept in the mail_content table.
func (d *DB) MessageStore() *MessageStore {
	return &MessageStore{db: d}
}

type Repository struct {
	db   *DB
	name string

	// Set if the Repository owns db and closes it on Close.
	ownsDB bool
}

// New opens the repository described by the URL. The returned repository
// closes the database connection on Close.
func New(rawURL string) (*Repository, error) {
	src, err := ParseSource(rawURL)
	if err != nil {
		return nil, err
	}
	db, err := OpenDB(src)
	if err != nil {
		return nil, err
	}
	r := db.Repository(src.Name)
	r.ownsDB = true
	return r, nil
}

func (r *Repository) DB() *DB {
	return r.db
}

func (r *Repository) store(ctx context.Context, m *mail.Mail, body []byte) error {
	meta, err := mail.Marshal(m)
	if err != nil {
		return fmt.Errorf("repository/sql: %w", err)
	}
	var bodyArg interface{}
	if body != nil {
		bodyArg = body
	}
	if _, err := r.db.upsert.ExecContext(ctx, r.name, m.ID, m.ContentRef, string(meta), bodyArg, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("repository/sql: store %s: %w", m.ID, err)
	}
	return nil
}

func (r *Repository) Store(ctx context.Context, m *mail.Mail) error {
	return r.store(ctx, m, nil)
}

func (r *Repository) Retrieve(ctx context.Context, key string) (*mail.Mail, error) {
	var meta string
	if err := r.db.retrieve.QueryRowContext(ctx, r.name, key).Scan(&meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mail.ErrNotFound
		}
		return nil, fmt.Errorf("repository/sql: retrieve %s: %w", key, err)
	}
	m, err := mail.Unmarshal([]byte(meta))
	if err != nil {
		return nil, fmt.Errorf("repository/sql: retrieve %s: %w", key, err)
	}
	return m, nil
}

func (r *Repository) Remove(ctx context.Context, key string) error {
	if _, err := r.db.remove.ExecContext(ctx, r.name, key); err != nil {
		return fmt.Errorf("repository/sql: remove %s: %w", key, err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.list.QueryContext(ctx, r.name)
	if err != nil {
		return nil, fmt.Errorf("repository/sql: list: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("repository/sql: list: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository/sql: list: %w", err)
	}
	return keys, nil
}

func (r *Repository) ContentRefs(ctx context.Context, ref string) (int, error) {
	var count int
	if err := r.db.countRefs.QueryRowContext(ctx, r.name, ref).Scan(&count); err != nil {
		return 0, fmt.Errorf("repository/sql: %w", err)
	}
	return count, nil
}

func (r *Repository) StoreMessage(ctx context.Context, m *mail.Mail, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("repository/sql: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return r.store(ctx, m, data)
}

func (r *Repository) OpenMessage(ctx context.Context, key string) (io.ReadCloser, error) {
	var body []byte
	if err := r.db.openBody.QueryRowContext(ctx, r.name, key).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mail.ErrNotFound
		}
		return nil, fmt.Errorf("repository/sql: %w", err)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (r *Repository) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}

// MessageStore keeps message content in the database. Content is read into
// memory entirely, it is meant for small deployments.
type MessageStore struct {
	db *DB
}

func (s *MessageStore) Put(ctx context.Context, body io.Reader) (string, int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", 0, fmt.Errorf("repository/sql: %w", err)
	}
	ref, size, err := msgstore.Ref(bytes.NewReader(data))
	if err != nil {
		return "", 0, err
	}
	if _, err := s.db.insertContent.ExecContext(ctx, ref, data); err != nil {
		return "", 0, fmt.Errorf("repository/sql: put content: %w", err)
	}
	return ref, size, nil
}

func (s *MessageStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := msgstore.CheckRef(ref); err != nil {
		return nil, err
	}
	var body []byte
	if err := s.db.getContent.QueryRowContext(ctx, ref).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mail.ErrNotFound
		}
		return nil, fmt.Errorf("repository/sql: get content: %w", err)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (s *MessageStore) Delete(ctx context.Context, ref string) error {
	if err := msgstore.CheckRef(ref); err != nil {
		return err
	}
	if _, err := s.db.deleteContent.ExecContext(ctx, ref); err != nil {
		return fmt.Errorf("repository/sql: delete content: %w", err)
	}
	return nil
}

var (
	_ mail.Archive        = (*Repository)(nil)
	_ mail.ContentCounter = (*Repository)(nil)
	_ mail.MessageStore   = (*MessageStore)(nil)
)
