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

package repository

import (
	"path/filepath"
	"testing"

	"github.com/imyousuf/james-sub036/internal/repository/fs"
	"github.com/imyousuf/james-sub036/internal/repository/sql"
	"github.com/imyousuf/james-sub036/internal/testutils"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	r, err := Open("file://"+filepath.Join(dir, "spool"), testutils.Logger(t, "repository"))
	if err != nil {
		t.Fatal(err)
	}
	if fsRepo, ok := r.(*fs.Repository); !ok || fsRepo.Location() != filepath.Join(dir, "spool") {
		t.Errorf("wrong repository: %#v", r)
	}

	r, err = Open("sqlite3://"+filepath.Join(dir, "db.sqlite")+"?name=archive", testutils.Logger(t, "repository"))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, ok := r.(*sql.Repository); !ok {
		t.Errorf("wrong repository: %#v", r)
	}

	for _, bad := range []string{"nope", "ftp://x/y", "file://remote/x"} {
		if _, err := Open(bad, testutils.Logger(t, "repository")); err == nil {
			t.Errorf("%s: expected error", bad)
		}
	}
}
