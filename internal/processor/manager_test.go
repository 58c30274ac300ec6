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

package processor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/internal/spool"
	"github.com/imyousuf/james-sub036/internal/testutils"
)

const managerMsg = "From: s@example.com\r\nSubject: test\r\n\r\nHello\r\n"

func newTestSpool(t *testing.T, mctx *testutils.Context) (*spool.Spool, *testutils.Repository) {
	t.Helper()
	repo := testutils.NewRepository()
	sp := spool.New(repo, spool.NewContent(mctx.Store, mctx.Log), spool.Options{
		Name:         "main",
		Log:          mctx.Log,
		PollInterval: time.Second,
	})
	t.Cleanup(func() { sp.Close() })
	return sp, repo
}

func waitEmpty(t *testing.T, sp *spool.Spool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		keys, err := sp.List(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("spool is not drained")
}

func TestManager(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx,
		config.Processor{Name: "root", Steps: []config.Step{
			mkStep("host_is_local", "to_processor", toProc("local")),
			mkStep("all", "to_processor", toProc("transport")),
		}},
		config.Processor{Name: "local", Steps: []config.Step{
			mkStep("all", "to_repository", map[string]interface{}{"url": "memory://local"}),
		}},
		config.Processor{Name: "transport", Steps: []config.Step{
			mkStep("all", "to_repository", map[string]interface{}{"url": "memory://outgoing"}),
		}},
	)
	sp, _ := newTestSpool(t, mctx)

	mgr := &Manager{Spool: sp, Processors: set, Workers: 3, Log: mctx.Log}
	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	const count = 5
	for i := 0; i < count; i++ {
		m := mail.New("s@example.com", []string{"a@example.org", "b@example.net"}, "", mail.Processor("root"))
		if err := sp.StoreNew(context.Background(), m, strings.NewReader(managerMsg)); err != nil {
			t.Fatal(err)
		}
	}

	waitEmpty(t, sp)
	if err := mgr.Stop(); err != nil {
		t.Fatal(err)
	}

	local := mctx.Archives["memory://local"].All()
	outgoing := mctx.Archives["memory://outgoing"].All()
	if len(local) != count || len(outgoing) != count {
		t.Fatalf("expected %d mails in each repository, got local=%d outgoing=%d", count, len(local), len(outgoing))
	}
	for _, m := range local {
		if strings.Join(m.Recipients, ",") != "a@example.org" {
			t.Errorf("wrong local recipients: %v", m.Recipients)
		}
	}
	for _, m := range outgoing {
		if strings.Join(m.Recipients, ",") != "b@example.net" {
			t.Errorf("wrong outgoing recipients: %v", m.Recipients)
		}
	}

	// Every spool entry is gone, so is the content.
	if mctx.Store.Len() != 0 {
		t.Errorf("content is not released, %d blobs left", mctx.Store.Len())
	}
}

func TestManager_Process_StoreFault(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx,
		config.Processor{Name: "root", Steps: []config.Step{
			mkStep("all", "to_processor", toProc("transport")),
		}},
		config.Processor{Name: "transport", Steps: []config.Step{mkStep("all", "null", nil)}},
	)
	sp, repo := newTestSpool(t, mctx)
	mgr := &Manager{Spool: sp, Processors: set, Log: mctx.Log}

	m := mail.New("s@example.com", []string{"a@example.org"}, "", mail.Processor("root"))
	if err := sp.StoreNew(context.Background(), m, strings.NewReader(managerMsg)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	key, err := sp.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}

	repo.StoreErr = testutils.ErrInjected
	if err := mgr.Process(context.Background(), key); !errors.Is(err, testutils.ErrInjected) {
		t.Fatalf("expected the injected error, got %v", err)
	}

	// The previous durable state is intact.
	stored, err := sp.Retrieve(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State.String() != "root" {
		t.Fatalf("stored state changed: %v", stored.State)
	}

	// Retry succeeds and moves the mail on.
	if err := mgr.Process(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	stored, err = sp.Retrieve(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State.String() != "transport" {
		t.Fatalf("wrong state after retry: %v", stored.State)
	}
	if sp.Leased(key) {
		t.Fatal("lease is kept after a successful store")
	}
}

func TestManager_Process_ErrorProcessorFault(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx,
		config.Processor{Name: "root", Steps: []config.Step{mkStep("all", "test_fail", nil)}},
		config.Processor{Name: "error", Steps: []config.Step{mkStep("all", "test_fail", nil)}},
	)
	sp, _ := newTestSpool(t, mctx)
	mgr := &Manager{Spool: sp, Processors: set, Log: mctx.Log}

	m := mail.New("s@example.com", []string{"a@example.org"}, "", mail.Processor("root"))
	if err := sp.StoreNew(context.Background(), m, strings.NewReader(managerMsg)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	key, err := sp.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Process(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	key, err = sp.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Process(context.Background(), key); err == nil {
		t.Fatal("fault in the error processor is not reported")
	}
	sp.Release(key)

	stored, err := sp.Retrieve(context.Background(), key)
	if err != nil {
		t.Fatalf("mail is lost after a fault in the error processor: %v", err)
	}
	if !stored.State.IsError() {
		t.Errorf("stored state changed: %v", stored.State)
	}
	if mctx.Store.Len() != 1 {
		t.Errorf("content is released, %d blobs left", mctx.Store.Len())
	}
}

func TestManager_Process_Missing(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx)
	sp, _ := newTestSpool(t, mctx)
	mgr := &Manager{Spool: sp, Processors: set, Log: mctx.Log}

	if err := mgr.Process(context.Background(), "gone"); err != nil {
		t.Fatalf("missing entry must not be an error: %v", err)
	}
}

func TestManager_StopIdle(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx)
	sp, _ := newTestSpool(t, mctx)
	mgr := &Manager{Spool: sp, Processors: set, Workers: 2, Log: mctx.Log}
	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- mgr.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocks on idle workers")
	}
}
