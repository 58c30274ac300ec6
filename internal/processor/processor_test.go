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

	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
	_ "github.com/imyousuf/james-sub036/internal/mailet"
	_ "github.com/imyousuf/james-sub036/internal/matcher"
	"github.com/imyousuf/james-sub036/internal/testutils"
)

type failMailet struct{}

func (failMailet) Init(_ module.Context, cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

func (failMailet) Service(context.Context, *mail.Mail) error {
	return errors.New("mailbox exploded")
}

type panicMailet struct{ failMailet }

func (panicMailet) Service(context.Context, *mail.Mail) error {
	panic("oh no")
}

type dropMailet struct{ failMailet }

func (dropMailet) Service(_ context.Context, m *mail.Mail) error {
	m.SetRecipients(nil)
	return nil
}

func init() {
	module.RegisterMailet("test_fail", func() module.Mailet { return failMailet{} })
	module.RegisterMailet("test_panic", func() module.Mailet { return panicMailet{} })
	module.RegisterMailet("test_drop", func() module.Mailet { return dropMailet{} })
}

func mkStep(match, mailet string, cfg map[string]interface{}) config.Step {
	return config.Step{Match: match, Mailet: mailet, Config: cfg}
}

func toProc(name string) map[string]interface{} {
	return map[string]interface{}{"processor": name}
}

func load(t *testing.T, mctx *testutils.Context, procs ...config.Processor) *Set {
	t.Helper()
	set, err := Load(mctx, procs, nil)
	if err != nil {
		t.Fatal(err)
	}
	mctx.Processors = set.Names()
	if err := mctx.Lifetime().StartAll(); err != nil {
		t.Fatal(err)
	}
	return set
}

func dispatch(t *testing.T, set *Set, m *mail.Mail) []*mail.Mail {
	t.Helper()
	res, err := set.Dispatch(context.Background(), m)
	if err != nil {
		t.Fatalf("dispatch %s: %v", m.ID, err)
	}
	return res
}

func TestDispatch_Routing(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx,
		config.Processor{Name: "root", Steps: []config.Step{
			mkStep("all", "set_attribute", map[string]interface{}{"name": "seen", "value": "root"}),
			mkStep("all", "to_processor", toProc("transport")),
		}},
		config.Processor{Name: "transport", Steps: []config.Step{
			mkStep("", "null", nil),
		}},
	)

	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("root"), "")
	res := dispatch(t, set, m)
	if len(res) != 1 || res[0] != m {
		t.Fatalf("unexpected results: %v", res)
	}
	if m.State.String() != "transport" {
		t.Fatalf("wrong state after root: %v", m.State)
	}
	if v, _ := m.Attributes.String("seen"); v != "root" {
		t.Fatalf("attribute is not set")
	}

	dispatch(t, set, m)
	if !m.State.IsGhost() {
		t.Fatalf("wrong state after transport: %v", m.State)
	}

	// Ghost mail is left alone.
	res = dispatch(t, set, m)
	if len(res) != 1 || !res[0].State.IsGhost() {
		t.Fatalf("ghost mail was processed")
	}
}

func TestDispatch_Split(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx,
		config.Processor{Name: "root", Steps: []config.Step{
			mkStep("recipient_is=a@example.org", "to_processor", toProc("local")),
			mkStep("all", "to_processor", toProc("transport")),
		}},
		config.Processor{Name: "local", Steps: []config.Step{mkStep("all", "null", nil)}},
		config.Processor{Name: "transport", Steps: []config.Step{mkStep("all", "null", nil)}},
	)

	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org", "b@example.net"}, mail.Processor("root"), "")
	res := dispatch(t, set, m)
	if len(res) != 2 {
		t.Fatalf("expected 2 mails, got %d", len(res))
	}

	split := res[0]
	if split == m {
		t.Fatal("split mail is not first")
	}
	if !strings.HasPrefix(split.ID, m.ID+"-") {
		t.Errorf("unexpected split ID: %s", split.ID)
	}
	if strings.Join(split.Recipients, ",") != "a@example.org" || split.State.String() != "local" {
		t.Errorf("wrong split mail: %v %v", split.Recipients, split.State)
	}
	if split.ContentRef != m.ContentRef {
		t.Errorf("split mail does not share content")
	}

	if res[1] != m {
		t.Fatal("original mail is not last")
	}
	if strings.Join(m.Recipients, ",") != "b@example.net" || m.State.String() != "transport" {
		t.Errorf("wrong original mail: %v %v", m.Recipients, m.State)
	}
}

func TestDispatch_SplitContinues(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx,
		config.Processor{Name: "root", Steps: []config.Step{
			mkStep("recipient_is=a@example.org", "set_attribute", map[string]interface{}{"name": "vip"}),
			mkStep("all", "to_processor", toProc("transport")),
		}},
		config.Processor{Name: "transport", Steps: []config.Step{mkStep("all", "null", nil)}},
	)

	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org", "b@example.net"}, mail.Processor("root"), "")
	res := dispatch(t, set, m)
	if len(res) != 2 {
		t.Fatalf("expected 2 mails, got %d", len(res))
	}
	for _, r := range res {
		if r.State.String() != "transport" {
			t.Errorf("%s: wrong state %v", r.ID, r.State)
		}
	}
	if !res[0].Attributes.Has("vip") || res[1].Attributes.Has("vip") {
		t.Error("attribute must be set only on the split part")
	}
}

func TestDispatch_Faults(t *testing.T) {
	for _, mailet := range []string{"test_fail", "test_panic"} {
		mctx := testutils.NewContext(t)
		set := load(t, mctx,
			config.Processor{Name: "root", Steps: []config.Step{
				mkStep("all", mailet, nil),
				mkStep("all", "to_processor", toProc("transport")),
			}},
			config.Processor{Name: "transport", Steps: []config.Step{mkStep("all", "null", nil)}},
		)

		m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("root"), "")
		dispatch(t, set, m)
		if !m.State.IsError() {
			t.Fatalf("%s: expected error state, got %v", mailet, m.State)
		}
		if !strings.Contains(m.ErrorMessage, mailet) {
			t.Errorf("%s: error message does not name the mailet: %q", mailet, m.ErrorMessage)
		}
	}
}

func TestDispatch_EmptyRecipients(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx,
		config.Processor{Name: "root", Steps: []config.Step{
			mkStep("all", "test_drop", nil),
			mkStep("all", "test_fail", nil),
		}},
	)

	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("root"), "")
	dispatch(t, set, m)
	if !m.State.IsGhost() {
		t.Fatalf("mail without recipients must be ghost, got %v", m.State)
	}
}

func TestDispatch_FallThrough(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx,
		config.Processor{Name: "root", Steps: []config.Step{
			mkStep("none", "null", nil),
		}},
		config.Processor{Name: "error", Steps: []config.Step{
			mkStep("none", "null", nil),
		}},
	)

	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("root"), "")
	dispatch(t, set, m)
	if !m.State.IsError() {
		t.Fatalf("expected error state, got %v", m.State)
	}
	if !strings.Contains(m.ErrorMessage, "no further progress") {
		t.Errorf("unexpected error message: %q", m.ErrorMessage)
	}

	// Falling off the error processor drops the mail instead of looping.
	dispatch(t, set, m)
	if !m.State.IsGhost() {
		t.Fatalf("expected ghost, got %v", m.State)
	}
}

func TestDispatch_DefaultErrorProcessor(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx,
		config.Processor{Name: "root", Steps: []config.Step{
			mkStep("all", "to_processor", toProc("error")),
		}},
	)
	if !set.Exists("error") {
		t.Fatal("default error processor is missing")
	}

	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("nowhere"), "Subject: x\r\n\r\n")
	dispatch(t, set, m)
	if !m.State.IsGhost() {
		t.Fatalf("expected ghost after the error processor, got %v", m.State)
	}
	if !strings.Contains(m.ErrorMessage, "unknown processor: nowhere") {
		t.Errorf("unexpected error message: %q", m.ErrorMessage)
	}

	sent := mctx.SentMail()
	if len(sent) != 1 || !sent[0].IsBounce() {
		t.Fatalf("expected a DSN, got %v", sent)
	}
}

func TestProcessor_OtherState(t *testing.T) {
	mctx := testutils.NewContext(t)
	set := load(t, mctx,
		config.Processor{Name: "root", Steps: []config.Step{mkStep("all", "null", nil)}},
	)

	m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("transport"), "")
	res, err := set.Get("root").Service(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || m.State.String() != "transport" {
		t.Fatalf("mail in another state was processed: %v", m.State)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := []config.Processor{
		{Name: "ghost"},
		{Name: "root", Steps: []config.Step{mkStep("missing", "null", nil)}},
		{Name: "root", Steps: []config.Step{mkStep("all", "missing", nil)}},
		{Name: "root", Steps: []config.Step{mkStep("recipient_is", "null", nil)}},
		{Name: "root", Steps: []config.Step{mkStep("all", "null", map[string]interface{}{"unknown": "1"})}},
	}
	for i, c := range cases {
		if _, err := Load(testutils.NewContext(t), []config.Processor{c}, nil); err == nil {
			t.Errorf("case %d: expected an error", i)
		}
	}
}

func TestLoad_UnknownTarget(t *testing.T) {
	mctx := testutils.NewContext(t)
	set, err := Load(mctx, []config.Processor{
		{Name: "root", Steps: []config.Step{mkStep("all", "to_processor", toProc("missing"))}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	mctx.Processors = set.Names()
	if err := mctx.Lifetime().StartAll(); err == nil {
		t.Fatal("expected an error for an unknown to_processor target")
	}
}

func TestDispatch_ErrorProcessorFault(t *testing.T) {
	for _, mailet := range []string{"test_fail", "test_panic"} {
		mctx := testutils.NewContext(t)
		set := load(t, mctx,
			config.Processor{Name: "root", Steps: []config.Step{mkStep("all", "test_fail", nil)}},
			config.Processor{Name: "error", Steps: []config.Step{mkStep("all", mailet, nil)}},
		)

		m := mctx.NewMail(t, "s@example.com", []string{"a@example.org"}, mail.Processor("root"), "")
		dispatch(t, set, m)
		if !m.State.IsError() {
			t.Fatalf("%s: expected error state, got %v", mailet, m.State)
		}
		errMsg := m.ErrorMessage

		if _, err := set.Dispatch(context.Background(), m); err == nil {
			t.Fatalf("%s: fault in the error processor is not reported", mailet)
		}
		if !m.State.IsError() {
			t.Errorf("%s: mail left the error state: %v", mailet, m.State)
		}
		if m.ErrorMessage != errMsg {
			t.Errorf("%s: original error message is lost: %q", mailet, m.ErrorMessage)
		}
	}
}
