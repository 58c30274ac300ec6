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
	"reflect"
	"testing"
	"time"
)

func TestStateSerialization(t *testing.T) {
	for _, s := range []State{Ghost, Error, Processor("root")} {
		text, err := s.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var back State
		if err := back.UnmarshalText(text); err != nil {
			t.Fatal(err)
		}
		if back != s {
			t.Errorf("%v: round-trip gave %v", s, back)
		}
	}

	if Processor("ghost") != Ghost || Processor("error") != Error {
		t.Error("reserved names do not map to terminal states")
	}
	if Error.ProcessorName() != "error" || Ghost.ProcessorName() != "" {
		t.Error("wrong processor names for terminal states")
	}
	if (State{}).Valid() {
		t.Error("zero state is valid")
	}
	if _, err := (State{}).MarshalText(); err == nil {
		t.Error("zero state serialized")
	}
}

func TestRecipientsSet(t *testing.T) {
	m := New("s@example.org", []string{"a@example.org", "B@example.org", "A@EXAMPLE.org", "c@example.org"}, "ref", Processor("root"))
	want := []string{"a@example.org", "B@example.org", "c@example.org"}
	if !reflect.DeepEqual(m.Recipients, want) {
		t.Fatalf("wrong recipients: %v", m.Recipients)
	}

	m.RemoveRecipients("b@example.org")
	if !reflect.DeepEqual(m.Recipients, []string{"a@example.org", "c@example.org"}) {
		t.Fatalf("wrong recipients after remove: %v", m.Recipients)
	}
	if !m.HasRecipient("C@example.org") {
		t.Error("HasRecipient is case-sensitive")
	}
}

func TestSplit(t *testing.T) {
	m := New("s@example.org", []string{"a@x", "b@x", "c@x"}, "ref", Processor("root"))
	if err := m.Attributes.Set("k", "v"); err != nil {
		t.Fatal(err)
	}

	split := m.Split([]string{"b@x"})
	if split.ID == m.ID {
		t.Fatal("split mail has the same ID")
	}
	if !reflect.DeepEqual(split.Recipients, []string{"b@x"}) {
		t.Errorf("wrong split recipients: %v", split.Recipients)
	}
	if !reflect.DeepEqual(m.Recipients, []string{"a@x", "c@x"}) {
		t.Errorf("wrong remaining recipients: %v", m.Recipients)
	}
	if split.ContentRef != "ref" {
		t.Error("content ref not shared")
	}

	if err := split.Attributes.Set("k", "changed"); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Attributes.String("k"); v != "v" {
		t.Error("attributes are shared between split and original")
	}
}

func TestMarshal(t *testing.T) {
	m := New("", []string{"a@x"}, "ref", Error)
	m.RetryCount = 2
	m.ErrorMessage = "boom"
	stamp := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	for name, v := range map[string]interface{}{
		"s": "str", "i": 42, "b": true, "f": 1.5, "l": []string{"x", "y"}, "t": stamp,
	} {
		if err := m.Attributes.Set(name, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Attributes.Set("bad", struct{}{}); err == nil {
		t.Error("unsupported attribute type accepted")
	}

	data, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}

	if back.ID != m.ID || !back.State.IsError() || back.RetryCount != 2 || back.ErrorMessage != "boom" || !back.IsBounce() {
		t.Errorf("metadata mismatch: %+v", back)
	}
	if i, _ := back.Attributes.Int("i"); i != 42 {
		t.Errorf("int attribute: %v", i)
	}
	if l, _ := back.Attributes.Strings("l"); !reflect.DeepEqual(l, []string{"x", "y"}) {
		t.Errorf("list attribute: %v", l)
	}
	if ts, _ := back.Attributes.Time("t"); !ts.Equal(stamp) {
		t.Errorf("time attribute: %v", ts)
	}
	if !reflect.DeepEqual(back.Attributes.Names(), []string{"b", "f", "i", "l", "s", "t"}) {
		t.Errorf("names: %v", back.Attributes.Names())
	}

	if _, err := Unmarshal([]byte(`{"recipients":[]}`)); err == nil {
		t.Error("metadata without id accepted")
	}
}
