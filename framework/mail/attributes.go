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
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type attrType string

const (
	attrString  attrType = "string"
	attrInt     attrType = "int"
	attrBool    attrType = "bool"
	attrFloat   attrType = "float"
	attrStrings attrType = "strings"
	attrTime    attrType = "time"
)

// Attributes is the typed key-value store attached to a Mail. It is the only
// side channel mailets use to pass data to each other.
//
// Supported value types are string, int64, bool, float64, []string and
// time.Time. The zero value is an empty set.
type Attributes struct {
	m map[string]interface{}
}

func normalizeAttr(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case string, int64, bool, float64, time.Time:
		return v, nil
	case int:
		return int64(v), nil
	case []string:
		return append([]string(nil), v...), nil
	}
	return nil, fmt.Errorf("mail: unsupported attribute type %T", v)
}

// Set stores v under name. It fails for unsupported value types.
func (a *Attributes) Set(name string, v interface{}) error {
	norm, err := normalizeAttr(v)
	if err != nil {
		return err
	}
	if a.m == nil {
		a.m = make(map[string]interface{})
	}
	a.m[name] = norm
	return nil
}

func (a *Attributes) Remove(name string) {
	delete(a.m, name)
}

func (a Attributes) Get(name string) (interface{}, bool) {
	v, ok := a.m[name]
	return v, ok
}

func (a Attributes) Has(name string) bool {
	_, ok := a.m[name]
	return ok
}

func (a Attributes) String(name string) (string, bool) {
	v, ok := a.m[name].(string)
	return v, ok
}

func (a Attributes) Int(name string) (int64, bool) {
	v, ok := a.m[name].(int64)
	return v, ok
}

func (a Attributes) Bool(name string) (bool, bool) {
	v, ok := a.m[name].(bool)
	return v, ok
}

func (a Attributes) Strings(name string) ([]string, bool) {
	v, ok := a.m[name].([]string)
	return v, ok
}

func (a Attributes) Time(name string) (time.Time, bool) {
	v, ok := a.m[name].(time.Time)
	return v, ok
}

func (a Attributes) Len() int {
	return len(a.m)
}

// Names returns attribute names in sorted order.
func (a Attributes) Names() []string {
	names := make([]string, 0, len(a.m))
	for k := range a.m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (a Attributes) Clone() Attributes {
	if a.m == nil {
		return Attributes{}
	}
	c := make(map[string]interface{}, len(a.m))
	for k, v := range a.m {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		c[k] = v
	}
	return Attributes{m: c}
}

type attrJSON struct {
	Type  attrType        `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	out := make(map[string]attrJSON, len(a.m))
	for k, v := range a.m {
		var t attrType
		switch v.(type) {
		case string:
			t = attrString
		case int64:
			t = attrInt
		case bool:
			t = attrBool
		case float64:
			t = attrFloat
		case []string:
			t = attrStrings
		case time.Time:
			t = attrTime
		default:
			return nil, fmt.Errorf("mail: unsupported attribute type %T", v)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = attrJSON{Type: t, Value: raw}
	}
	return json.Marshal(out)
}

func (a *Attributes) UnmarshalJSON(b []byte) error {
	var in map[string]attrJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	a.m = make(map[string]interface{}, len(in))
	for k, v := range in {
		var (
			val interface{}
			err error
		)
		switch v.Type {
		case attrString:
			var s string
			err = json.Unmarshal(v.Value, &s)
			val = s
		case attrInt:
			var i int64
			err = json.Unmarshal(v.Value, &i)
			val = i
		case attrBool:
			var b bool
			err = json.Unmarshal(v.Value, &b)
			val = b
		case attrFloat:
			var f float64
			err = json.Unmarshal(v.Value, &f)
			val = f
		case attrStrings:
			var l []string
			err = json.Unmarshal(v.Value, &l)
			val = l
		case attrTime:
			var t time.Time
			err = json.Unmarshal(v.Value, &t)
			val = t
		default:
			return fmt.Errorf("mail: attribute %s: unknown type %q", k, v.Type)
		}
		if err != nil {
			return fmt.Errorf("mail: attribute %s: %w", k, err)
		}
		a.m[k] = val
	}
	return nil
}
