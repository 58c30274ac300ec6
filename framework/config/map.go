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

package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Block is a flat set of directives configuring a single matcher or mailet
// instance. Each directive has one or more string arguments.
type Block map[string][]string

// NewBlock converts values decoded from TOML (strings, numbers, booleans,
// durations written as strings and arrays of those) into a Block.
func NewBlock(raw map[string]interface{}) (Block, error) {
	b := make(Block, len(raw))
	for k, v := range raw {
		args, err := toArgs(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		b[k] = args
	}
	return b, nil
}

func toArgs(v interface{}) ([]string, error) {
	switch v := v.(type) {
	case string:
		return []string{v}, nil
	case bool:
		return []string{strconv.FormatBool(v)}, nil
	case int64:
		return []string{strconv.FormatInt(v, 10)}, nil
	case int:
		return []string{strconv.Itoa(v)}, nil
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}, nil
	case []string:
		return v, nil
	case []interface{}:
		res := make([]string, 0, len(v))
		for _, elem := range v {
			sub, err := toArgs(elem)
			if err != nil {
				return nil, err
			}
			res = append(res, sub...)
		}
		return res, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

type matcher struct {
	name          string
	required      bool
	inheritGlobal bool
	defaultVal    func() (interface{}, error)
	mapper        func(*Map, []string) (interface{}, error)
	store         *reflect.Value
}

func (m *matcher) assign(val interface{}) {
	valRefl := reflect.ValueOf(val)
	// Convert untyped nil into typed nil. Otherwise it will panic.
	if !valRefl.IsValid() {
		valRefl = reflect.Zero(m.store.Type())
	}

	m.store.Set(valRefl)
}

// Map structure implements reflection-based conversion between configuration
// directives and Go variables.
type Map struct {
	allowUnknown bool

	// All values saved by Map during processing.
	Values map[string]interface{}

	entries map[string]matcher

	// Values used by Process as default values if inheritGlobal is true.
	Globals map[string]interface{}
	// Directives processed by Process.
	Block Block
	// Location of Block used in error messages, e.g. "processor root, step 2".
	Where string
}

func NewMap(globals map[string]interface{}, where string, block Block) *Map {
	return &Map{Globals: globals, Where: where, Block: block}
}

// AllowUnknown makes config.Map skip unknown configuration directives instead
// of failing.
func (m *Map) AllowUnknown() {
	m.allowUnknown = true
}

// Error is returned by Map for invalid directives.
type Error struct {
	Where string
	Name  string
	Msg   string
}

func (e Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %s", e.Where, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Where, e.Name, e.Msg)
}

func (m *Map) errorf(name, format string, args ...interface{}) error {
	return Error{Where: m.Where, Name: name, Msg: fmt.Sprintf(format, args...)}
}

func singleArg(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected exactly 1 argument")
	}
	return args[0], nil
}

// Enum maps a directive to a string variable. The value must be one of
// allowed.
func (m *Map) Enum(name string, inheritGlobal, required bool, allowed []string, defaultVal string, store *string) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, args []string) (interface{}, error) {
		arg, err := singleArg(args)
		if err != nil {
			return nil, err
		}
		for _, str := range allowed {
			if str == arg {
				return arg, nil
			}
		}
		return nil, fmt.Errorf("invalid argument, valid values are: %v", allowed)
	}, store)
}

func parseDuration(s string) (time.Duration, error) {
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if dur < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return dur, nil
}

// Duration maps a directive to a time.Duration variable. The value uses
// time.ParseDuration syntax.
func (m *Map) Duration(name string, inheritGlobal, required bool, defaultVal time.Duration, store *time.Duration) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, args []string) (interface{}, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("at least one argument is required")
		}
		return parseDuration(strings.Join(args, ""))
	}, store)
}

// DurationList maps a directive to a []time.Duration variable. Each argument
// is a separate duration. A single argument may also contain a
// comma-separated list.
func (m *Map) DurationList(name string, inheritGlobal, required bool, defaultVal []time.Duration, store *[]time.Duration) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, args []string) (interface{}, error) {
		var res []time.Duration
		for _, arg := range args {
			for _, part := range strings.Split(arg, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				dur, err := parseDuration(part)
				if err != nil {
					return nil, err
				}
				res = append(res, dur)
			}
		}
		if len(res) == 0 {
			return nil, fmt.Errorf("at least one duration is required")
		}
		return res, nil
	}, store)
}

func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("bool argument should be 'yes' or 'no'")
}

// Bool maps a directive to a boolean variable.
func (m *Map) Bool(name string, inheritGlobal, defaultVal bool, store *bool) {
	m.Custom(name, inheritGlobal, false, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, args []string) (interface{}, error) {
		if len(args) == 0 {
			return true, nil
		}
		arg, err := singleArg(args)
		if err != nil {
			return nil, err
		}
		return ParseBool(arg)
	}, store)
}

// StringList maps a directive to a []string variable. At least one argument
// must be present. Single arguments containing commas are split.
func (m *Map) StringList(name string, inheritGlobal, required bool, defaultVal []string, store *[]string) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, args []string) (interface{}, error) {
		var res []string
		for _, arg := range args {
			for _, part := range strings.Split(arg, ",") {
				if part = strings.TrimSpace(part); part != "" {
					res = append(res, part)
				}
			}
		}
		if len(res) == 0 {
			return nil, fmt.Errorf("expected at least one argument")
		}
		return res, nil
	}, store)
}

// String maps a directive to a string variable.
func (m *Map) String(name string, inheritGlobal, required bool, defaultVal string, store *string) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, args []string) (interface{}, error) {
		return singleArg(args)
	}, store)
}

// Int maps a directive to an int variable.
func (m *Map) Int(name string, inheritGlobal, required bool, defaultVal int, store *int) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, args []string) (interface{}, error) {
		arg, err := singleArg(args)
		if err != nil {
			return nil, err
		}
		i, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid integer: %s", arg)
		}
		return i, nil
	}, store)
}

// Custom creates the mapping for a directive using the mapper function.
//
// If inheritGlobal is true and the directive is missing from the Block,
// the value from Globals is used. If required is true, a missing directive
// is an error. Otherwise, defaultVal() is stored.
func (m *Map) Custom(name string, inheritGlobal, required bool, defaultVal func() (interface{}, error), mapper func(*Map, []string) (interface{}, error), store interface{}) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("Map.Custom: duplicate matcher")
	}

	var target *reflect.Value
	ptr := reflect.ValueOf(store)
	if ptr.IsValid() && !ptr.IsNil() {
		val := ptr.Elem()
		if !val.CanSet() {
			panic("Map.Custom: store argument must be settable (a pointer)")
		}
		target = &val
	}

	m.entries[name] = matcher{
		name:          name,
		inheritGlobal: inheritGlobal,
		required:      required,
		defaultVal:    defaultVal,
		mapper:        mapper,
		store:         target,
	}
}

// Process maps variables from Globals and Block.
//
// Unknown directives are returned if AllowUnknown was called, otherwise
// they cause an error.
func (m *Map) Process() (unknown []string, err error) {
	m.Values = make(map[string]interface{})

	// Sorted for deterministic error messages.
	names := make([]string, 0, len(m.Block))
	for name := range m.Block {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		matcher, ok := m.entries[name]
		if !ok {
			if !m.allowUnknown {
				return nil, m.errorf(name, "unexpected directive")
			}
			unknown = append(unknown, name)
			continue
		}

		val, err := matcher.mapper(m, m.Block[name])
		if err != nil {
			return nil, m.errorf(name, "%v", err)
		}
		m.Values[matcher.name] = val
		if matcher.store != nil {
			matcher.assign(val)
		}
	}

	for _, matcher := range m.entries {
		if _, ok := m.Block[matcher.name]; ok {
			continue
		}

		var val interface{}
		globalVal, ok := m.Globals[matcher.name]
		if matcher.inheritGlobal && ok {
			val = globalVal
		} else if !matcher.required {
			if matcher.defaultVal == nil {
				continue
			}

			val, err = matcher.defaultVal()
			if err != nil {
				return nil, err
			}
		} else {
			return nil, m.errorf(matcher.name, "missing required directive")
		}

		m.Values[matcher.name] = val
		if matcher.store != nil {
			matcher.assign(val)
		}
	}

	return unknown, nil
}
