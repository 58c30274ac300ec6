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
	"fmt"
)

const (
	// GhostName is the serialized form of the GHOST state. It cannot be
	// used as a processor name.
	GhostName = "ghost"
	// ErrorName is both the serialized form of the ERROR state and the name
	// of the processor handling it.
	ErrorName = "error"
)

type stateKind int

const (
	stateProcessor stateKind = iota
	stateGhost
	stateError
)

// State is the routing state of a Mail: either the name of the processor
// that should handle it next, Ghost (processing finished) or Error (to be
// handled by the "error" processor).
//
// The zero value is invalid and reported as such by Valid.
type State struct {
	kind stateKind
	name string
}

var (
	Ghost = State{kind: stateGhost}
	Error = State{kind: stateError}
)

// Processor returns the state naming the processor. "ghost" and "error" map
// to Ghost and Error.
func Processor(name string) State {
	switch name {
	case GhostName:
		return Ghost
	case ErrorName:
		return Error
	}
	return State{kind: stateProcessor, name: name}
}

func (s State) IsGhost() bool {
	return s.kind == stateGhost
}

func (s State) IsError() bool {
	return s.kind == stateError
}

func (s State) Valid() bool {
	return s.kind != stateProcessor || s.name != ""
}

// ProcessorName returns the name of the processor that handles mail in this
// state. It is "error" for Error and empty for Ghost.
func (s State) ProcessorName() string {
	switch s.kind {
	case stateGhost:
		return ""
	case stateError:
		return ErrorName
	}
	return s.name
}

func (s State) String() string {
	switch s.kind {
	case stateGhost:
		return GhostName
	case stateError:
		return ErrorName
	}
	return s.name
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("mail: cannot serialize empty state")
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return fmt.Errorf("mail: empty state")
	}
	*s = Processor(string(text))
	return nil
}
