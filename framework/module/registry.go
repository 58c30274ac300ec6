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

package module

import (
	"sort"
	"sync"
)

type (
	// FuncNewMatcher creates an uninitialized matcher instance.
	FuncNewMatcher func() Matcher
	// FuncNewMailet creates an uninitialized mailet instance.
	FuncNewMailet func() Mailet
)

var (
	matchers    = make(map[string]FuncNewMatcher)
	mailets     = make(map[string]FuncNewMailet)
	modulesLock sync.RWMutex
)

// RegisterMatcher adds the matcher factory to the global registry.
//
// You probably want to call this function from func init() of the package
// implementing the matcher.
func RegisterMatcher(name string, factory FuncNewMatcher) {
	modulesLock.Lock()
	defer modulesLock.Unlock()

	if _, ok := matchers[name]; ok {
		panic("RegisterMatcher: matcher with specified name is already registered: " + name)
	}
	matchers[name] = factory
}

// RegisterMailet adds the mailet factory to the global registry.
func RegisterMailet(name string, factory FuncNewMailet) {
	modulesLock.Lock()
	defer modulesLock.Unlock()

	if _, ok := mailets[name]; ok {
		panic("RegisterMailet: mailet with specified name is already registered: " + name)
	}
	mailets[name] = factory
}

// GetMatcher returns the matcher factory, nil if no matcher with the
// specified name is registered.
func GetMatcher(name string) FuncNewMatcher {
	modulesLock.RLock()
	defer modulesLock.RUnlock()

	return matchers[name]
}

// GetMailet returns the mailet factory, nil if no mailet with the specified
// name is registered.
func GetMailet(name string) FuncNewMailet {
	modulesLock.RLock()
	defer modulesLock.RUnlock()

	return mailets[name]
}

// Names returns sorted names of registered matchers and mailets.
func Names() (matcherNames, mailetNames []string) {
	modulesLock.RLock()
	defer modulesLock.RUnlock()

	for name := range matchers {
		matcherNames = append(matcherNames, name)
	}
	for name := range mailets {
		mailetNames = append(mailetNames, name)
	}
	sort.Strings(matcherNames)
	sort.Strings(mailetNames)
	return
}
