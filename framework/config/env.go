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
	"os"
	"regexp"
	"strings"
)

var (
	envRe      = regexp.MustCompile(`{env:([^}]+)}`)
	envSplitRe = regexp.MustCompile(`"{env_split:([^}]+)}"`)
)

// expandEnvironment replaces {env:NAME} with the value of the environment
// variable (empty if unset) and "{env_split:NAME}" (including quotes) with
// a TOML array built from the comma-separated value.
func expandEnvironment(text string) string {
	text = envSplitRe.ReplaceAllStringFunc(text, func(match string) string {
		name := envSplitRe.FindStringSubmatch(match)[1]
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return "[]"
		}
		parts := strings.Split(value, ",")
		quoted := make([]string, 0, len(parts))
		for _, p := range parts {
			quoted = append(quoted, `"`+strings.ReplaceAll(strings.TrimSpace(p), `"`, `\"`)+`"`)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	})
	return envRe.ReplaceAllStringFunc(text, func(match string) string {
		return os.Getenv(envRe.FindStringSubmatch(match)[1])
	})
}
