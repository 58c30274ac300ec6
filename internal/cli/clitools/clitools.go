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

package clitools

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Prompter asks yes/no questions. Answers are read line by line from In.
type Prompter struct {
	In  *bufio.Scanner
	Out io.Writer
}

func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{In: bufio.NewScanner(in), Out: out}
}

var stdPrompter = NewPrompter(os.Stdin, os.Stderr)

// Confirm writes the question and reads the answer. An empty or
// unrecognized answer selects def, so does EOF.
func (p *Prompter) Confirm(prompt string, def bool) bool {
	selection := "y/N"
	if def {
		selection = "Y/n"
	}

	fmt.Fprintf(p.Out, "%s [%s]: ", prompt, selection)
	if !p.In.Scan() {
		if err := p.In.Err(); err != nil {
			fmt.Fprintln(p.Out, err)
		}
		return def
	}

	switch strings.ToLower(strings.TrimSpace(p.In.Text())) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}

// Confirmation asks on stderr and reads the answer from stdin.
func Confirmation(prompt string, def bool) bool {
	return stdPrompter.Confirm(prompt, def)
}
