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

package mailetdcli

import (
	"errors"
	"fmt"
	"os"

	"github.com/imyousuf/james-sub036/framework/hooks"
	"github.com/imyousuf/james-sub036/framework/log"
)

type nopCloseFile struct {
	*os.File
}

func (nopCloseFile) Close() error { return nil }

// LogOutput creates the log.Output for the targets. Targets are "stderr",
// "stdout", "off" or a file path. Text-format files are reopened on
// EventLogRotate.
func LogOutput(targets []string, format string) (log.Output, error) {
	outs := make([]log.Output, 0, len(targets))
	for _, target := range targets {
		switch target {
		case "stderr", "stdout":
			f := os.Stderr
			if target == "stdout" {
				f = os.Stdout
			}
			if format == "json" {
				outs = append(outs, log.ZapOutput(nopCloseFile{f}))
			} else {
				outs = append(outs, log.WriterOutput(f, false))
			}
		case "off":
			if len(targets) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			if format == "json" {
				f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
				if err != nil {
					return nil, fmt.Errorf("failed to create log file: %w", err)
				}
				outs = append(outs, log.ZapOutput(f))
				continue
			}

			fo, err := log.NewFileOutput(target)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %w", err)
			}
			hooks.AddHook(hooks.EventLogRotate, func() {
				if err := fo.Reopen(); err != nil {
					log.Println("failed to reopen log file:", err)
				}
			})
			outs = append(outs, fo)
		}
	}
	if len(outs) == 0 {
		return log.WriterOutput(os.Stderr, false), nil
	}
	return log.MultiOutput(outs...), nil
}
