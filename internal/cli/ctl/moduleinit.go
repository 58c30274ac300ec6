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

// Package ctl implements the subcommands that operate on the spool of a
// configured engine without starting it.
package ctl

import (
	"fmt"

	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/module"
	mailetdcli "github.com/imyousuf/james-sub036/internal/cli"
	"github.com/imyousuf/james-sub036/internal/engine"
	"github.com/urfave/cli/v2"
)

var spoolURLFlag = &cli.StringFlag{
	Name:    "url",
	Usage:   "Spool to operate on instead of the main one, e.g. the remote_delivery outgoing spool",
	EnvVars: []string{"MAILETD_SPOOL"},
}

// openEngine opens the message store and the main spool described by the
// configuration. Processors are not loaded.
func openEngine(c *cli.Context) (*engine.Engine, error) {
	cfg, err := mailetdcli.LoadConfig(c)
	if err != nil {
		return nil, err
	}
	logger := log.DefaultLogger.Sublogger("mailetd")
	logger.Debug = cfg.Debug

	e, err := engine.Open(cfg, logger)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	return e, nil
}

// openSpool returns the spool selected by --url, the main spool if it is
// not set.
func openSpool(c *cli.Context, e *engine.Engine) (module.Spool, error) {
	url := c.String("url")
	if url == "" {
		return e.Spool(), nil
	}
	if s, ok := e.SpoolAt(url); ok {
		return s, nil
	}
	s, err := e.OpenSpool("ctl", url, module.SpoolOptions{})
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	return s, nil
}
