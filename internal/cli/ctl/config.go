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

package ctl

import (
	"fmt"

	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/module"
	mailetdcli "github.com/imyousuf/james-sub036/internal/cli"
	"github.com/imyousuf/james-sub036/internal/engine"
	"github.com/urfave/cli/v2"
)

func init() {
	mailetdcli.AddSubcommand(
		&cli.Command{
			Name:  "config",
			Usage: "Configuration tools",
			Subcommands: []*cli.Command{
				{
					Name:  "check",
					Usage: "Load the configuration and initialize all matchers and mailets",
					Description: `Spools, repositories and the message store referenced by the
configuration are opened (and created if missing) but no mail is
processed.
`,
					Action: configCheck,
				},
				{
					Name:   "modules",
					Usage:  "List available matchers and mailets",
					Action: listModules,
				},
			},
		})
}

func configCheck(c *cli.Context) error {
	cfg, err := mailetdcli.LoadConfig(c)
	if err != nil {
		return err
	}
	logger := log.DefaultLogger.Sublogger("mailetd")
	logger.Debug = cfg.Debug

	e, err := engine.New(cfg, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}
	if err := e.Close(); err != nil {
		return err
	}
	fmt.Println("configuration OK, processors:", e.Processors().Names())
	return nil
}

func listModules(c *cli.Context) error {
	matchers, mailets := module.Names()
	fmt.Println("Matchers:")
	for _, name := range matchers {
		fmt.Println(" ", name)
	}
	fmt.Println("Mailets:")
	for _, name := range mailets {
		fmt.Println(" ", name)
	}
	return nil
}
