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
	"fmt"
	"os"

	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "mailetd"
	app.Usage = "store-and-forward mail processing engine"
	app.Description = `mailetd moves mail through a pipeline of processors made of
matcher/mailet pairs. Mail is kept in a durable spool and handled by
a pool of workers. Remote delivery retries transient failures and
reports permanent ones to the sender.

This executable starts the engine ('run') and inspects or modifies
its spool (all other subcommands).
`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "config",
			Usage:   "Configuration file to use",
			EnvVars: []string{"MAILETD_CONFIG"},
			Value:   config.DefaultConfigPath,
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging early",
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
	}
}

// AddSubcommand registers the command with the application. It should be
// called from init functions.
func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

// LoadConfig reads the configuration file named by the global --config
// flag.
func LoadConfig(c *cli.Context) (*config.Config, error) {
	path := c.Path("config")
	if path == "" {
		return nil, cli.Exit("Error: config is required", 2)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	return cfg, nil
}

// RunArgs runs the application with the command line args, args[0] being
// the executable name.
func RunArgs(args []string) error {
	return app.Run(args)
}

func Run() {
	if err := RunArgs(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
