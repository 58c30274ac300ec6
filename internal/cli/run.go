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

	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/hooks"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/internal/endpoint/openmetrics"
	"github.com/imyousuf/james-sub036/internal/engine"
	"github.com/urfave/cli/v2"
)

func init() {
	AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the engine",
		Description: `Load the configuration, start spool workers and background
mailets and process mail until SIGINT or SIGTERM is received.

Mail being processed when the signal arrives is finished before exit.
SIGUSR1 reopens log files.
`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "log",
				Usage: "Logging targets, overrides the configuration file",
			},
		},
		Action: runCommand,
	})
}

// InitLogging points log.DefaultLogger at the outputs the configuration
// asks for.
func InitLogging(cfg *config.Config, targets []string) error {
	if len(targets) == 0 {
		targets = cfg.Log
	}
	out, err := LogOutput(targets, cfg.LogFormat)
	if err != nil {
		return err
	}
	log.DefaultLogger.Out = out
	log.DefaultLogger.Debug = cfg.Debug
	hooks.AddHook(hooks.EventShutdown, func() {
		log.DefaultLogger.Out.Close()
	})
	return nil
}

func runCommand(c *cli.Context) error {
	cfg, err := LoadConfig(c)
	if err != nil {
		return err
	}
	if err := InitLogging(cfg, c.StringSlice("log")); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	defer hooks.RunHooks(hooks.EventShutdown)

	logger := log.DefaultLogger.Sublogger("mailetd")

	if cfg.MetricsListen != "" {
		om, err := openmetrics.Listen(cfg.MetricsListen, logger.Sublogger("openmetrics"))
		if err != nil {
			return err
		}
		hooks.AddHook(hooks.EventShutdown, func() {
			if err := om.Close(); err != nil {
				logger.Error("metrics endpoint close failed", err)
			}
		})
	}

	e, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error("close failed", err)
		}
	}()

	if err := e.Start(); err != nil {
		return err
	}

	s := handleSignals()
	logger.Msg("shutting down", "signal", s.String())
	return e.Stop()
}
