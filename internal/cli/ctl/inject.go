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
	"context"
	"fmt"
	"io"
	"os"

	mailetdcli "github.com/imyousuf/james-sub036/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	mailetdcli.AddSubcommand(
		&cli.Command{
			Name:      "inject",
			Usage:     "Enqueue a message read from stdin",
			ArgsUsage: "RCPT [RCPT...]",
			Description: `Store the message into the main spool in the initial processor
state. A running engine picks it up within spool.poll_interval.

The ID of the new mail is printed on success.
`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "from",
					Aliases: []string{"f"},
					Usage:   "Envelope sender, empty for the null sender",
				},
				&cli.PathFlag{
					Name:  "file",
					Usage: "Read the message from `FILE` instead of stdin",
				},
			},
			Action: injectCommand,
		})
}

func injectCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("Error: at least one recipient is required", 2)
	}

	var body io.Reader = os.Stdin
	if path := c.Path("file"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
		}
		defer f.Close()
		body = f
	}

	e, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	id, err := e.Enqueue(context.Background(), c.String("from"), c.Args().Slice(), body)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
