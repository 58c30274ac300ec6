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
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
	mailetdcli "github.com/imyousuf/james-sub036/internal/cli"
	"github.com/imyousuf/james-sub036/internal/cli/clitools"
	"github.com/urfave/cli/v2"
)

func init() {
	mailetdcli.AddSubcommand(
		&cli.Command{
			Name:  "spool",
			Usage: "Spool inspection and manipulation",
			Description: `These commands operate on the spool files or tables directly.
They can be used while the engine runs, except that mail being
processed at the moment should not be removed.
`,
			Subcommands: []*cli.Command{
				{
					Name:   "list",
					Usage:  "List stored mail",
					Flags:  []cli.Flag{spoolURLFlag},
					Action: spoolList,
				},
				{
					Name:      "show",
					Usage:     "Print mail metadata",
					ArgsUsage: "ID",
					Flags: []cli.Flag{
						spoolURLFlag,
						&cli.BoolFlag{
							Name:  "body",
							Usage: "Print the message content after the metadata",
						},
					},
					Action: spoolShow,
				},
				{
					Name:      "remove",
					Usage:     "Remove mail and release its content",
					ArgsUsage: "ID",
					Flags: []cli.Flag{
						spoolURLFlag,
						&cli.BoolFlag{
							Name:    "yes",
							Aliases: []string{"y"},
							Usage:   "Don't ask for confirmation",
						},
					},
					Action: spoolRemove,
				},
			},
		})
}

func spoolList(c *cli.Context) error {
	e, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()
	s, err := openSpool(c, e)
	if err != nil {
		return err
	}

	ctx := context.Background()
	keys, err := s.List(ctx)
	if err != nil {
		return err
	}
	sort.Strings(keys)

	return listMail(ctx, s, keys, os.Stdout)
}

func listMail(ctx context.Context, s module.Spool, keys []string, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSENDER\tRECIPIENTS\tRETRIES\tUPDATED")
	for _, key := range keys {
		m, err := s.Retrieve(ctx, key)
		if err != nil {
			if errors.Is(err, mail.ErrNotFound) {
				// Removed after List.
				continue
			}
			return err
		}
		sender := m.Sender
		if sender == "" {
			sender = "<>"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", m.ID, m.State, sender,
			strings.Join(m.Recipients, ","), m.RetryCount, m.LastUpdated.Format(time.RFC3339))
	}
	return tw.Flush()
}

func spoolShow(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("Error: ID is required", 2)
	}
	e, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()
	s, err := openSpool(c, e)
	if err != nil {
		return err
	}

	ctx := context.Background()
	m, err := s.Retrieve(ctx, c.Args().First())
	if err != nil {
		return err
	}
	meta, err := mail.Marshal(m)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", meta)

	if !c.Bool("body") {
		return nil
	}
	body, err := e.MessageStore().Get(ctx, m.ContentRef)
	if err != nil {
		return fmt.Errorf("content %s: %w", m.ContentRef, err)
	}
	defer body.Close()
	fmt.Println()
	_, err = io.Copy(os.Stdout, body)
	return err
}

func spoolRemove(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("Error: ID is required", 2)
	}
	id := c.Args().First()

	if !c.Bool("yes") {
		if !clitools.Confirmation("Are you sure you want to remove "+id+"?", false) {
			return errors.New("cancelled")
		}
	}

	e, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	// Mailet spools share content with the main one and have to be open
	// before any content is released.
	if err := e.LoadProcessors(); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}

	if c.String("url") == "" {
		return e.RemoveMail(context.Background(), id)
	}
	s, err := openSpool(c, e)
	if err != nil {
		return err
	}
	m, err := s.Retrieve(context.Background(), id)
	if err != nil {
		return err
	}
	return s.RemoveMail(context.Background(), m)
}
