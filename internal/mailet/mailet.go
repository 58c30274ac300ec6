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

// Package mailet implements the built-in mailets except remote_delivery.
package mailet

import (
	"context"
	"fmt"

	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
)

// Null finishes processing of the mail.
type Null struct{}

func (Null) Init(_ module.Context, cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

func (Null) Service(_ context.Context, m *mail.Mail) error {
	m.State = mail.Ghost
	return nil
}

// ToProcessor moves the mail to another processor.
type ToProcessor struct {
	mctx      module.Context
	processor string
	notice    string
}

func (tp *ToProcessor) Init(mctx module.Context, cfg *config.Map) error {
	tp.mctx = mctx
	cfg.String("processor", false, true, "", &tp.processor)
	cfg.String("notice", false, false, "", &tp.notice)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if tp.processor == "" {
		return fmt.Errorf("to_processor: processor name is empty")
	}
	return nil
}

// Start checks that the target processor exists. It runs after all
// processors are loaded.
func (tp *ToProcessor) Start() error {
	if tp.processor == mail.GhostName || tp.mctx.ProcessorExists(tp.processor) {
		return nil
	}
	return fmt.Errorf("to_processor: unknown processor: %s", tp.processor)
}

func (tp *ToProcessor) Stop() error {
	return nil
}

func (tp *ToProcessor) Service(_ context.Context, m *mail.Mail) error {
	if tp.notice != "" {
		m.ErrorMessage = tp.notice
	}
	m.State = mail.Processor(tp.processor)
	return nil
}

// SetAttribute sets a string attribute.
type SetAttribute struct {
	name  string
	value string
}

func (sa *SetAttribute) Init(_ module.Context, cfg *config.Map) error {
	cfg.String("name", false, true, "", &sa.name)
	cfg.String("value", false, false, "", &sa.value)
	_, err := cfg.Process()
	return err
}

func (sa *SetAttribute) Service(_ context.Context, m *mail.Mail) error {
	return m.Attributes.Set(sa.name, sa.value)
}

type RemoveAttribute struct {
	name string
}

func (ra *RemoveAttribute) Init(_ module.Context, cfg *config.Map) error {
	cfg.String("name", false, true, "", &ra.name)
	_, err := cfg.Process()
	return err
}

func (ra *RemoveAttribute) Service(_ context.Context, m *mail.Mail) error {
	m.Attributes.Remove(ra.name)
	return nil
}

// Log writes the envelope of the mail to the log.
type Log struct {
	log     log.Logger
	message string
}

func (l *Log) Init(mctx module.Context, cfg *config.Map) error {
	l.log = mctx.Logger().Sublogger("log")
	cfg.String("message", false, false, "mail", &l.message)
	_, err := cfg.Process()
	return err
}

func (l *Log) Service(_ context.Context, m *mail.Mail) error {
	fields := []interface{}{
		"msg_id", m.ID,
		"sender", m.Sender,
		"rcpts", m.Recipients,
		"state", m.State.String(),
		"size", m.Size,
	}
	if m.ErrorMessage != "" {
		fields = append(fields, "error_message", m.ErrorMessage)
	}
	if m.RemoteHost != "" {
		fields = append(fields, "src_host", m.RemoteHost)
	}
	if m.Attributes.Len() != 0 {
		fields = append(fields, "attrs", m.Attributes.Names())
	}
	l.log.Msg(l.message, fields...)
	return nil
}

func init() {
	module.RegisterMailet("null", func() module.Mailet { return Null{} })
	module.RegisterMailet("to_processor", func() module.Mailet { return &ToProcessor{} })
	module.RegisterMailet("set_attribute", func() module.Mailet { return &SetAttribute{} })
	module.RegisterMailet("remove_attribute", func() module.Mailet { return &RemoveAttribute{} })
	module.RegisterMailet("log", func() module.Mailet { return &Log{} })
}
