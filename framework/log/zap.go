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

package log

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger is a zapcore.Core that forwards entries to a Logger so
// libraries expecting *zap.Logger end up in the same log stream.
type zapLogger struct {
	L Logger
}

func (l zapLogger) Enabled(level zapcore.Level) bool {
	if level == zapcore.DebugLevel {
		return l.L.Debug
	}
	return true
}

func (l zapLogger) With(fields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	newF := make(map[string]interface{}, len(l.L.Fields)+len(enc.Fields))
	for k, v := range l.L.Fields {
		newF[k] = v
	}
	for k, v := range enc.Fields {
		newF[k] = v
	}
	l.L.Fields = newF
	return l
}

func (l zapLogger) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if l.Enabled(entry.Level) {
		return ce.AddCore(entry, l)
	}
	return ce
}

func (l zapLogger) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	if entry.LoggerName != "" {
		l.L.Name += "/" + entry.LoggerName
	}
	l.L.log(entry.Level == zapcore.DebugLevel, l.L.formatMsg(entry.Message, enc.Fields))
	return nil
}

func (zapLogger) Sync() error {
	return nil
}

type zapOutput struct {
	core zapcore.Core
	wc   io.WriteCloser
}

// ZapOutput returns a log.Output that emits each line as a JSON document
// using the zap production encoder. Structured fields produced by
// Logger.Msg are embedded as the "fields" object.
func ZapOutput(wc io.WriteCloser) Output {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(wc), zapcore.DebugLevel)
	return zapOutput{core: core, wc: wc}
}

func (z zapOutput) Write(stamp time.Time, debug bool, msg string) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	var fields []zapcore.Field
	if text, rawFields, ok := strings.Cut(msg, "\t"); ok && json.Valid([]byte(rawFields)) {
		msg = text
		fields = append(fields, zap.Reflect("fields", json.RawMessage(rawFields)))
	}

	_ = z.core.Write(zapcore.Entry{
		Level:   level,
		Time:    stamp,
		Message: msg,
	}, fields)
}

func (z zapOutput) Close() error {
	_ = z.core.Sync()
	return z.wc.Close()
}
