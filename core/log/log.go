// Copyright (C) 2017 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides context-carried leveled logging for the toolkit.
//
// Calls take a context.Context first, the way the rest of the module does,
// and are backed by zerolog so severity filtering, sampling and JSON output
// come for free instead of being hand rolled.
package log

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

// Logger is a thin handle to the zerolog.Logger bound to a context.
type Logger struct {
	z zerolog.Logger
}

// New returns a context with a default console-writing logger attached.
func New(ctx context.Context) context.Context {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	return l.WithContext(ctx)
}

// From returns the Logger attached to ctx, or a disabled logger if none was attached.
func From(ctx context.Context) Logger {
	return Logger{z: *zerolog.Ctx(ctx)}
}

// V is a set of key/value pairs that can be bound onto a context, attaching
// them to every subsequent log record taken from it.
type V map[string]interface{}

// Bind returns a copy of ctx whose logger has the receiver's fields attached.
func (v V) Bind(ctx context.Context) context.Context {
	l := zerolog.Ctx(ctx).With().Fields(map[string]interface{}(v)).Logger()
	return l.WithContext(ctx)
}

// PutProcess returns a copy of ctx tagged with the name of an external process
// whose output is about to be streamed through the logger.
func PutProcess(ctx context.Context, name string) context.Context {
	return V{"process": name}.Bind(ctx)
}

// I logs an informational message.
func I(ctx context.Context, format string, args ...interface{}) { From(ctx).z.Info().Msgf(format, args...) }

// W logs a warning.
func W(ctx context.Context, format string, args ...interface{}) { From(ctx).z.Warn().Msgf(format, args...) }

// E logs an error-severity message.
func E(ctx context.Context, format string, args ...interface{}) { From(ctx).z.Error().Msgf(format, args...) }

// F logs a fatal-severity message. Unlike the standard library's log.Fatal,
// this does not terminate the process — callers decide what "fatal" means.
func F(ctx context.Context, format string, args ...interface{}) {
	From(ctx).z.Error().Bool("fatal", true).Msgf(format, args...)
}

// Writer returns an io.WriteCloser that logs each write as a single record at
// the given zerolog level, splitting on newlines. Used to pipe a subprocess's
// stdout/stderr into the log when Verbosity is requested.
func (l Logger) Writer(level zerolog.Level) io.WriteCloser {
	return &lineWriter{z: l.z, level: level}
}

type lineWriter struct {
	z     zerolog.Logger
	level zerolog.Level
	buf   []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := indexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.z.WithLevel(w.level).Msg(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	if len(w.buf) > 0 {
		w.z.WithLevel(w.level).Msg(string(w.buf))
		w.buf = nil
	}
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Severity levels re-exported for callers that want to pick a Writer level.
const (
	Info  = zerolog.InfoLevel
	Warn  = zerolog.WarnLevel
	Error = zerolog.ErrorLevel
)
