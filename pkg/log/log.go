// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log wraps zerolog with the printf-style API and SubLogger
// field-scoping the rest of this module's packages are written against.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the process-wide logger returned by New.
type Config struct {
	Level      string // debug, info, warn, error
	Console    bool   // pretty-print to stderr instead of JSON
	FilePath   string // rotate to this file when non-empty
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Fields is a set of structured key/value pairs attached to a SubLogger.
type Fields map[string]interface{}

// Logger is the printf-style logging facade used throughout core/*.
type Logger struct {
	z zerolog.Logger
}

// New builds a Logger from cfg. A zero-value Config yields an info-level
// logger writing JSON to stderr.
func New(cfg Config) Logger {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    nonZero(cfg.MaxSizeMB, 100),
			MaxBackups: nonZero(cfg.MaxBackups, 5),
			MaxAge:     nonZero(cfg.MaxAgeDays, 28),
		}
	} else if cfg.Console {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return Logger{z: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// SubLogger returns a Logger with fields permanently attached, mirroring
// the per-consumer/per-dispatcher scoped loggers used across this module
// (consumerID, subscription, topic, ...).
func (l Logger) SubLogger(fields Fields) Logger {
	ctx := l.z.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return Logger{z: ctx.Logger()}
}

func (l Logger) Debugf(format string, args ...interface{}) { l.z.Debug().Msgf(format, args...) }
func (l Logger) Infof(format string, args ...interface{})  { l.z.Info().Msgf(format, args...) }
func (l Logger) Warnf(format string, args ...interface{})  { l.z.Warn().Msgf(format, args...) }
func (l Logger) Errorf(format string, args ...interface{}) { l.z.Error().Msgf(format, args...) }

// WithError returns a Logger whose next emitted record carries err.
func (l Logger) WithError(err error) Logger {
	return Logger{z: l.z.With().Err(err).Logger()}
}

// Nop returns a Logger that discards everything, for tests that don't
// care about log output.
func Nop() Logger {
	return Logger{z: zerolog.Nop()}
}
