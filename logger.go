/************************************************************************************
 *
 * wyre, a lightweight Go client for the Discord gateway and REST API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 The Wyre Authors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package wyre

import (
	"fmt"
	"io"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Logger defines the logging interface
type Logger interface {
	Info(msg string)
	Debug(msg string)
	Warn(msg string)
	Error(msg string)
	Fatal(msg string)

	// WithField adds a single field to the logger context
	WithField(key string, value any) Logger
	// WithFields adds multiple fields to the logger context
	WithFields(fields map[string]any) Logger
}

// LogLevel defines the severity level
type LogLevel int

const (
	LogLevelDebugLevel LogLevel = iota
	LogLevelInfoLevel
	LogLevelWarnLevel
	LogLevelErrorLevel
	LogLevelFatalLevel
)

type DefaultLogger struct {
	out    io.Writer
	mu     sync.Mutex
	fields map[string]any
	level  LogLevel
}

var _ Logger = (*DefaultLogger)(nil)

func NewDefaultLogger(out io.Writer, level LogLevel) *DefaultLogger {
	if out == nil {
		out = os.Stdout
	}
	return &DefaultLogger{
		out:    out,
		fields: make(map[string]any),
		level:  level,
	}
}

func (l *DefaultLogger) WithField(key string, value any) Logger {
	return l.WithFields(map[string]any{key: value})
}

func (l *DefaultLogger) WithFields(fields map[string]any) Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	newFields := make(map[string]any, len(l.fields)+len(fields))
	maps.Copy(newFields, l.fields)
	maps.Copy(newFields, fields)

	return &DefaultLogger{
		out:    l.out,
		fields: newFields,
		level:  l.level,
	}
}

func (l *DefaultLogger) log(level LogLevel, levelStr, msg string) {
	if level < l.level {
		return
	}

	data := make(map[string]any, len(l.fields)+3)
	maps.Copy(data, l.fields)

	data["level"] = levelStr
	data["time"] = time.Now().Format(time.RFC3339)
	data["msg"] = msg

	l.mu.Lock()
	defer l.mu.Unlock()
	enc, err := sonic.Marshal(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger marshal error: %v\n", err)
		return
	}
	fmt.Fprintln(l.out, BytesToString(enc))

	if level == LogLevelFatalLevel {
		os.Exit(1)
	}
}

func (l *DefaultLogger) Info(msg string) {
	l.log(LogLevelInfoLevel, "info", msg)
}

func (l *DefaultLogger) Debug(msg string) {
	l.log(LogLevelDebugLevel, "debug", msg)
}

func (l *DefaultLogger) Warn(msg string) {
	l.log(LogLevelWarnLevel, "warn", msg)
}

func (l *DefaultLogger) Error(msg string) {
	l.log(LogLevelErrorLevel, "error", msg)
}

func (l *DefaultLogger) Fatal(msg string) {
	l.log(LogLevelFatalLevel, "fatal", msg)
}
