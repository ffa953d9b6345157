/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging is the leveled logger shared by the forkipc packages.
//
// Levels gate records before they reach zap, which encodes and writes them.
package logging

import (
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a forkipc log level. Lower is more verbose.
type Level int32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

const (
	envLogLevel = "FORKIPC_LOG_LEVEL"
	envLogDev   = "FORKIPC_LOG_DEV"
)

var (
	level atomic.Int32

	mu   sync.RWMutex
	base *zap.Logger
)

func init() {
	level.Store(int32(LevelWarn))
	if v := os.Getenv(envLogLevel); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= int(LevelNoPrint) {
			level.Store(int32(n))
		}
	}
	base = build(zapcore.AddSync(os.Stdout), os.Getenv(envLogDev) != "")
}

// SetLevel changes the level of every logger. The default is LevelWarn and
// FORKIPC_LOG_LEVEL overrides it at startup.
func SetLevel(l Level) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// CurrentLevel returns the active level.
func CurrentLevel() Level {
	return Level(level.Load())
}

// SetOutput redirects every logger to w, using the console encoder.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	mu.Lock()
	base = build(zapcore.AddSync(w), true)
	mu.Unlock()
}

func build(ws zapcore.WriteSyncer, development bool) *zap.Logger {
	var enc zapcore.Encoder
	if development {
		enc = zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		})
	} else {
		enc = zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		})
	}
	core := zapcore.NewCore(enc, ws, zapcore.DebugLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.Int("pid", os.Getpid()))
}

// Logger is a named leveled logger.
type Logger struct {
	name string
}

// New returns a logger whose records carry name.
func New(name string) *Logger {
	return &Logger{name: name}
}

func (l *Logger) enabled(lv Level) bool {
	return Level(level.Load()) <= lv
}

func (l *Logger) sugar() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base.Named(l.name).Sugar()
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	if !l.enabled(LevelTrace) {
		return
	}
	l.sugar().With("trace", true).Debugf(format, a...)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	if !l.enabled(LevelDebug) {
		return
	}
	l.sugar().Debugf(format, a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	if !l.enabled(LevelInfo) {
		return
	}
	l.sugar().Infof(format, a...)
}

func (l *Logger) Info(v interface{}) {
	if !l.enabled(LevelInfo) {
		return
	}
	l.sugar().Info(v)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	if !l.enabled(LevelWarn) {
		return
	}
	l.sugar().Warnf(format, a...)
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	if !l.enabled(LevelError) {
		return
	}
	l.sugar().Errorf(format, a...)
}

func (l *Logger) Error(v interface{}) {
	if !l.enabled(LevelError) {
		return
	}
	l.sugar().Error(v)
}

// Sync flushes buffered records. Call it before os.Exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}
