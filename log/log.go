// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package log wraps go.uber.org/zap behind a small Logger interface so
// the engine, validator manager, and resilience kit can log without
// depending on zap's concrete types directly — the same NewNoOpLogger
// no-op contract the teacher's log package exposed, now backed by a
// real zap core instead of a hand-rolled Geth/slog-compatibility
// shim.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging surface consumed by the rest of the module.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Sync() error
}

type zapLogger struct {
	l *zap.Logger
}

// NewProduction builds a JSON-encoded, info-level-and-above Logger
// suitable for production deployment.
func NewProduction() (Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{l: l}, nil
}

// NewDevelopment builds a human-readable, debug-level Logger for local
// runs and tests.
func NewDevelopment() (Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &zapLogger{l: l}, nil
}

// NewNoOpLogger returns a Logger that discards everything, for tests
// and code paths that accept but don't require a Logger.
func NewNoOpLogger() Logger {
	return &zapLogger{l: zap.NewNop()}
}

// NewAtLevel builds a Logger writing JSON at the given minimum level.
func NewAtLevel(level zapcore.Level) (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{l: l}, nil
}

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }

func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

func (z *zapLogger) Sync() error { return z.l.Sync() }

var _ Logger = (*zapLogger)(nil)
