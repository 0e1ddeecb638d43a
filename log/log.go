// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package log is the engine's logging seam: leveled funcvar loggers that
// embedders may swap out wholesale with SetLogger.
package log

import (
	"fmt"
	stdlog "log"
)

// LogLevel orders message severities; higher levels are chattier.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// ParseLogLevel maps the lowercase level names to their LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch s {
	case "error":
		return LevelError, nil
	case "warn":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

var level = LevelWarn

// SetLevel adjusts how much the default logger prints.
func SetLevel(l LogLevel) {
	level = l
}

// SetVerbose is the CLI's debug toggle.
func SetVerbose(v bool) {
	if v {
		level = LevelTrace
	} else {
		level = LevelWarn
	}
}

// Logger is the set of sinks messages go to; any field may be replaced.
type Logger struct {
	Tracef func(format string, args ...interface{})
	Debugf func(format string, args ...interface{})
	Infof  func(format string, args ...interface{})
	Warnf  func(format string, args ...interface{}) error
	Errorf func(format string, args ...interface{}) error
}

var logger = Logger{
	Tracef: defaultPrintf(LevelTrace, "TRACE"),
	Debugf: defaultPrintf(LevelDebug, "DEBUG"),
	Infof:  defaultPrintf(LevelInfo, "INFO"),
	Warnf:  defaultPrintfErr(LevelWarn, "WARN"),
	Errorf: defaultPrintfErr(LevelError, "ERROR"),
}

// SetLogger replaces the sinks, e.g. to route into an embedder's logger.
func SetLogger(l Logger) {
	logger = l
}

func Tracef(format string, args ...interface{}) {
	if logger.Tracef != nil {
		logger.Tracef(format, args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if logger.Debugf != nil {
		logger.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if logger.Infof != nil {
		logger.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) error {
	if logger.Warnf != nil {
		return logger.Warnf(format, args...)
	}
	return nil
}

func Errorf(format string, args ...interface{}) error {
	if logger.Errorf != nil {
		return logger.Errorf(format, args...)
	}
	return nil
}

func defaultPrintf(l LogLevel, tag string) func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		if level >= l {
			stdlog.Printf("["+tag+"] "+format, args...)
		}
	}
}

func defaultPrintfErr(l LogLevel, tag string) func(string, ...interface{}) error {
	return func(format string, args ...interface{}) error {
		if level >= l {
			stdlog.Printf("["+tag+"] "+format, args...)
		}
		return nil
	}
}
