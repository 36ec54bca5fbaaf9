/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package logging provides the logrus implementation of common.Logger.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/stacktrace"
)

const (
	LOG_FORMAT_JSON = "json"
	LOG_FORMAT_TEXT = "text"
)

// ContextLogger adds trace and metric logging to a logrus.Logger and
// implements common.Logger.
type ContextLogger struct {
	*logrus.Logger
}

// WithTrace adds a "trace" field containing the caller's function name and
// source file line number. Use this function when the log has no fields.
func (logger *ContextLogger) WithTrace() common.LogTrace {
	return logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function name
// and source file line number. Any existing "trace" field is renamed to
// "fields.trace".
func (logger *ContextLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	logrusFields := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		logrusFields[name] = value
	}
	if trace, ok := logrusFields["trace"]; ok {
		logrusFields["fields.trace"] = trace
	}
	logrusFields["trace"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrusFields)
}

// LogMetric logs a metric event at info level. The metric name is recorded in
// the "event_name" field.
func (logger *ContextLogger) LogMetric(metric string, fields common.LogFields) {
	logrusFields := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		logrusFields[name] = value
	}
	if eventName, ok := logrusFields["event_name"]; ok {
		logrusFields["fields.event_name"] = eventName
	}
	logrusFields["event_name"] = metric
	logger.WithFields(logrusFields).Info(metric)
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter.
//
// The changes are:
// - "time" is renamed to "timestamp"
// - error values are stringified, as encoding/json emits "{}" for them
type CustomJSONFormatter struct {
}

// Format implements logrus.Formatter.
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}
	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if m, ok := data["msg"]; ok {
		data["fields.msg"] = m
	}
	if l, ok := data["level"]; ok {
		data["fields.level"] = l
	}
	data["msg"] = entry.Message
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON: %v", err)
	}

	return append(serialized, '\n'), nil
}

// NewContextLogger creates a logger writing to output with the specified
// logrus level name and format.
func NewContextLogger(level, format string, output io.Writer) (*ContextLogger, error) {

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var formatter logrus.Formatter
	switch format {
	case LOG_FORMAT_JSON, "":
		formatter = &CustomJSONFormatter{}
	case LOG_FORMAT_TEXT:
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	default:
		return nil, errors.Tracef("unknown log format: %s", format)
	}

	return &ContextLogger{
		&logrus.Logger{
			Out:       output,
			Formatter: formatter,
			Hooks:     make(logrus.LevelHooks),
			Level:     logLevel,
		},
	}, nil
}

// InitLogging creates a logger according to the specified config values.
// When filename is empty, logs are written to stderr. The returned closer
// closes the log file, if any.
func InitLogging(level, format, filename string) (*ContextLogger, io.Closer, error) {

	var output io.WriteCloser = nopCloser{os.Stderr}

	if filename != "" {
		file, err := os.OpenFile(
			filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		output = file
	}

	logger, err := NewContextLogger(level, format, output)
	if err != nil {
		output.Close()
		return nil, nil, errors.Trace(err)
	}

	return logger, output, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}
