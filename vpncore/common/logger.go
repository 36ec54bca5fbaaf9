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

package common

// Logger is the logging port every vpncore component receives at
// construction. vpncore/common/logging provides the production logrus
// implementation; tests use internal/testutils.TestLogger.
type Logger interface {
	WithTrace() LogTrace
	WithTraceFields(fields LogFields) LogTrace
	LogMetric(metric string, fields LogFields)
}

// LogTrace is returned by Logger.WithTrace/WithTraceFields and carries the
// caller trace of the log line.
type LogTrace interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})
}

// LogFields is type-compatible with logrus.Fields.
type LogFields map[string]interface{}

// Add copies log fields from b to a, skipping fields which already exist,
// regardless of value, in a.
func (a LogFields) Add(b LogFields) {
	for name, value := range b {
		_, ok := a[name]
		if !ok {
			a[name] = value
		}
	}
}

// NoopLogger discards all logs and metrics. It is used where a Logger is
// optional and none was supplied.
type NoopLogger struct{}

func (NoopLogger) WithTrace() LogTrace { return noopLogTrace{} }
func (NoopLogger) WithTraceFields(_ LogFields) LogTrace { return noopLogTrace{} }
func (NoopLogger) LogMetric(_ string, _ LogFields) {}

type noopLogTrace struct{}

func (noopLogTrace) Debug(_ ...interface{}) {}
func (noopLogTrace) Info(_ ...interface{}) {}
func (noopLogTrace) Warning(_ ...interface{}) {}
func (noopLogTrace) Error(_ ...interface{}) {}
