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

package testutils

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/stacktrace"
)

// TestLogger is a common.Logger that prints to stdout and records messages
// and metrics so tests can assert on them.
type TestLogger struct {
	logLevelDebug int32

	mutex    sync.Mutex
	messages []string
	metrics  []string
}

func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

func (logger *TestLogger) WithTrace() common.LogTrace {
	return &testLoggerTrace{
		logger: logger,
		trace:  stacktrace.GetParentFunctionName(),
	}
}

func (logger *TestLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return &testLoggerTrace{
		logger: logger,
		trace:  stacktrace.GetParentFunctionName(),
		fields: fields,
	}
}

func (logger *TestLogger) LogMetric(metric string, fields common.LogFields) {

	logger.mutex.Lock()
	logger.metrics = append(logger.metrics, metric)
	logger.mutex.Unlock()

	jsonFields, _ := json.Marshal(printableFields(fields))
	fmt.Printf(
		"[%s] METRIC: %s: %s\n",
		time.Now().UTC().Format(time.RFC3339),
		metric,
		string(jsonFields))
}

func (logger *TestLogger) IsLogLevelDebug() bool {
	return atomic.LoadInt32(&logger.logLevelDebug) == 1
}

func (logger *TestLogger) SetLogLevelDebug(logLevelDebug bool) {
	value := int32(0)
	if logLevelDebug {
		value = 1
	}
	atomic.StoreInt32(&logger.logLevelDebug, value)
}

// CountMessages returns the number of logged messages, at any level,
// containing substring.
func (logger *TestLogger) CountMessages(substring string) int {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	count := 0
	for _, message := range logger.messages {
		if strings.Contains(message, substring) {
			count++
		}
	}
	return count
}

// CountMetrics returns the number of times metric was logged.
func (logger *TestLogger) CountMetrics(metric string) int {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	count := 0
	for _, m := range logger.metrics {
		if m == metric {
			count++
		}
	}
	return count
}

func printableFields(fields common.LogFields) common.LogFields {
	printable := common.LogFields{}
	for k, v := range fields {
		switch v := v.(type) {
		case error:
			// Workaround for Go issue 5161: error types marshal to "{}"
			printable[k] = v.Error()
		default:
			printable[k] = v
		}
	}
	return printable
}

type testLoggerTrace struct {
	logger *TestLogger
	trace  string
	fields common.LogFields
}

func (logger *testLoggerTrace) log(priority, message string) {

	logger.logger.mutex.Lock()
	logger.logger.messages = append(logger.logger.messages, message)
	logger.logger.mutex.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if len(logger.fields) == 0 {
		fmt.Printf(
			"[%s] %s: %s: %s\n",
			now, priority, logger.trace, message)
	} else {
		jsonFields, _ := json.Marshal(printableFields(logger.fields))
		fmt.Printf(
			"[%s] %s: %s: %s %s\n",
			now, priority, logger.trace, message, string(jsonFields))
	}
}

func (logger *testLoggerTrace) Debug(args ...interface{}) {
	if !logger.logger.IsLogLevelDebug() {
		return
	}
	logger.log("DEBUG", fmt.Sprint(args...))
}

func (logger *testLoggerTrace) Info(args ...interface{}) {
	logger.log("INFO", fmt.Sprint(args...))
}

func (logger *testLoggerTrace) Warning(args ...interface{}) {
	logger.log("WARNING", fmt.Sprint(args...))
}

func (logger *testLoggerTrace) Error(args ...interface{}) {
	logger.log("ERROR", fmt.Sprint(args...))
}
