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

/*

Package errors wraps errors with the name and line of the function that
created or forwarded them, so a logged error reads as a short trace:

	vpncore.(*SmartProtocol).probe#212: providermessage.(*Sender).Send#97: no data received

All wrapping uses %w; errors.Is and errors.As from the standard library see
through the trace prefixes.

*/
package errors

import (
	"fmt"
	"runtime"

	"github.com/vpnkit/vpn-connection-core/vpncore/common/stacktrace"
)

func callerPrefix() string {
	pc, _, line, _ := runtime.Caller(2)
	return fmt.Sprintf("%s#%d", stacktrace.GetFunctionName(pc), line)
}

// TraceNew returns a new error with the given message, wrapped with the
// caller's function name and line.
func TraceNew(message string) error {
	return fmt.Errorf("%s: %w", callerPrefix(), fmt.Errorf("%s", message))
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller's function name and line. Format verbs including %w behave as
// in fmt.Errorf.
func Tracef(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", callerPrefix(), fmt.Errorf(format, args...))
}

// Trace wraps err with the caller's function name and line. Trace returns nil
// when err is nil.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", callerPrefix(), err)
}

// TraceMsg wraps err with the caller's function name and line and an
// additional message. TraceMsg returns nil when err is nil.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", callerPrefix(), message, err)
}
