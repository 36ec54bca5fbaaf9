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

package vpncore

import "fmt"

// ErrorKind classifies the numeric error codes reported by the gateway over
// the control channel.
type ErrorKind int

const (
	ERROR_CERTIFICATE_EXPIRED ErrorKind = iota + 1
	ERROR_CERTIFICATE_NOT_PROVIDED
	ERROR_BAD_CERTIFICATE_SIGNATURE
	ERROR_CERTIFICATE_REVOKED
	ERROR_KEY_USED_MULTIPLE_TIMES
	ERROR_MAX_SESSIONS_UNKNOWN
	ERROR_MAX_SESSIONS_FREE
	ERROR_MAX_SESSIONS_BASIC
	ERROR_MAX_SESSIONS_PLUS
	ERROR_MAX_SESSIONS_VISIONARY
	ERROR_MAX_SESSIONS_PRO
	ERROR_SERVER_ERROR
	ERROR_RESTRICTED_SERVER
	ERROR_GUEST_SESSION
	ERROR_POLICY_VIOLATION_LOW_PLAN
	ERROR_POLICY_VIOLATION_DELINQUENT
	ERROR_USER_TORRENT_NOT_ALLOWED
	ERROR_USER_BAD_BEHAVIOR
	ERROR_SERVER_SESSION_DOES_NOT_MATCH
)

// Gateway error codes. Codes outside this table are not reported to the
// delegate.
var errorKindCodes = map[int]ErrorKind{
	86101: ERROR_POLICY_VIOLATION_LOW_PLAN,
	86102: ERROR_POLICY_VIOLATION_DELINQUENT,
	86103: ERROR_USER_TORRENT_NOT_ALLOWED,
	86104: ERROR_USER_BAD_BEHAVIOR,
	86105: ERROR_GUEST_SESSION,
	86110: ERROR_MAX_SESSIONS_UNKNOWN,
	86111: ERROR_MAX_SESSIONS_FREE,
	86112: ERROR_MAX_SESSIONS_BASIC,
	86113: ERROR_MAX_SESSIONS_PLUS,
	86114: ERROR_MAX_SESSIONS_VISIONARY,
	86115: ERROR_MAX_SESSIONS_PRO,
	86151: ERROR_RESTRICTED_SERVER,
	86202: ERROR_CERTIFICATE_EXPIRED,
	86203: ERROR_CERTIFICATE_REVOKED,
	86211: ERROR_BAD_CERTIFICATE_SIGNATURE,
	86212: ERROR_CERTIFICATE_NOT_PROVIDED,
	86226: ERROR_KEY_USED_MULTIPLE_TIMES,
	86231: ERROR_SERVER_SESSION_DOES_NOT_MATCH,
	86999: ERROR_SERVER_ERROR,
}

// ErrorKindFromCode maps a gateway error code. The result is false for
// unknown codes.
func ErrorKindFromCode(code int) (ErrorKind, bool) {
	kind, ok := errorKindCodes[code]
	return kind, ok
}

// Code returns the gateway error code for kind, or 0.
func (kind ErrorKind) Code() int {
	for code, k := range errorKindCodes {
		if k == kind {
			return code
		}
	}
	return 0
}

func (kind ErrorKind) String() string {
	switch kind {
	case ERROR_CERTIFICATE_EXPIRED:
		return "CertificateExpired"
	case ERROR_CERTIFICATE_NOT_PROVIDED:
		return "CertificateNotProvided"
	case ERROR_BAD_CERTIFICATE_SIGNATURE:
		return "BadCertificateSignature"
	case ERROR_CERTIFICATE_REVOKED:
		return "CertificateRevoked"
	case ERROR_KEY_USED_MULTIPLE_TIMES:
		return "KeyUsedMultipleTimes"
	case ERROR_MAX_SESSIONS_UNKNOWN:
		return "MaxSessionsUnknown"
	case ERROR_MAX_SESSIONS_FREE:
		return "MaxSessionsFree"
	case ERROR_MAX_SESSIONS_BASIC:
		return "MaxSessionsBasic"
	case ERROR_MAX_SESSIONS_PLUS:
		return "MaxSessionsPlus"
	case ERROR_MAX_SESSIONS_VISIONARY:
		return "MaxSessionsVisionary"
	case ERROR_MAX_SESSIONS_PRO:
		return "MaxSessionsPro"
	case ERROR_SERVER_ERROR:
		return "ServerError"
	case ERROR_RESTRICTED_SERVER:
		return "RestrictedServer"
	case ERROR_GUEST_SESSION:
		return "GuestSession"
	case ERROR_POLICY_VIOLATION_LOW_PLAN:
		return "PolicyViolationLowPlan"
	case ERROR_POLICY_VIOLATION_DELINQUENT:
		return "PolicyViolationDelinquent"
	case ERROR_USER_TORRENT_NOT_ALLOWED:
		return "UserTorrentNotAllowed"
	case ERROR_USER_BAD_BEHAVIOR:
		return "UserBadBehavior"
	case ERROR_SERVER_SESSION_DOES_NOT_MATCH:
		return "ServerSessionDoesNotMatch"
	}
	return fmt.Sprintf("Unknown(%d)", int(kind))
}

// RequiresCertificateRefresh is true when reconnecting with a refreshed
// certificate for the same key may resolve the error.
func (kind ErrorKind) RequiresCertificateRefresh() bool {
	return kind == ERROR_CERTIFICATE_EXPIRED || kind == ERROR_CERTIFICATE_NOT_PROVIDED
}

// RequiresNewKey is true when the client key must be regenerated before a
// new certificate is requested.
func (kind ErrorKind) RequiresNewKey() bool {
	switch kind {
	case ERROR_BAD_CERTIFICATE_SIGNATURE,
		ERROR_CERTIFICATE_REVOKED,
		ERROR_KEY_USED_MULTIPLE_TIMES:
		return true
	}
	return false
}

func (kind ErrorKind) IsMaxSessions() bool {
	return kind >= ERROR_MAX_SESSIONS_UNKNOWN && kind <= ERROR_MAX_SESSIONS_PRO
}
