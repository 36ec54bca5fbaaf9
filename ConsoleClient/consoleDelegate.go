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

package main

import (
	"io"

	"github.com/vpnkit/vpn-connection-core/vpncore"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/localagent"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
)

// consoleDelegate prints LocalAgent notifications to stdout.
type consoleDelegate struct {
	output io.Writer
}

func (delegate *consoleDelegate) DidChangeState(state vpncore.SessionState) {
	printJSON(delegate.output, map[string]interface{}{"state": state, "phase": state.Phase()})
}

func (delegate *consoleDelegate) DidReceiveError(kind vpncore.ErrorKind) {
	printJSON(delegate.output, map[string]interface{}{
		"error":                      kind.String(),
		"code":                       kind.Code(),
		"requiresCertificateRefresh": kind.RequiresCertificateRefresh(),
		"requiresNewKey":             kind.RequiresNewKey(),
	})
}

func (delegate *consoleDelegate) DidReceiveFeatures(features protocol.FeatureSet) {
	printJSON(delegate.output, map[string]interface{}{"features": features})
}

func (delegate *consoleDelegate) DidReceiveStats(stats vpncore.NetShieldStats) {
	printJSON(delegate.output, map[string]interface{}{"netShieldStats": stats})
}

func (delegate *consoleDelegate) DidReceiveConnectionDetails(details localagent.ConnectionDetails) {
	printJSON(delegate.output, map[string]interface{}{"connectionDetails": details})
}
