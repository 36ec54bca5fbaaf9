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

import (
	"context"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
)

// NativePinger is the tunnel library's reachability primitive. transport
// is one of protocol.TRANSPORT_UDP, TRANSPORT_TCP or TRANSPORT_TLS.
type NativePinger interface {
	Ping(
		ctx context.Context,
		transport string,
		address string,
		serverPublicKey []byte,
		timeout time.Duration) (bool, error)
}

// nativeLibraryPinger adapts a NativePinger to Pinger. Errors are treated as
// unavailable. The timeout is enforced here as well, so a native call that
// overruns it cannot delay the result.
type nativeLibraryPinger struct {
	logger      common.Logger
	vpnProtocol protocol.VPNProtocol
	native      NativePinger
}

func newNativeLibraryPinger(
	logger common.Logger,
	vpnProtocol protocol.VPNProtocol,
	native NativePinger) *nativeLibraryPinger {

	return &nativeLibraryPinger{
		logger:      logger,
		vpnProtocol: vpnProtocol,
		native:      native,
	}
}

func (pinger *nativeLibraryPinger) Ping(
	ctx context.Context,
	server *protocol.ServerCandidate,
	port int,
	timeout time.Duration) bool {

	entryIP := server.EntryIPFor(pinger.vpnProtocol)
	address := probeAddress(entryIP, port)

	publicKey, err := server.PublicKey()
	if err != nil {
		pinger.logger.WithTraceFields(common.LogFields{
			"protocol": pinger.vpnProtocol,
			"address":  address,
			"error":    err,
		}).Warning("cannot ping without server public key")
		return false
	}

	ctx, cancelFunc := context.WithTimeout(ctx, timeout)
	defer cancelFunc()

	completion := newProbeCompletion()

	go func() {
		ok, err := pinger.native.Ping(
			ctx, pinger.vpnProtocol.Transport(), address, publicKey, timeout)
		if err != nil {
			pinger.logger.WithTraceFields(common.LogFields{
				"protocol": pinger.vpnProtocol,
				"address":  address,
				"error":    err,
			}).Debug("ping failed")
			ok = false
		}
		completion.complete(ok)
	}()

	result := completion.wait(ctx)

	pinger.logger.WithTraceFields(common.LogFields{
		"protocol":  pinger.vpnProtocol,
		"address":   address,
		"available": result,
	}).Debug("ping")

	return result
}
